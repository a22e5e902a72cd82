// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alphaprotocol/apnode/apn"
)

// FiatRater supplies a USD exchange rate for balance estimates. A zero rate
// means no estimate is available.
type FiatRater interface {
	Rate() float64
}

const (
	coinpaprikaURL     = "https://api.coinpaprika.com/v1/tickers/btc-bitcoin"
	fiatRequestTimeout = time.Second * 5
	fiatRefreshCadence = time.Minute * 5
)

// coinpaprikaRater fetches the BTC/USD rate from the free coinpaprika API
// and caches it. Fetch failures keep the last known rate.
type coinpaprikaRater struct {
	log apn.Logger

	mtx  sync.RWMutex
	rate float64
}

func newCoinpaprikaRater(log apn.Logger) *coinpaprikaRater {
	return &coinpaprikaRater{log: log}
}

// Rate returns the cached rate. Zero until the first successful fetch.
func (r *coinpaprikaRater) Rate() float64 {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.rate
}

// Run refreshes the rate on a fixed cadence until the context is canceled.
func (r *coinpaprikaRater) Run(ctx context.Context) {
	tick := time.NewTicker(fiatRefreshCadence)
	defer tick.Stop()
	for {
		if rate, err := fetchCoinpaprikaRate(ctx); err == nil {
			r.mtx.Lock()
			r.rate = rate
			r.mtx.Unlock()
		} else {
			r.log.Debugf("Fiat rate fetch error: %v", err)
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return
		}
	}
}

func fetchCoinpaprikaRate(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, fiatRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, coinpaprikaURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coinpaprika status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var ticker struct {
		Quotes struct {
			USD struct {
				Price float64 `json:"price"`
			} `json:"USD"`
		} `json:"quotes"`
	}
	if err := json.Unmarshal(b, &ticker); err != nil {
		return 0, fmt.Errorf("unmarshal ticker: %w", err)
	}
	if ticker.Quotes.USD.Price <= 0 {
		return 0, fmt.Errorf("no USD quote in ticker response")
	}
	return ticker.Quotes.USD.Price, nil
}
