// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alphaprotocol/apnode/apn"
	"github.com/btcsuite/btcd/btcutil"
)

// watchedAddress is the monitor's record for one address: the last snapshot,
// scan timing, and the slow flag with the time it was set.
type watchedAddress struct {
	addr        string
	snapshot    *BalanceSnapshot
	utxos       []*utxo
	lastScanDur time.Duration
	lastUpdated time.Time
	// slowSince is zero unless the address has been throttled.
	slowSince time.Time
}

// balanceStrategy is one way of reading an address balance. Strategies are
// pure: (gateway, address) in, snapshot and spendable outpoints out.
type balanceStrategy struct {
	name string
	run  func(gw *gateway, addr string) (*BalanceSnapshot, []*utxo, error)
}

// addressMonitor owns the set of watched addresses, picks a query strategy
// per address, and throttles addresses proven to be slow so a single
// expensive scan cannot stall every polling cycle behind it.
type addressMonitor struct {
	log      apn.Logger
	cfg      *Config
	gw       *gateway
	detector *walletTypeDetector
	notify   func(Notification)
	fiat     FiatRater

	mtx   sync.Mutex
	addrs map[string]*watchedAddress
}

func newAddressMonitor(cfg *Config, gw *gateway, detector *walletTypeDetector,
	fiat FiatRater, log apn.Logger, notify func(Notification)) *addressMonitor {

	return &addressMonitor{
		log:      log,
		cfg:      cfg,
		gw:       gw,
		detector: detector,
		notify:   notify,
		fiat:     fiat,
		addrs:    make(map[string]*watchedAddress),
	}
}

// add begins monitoring the address. Adding an address that is already
// monitored is a no-op.
func (m *addressMonitor) add(addr string) error {
	if _, err := btcutil.DecodeAddress(addr, m.cfg.ChainParams); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, found := m.addrs[addr]; found {
		return nil
	}
	m.addrs[addr] = &watchedAddress{addr: addr}
	m.log.Debugf("Monitoring address %s", addr)
	return nil
}

// remove stops monitoring the address.
func (m *addressMonitor) remove(addr string) {
	m.mtx.Lock()
	delete(m.addrs, addr)
	m.mtx.Unlock()
}

// watched returns the monitored addresses, sorted for deterministic polling
// order.
func (m *addressMonitor) watched() []string {
	m.mtx.Lock()
	addrs := make([]string, 0, len(m.addrs))
	for addr := range m.addrs {
		addrs = append(addrs, addr)
	}
	m.mtx.Unlock()
	sort.Strings(addrs)
	return addrs
}

// snapshot returns the last balance snapshot for the address, or nil if the
// address is not monitored or has not been refreshed yet.
func (m *addressMonitor) snapshot(addr string) *BalanceSnapshot {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if wa, found := m.addrs[addr]; found {
		return wa.snapshot
	}
	return nil
}

// throttled returns true while the address is inside its slow cool-down
// window.
func (m *addressMonitor) throttled(addr string, now time.Time) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	wa, found := m.addrs[addr]
	if !found || wa.slowSince.IsZero() {
		return false
	}
	return now.Sub(wa.slowSince) < m.cfg.SlowAddrCooldown
}

// refreshAll refreshes every non-throttled watched address. Per-address
// failures are absorbed into error snapshots and do not abort the pass.
func (m *addressMonitor) refreshAll(now time.Time) {
	for _, addr := range m.watched() {
		if m.throttled(addr, now) {
			m.log.Tracef("Skipping slow address %s during cool-down", addr)
			continue
		}
		m.refreshBalance(addr)
		m.refreshTransactions(addr)
	}
}

// refreshBalance runs the strategy chain for the address and emits a
// BalanceNote. On failure the previous snapshot is replaced with a
// zero-valued one carrying the error, never left stale.
func (m *addressMonitor) refreshBalance(addr string) *BalanceSnapshot {
	m.mtx.Lock()
	wa, found := m.addrs[addr]
	m.mtx.Unlock()
	if !found {
		return nil
	}

	start := time.Now()
	snap, utxos, err := m.queryBalance(addr)
	took := time.Since(start)

	if err != nil {
		snap = &BalanceSnapshot{Stamp: time.Now(), Err: err}
		utxos = nil
	} else {
		snap.Stamp = time.Now()
		if m.fiat != nil {
			if rate := m.fiat.Rate(); rate > 0 {
				snap.FiatValue = (snap.Confirmed + snap.Unconfirmed).ToBTC() * rate
			}
		}
	}

	m.mtx.Lock()
	wa.lastScanDur = took
	wa.lastUpdated = snap.Stamp
	if took > m.cfg.SlowAddrThreshold {
		if wa.slowSince.IsZero() {
			m.log.Infof("Address %s scan took %s, throttling for %s", addr, took, m.cfg.SlowAddrCooldown)
		}
		wa.slowSince = time.Now()
	} else if err == nil {
		// A fresh fast scan clears the slow flag.
		wa.slowSince = time.Time{}
	}
	wa.snapshot = snap
	// Mirror the snapshot. An error refresh also drops the cached outputs so
	// history is never derived from data older than the reported state.
	wa.utxos = utxos
	m.mtx.Unlock()

	m.notify(newBalanceNote(addr, snap))
	return snap
}

// queryBalance tries each strategy in order, falling back on any failure
// except an authorization one.
func (m *addressMonitor) queryBalance(addr string) (*BalanceSnapshot, []*utxo, error) {
	strategies := []balanceStrategy{
		{name: "utxo-scan", run: scanBalance},
		{name: "wallet-indexed", run: m.indexedBalance},
	}
	var lastErr error
	for _, strat := range strategies {
		snap, utxos, err := strat.run(m.gw, addr)
		if err == nil {
			return snap, utxos, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, nil, err
		}
		m.log.Debugf("Balance strategy %s failed for %s: %v", strat.name, addr, err)
		lastErr = err
	}
	return nil, nil, lastErr
}

// scanBalance is the full UTXO-set scan strategy. It works for any address
// regardless of wallet membership, but only sees confirmed outputs.
func scanBalance(gw *gateway, addr string) (*BalanceSnapshot, []*utxo, error) {
	res, err := gw.scanTxOutSet(addr)
	if err != nil {
		return nil, nil, err
	}
	if !res.Success {
		return nil, nil, apn.NewError(ErrTransient, "utxo scan did not complete")
	}
	utxos := make([]*utxo, 0, len(res.Unspents))
	for _, u := range res.Unspents {
		confs := int64(1)
		if res.Height > 0 && u.Height > 0 {
			confs = res.Height - u.Height + 1
		}
		utxos = append(utxos, &utxo{
			txID:          u.TxID,
			vout:          u.Vout,
			amount:        toSatoshi(u.Amount),
			confirmations: confs,
		})
	}
	return &BalanceSnapshot{
		Confirmed: toSatoshi(res.TotalAmount),
		UTXOCount: uint32(len(res.Unspents)),
	}, utxos, nil
}

// indexedBalance is the wallet-indexed lookup strategy, only valid if the
// address is imported into or owned by the wallet. On legacy wallets the
// address is imported first; "already imported" is success.
func (m *addressMonitor) indexedBalance(gw *gateway, addr string) (*BalanceSnapshot, []*utxo, error) {
	if m.detector.detect(addr) == WalletKindLegacy {
		if err := gw.importAddress(addr); err != nil && !isAlreadyImportedErr(err) {
			// Not fatal for the lookup itself. The wallet may already know
			// the address from a previous run.
			m.log.Debugf("importaddress %s: %v", addr, err)
		}
	}
	unspents, err := gw.listUnspent(addr)
	if err != nil {
		return nil, nil, err
	}
	snap := new(BalanceSnapshot)
	utxos := make([]*utxo, 0, len(unspents))
	for _, u := range unspents {
		amt := toSatoshi(u.Amount)
		if u.Confirmations > 0 {
			snap.Confirmed += amt
		} else {
			snap.Unconfirmed += amt
		}
		utxos = append(utxos, &utxo{
			txID:          u.TxID,
			vout:          u.Vout,
			amount:        amt,
			confirmations: u.Confirmations,
		})
	}
	snap.UTXOCount = uint32(len(unspents))
	return snap, utxos, nil
}

// isAlreadyImportedErr will return true if an importaddress failure just
// means the address was imported before, which is success for our purposes.
func isAlreadyImportedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already") &&
		(strings.Contains(msg, "import") || strings.Contains(msg, "wallet"))
}

// refreshTransactions derives history entries from the last known UTXO set,
// decorating a capped number of them with lookup data. This is opportunistic:
// no chain index is maintained, so the result is not a complete ledger.
func (m *addressMonitor) refreshTransactions(addr string) []*AddressTx {
	m.mtx.Lock()
	wa, found := m.addrs[addr]
	var utxos []*utxo
	if found {
		utxos = wa.utxos
	}
	m.mtx.Unlock()
	if !found || len(utxos) == 0 {
		return nil
	}

	txs := make([]*AddressTx, 0, len(utxos))
	for i, u := range utxos {
		atx := &AddressTx{
			TxID:          u.txID,
			Amount:        u.amount,
			Confirmations: u.confirmations,
		}
		if i < m.cfg.TxLookupCap {
			if raw, err := m.gw.getRawTransactionVerbose(u.txID); err == nil {
				atx.Confirmations = int64(raw.Confirmations)
				if raw.Blocktime > 0 {
					atx.BlockTime = time.Unix(raw.Blocktime, 0)
				}
			}
		}
		txs = append(txs, atx)
	}
	m.notify(newAddressHistoryNote(addr, txs))
	return txs
}
