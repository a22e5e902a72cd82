// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

type tRater struct {
	rate float64
}

func (r *tRater) Rate() float64 { return r.rate }

func tMonitor(requester *tRequester, fiat FiatRater) (*addressMonitor, *walletTypeDetector, *tNoteSink) {
	cfg := tConfig()
	cfg.ChainParams = &chaincfg.MainNetParams
	cfg.SlowAddrThreshold = 100 * time.Millisecond
	cfg.SlowAddrCooldown = time.Minute
	cfg.TxLookupCap = 10
	gw := tGateway(requester)
	det := newWalletTypeDetector(gw, tLog)
	notes := new(tNoteSink)
	mon := newAddressMonitor(cfg, gw, det, fiat, tLog, notes.add)
	return mon, det, notes
}

func TestMonitorAddValidation(t *testing.T) {
	mon, _, _ := tMonitor(newTRequester(), nil)

	if err := mon.add("notanaddress"); err == nil {
		t.Fatal("invalid address accepted")
	}
	require.NoError(t, mon.add(tProbeAddr))
	// Re-adding is a no-op, not an error.
	require.NoError(t, mon.add(tProbeAddr))
	require.Equal(t, []string{tProbeAddr}, mon.watched())

	mon.remove(tProbeAddr)
	require.Empty(t, mon.watched())
}

func TestScanStrategy(t *testing.T) {
	requester := newTRequester()
	requester.queueRes(methodScanTxOutSet, &scanTxOutResult{
		Success:     true,
		Height:      850000,
		TotalAmount: 1.5,
		Unspents: []*scanTxOutUnspent{
			{TxID: "aa", Vout: 0, Amount: 1.0, Height: 849000},
			{TxID: "bb", Vout: 1, Amount: 0.5, Height: 849990},
		},
	})
	mon, _, _ := tMonitor(requester, &tRater{rate: 100000})
	require.NoError(t, mon.add(tProbeAddr))

	snap := mon.refreshBalance(tProbeAddr)
	require.NotNil(t, snap)
	require.NoError(t, snap.Err)
	require.Equal(t, btcutil.Amount(150_000_000), snap.Confirmed)
	require.Equal(t, uint32(2), snap.UTXOCount)
	require.Equal(t, 150000.0, snap.FiatValue)
	require.False(t, snap.Stamp.IsZero())
	// The wallet-indexed fallback never ran.
	require.Zero(t, requester.callCount(methodListUnspent))
}

func TestStrategyFallbackToIndexed(t *testing.T) {
	requester := newTRequester()
	requester.queueErr(methodScanTxOutSet, errors.New("scan unavailable"))
	requester.queueErr(methodImportAddress, errors.New("address already imported to wallet"))
	requester.queueRes(methodListUnspent, []*ListUnspentResult{
		{TxID: "cc", Vout: 0, Amount: 0.25, Confirmations: 3},
		{TxID: "dd", Vout: 2, Amount: 0.1, Confirmations: 0},
	})
	mon, det, _ := tMonitor(requester, nil)
	det.kind = WalletKindLegacy
	require.NoError(t, mon.add(tProbeAddr))

	snap := mon.refreshBalance(tProbeAddr)
	require.NoError(t, snap.Err)
	require.Equal(t, btcutil.Amount(25_000_000), snap.Confirmed)
	require.Equal(t, btcutil.Amount(10_000_000), snap.Unconfirmed)
	require.Equal(t, uint32(2), snap.UTXOCount)
	// The idempotent import ran exactly once before the lookup.
	require.Equal(t, 1, requester.callCount(methodImportAddress))
}

func TestUnauthorizedAbortsStrategyChain(t *testing.T) {
	requester := newTRequester()
	requester.queueErr(methodScanTxOutSet, errors.New("401 unauthorized"))
	mon, _, _ := tMonitor(requester, nil)
	require.NoError(t, mon.add(tProbeAddr))

	snap := mon.refreshBalance(tProbeAddr)
	require.ErrorIs(t, snap.Err, ErrUnauthorized)
	require.Zero(t, requester.callCount(methodListUnspent),
		"fallback must not run after an authorization failure")
}

func TestErrorSnapshotZeroValued(t *testing.T) {
	requester := newTRequester()
	requester.queueErr(methodScanTxOutSet, errors.New("scan broken"))
	requester.queueErr(methodListUnspent, errors.New("wallet broken"))
	mon, det, notes := tMonitor(requester, nil)
	det.kind = WalletKindDescriptor
	require.NoError(t, mon.add(tProbeAddr))

	// Seed a previous good snapshot to prove it gets replaced, not kept.
	mon.mtx.Lock()
	mon.addrs[tProbeAddr].snapshot = &BalanceSnapshot{Confirmed: 5000}
	mon.mtx.Unlock()

	snap := mon.refreshBalance(tProbeAddr)
	require.Error(t, snap.Err)
	require.Zero(t, snap.Confirmed)
	require.Zero(t, snap.Unconfirmed)
	require.Zero(t, snap.UTXOCount)
	require.False(t, snap.Stamp.IsZero())
	require.Same(t, snap, mon.snapshot(tProbeAddr))

	// The balance note carries a warning severity when the snapshot errored.
	var balNote *BalanceNote
	for _, n := range notes.all() {
		if bn, ok := n.(*BalanceNote); ok {
			balNote = bn
		}
	}
	require.NotNil(t, balNote)
	require.Equal(t, WarningLevel, balNote.Severity())
}

func TestSlowAddressThrottle(t *testing.T) {
	requester := newTRequester()
	requester.delay = 150 * time.Millisecond
	requester.queueRes(methodScanTxOutSet, &scanTxOutResult{Success: true})
	mon, _, _ := tMonitor(requester, nil)
	require.NoError(t, mon.add(tProbeAddr))

	mon.refreshBalance(tProbeAddr)
	now := time.Now()
	require.True(t, mon.throttled(tProbeAddr, now), "slow scan did not throttle the address")
	require.False(t, mon.throttled(tProbeAddr, now.Add(2*time.Minute)),
		"throttle did not expire after the cool-down")

	// refreshAll must skip the throttled address entirely.
	scans := requester.callCount(methodScanTxOutSet)
	mon.refreshAll(time.Now())
	require.Equal(t, scans, requester.callCount(methodScanTxOutSet))

	// A fast successful scan clears the flag.
	requester.delay = 0
	mon.refreshBalance(tProbeAddr)
	require.False(t, mon.throttled(tProbeAddr, time.Now()))
}

func TestErrorRefreshDropsCachedOutputs(t *testing.T) {
	requester := newTRequester()
	requester.queueRes(methodScanTxOutSet, &scanTxOutResult{
		Success:     true,
		Height:      850010,
		TotalAmount: 1.0,
		Unspents:    []*scanTxOutUnspent{{TxID: "ff", Vout: 0, Amount: 1.0, Height: 850001}},
	})
	requester.queueRes(methodGetRawTransaction, map[string]interface{}{"txid": "ff"})
	mon, det, notes := tMonitor(requester, nil)
	det.kind = WalletKindDescriptor
	require.NoError(t, mon.add(tProbeAddr))
	mon.refreshBalance(tProbeAddr)
	require.Len(t, mon.refreshTransactions(tProbeAddr), 1)

	// After a failed refresh the history follows the snapshot: no entries
	// derived from outputs older than the reported error state.
	requester.queueErr(methodScanTxOutSet, errors.New("scan broken"))
	requester.queueErr(methodListUnspent, errors.New("wallet broken"))
	snap := mon.refreshBalance(tProbeAddr)
	require.Error(t, snap.Err)
	require.Empty(t, mon.refreshTransactions(tProbeAddr))

	histNotes := 0
	for _, n := range notes.all() {
		if _, ok := n.(*AddressHistoryNote); ok {
			histNotes++
		}
	}
	require.Equal(t, 1, histNotes)
}

func TestRefreshTransactions(t *testing.T) {
	requester := newTRequester()
	requester.queueRes(methodScanTxOutSet, &scanTxOutResult{
		Success:     true,
		Height:      850010,
		TotalAmount: 1.0,
		Unspents:    []*scanTxOutUnspent{{TxID: "ee", Vout: 0, Amount: 1.0, Height: 850001}},
	})
	requester.queueRes(methodGetRawTransaction, map[string]interface{}{
		"txid":          "ee",
		"confirmations": 10,
		"blocktime":     1700000000,
	})
	mon, _, notes := tMonitor(requester, nil)
	require.NoError(t, mon.add(tProbeAddr))
	mon.refreshBalance(tProbeAddr)

	txs := mon.refreshTransactions(tProbeAddr)
	require.Len(t, txs, 1)
	require.Equal(t, "ee", txs[0].TxID)
	require.Equal(t, int64(10), txs[0].Confirmations)
	require.Equal(t, time.Unix(1700000000, 0), txs[0].BlockTime)

	var histNote *AddressHistoryNote
	for _, n := range notes.all() {
		if hn, ok := n.(*AddressHistoryNote); ok {
			histNote = hn
		}
	}
	require.NotNil(t, histNote)
}
