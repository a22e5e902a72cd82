// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func tScheduler(requester *tRequester) (*scheduler, *connManager, *tNoteSink) {
	cfg := tConfig()
	cfg.ChainParams = &chaincfg.MainNetParams
	cfg.PollIntervalMin = 10 * time.Second
	cfg.PollIntervalMax = 60 * time.Second
	cfg.PollStep = 5 * time.Second
	cfg.BlockPollInterval = 10 * time.Millisecond
	cfg.SlowAddrThreshold = time.Second
	cfg.SlowAddrCooldown = time.Minute
	cfg.TxLookupCap = 10
	cfg.PeerCap = 2

	cm, gw, notes := tConnManager(cfg, requester)
	det := newWalletTypeDetector(gw, tLog)
	det.kind = WalletKindDescriptor
	mon := newAddressMonitor(cfg, gw, det, nil, tLog, notes.add)
	return newScheduler(cfg, gw, cm, mon, tLog, notes.add), cm, notes
}

func queueHealthyNode(requester *tRequester) {
	requester.queueRes(methodGetBlockchainInfo, syncedChainInfo())
	requester.queueRes(methodGetNetworkInfo, &GetNetworkInfoResult{Version: 270000, Connections: 12})
	requester.queueRes(methodGetMempoolInfo, &GetMempoolInfoResult{Size: 1000})
	requester.queueRes(methodGetPeerInfo, []*PeerInfo{
		{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4},
	})
}

func TestAdaptiveInterval(t *testing.T) {
	sched, _, _ := tScheduler(newTRequester())

	// Failures stretch the interval toward the ceiling.
	for i := 0; i < 20; i++ {
		sched.adjustInterval(false)
	}
	require.Equal(t, sched.cfg.PollIntervalMax, sched.pollInterval())

	// Clean cycles relax it back down to the floor, never past it.
	for i := 0; i < 20; i++ {
		sched.adjustInterval(true)
	}
	require.Equal(t, sched.cfg.PollIntervalMin, sched.pollInterval())
}

func TestTickHealthyNode(t *testing.T) {
	requester := newTRequester()
	queueHealthyNode(requester)
	sched, cm, notes := tScheduler(requester)

	res := sched.tick(context.Background())
	require.True(t, res.OK)
	require.False(t, res.Busy)
	require.Equal(t, Connected, cm.currentStatus())

	var chainSeen, netSeen, mempoolSeen bool
	var peersNote *PeersNote
	for _, n := range notes.all() {
		switch note := n.(type) {
		case *ChainInfoNote:
			chainSeen = true
		case *NetworkInfoNote:
			netSeen = true
		case *MempoolNote:
			mempoolSeen = true
		case *PeersNote:
			peersNote = note
		}
	}
	require.True(t, chainSeen)
	require.True(t, netSeen)
	require.True(t, mempoolSeen)
	require.NotNil(t, peersNote)
	// The peer list is capped.
	require.Len(t, peersNote.Peers, 2)
}

func TestTickBusyNodeShedsLoad(t *testing.T) {
	requester := newTRequester()
	requester.queueRes(methodGetBlockchainInfo, &GetBlockchainInfoResult{
		Chain:                "main",
		Blocks:               350000,
		Headers:              850000,
		VerificationProgress: 0.42,
		InitialBlockDownload: true,
	})
	sched, cm, _ := tScheduler(requester)

	res := sched.tick(context.Background())
	require.True(t, res.OK)
	require.True(t, res.Busy)
	require.Equal(t, Busy, cm.currentStatus())
	// Only chain info is polled while the node syncs.
	require.Zero(t, requester.callCount(methodGetNetworkInfo))
	require.Zero(t, requester.callCount(methodGetMempoolInfo))
	require.Zero(t, requester.callCount(methodGetPeerInfo))
}

func TestTickReconnects(t *testing.T) {
	requester := newTRequester()
	queueHealthyNode(requester)
	sched, cm, _ := tScheduler(requester)
	require.Equal(t, Disconnected, cm.currentStatus())

	res := sched.tick(context.Background())
	require.True(t, res.OK)
	require.Equal(t, Connected, cm.currentStatus())
}

func TestTickTransientErrorAbsorbed(t *testing.T) {
	requester := newTRequester()
	queueHealthyNode(requester)
	sched, cm, notes := tScheduler(requester)
	require.NoError(t, cm.connect(context.Background()))

	// A transient chain query failure only feeds the failure counter. No
	// error note reaches subscribers until the threshold disconnect.
	requester.queueErr(methodGetBlockchainInfo, errors.New("work queue depth exceeded"))
	res := sched.tick(context.Background())
	require.False(t, res.OK)
	for _, n := range notes.all() {
		if en, ok := n.(*ErrorNote); ok {
			t.Fatalf("transient failure surfaced as error note: %s", en.Details())
		}
	}

	// An unclassified failure is surfaced.
	requester.queueErr(methodGetBlockchainInfo, errors.New("the pipes are broken"))
	res = sched.tick(context.Background())
	require.False(t, res.OK)
	var errNote *ErrorNote
	for _, n := range notes.all() {
		if en, ok := n.(*ErrorNote); ok {
			errNote = en
		}
	}
	require.NotNil(t, errNote)
}

func TestTickUnauthorizedStopsReconnecting(t *testing.T) {
	requester := newTRequester()
	requester.queueErr(methodGetBlockchainInfo, errors.New("401 unauthorized"))
	sched, cm, _ := tScheduler(requester)
	require.Equal(t, Disconnected, cm.currentStatus())

	res := sched.tick(context.Background())
	require.False(t, res.OK)
	require.Equal(t, 1, requester.callCount(methodGetBlockchainInfo))

	// Credential rejection latches. Later ticks stop hammering the node with
	// a handshake that cannot succeed.
	for i := 0; i < 3; i++ {
		sched.tick(context.Background())
	}
	require.Equal(t, 1, requester.callCount(methodGetBlockchainInfo))
	sched.mtx.Lock()
	fatal := sched.fatal
	sched.mtx.Unlock()
	require.True(t, fatal)
}

func TestWatchBlocksEmitsOnTipChange(t *testing.T) {
	requester := newTRequester()
	queueHealthyNode(requester)
	requester.queueRes(methodGetBestBlockHash, "hash-one")
	requester.queueRes(methodGetBlock, &GetBlockVerboseResult{Hash: "hash-two", Height: 850001})
	sched, _, notes := tScheduler(requester)
	require.NoError(t, sched.cm.connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.watchBlocks(ctx)
		close(done)
	}()

	// Wait for the watcher to latch the first tip, then move it.
	require.Eventually(t, func() bool {
		sched.mtx.Lock()
		defer sched.mtx.Unlock()
		return sched.tipHash == "hash-one"
	}, time.Second, 5*time.Millisecond)
	requester.queueRes(methodGetBestBlockHash, "hash-two")

	require.Eventually(t, func() bool {
		for _, n := range notes.all() {
			if _, ok := n.(*BlockNote); ok {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
