// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tNode builds a full Node wired to a scripted requester, with the TCP probe
// and RPC transport stubbed out.
func tNode(t *testing.T, requester *tRequester) *Node {
	t.Helper()
	cfg := tConfig()
	cfg.Logger = tLog
	n, err := New(cfg)
	require.NoError(t, err)
	n.cm.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return &tConn{}, nil
	}
	n.cm.newRequester = func() (RawRequester, func(), error) {
		return requester, func() {}, nil
	}
	return n
}

func TestNodeLifecycle(t *testing.T) {
	requester := newTRequester()
	queueHealthyNode(requester)
	n := tNode(t, requester)
	feed := n.NotificationFeed()

	require.NoError(t, n.Connect(context.Background()))
	require.Equal(t, Connected, n.Status())
	require.Error(t, n.Connect(context.Background()), "double connect accepted")

	// Disconnect must complete, and the final status note must reach
	// subscribers before the feed stops.
	n.Disconnect()
	require.Equal(t, Disconnected, n.Status())

	var sawDisconnected bool
	for drained := false; !drained; {
		select {
		case note := <-feed:
			if cn, ok := note.(*ConnectionNote); ok && cn.Status == Disconnected {
				sawDisconnected = true
			}
		default:
			drained = true
		}
	}
	require.True(t, sawDisconnected, "teardown status note was not delivered")

	// The session can be brought back up after a full teardown.
	require.NoError(t, n.Connect(context.Background()))
	require.Equal(t, Connected, n.Status())
	n.Disconnect()
	require.Equal(t, Disconnected, n.Status())

	// Disconnecting an already-disconnected node is a no-op.
	n.Disconnect()
}

func TestNodeBalanceBeforeConnect(t *testing.T) {
	n := tNode(t, newTRequester())
	require.NoError(t, n.AddAddress(tProbeAddr))

	// With no session the refresh fails fast with an error snapshot. It must
	// not block on the stopped feed.
	var snap *BalanceSnapshot
	var err error
	done := make(chan struct{})
	go func() {
		snap, err = n.Balance(tProbeAddr)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Balance blocked with no feed running")
	}
	require.NoError(t, err)
	require.Error(t, snap.Err)
	require.Zero(t, snap.Confirmed)
}
