// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package btc implements an adaptive JSON-RPC client for a Bitcoin Core
// node. The client tunes its polling cadence and call timeouts to the node's
// health and the host's capabilities, monitors address balances with layered
// query strategies, and builds wallet-signed payments. All state changes and
// polled data are delivered on a notification feed.
package btc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alphaprotocol/apnode/apn"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Config configures a Node. Zero durations and counts take defaults tuned
// for a typical home node; timeout fields additionally default per the
// detected host profile.
type Config struct {
	// RPCHost is the node's RPC hostname or IP.
	RPCHost string
	// RPCPort is the node's RPC port.
	RPCPort uint16
	RPCUser string
	RPCPass string

	// ChainParams selects the network for address validation.
	ChainParams *chaincfg.Params

	// ProbeTimeout bounds the TCP reachability probe run before RPC setup.
	ProbeTimeout time.Duration
	// MaxConnectAttempts caps handshake retries within one connect call.
	MaxConnectAttempts int
	// ConnectRetryBase and ConnectRetryIncrement shape the progressive delay
	// between handshake retries.
	ConnectRetryBase      time.Duration
	ConnectRetryIncrement time.Duration
	// FailureThreshold is the number of consecutive failed polling cycles
	// tolerated before the session is torn down.
	FailureThreshold uint32

	// TimeoutBaseline is the starting RPC call timeout. Zero means use the
	// host profile's baseline.
	TimeoutBaseline time.Duration
	// TimeoutCap bounds adaptive timeout growth.
	TimeoutCap time.Duration
	// SlowCallThreshold marks calls that trigger timeout growth. Zero means
	// use the host profile's threshold.
	SlowCallThreshold time.Duration

	// PollIntervalMin and PollIntervalMax bound the adaptive polling
	// interval, and PollStep is the per-cycle adjustment.
	PollIntervalMin time.Duration
	PollIntervalMax time.Duration
	PollStep        time.Duration
	// BlockPollInterval is the fixed cadence of the new-block watcher.
	BlockPollInterval time.Duration

	// SlowAddrThreshold marks an address scan as slow, and SlowAddrCooldown
	// is how long a slow address is skipped afterwards.
	SlowAddrThreshold time.Duration
	SlowAddrCooldown  time.Duration
	// TxLookupCap bounds per-address transaction detail lookups per cycle.
	TxLookupCap int

	// PeerCap bounds the peer list carried on peer notifications.
	PeerCap int

	// FeeConfTarget is the confirmation target for node fee estimation.
	FeeConfTarget int64
	// FallbackFeeRate, in sat/vB, is used when the node has no estimate.
	FallbackFeeRate uint64

	// FiatEstimates enables the background USD rate fetcher.
	FiatEstimates bool

	// Logger receives all client logging. Required.
	Logger apn.Logger
}

func (cfg *Config) setDefaults(profile *hostProfile) {
	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.MainNetParams
	}
	if cfg.RPCHost == "" {
		cfg.RPCHost = "127.0.0.1"
	}
	if cfg.RPCPort == 0 {
		cfg.RPCPort = 8332
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MaxConnectAttempts == 0 {
		cfg.MaxConnectAttempts = 3
	}
	if cfg.ConnectRetryBase == 0 {
		cfg.ConnectRetryBase = time.Second
	}
	if cfg.ConnectRetryIncrement == 0 {
		cfg.ConnectRetryIncrement = 2 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.TimeoutBaseline == 0 {
		cfg.TimeoutBaseline = profile.timeoutBaseline
	}
	if cfg.TimeoutCap == 0 {
		cfg.TimeoutCap = 120 * time.Second
	}
	if cfg.SlowCallThreshold == 0 {
		cfg.SlowCallThreshold = profile.slowThreshold
	}
	if cfg.PollIntervalMin == 0 {
		cfg.PollIntervalMin = 10 * time.Second
	}
	if cfg.PollIntervalMax == 0 {
		cfg.PollIntervalMax = 60 * time.Second
	}
	if cfg.PollStep == 0 {
		cfg.PollStep = 5 * time.Second
	}
	if cfg.BlockPollInterval == 0 {
		cfg.BlockPollInterval = 30 * time.Second
	}
	if cfg.SlowAddrThreshold == 0 {
		cfg.SlowAddrThreshold = cfg.SlowCallThreshold
	}
	if cfg.SlowAddrCooldown == 0 {
		cfg.SlowAddrCooldown = 15 * time.Minute
	}
	if cfg.TxLookupCap == 0 {
		cfg.TxLookupCap = 10
	}
	if cfg.PeerCap == 0 {
		cfg.PeerCap = 20
	}
	if cfg.FeeConfTarget == 0 {
		cfg.FeeConfTarget = 2
	}
	if cfg.FallbackFeeRate == 0 {
		cfg.FallbackFeeRate = 10
	}
}

// Node is the client facade. Create one with New, start it with Connect, and
// consume NotificationFeed for state changes and polled data.
type Node struct {
	log    apn.Logger
	cfg    *Config
	gw     *gateway
	cm     *connManager
	det    *walletTypeDetector
	mon    *addressMonitor
	sched  *scheduler
	sender *txSender
	feed   *noteFeed
	fiat   *coinpaprikaRater

	mtx        sync.Mutex
	cancel     context.CancelFunc
	feedCancel context.CancelFunc
	wg         sync.WaitGroup
	feedWG     sync.WaitGroup
}

// New creates an unconnected Node.
func New(cfg *Config) (*Node, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("no logger configured")
	}
	if cfg.RPCUser == "" || cfg.RPCPass == "" {
		return nil, fmt.Errorf("rpc credentials required")
	}
	profile := probeHost()
	cfg.setDefaults(profile)
	log := cfg.Logger

	if profile.lowPower {
		log.Infof("Low-power host profile active: baseline timeout %s, slow-call threshold %s",
			cfg.TimeoutBaseline, cfg.SlowCallThreshold)
	}

	n := &Node{
		log:  log,
		cfg:  cfg,
		feed: newNoteFeed(),
	}
	n.gw = newGateway(log.SubLogger("RPC"), cfg.SlowCallThreshold, func() time.Duration {
		return n.cm.callTimeout()
	})
	n.cm = newConnManager(cfg, n.gw, profile, log.SubLogger("CONN"), n.feed.notify)
	n.det = newWalletTypeDetector(n.gw, log.SubLogger("WALLET"))
	var rater FiatRater
	if cfg.FiatEstimates {
		n.fiat = newCoinpaprikaRater(log.SubLogger("FIAT"))
		rater = n.fiat
	}
	n.mon = newAddressMonitor(cfg, n.gw, n.det, rater, log.SubLogger("ADDR"), n.feed.notify)
	n.sched = newScheduler(cfg, n.gw, n.cm, n.mon, log.SubLogger("POLL"), n.feed.notify)
	n.sender = newTxSender(cfg, n.gw, n.mon, log.SubLogger("SEND"), n.feed.notify)
	return n, nil
}

// Connect establishes the RPC session and starts the polling loops. The
// initial handshake runs synchronously so credential failures surface here
// rather than on the feed. Background loops stop when ctx is canceled or
// Disconnect is called; the notification feed itself runs until Disconnect
// so teardown notes are delivered even after ctx is canceled.
func (n *Node) Connect(ctx context.Context) error {
	n.mtx.Lock()
	if n.cancel != nil {
		n.mtx.Unlock()
		return fmt.Errorf("already connected")
	}
	runCtx, cancel := context.WithCancel(ctx)
	// The feed outlives the polling loops so the notes emitted during
	// teardown still reach subscribers. Disconnect stops it last.
	feedCtx, feedCancel := context.WithCancel(context.Background())
	n.cancel, n.feedCancel = cancel, feedCancel
	n.mtx.Unlock()

	// The queue is registered before the handshake so its notes are queued
	// even if the dispatcher goroutine has not been scheduled yet.
	n.feed.start()
	n.feedWG.Add(1)
	go func() {
		defer n.feedWG.Done()
		n.feed.run(feedCtx)
	}()

	n.det.reset()
	if err := n.cm.connect(runCtx); err != nil {
		cancel()
		n.wg.Wait()
		feedCancel()
		n.feedWG.Wait()
		n.mtx.Lock()
		n.cancel, n.feedCancel = nil, nil
		n.mtx.Unlock()
		return err
	}

	if n.fiat != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.fiat.Run(runCtx)
		}()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sched.run(runCtx)
	}()
	return nil
}

// Disconnect tears down the session and stops the background loops. The Node
// may be connected again afterwards.
func (n *Node) Disconnect() {
	n.mtx.Lock()
	cancel, feedCancel := n.cancel, n.feedCancel
	n.cancel, n.feedCancel = nil, nil
	n.mtx.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	n.wg.Wait()
	// The loops are down, so the teardown cannot race a reconnect attempt.
	// The session is torn down while the feed still runs so the final status
	// note is delivered before the feed drains and stops.
	n.cm.disconnect()
	feedCancel()
	n.feedWG.Wait()
}

// Status is the current connection status.
func (n *Node) Status() ConnectionStatus {
	return n.cm.currentStatus()
}

// NotificationFeed returns a new channel carrying all notifications from this
// point on. Slow consumers drop notifications rather than stalling the feed.
func (n *Node) NotificationFeed() <-chan Notification {
	return n.feed.feed()
}

// AddAddress begins balance monitoring for the address.
func (n *Node) AddAddress(addr string) error {
	return n.mon.add(addr)
}

// RemoveAddress stops monitoring the address.
func (n *Node) RemoveAddress(addr string) {
	n.mon.remove(addr)
}

// WatchedAddresses lists the monitored addresses.
func (n *Node) WatchedAddresses() []string {
	return n.mon.watched()
}

// Balance returns the last snapshot for a watched address, refreshing first
// if none has been taken yet.
func (n *Node) Balance(addr string) (*BalanceSnapshot, error) {
	snap := n.mon.snapshot(addr)
	if snap == nil {
		if snap = n.mon.refreshBalance(addr); snap == nil {
			return nil, fmt.Errorf("address %s is not monitored", addr)
		}
	}
	return snap, nil
}

// WalletKind reports the detected wallet type, probing if necessary. The
// probe needs a known address; any watched address serves.
func (n *Node) WalletKind() WalletKind {
	probeAddr := ""
	if addrs := n.mon.watched(); len(addrs) > 0 {
		probeAddr = addrs[0]
	}
	return n.det.detect(probeAddr)
}

// Send builds, signs and broadcasts a payment. Amounts are exact satoshi
// values end to end.
func (n *Node) Send(ctx context.Context, req *TransactionRequest) (*TransactionResult, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("invalid send amount %d", req.Amount)
	}
	if _, err := btcutil.DecodeAddress(req.To, n.cfg.ChainParams); err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", req.To, err)
	}
	if err := n.mon.add(req.From); err != nil {
		return nil, err
	}
	return n.sender.send(ctx, req)
}

// RawCall passes an arbitrary RPC straight to the node with the adaptive
// timeout and error classification applied. For diagnostics.
func (n *Node) RawCall(method string, params ...interface{}) (json.RawMessage, error) {
	var res json.RawMessage
	if err := n.gw.call(method, anylist(params), &res); err != nil {
		return nil, err
	}
	return res, nil
}
