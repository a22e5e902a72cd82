// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alphaprotocol/apnode/apn"
	"github.com/lightningnetwork/lnd/ticker"
)

// scheduler drives the polling loop. The interval adapts to node health:
// clean cycles relax it toward the floor, failures and busy nodes stretch it
// toward the ceiling so a struggling node is not hammered.
type scheduler struct {
	log    apn.Logger
	cfg    *Config
	gw     *gateway
	cm     *connManager
	mon    *addressMonitor
	notify func(Notification)

	mtx      sync.Mutex
	interval time.Duration
	tipHash  string
	// fatal is latched when a reconnect is rejected for bad credentials.
	// Further attempts are pointless until the caller intervenes.
	fatal bool
}

func newScheduler(cfg *Config, gw *gateway, cm *connManager, mon *addressMonitor,
	log apn.Logger, notify func(Notification)) *scheduler {

	return &scheduler{
		log:      log,
		cfg:      cfg,
		gw:       gw,
		cm:       cm,
		mon:      mon,
		notify:   notify,
		interval: cfg.PollIntervalMin,
	}
}

// pollInterval is the current adaptive interval.
func (s *scheduler) pollInterval() time.Duration {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.interval
}

// adjustInterval moves the interval one step toward the floor after a clean
// cycle, or toward the ceiling otherwise.
func (s *scheduler) adjustInterval(ok bool) time.Duration {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if ok {
		s.interval -= s.cfg.PollStep
		if s.interval < s.cfg.PollIntervalMin {
			s.interval = s.cfg.PollIntervalMin
		}
	} else {
		s.interval += s.cfg.PollStep
		if s.interval > s.cfg.PollIntervalMax {
			s.interval = s.cfg.PollIntervalMax
		}
	}
	return s.interval
}

// run is the polling loop. It returns when the context is canceled.
func (s *scheduler) run(ctx context.Context) {
	s.mtx.Lock()
	s.fatal = false
	s.mtx.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watchBlocks(ctx)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		res := s.tick(ctx)
		next := s.adjustInterval(res.OK && !res.Busy)
		s.log.Tracef("Poll cycle ok=%t busy=%t latency=%s, next in %s",
			res.OK, res.Busy, res.Latency, next)
		timer.Reset(next)
	}
}

// tick runs one polling cycle and reports the result to the connection
// manager so it can track failures and decay the call timeout.
func (s *scheduler) tick(ctx context.Context) *PollCycleResult {
	res := new(PollCycleResult)
	defer func() { s.cm.cycleResult(res) }()

	if s.cm.currentStatus() == Disconnected {
		s.mtx.Lock()
		fatal := s.fatal
		s.mtx.Unlock()
		if fatal {
			return res
		}
		if err := s.cm.connect(ctx); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				// Retrying with the same credentials cannot succeed. Stay
				// down until the caller reconnects.
				s.log.Errorf("Reconnect rejected: %v", err)
				s.mtx.Lock()
				s.fatal = true
				s.mtx.Unlock()
			} else {
				s.log.Debugf("Reconnect attempt failed: %v", err)
			}
			return res
		}
	}

	start := time.Now()
	info, err := s.gw.getBlockchainInfo()
	res.Latency = time.Since(start)
	if err != nil {
		if errors.Is(err, ErrTransient) {
			// Absorbed locally. The connection manager surfaces persistent
			// degradation when the failure threshold is crossed.
			s.log.Debugf("Chain query failed: %v", err)
		} else {
			s.notify(newErrorNote("Chain query", err.Error(), ErrorLevel))
		}
		return res
	}
	res.OK = true
	s.notify(newChainInfoNote(info))

	busy := nodeBusy(info)
	s.cm.setBusy(busy, info)
	res.Busy = busy
	if busy {
		// Shed load while the node is syncing or warming up. Chain info
		// alone is enough to track its progress.
		return res
	}

	if netInfo, err := s.gw.getNetworkInfo(); err == nil {
		s.notify(newNetworkInfoNote(netInfo))
	} else {
		s.log.Debugf("getnetworkinfo: %v", err)
	}
	if memInfo, err := s.gw.getMempoolInfo(); err == nil {
		s.notify(newMempoolNote(memInfo))
	} else {
		s.log.Debugf("getmempoolinfo: %v", err)
	}
	if peers, err := s.gw.getPeerInfo(); err == nil {
		if len(peers) > s.cfg.PeerCap {
			peers = peers[:s.cfg.PeerCap]
		}
		s.notify(newPeersNote(peers))
	} else {
		s.log.Debugf("getpeerinfo: %v", err)
	}

	s.mon.refreshAll(time.Now())
	return res
}

// watchBlocks polls the best block hash on a fixed short cadence, emitting a
// BlockNote when the tip changes. Runs independently of the adaptive loop so
// new blocks are seen promptly even when polling has backed off.
func (s *scheduler) watchBlocks(ctx context.Context) {
	blockTicker := ticker.New(s.cfg.BlockPollInterval)
	blockTicker.Resume()
	defer blockTicker.Stop()
	for {
		select {
		case <-blockTicker.Ticks():
			if s.cm.currentStatus() == Disconnected {
				continue
			}
			hash, err := s.gw.getBestBlockHash()
			if err != nil {
				continue
			}
			s.mtx.Lock()
			changed := hash != s.tipHash && s.tipHash != ""
			first := s.tipHash == ""
			s.tipHash = hash
			s.mtx.Unlock()
			if first {
				continue
			}
			if changed {
				if blk, err := s.gw.getBlockVerbose(hash); err == nil {
					s.notify(newBlockNote(blk))
				} else {
					s.log.Debugf("getblock %s: %v", hash, err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
