// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alphaprotocol/apnode/apn"
	"github.com/btcsuite/btcd/rpcclient"
)

// ConnectionStatus describes the node connection state machine:
// Disconnected -> Connecting -> Connected <-> Busy -> Disconnected.
type ConnectionStatus uint8

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
	// Busy means the RPC session is up but the node is still syncing, so
	// expensive queries are deliberately avoided.
	Busy
)

// String satisfies fmt.Stringer.
func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Busy:
		return "busy"
	}
	return "unknown status"
}

// hostProfile is the host capability reading taken once at startup. A
// constrained host gets long timeouts and slow polling; a fast host gets the
// aggressive profile.
type hostProfile struct {
	lowPower        bool
	timeoutBaseline time.Duration
	slowThreshold   time.Duration
}

// lowPowerArchs are CPU architectures that signal a constrained host, e.g. a
// Raspberry Pi running a pruned node.
var lowPowerArchs = map[string]bool{
	"arm":      true,
	"mips":     true,
	"mipsle":   true,
	"mips64":   true,
	"mips64le": true,
	"riscv64":  true,
}

// probeHost reads CPU architecture, core count, and total memory to pick a
// timeout profile.
func probeHost() *hostProfile {
	lowPower := lowPowerArchs[runtime.GOARCH] || runtime.NumCPU() <= 2
	if !lowPower && runtime.GOARCH == "arm64" {
		// arm64 covers everything from phones to server racks. Use memory as
		// the tie breaker.
		if mem := totalMemoryMB(); mem > 0 && mem <= 4096 {
			lowPower = true
		}
	}
	p := &hostProfile{
		lowPower:        lowPower,
		timeoutBaseline: 15 * time.Second,
		slowThreshold:   5 * time.Second,
	}
	if lowPower {
		p.timeoutBaseline = 30 * time.Second
		p.slowThreshold = 10 * time.Second
	}
	return p
}

// totalMemoryMB returns the host's total memory in MB, or 0 if it cannot be
// determined.
func totalMemoryMB() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}

// connManager owns the RPC session and the connection state: status, the
// consecutive-failure counter, and the adaptive call timeout. No other
// component ever touches the raw session.
type connManager struct {
	log     apn.Logger
	cfg     *Config
	gw      *gateway
	notify  func(Notification)
	profile *hostProfile
	// dial is the reachability probe, a var for testing.
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
	// newRequester creates the RPC transport, a var for testing.
	newRequester func() (RawRequester, func(), error)

	mtx      sync.Mutex
	status   ConnectionStatus
	failures uint32
	timeout  time.Duration
	shutdown func()
}

func newConnManager(cfg *Config, gw *gateway, profile *hostProfile, log apn.Logger, notify func(Notification)) *connManager {
	cm := &connManager{
		log:     log,
		cfg:     cfg,
		gw:      gw,
		notify:  notify,
		profile: profile,
		dial:    net.DialTimeout,
		status:  Disconnected,
		timeout: cfg.TimeoutBaseline,
	}
	cm.newRequester = cm.newRPCClient
	gw.slowCall = cm.noteSlowCall
	return cm
}

// newRPCClient creates the production bitcoind HTTP POST JSON-RPC client.
func (cm *connManager) newRPCClient() (RawRequester, func(), error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		HTTPPostMode: true,
		DisableTLS:   true,
		Host:         cm.addr(),
		User:         cm.cfg.RPCUser,
		Pass:         cm.cfg.RPCPass,
	}, nil)
	if err != nil {
		return nil, nil, err
	}
	return client, func() {
		client.Shutdown()
		client.WaitForShutdown()
	}, nil
}

func (cm *connManager) addr() string {
	return net.JoinHostPort(cm.cfg.RPCHost, strconv.Itoa(int(cm.cfg.RPCPort)))
}

// callTimeout is the current adaptive timeout, handed to the gateway.
func (cm *connManager) callTimeout() time.Duration {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	return cm.timeout
}

// connect brings the session from Disconnected to Connected (or Busy when the
// node is still syncing). Transient and unknown handshake failures are
// retried with progressive backoff up to MaxConnectAttempts. An unauthorized
// classification aborts immediately with a fatal error.
func (cm *connManager) connect(ctx context.Context) error {
	cm.setStatus(Connecting, "connecting to "+cm.addr())

	// Reachability probe first, to fail fast on "node not running" without
	// burning a full RPC timeout.
	conn, err := cm.dial("tcp", cm.addr(), cm.cfg.ProbeTimeout)
	if err != nil {
		cm.setStatus(Disconnected, "")
		return apn.NewError(ErrTransient, fmt.Sprintf("node unreachable at %s: %v", cm.addr(), err))
	}
	conn.Close()

	requester, shutdown, err := cm.newRequester()
	if err != nil {
		cm.setStatus(Disconnected, "")
		return apn.NewError(ErrUnknown, fmt.Sprintf("error creating RPC client: %v", err))
	}
	cm.gw.setRequester(requester)

	var lastErr error
	for attempt := 0; attempt < cm.cfg.MaxConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := cm.cfg.ConnectRetryBase + time.Duration(attempt)*cm.cfg.ConnectRetryIncrement
			cm.log.Debugf("Connect attempt %d failed, retrying in %s: %v", attempt, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				cm.teardown(shutdown)
				return ctx.Err()
			}
		}

		info, err := cm.gw.getBlockchainInfo()
		if err == nil {
			cm.mtx.Lock()
			cm.failures = 0
			cm.mtx.Unlock()
			if nodeBusy(info) {
				cm.setStatus(Busy, fmt.Sprintf("node syncing, verification %.1f%%", info.VerificationProgress*100))
			} else {
				cm.setStatus(Connected, fmt.Sprintf("connected to %s node at height %d", info.Chain, info.Blocks))
			}
			cm.mtx.Lock()
			cm.shutdown = shutdown
			cm.mtx.Unlock()
			return nil
		}

		if errors.Is(err, ErrUnauthorized) {
			cm.teardown(shutdown)
			cm.notify(newErrorNote(string(ErrUnauthorized), "RPC credentials rejected by "+cm.addr(), ErrorLevel))
			return err
		}
		lastErr = err
	}

	cm.teardown(shutdown)
	return apn.NewError(ErrTransient, fmt.Sprintf("gave up after %d attempts: %v", cm.cfg.MaxConnectAttempts, lastErr))
}

func (cm *connManager) teardown(shutdown func()) {
	cm.gw.setRequester(nil)
	if shutdown != nil {
		shutdown()
	}
	cm.setStatus(Disconnected, "")
}

// disconnect tears down the session. Safe to call when already disconnected.
func (cm *connManager) disconnect() {
	cm.mtx.Lock()
	shutdown := cm.shutdown
	cm.shutdown = nil
	cm.failures = 0
	cm.timeout = cm.cfg.TimeoutBaseline
	cm.mtx.Unlock()
	if shutdown == nil && cm.currentStatus() == Disconnected {
		return
	}
	cm.teardown(shutdown)
}

// currentStatus returns the connection status.
func (cm *connManager) currentStatus() ConnectionStatus {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	return cm.status
}

// setStatus transitions the state machine, notifying on any change.
func (cm *connManager) setStatus(status ConnectionStatus, msg string) {
	cm.mtx.Lock()
	changed := cm.status != status
	cm.status = status
	cm.mtx.Unlock()
	if !changed {
		return
	}
	cm.log.Infof("Connection status: %s", status)
	cm.notify(newConnectionNote(status, msg))
	if msg != "" {
		cm.notify(newStatusNote(msg))
	}
}

// setBusy flips between Connected and Busy based on the latest chain info.
func (cm *connManager) setBusy(busy bool, info *GetBlockchainInfoResult) {
	switch {
	case busy && cm.currentStatus() == Connected:
		cm.setStatus(Busy, fmt.Sprintf("node syncing, verification %.1f%%", info.VerificationProgress*100))
	case !busy && cm.currentStatus() == Busy:
		cm.setStatus(Connected, fmt.Sprintf("node synced at height %d", info.Blocks))
	}
}

// cycleResult feeds one scheduler tick outcome into the failure counter and
// the adaptive timeout. Returns true if the failure threshold was crossed and
// a disconnect was forced, so that prolonged degradation produces a clean
// reconnect cycle instead of polling forever in a half-broken state.
func (cm *connManager) cycleResult(res *PollCycleResult) (forcedDisconnect bool) {
	cm.mtx.Lock()
	if res.OK {
		cm.failures = 0
		// Decay the adaptive timeout back toward the baseline in bounded
		// steps, never below it.
		if cm.timeout > cm.cfg.TimeoutBaseline {
			excess := cm.timeout - cm.cfg.TimeoutBaseline
			cm.timeout = cm.cfg.TimeoutBaseline + excess*3/4
			if cm.timeout-cm.cfg.TimeoutBaseline < 100*time.Millisecond {
				cm.timeout = cm.cfg.TimeoutBaseline
			}
		}
		cm.mtx.Unlock()
		return false
	}
	cm.failures++
	exceeded := cm.failures > cm.cfg.FailureThreshold
	cm.mtx.Unlock()
	if exceeded {
		cm.log.Warnf("Consecutive failure threshold (%d) exceeded, disconnecting", cm.cfg.FailureThreshold)
		cm.notify(newStatusNote("node unresponsive, disconnecting"))
		cm.disconnect()
		return true
	}
	return false
}

// noteSlowCall grows the adaptive timeout by a bounded multiplicative factor,
// capped at TimeoutCap.
func (cm *connManager) noteSlowCall(method string, took time.Duration) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	grown := cm.timeout * 3 / 2
	if grown > cm.cfg.TimeoutCap {
		grown = cm.cfg.TimeoutCap
	}
	if grown > cm.timeout {
		cm.log.Debugf("Slow call %s took %s, growing call timeout %s -> %s", method, took, cm.timeout, grown)
		cm.timeout = grown
	}
}

// nodeBusy returns true while the node's local chain has not caught up to its
// known headers.
func nodeBusy(info *GetBlockchainInfoResult) bool {
	return info.InitialBlockDownload || info.Headers > info.Blocks ||
		info.VerificationProgress < 0.9999
}
