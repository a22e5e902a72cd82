// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/queue"
)

// Severity indicates the level of required action.
type Severity uint8

const (
	// Data notifications carry state updates and are not meant for direct
	// display.
	Data Severity = iota
	// Poke notifications are informational.
	Poke
	// Success notifications confirm a completed operation.
	Success
	// WarningLevel notifications warn of a degraded but recoverable
	// condition.
	WarningLevel
	// ErrorLevel notifications report a failure that requires attention.
	ErrorLevel
)

// String satisfies fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case Data:
		return "data"
	case Poke:
		return "poke"
	case Success:
		return "success"
	case WarningLevel:
		return "warning"
	case ErrorLevel:
		return "error"
	}
	return "unknown severity"
}

// Notification is an event emitted to collaborators. Notifications are
// delivered in the order they were produced by the tick that generated them;
// there is no ordering guarantee between independent components.
type Notification interface {
	// Type is a string ID unique to the concrete type.
	Type() string
	// Subject is a short description of the notification contents.
	Subject() string
	// Details contains more detailed information.
	Details() string
	// Severity is the notification severity.
	Severity() Severity
	// Time is the notification timestamp.
	Time() time.Time
}

type baseNote struct {
	typeID   string
	subject  string
	details  string
	severity Severity
	stamp    time.Time
}

func newBaseNote(typeID, subject, details string, severity Severity) baseNote {
	return baseNote{
		typeID:   typeID,
		subject:  subject,
		details:  details,
		severity: severity,
		stamp:    time.Now(),
	}
}

func (n *baseNote) Type() string       { return n.typeID }
func (n *baseNote) Subject() string    { return n.subject }
func (n *baseNote) Details() string    { return n.details }
func (n *baseNote) Severity() Severity { return n.severity }
func (n *baseNote) Time() time.Time    { return n.stamp }

// ConnectionNote is emitted whenever the connection status changes.
type ConnectionNote struct {
	baseNote
	Status    ConnectionStatus `json:"status"`
	Connected bool             `json:"connected"`
}

func newConnectionNote(status ConnectionStatus, details string) *ConnectionNote {
	return &ConnectionNote{
		baseNote:  newBaseNote("connection", status.String(), details, Poke),
		Status:    status,
		Connected: status == Connected || status == Busy,
	}
}

// StatusNote carries a human-readable status message.
type StatusNote struct {
	baseNote
	Message string `json:"message"`
}

func newStatusNote(msg string) *StatusNote {
	return &StatusNote{
		baseNote: newBaseNote("status", msg, "", Poke),
		Message:  msg,
	}
}

// ErrorNote reports a surfaced failure with its classified kind.
type ErrorNote struct {
	baseNote
	Kind string `json:"kind"`
}

func newErrorNote(kind, details string, severity Severity) *ErrorNote {
	return &ErrorNote{
		baseNote: newBaseNote("error", kind, details, severity),
		Kind:     kind,
	}
}

// ChainInfoNote delivers a fresh getblockchaininfo reading.
type ChainInfoNote struct {
	baseNote
	Info *GetBlockchainInfoResult `json:"info"`
}

func newChainInfoNote(info *GetBlockchainInfoResult) *ChainInfoNote {
	return &ChainInfoNote{
		baseNote: newBaseNote("chaininfo", "blockchain info updated", "", Data),
		Info:     info,
	}
}

// NetworkInfoNote delivers a fresh getnetworkinfo reading.
type NetworkInfoNote struct {
	baseNote
	Info *GetNetworkInfoResult `json:"info"`
}

func newNetworkInfoNote(info *GetNetworkInfoResult) *NetworkInfoNote {
	return &NetworkInfoNote{
		baseNote: newBaseNote("networkinfo", "network info updated", "", Data),
		Info:     info,
	}
}

// MempoolNote delivers a fresh getmempoolinfo reading.
type MempoolNote struct {
	baseNote
	Info *GetMempoolInfoResult `json:"info"`
}

func newMempoolNote(info *GetMempoolInfoResult) *MempoolNote {
	return &MempoolNote{
		baseNote: newBaseNote("mempool", "mempool updated", "", Data),
		Info:     info,
	}
}

// PeersNote delivers the capped peer list.
type PeersNote struct {
	baseNote
	Peers []*PeerInfo `json:"peers"`
}

func newPeersNote(peers []*PeerInfo) *PeersNote {
	return &PeersNote{
		baseNote: newBaseNote("peers", "peers updated", "", Data),
		Peers:    peers,
	}
}

// BlockNote announces a new best block.
type BlockNote struct {
	baseNote
	Block *GetBlockVerboseResult `json:"block"`
}

func newBlockNote(blk *GetBlockVerboseResult) *BlockNote {
	return &BlockNote{
		baseNote: newBaseNote("newblock", "new block", blk.Hash, Poke),
		Block:    blk,
	}
}

// BalanceNote delivers a balance snapshot for a watched address. A refresh
// failure still produces a BalanceNote, with a zero-valued snapshot carrying
// the error.
type BalanceNote struct {
	baseNote
	Address string           `json:"address"`
	Balance *BalanceSnapshot `json:"balance"`
}

func newBalanceNote(addr string, snap *BalanceSnapshot) *BalanceNote {
	severity := Data
	if snap.Err != nil {
		severity = WarningLevel
	}
	return &BalanceNote{
		baseNote: newBaseNote("balance", "address balance updated", addr, severity),
		Address:  addr,
		Balance:  snap,
	}
}

// AddressHistoryNote delivers opportunistically-derived transaction history
// for a watched address.
type AddressHistoryNote struct {
	baseNote
	Address string       `json:"address"`
	Txs     []*AddressTx `json:"txs"`
}

func newAddressHistoryNote(addr string, txs []*AddressTx) *AddressHistoryNote {
	return &AddressHistoryNote{
		baseNote: newBaseNote("addresshistory", "address transactions updated", addr, Data),
		Address:  addr,
		Txs:      txs,
	}
}

// SendStep identifies which stage of a send operation a SendNote refers to.
type SendStep string

const (
	StepFund      SendStep = "fund"
	StepBuild     SendStep = "build"
	StepSign      SendStep = "sign"
	StepBroadcast SendStep = "broadcast"
)

// SendNote reports progress or failure of a send operation, tagged with the
// step so callers can distinguish "could not build" from "could not sign"
// from "node rejected broadcast".
type SendNote struct {
	baseNote
	Step   SendStep           `json:"step"`
	Result *TransactionResult `json:"result,omitempty"`
	Err    error              `json:"-"`
}

func newSendNote(step SendStep, result *TransactionResult, err error) *SendNote {
	severity := Success
	details := ""
	if err != nil {
		severity = ErrorLevel
		details = err.Error()
	}
	return &SendNote{
		baseNote: newBaseNote("send", string(step), details, severity),
		Step:     step,
		Result:   result,
		Err:      err,
	}
}

// noteFeed fans notifications out to subscribers. An unbounded concurrent
// queue sits between producers and the dispatcher so the poll loop never
// blocks on a slow consumer, and per-tick production order is preserved. The
// queue lives for one run session, so the feed can be stopped and started
// again. Notifications produced while no session is active are dropped.
type noteFeed struct {
	mtx   sync.RWMutex
	q     *queue.ConcurrentQueue
	chans []chan Notification
}

func newNoteFeed() *noteFeed {
	return &noteFeed{}
}

// start registers a fresh queue for a session, so notes produced before the
// dispatcher goroutine is scheduled are queued rather than dropped. The
// subscriber set persists across sessions.
func (f *noteFeed) start() {
	q := queue.NewConcurrentQueue(16)
	q.Start()
	f.mtx.Lock()
	f.q = q
	f.mtx.Unlock()
}

// run dispatches the started session until the context is canceled, then
// drains anything still queued so teardown notes reach subscribers.
func (f *noteFeed) run(ctx context.Context) {
	f.mtx.RLock()
	q := f.q
	f.mtx.RUnlock()
	if q == nil {
		return
	}

	for {
		select {
		case e := <-q.ChanOut():
			f.dispatch(e)
		case <-ctx.Done():
			// Block new producers, then wait out any that are mid-send
			// before closing the input side.
			f.mtx.Lock()
			f.q = nil
			f.mtx.Unlock()
			close(q.ChanIn())
			// The queue flushes its backlog and closes the out channel.
			for e := range q.ChanOut() {
				f.dispatch(e)
			}
			return
		}
	}
}

func (f *noteFeed) dispatch(e interface{}) {
	n, ok := e.(Notification)
	if !ok {
		return
	}
	f.mtx.RLock()
	for _, ch := range f.chans {
		select {
		case ch <- n:
		default:
			// Slow subscriber. Dropping beats stalling every other
			// subscriber behind it.
		}
	}
	f.mtx.RUnlock()
}

// running reports whether a dispatch session is active.
func (f *noteFeed) running() bool {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	return f.q != nil
}

// notify queues a notification for delivery. Notifications sent while the
// feed is stopped are dropped rather than blocking the producer.
func (f *noteFeed) notify(n Notification) {
	// The read lock is held across the send so the queue input cannot be
	// closed mid-send. The queue's mover goroutine stays receptive for the
	// whole session, so this never blocks for long.
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	if f.q == nil {
		return
	}
	f.q.ChanIn() <- n
}

// feed returns a new receiving channel for notifications. The channel has
// capacity 64 and should be monitored for the lifetime of the Node.
func (f *noteFeed) feed() <-chan Notification {
	ch := make(chan Notification, 64)
	f.mtx.Lock()
	f.chans = append(f.chans, ch)
	f.mtx.Unlock()
	return ch
}
