// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/alphaprotocol/apnode/apn"
	"github.com/btcsuite/btcd/btcjson"
)

const (
	methodGetBlockchainInfo = "getblockchaininfo"
	methodGetNetworkInfo    = "getnetworkinfo"
	methodGetMempoolInfo    = "getmempoolinfo"
	methodGetPeerInfo       = "getpeerinfo"
	methodGetBestBlockHash  = "getbestblockhash"
	methodGetBlock          = "getblock"
	methodGetRawTransaction = "getrawtransaction"
	methodScanTxOutSet      = "scantxoutset"
	methodListUnspent       = "listunspent"
	methodImportAddress     = "importaddress"
	methodGetWalletInfo     = "getwalletinfo"
	methodListDescriptors   = "listdescriptors"
	methodEstimateSmartFee  = "estimatesmartfee"
	methodSignTx            = "signrawtransactionwithwallet"
	methodSendRawTx         = "sendrawtransaction"
	methodChangeAddress     = "getrawchangeaddress"
)

// Failure taxonomy. Every error leaving the gateway wraps exactly one of
// these kinds, so callers branch with errors.Is instead of string matching.
const (
	// ErrUnauthorized means the node rejected our credentials. Fatal, never
	// retried.
	ErrUnauthorized = apn.ErrorKind("unauthorized")
	// ErrTransient covers timeouts, congestion and sync-related refusals that
	// are expected under load and safe to retry.
	ErrTransient = apn.ErrorKind("transient failure")
	// ErrMethodUnsupported means the node or wallet does not implement the
	// RPC; the caller should fall back to an alternate method.
	ErrMethodUnsupported = apn.ErrorKind("method unsupported")
	// ErrUnknown is anything else. Logged with detail once per method, then
	// treated like ErrTransient for retry purposes.
	ErrUnknown = apn.ErrorKind("unknown failure")
)

// RawRequester is the minimal RPC transport. In production it is satisfied by
// rpcclient.Client in HTTP POST mode. A stub can be used for testing.
type RawRequester interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
}

// anylist is a list of RPC parameters to be converted to []json.RawMessage and
// sent via RawRequest.
type anylist []interface{}

// gateway executes single RPC calls with a bounded timeout and classifies
// every failure. It never panics across its boundary; transient conditions
// come back as typed errors the scheduler loop can absorb.
type gateway struct {
	log apn.Logger
	// timeout supplies the connection manager's current adaptive timeout.
	timeout func() time.Duration
	// slowThreshold is fixed per host profile.
	slowThreshold time.Duration
	// slowCall is invoked for any call that ran past slowThreshold, including
	// calls that timed out entirely.
	slowCall func(method string, took time.Duration)

	mtx       sync.RWMutex
	requester RawRequester

	unknownMtx    sync.Mutex
	unknownLogged map[string]bool
}

func newGateway(log apn.Logger, slowThreshold time.Duration, timeout func() time.Duration) *gateway {
	return &gateway{
		log:           log,
		timeout:       timeout,
		slowThreshold: slowThreshold,
		unknownLogged: make(map[string]bool),
	}
}

// setRequester swaps the underlying transport. Only the connection manager
// calls this; everything else is handed the gateway, never the raw session.
func (g *gateway) setRequester(r RawRequester) {
	g.mtx.Lock()
	g.requester = r
	g.mtx.Unlock()
}

// call marshals the arguments, sends the request, and unmarshals the result
// into thing if thing is non-nil, using the current adaptive timeout.
func (g *gateway) call(method string, args anylist, thing interface{}) error {
	return g.callTimeout(g.timeout(), method, args, thing)
}

// callTimeout is call with an explicit deadline. The request runs in its own
// goroutine; on expiry the caller gets ErrTransient while the in-flight HTTP
// exchange is left to finish on its own. A timeout is the only cancellation
// mechanism this client has.
func (g *gateway) callTimeout(timeout time.Duration, method string, args anylist, thing interface{}) error {
	g.mtx.RLock()
	requester := g.requester
	g.mtx.RUnlock()
	if requester == nil {
		return apn.NewError(ErrTransient, "no rpc session")
	}

	params := make([]json.RawMessage, 0, len(args))
	for i := range args {
		p, err := json.Marshal(args[i])
		if err != nil {
			return apn.NewError(ErrUnknown, fmt.Sprintf("%s param %d marshal error: %v", method, i, err))
		}
		params = append(params, p)
	}

	type rawResponse struct {
		msg json.RawMessage
		err error
	}
	resC := make(chan rawResponse, 1)
	start := time.Now()
	go func() {
		msg, err := requester.RawRequest(method, params)
		resC <- rawResponse{msg, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res rawResponse
	select {
	case res = <-resC:
	case <-timer.C:
		if g.slowCall != nil {
			g.slowCall(method, timeout)
		}
		return apn.NewError(ErrTransient, fmt.Sprintf("%s timed out after %s", method, timeout))
	}

	took := time.Since(start)
	if took >= g.slowThreshold && g.slowCall != nil {
		g.slowCall(method, took)
	}

	if res.err != nil {
		return g.classify(method, res.err)
	}
	if thing != nil {
		if err := json.Unmarshal(res.msg, thing); err != nil {
			return apn.NewError(ErrUnknown, fmt.Sprintf("%s response unmarshal error: %v", method, err))
		}
	}
	return nil
}

// classify maps a raw RPC failure onto the error taxonomy. Unknown errors are
// logged with full detail once per method to avoid infinite noisy logging.
func (g *gateway) classify(method string, err error) error {
	switch {
	case isAuthErr(err):
		return apn.NewError(ErrUnauthorized, err.Error())
	case isMethodNotFoundErr(err):
		return apn.NewError(ErrMethodUnsupported, method)
	case isTransientErr(err):
		return apn.NewError(ErrTransient, fmt.Sprintf("%s: %v", method, err))
	}
	g.unknownMtx.Lock()
	logged := g.unknownLogged[method]
	g.unknownLogged[method] = true
	g.unknownMtx.Unlock()
	if !logged {
		g.log.Errorf("Unknown RPC error from %s: %v", method, err)
	} else {
		g.log.Debugf("Repeat unknown RPC error from %s: %v", method, err)
	}
	return apn.NewError(ErrUnknown, fmt.Sprintf("%s: %v", method, err))
}

// isAuthErr will return true if the error indicates the node rejected the
// supplied RPC credentials.
func isAuthErr(err error) bool {
	// bitcoind signals bad credentials at the HTTP layer, not with a JSON-RPC
	// code, so this is necessarily a message match.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication")
}

// isMethodNotFoundErr will return true if the error indicates that the RPC
// method was not found by the RPC server. The error must be a
// btcjson.RPCError with a numeric code equal to
// btcjson.ErrRPCMethodNotFound.Code or a message containing "method not
// found".
func isMethodNotFoundErr(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) &&
		(rpcErr.Code == btcjson.ErrRPCMethodNotFound.Code ||
			strings.Contains(strings.ToLower(rpcErr.Message), "method not found"))
}

// isTransientErr identifies failures that are expected from a loaded or
// syncing node: timeouts, congested work queues, warmup, and plain
// unreachability.
func isTransientErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == btcjson.ErrRPCInWarmup || rpcErr.Code == btcjson.ErrRPCClientInInitialDownload {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"work queue depth exceeded",
		"timed out",
		"timeout",
		"connection refused",
		"connection reset",
		"loading block index",
		"verifying blocks",
		"warming up",
		"eof",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Typed wrappers. These keep method names and argument conventions in one
// place; nothing else in the package spells an RPC method name.

func (g *gateway) getBlockchainInfo() (*GetBlockchainInfoResult, error) {
	chainInfo := new(GetBlockchainInfoResult)
	return chainInfo, g.call(methodGetBlockchainInfo, nil, chainInfo)
}

func (g *gateway) getNetworkInfo() (*GetNetworkInfoResult, error) {
	netInfo := new(GetNetworkInfoResult)
	return netInfo, g.call(methodGetNetworkInfo, nil, netInfo)
}

func (g *gateway) getMempoolInfo() (*GetMempoolInfoResult, error) {
	mempoolInfo := new(GetMempoolInfoResult)
	return mempoolInfo, g.call(methodGetMempoolInfo, nil, mempoolInfo)
}

func (g *gateway) getPeerInfo() ([]*PeerInfo, error) {
	var peers []*PeerInfo
	return peers, g.call(methodGetPeerInfo, nil, &peers)
}

func (g *gateway) getBestBlockHash() (string, error) {
	var hashStr string
	err := g.call(methodGetBestBlockHash, nil, &hashStr)
	return hashStr, err
}

func (g *gateway) getBlockVerbose(blockHash string) (*GetBlockVerboseResult, error) {
	blk := new(GetBlockVerboseResult)
	return blk, g.call(methodGetBlock, anylist{blockHash, 1}, blk)
}

func (g *gateway) getRawTransactionVerbose(txid string) (*btcjson.TxRawResult, error) {
	tx := new(btcjson.TxRawResult)
	return tx, g.call(methodGetRawTransaction, anylist{txid, true}, tx)
}

// scanTxOutSet runs a full UTXO-set scan for the address. This works for any
// address regardless of wallet membership, but can take the node a long time.
func (g *gateway) scanTxOutSet(addr string) (*scanTxOutResult, error) {
	res := new(scanTxOutResult)
	return res, g.call(methodScanTxOutSet, anylist{"start", []string{"addr(" + addr + ")"}}, res)
}

// listUnspent fetches the wallet-indexed unspent outputs, optionally filtered
// to a single address. minconf 0 so unconfirmed outputs are included.
func (g *gateway) listUnspent(addr string) ([]*ListUnspentResult, error) {
	unspents := make([]*ListUnspentResult, 0)
	args := anylist{0, 9999999}
	if addr != "" {
		args = append(args, []string{addr})
	}
	return unspents, g.call(methodListUnspent, args, &unspents)
}

// importAddress imports a watch-only address without rescanning.
func (g *gateway) importAddress(addr string) error {
	return g.call(methodImportAddress, anylist{addr, "", false}, nil)
}

func (g *gateway) getWalletInfo() (*GetWalletInfoResult, error) {
	walletInfo := new(GetWalletInfoResult)
	return walletInfo, g.call(methodGetWalletInfo, nil, walletInfo)
}

// listDescriptors lists the wallet's output descriptors. Only descriptor
// wallets implement it, which makes it a usable probe on nodes whose
// getwalletinfo response predates the descriptors field.
func (g *gateway) listDescriptors() error {
	return g.call(methodListDescriptors, nil, nil)
}

// estimateSmartFee returns an estimated fee rate in sat/vB for the target
// confirmation window.
func (g *gateway) estimateSmartFee(confTarget int64) (uint64, error) {
	res := new(btcjson.EstimateSmartFeeResult)
	if err := g.call(methodEstimateSmartFee, anylist{confTarget}, res); err != nil {
		return 0, err
	}
	if res.FeeRate == nil || *res.FeeRate <= 0 {
		return 0, apn.NewError(ErrMethodUnsupported, "fee rate couldn't be estimated")
	}
	// Response is BTC/kB.
	return uint64(*res.FeeRate * 1e5), nil
}

func (g *gateway) signRawTransaction(txHex string) (*SignTxResult, error) {
	res := new(SignTxResult)
	return res, g.call(methodSignTx, anylist{txHex}, res)
}

func (g *gateway) sendRawTransaction(txHex string) (string, error) {
	var txid string
	err := g.call(methodSendRawTx, anylist{txHex}, &txid)
	return txid, err
}

func (g *gateway) changeAddress() (string, error) {
	var addrStr string
	err := g.call(methodChangeAddress, nil, &addrStr)
	return addrStr, err
}
