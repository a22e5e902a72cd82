// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// GetBlockchainInfoResult models the data returned from the getblockchaininfo
// command. Only the fields this client consumes are unmarshaled.
type GetBlockchainInfoResult struct {
	Chain                string  `json:"chain"`
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	Difficulty           float64 `json:"difficulty"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
	SizeOnDisk           int64   `json:"size_on_disk"`
	Pruned               bool    `json:"pruned"`
}

// GetNetworkInfoResult models the data returned from the getnetworkinfo
// command.
type GetNetworkInfoResult struct {
	Version         int64   `json:"version"`
	SubVersion      string  `json:"subversion"`
	ProtocolVersion int32   `json:"protocolversion"`
	Connections     int32   `json:"connections"`
	NetworkActive   bool    `json:"networkactive"`
	RelayFee        float64 `json:"relayfee"`
}

// GetMempoolInfoResult models the data returned from the getmempoolinfo
// command.
type GetMempoolInfoResult struct {
	Size          int64   `json:"size"`
	Bytes         int64   `json:"bytes"`
	Usage         int64   `json:"usage"`
	MempoolMinFee float64 `json:"mempoolminfee"`
}

// PeerInfo is a single entry of the getpeerinfo response.
type PeerInfo struct {
	ID       int32   `json:"id"`
	Addr     string  `json:"addr"`
	SubVer   string  `json:"subver"`
	Version  uint32  `json:"version"`
	ConnTime int64   `json:"conntime"`
	Inbound  bool    `json:"inbound"`
	PingTime float64 `json:"pingtime"`
}

// GetBlockVerboseResult is a subset of the verbose getblock response.
type GetBlockVerboseResult struct {
	Hash         string   `json:"hash"`
	Height       int64    `json:"height"`
	Time         int64    `json:"time"`
	PreviousHash string   `json:"previousblockhash"`
	Tx           []string `json:"tx,omitempty"`
}

// GetWalletInfoResult models the data returned from the getwalletinfo command.
// Descriptors is false on nodes that predate descriptor wallets, which is why
// the wallet type detector does not trust it alone.
type GetWalletInfoResult struct {
	WalletName         string `json:"walletname"`
	WalletVersion      int32  `json:"walletversion"`
	TxCount            int64  `json:"txcount"`
	PrivateKeysEnabled bool   `json:"private_keys_enabled"`
	Descriptors        bool   `json:"descriptors"`
}

// ListUnspentResult models a single entry of the listunspent response.
type ListUnspentResult struct {
	TxID          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	Address       string  `json:"address"`
	ScriptPubKey  string  `json:"scriptPubKey"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
	Spendable     bool    `json:"spendable"`
	Safe          bool    `json:"safe"`
}

// scanTxOutUnspent is a single unspent output of the scantxoutset response.
type scanTxOutUnspent struct {
	TxID   string  `json:"txid"`
	Vout   uint32  `json:"vout"`
	Amount float64 `json:"amount"`
	Height int64   `json:"height"`
}

// scanTxOutResult models the data returned from the scantxoutset command.
type scanTxOutResult struct {
	Success     bool                `json:"success"`
	Height      int64               `json:"height"`
	TotalAmount float64             `json:"total_amount"`
	Unspents    []*scanTxOutUnspent `json:"unspents"`
}

// SignTxResult models the data returned from the
// signrawtransactionwithwallet command.
type SignTxResult struct {
	Hex      string `json:"hex"`
	Complete bool   `json:"complete"`
	Errors   []*struct {
		TxID  string `json:"txid"`
		Vout  uint32 `json:"vout"`
		Error string `json:"error"`
	} `json:"errors"`
}

// BalanceSnapshot is an immutable balance reading for a watched address. A
// failed refresh produces a zero-valued snapshot carrying the error, never a
// stale one. Amounts are exact satoshis, so repeated RPC round-trips cannot
// accumulate rounding drift.
type BalanceSnapshot struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
	UTXOCount   uint32
	// FiatValue is an optional USD estimate of the total balance. Zero when
	// no rate source is configured or the rate is not yet known.
	FiatValue float64
	Stamp     time.Time
	Err       error
}

// AddressTx is one opportunistically-derived history entry for a watched
// address. The set is built from whatever UTXO data the last refresh
// produced, so it is not a complete ledger.
type AddressTx struct {
	TxID          string
	Amount        btcutil.Amount
	Confirmations int64
	BlockTime     time.Time
}

// utxo pairs an outpoint with its value, in the order the node listed it.
type utxo struct {
	txID          string
	vout          uint32
	amount        btcutil.Amount
	confirmations int64
}

// PollCycleResult is the outcome of a single scheduler tick. It is consumed
// immediately to adjust the polling interval and the connection manager's
// failure counter.
type PollCycleResult struct {
	OK      bool
	Busy    bool
	Latency time.Duration
}

// toSatoshi converts a BTC-denominated RPC float to an exact Amount.
func toSatoshi(v float64) btcutil.Amount {
	amt, err := btcutil.NewAmount(v)
	if err != nil || amt < 0 {
		return 0
	}
	return amt
}
