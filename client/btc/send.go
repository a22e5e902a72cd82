// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/alphaprotocol/apnode/apn"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

const (
	// ErrInsufficientFunds means the source cannot cover amount plus fee.
	ErrInsufficientFunds = apn.ErrorKind("insufficient funds")
	// ErrBuildFailed means transaction construction failed before signing.
	ErrBuildFailed = apn.ErrorKind("build failed")
	// ErrSignFailed means the wallet could not fully sign the transaction.
	ErrSignFailed = apn.ErrorKind("sign failed")
	// ErrBroadcastRejected means the node refused the signed transaction.
	ErrBroadcastRejected = apn.ErrorKind("broadcast rejected")
)

// Byte weights for the serialized size estimate used during coin selection.
const (
	txOverhead = 10
	txInSize   = 148
	txOutSize  = 34
)

// TransactionRequest describes a payment to build, sign and broadcast.
type TransactionRequest struct {
	// From is the funding address. Its spendable outputs fund the payment.
	From string
	// To is the recipient address.
	To string
	// Amount is the exact payment value.
	Amount btcutil.Amount
	// FeeRate is the fee rate in satoshis per vbyte. Zero means use the
	// node's estimate, falling back to the configured rate.
	FeeRate uint64
}

// TransactionResult reports a completed (or partially completed) send.
type TransactionResult struct {
	TxID      string
	Fee       btcutil.Amount
	Change    btcutil.Amount
	FeeRate   uint64
	RawHex    string
	SignedHex string
	Inputs    int
}

// txSender builds, signs and broadcasts payments. Sends from the same
// funding address are serialized so two concurrent payments cannot select
// the same outputs.
type txSender struct {
	log    apn.Logger
	cfg    *Config
	gw     *gateway
	mon    *addressMonitor
	notify func(Notification)

	mtx      sync.Mutex
	inFlight map[string]chan struct{}
}

func newTxSender(cfg *Config, gw *gateway, mon *addressMonitor,
	log apn.Logger, notify func(Notification)) *txSender {

	return &txSender{
		log:      log,
		cfg:      cfg,
		gw:       gw,
		mon:      mon,
		notify:   notify,
		inFlight: make(map[string]chan struct{}),
	}
}

// acquire blocks until no other send from the same source is running, or the
// context is canceled.
func (s *txSender) acquire(ctx context.Context, source string) error {
	for {
		s.mtx.Lock()
		busy, found := s.inFlight[source]
		if !found {
			s.inFlight[source] = make(chan struct{})
			s.mtx.Unlock()
			return nil
		}
		s.mtx.Unlock()
		select {
		case <-busy:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *txSender) release(source string) {
	s.mtx.Lock()
	if ch, found := s.inFlight[source]; found {
		delete(s.inFlight, source)
		close(ch)
	}
	s.mtx.Unlock()
}

// send runs the full payment pipeline, emitting a SendNote after every step.
// The returned TransactionResult is only fully populated on success.
func (s *txSender) send(ctx context.Context, req *TransactionRequest) (*TransactionResult, error) {
	if err := s.acquire(ctx, req.From); err != nil {
		return nil, err
	}
	defer s.release(req.From)

	res, err := s.buildAndBroadcast(req)
	if err != nil {
		return res, err
	}
	s.notify(newSendNote(StepBroadcast, res, nil))
	// Funding outputs just got spent. Refresh so the next balance note is
	// not stale.
	s.mon.refreshBalance(req.From)
	return res, nil
}

func (s *txSender) buildAndBroadcast(req *TransactionRequest) (*TransactionResult, error) {
	fail := func(step SendStep, kind apn.ErrorKind, err error) error {
		kindErr := apn.NewError(kind, err.Error())
		s.notify(newSendNote(step, nil, kindErr))
		return kindErr
	}

	// Fund.
	feeRate, err := s.feeRate(req.FeeRate)
	if err != nil {
		return nil, fail(StepFund, ErrBuildFailed, err)
	}
	utxos, err := s.spendable(req.From)
	if err != nil {
		return nil, fail(StepFund, ErrBuildFailed, err)
	}
	selected, fee, err := selectCoins(utxos, req.Amount, feeRate)
	if err != nil {
		return nil, fail(StepFund, ErrInsufficientFunds, err)
	}
	s.notify(newSendNote(StepFund, &TransactionResult{
		Fee:     fee,
		FeeRate: feeRate,
		Inputs:  len(selected),
	}, nil))

	// Build.
	var totalIn btcutil.Amount
	for _, u := range selected {
		totalIn += u.amount
	}
	change := totalIn - req.Amount - fee
	var changeScript []byte
	if change > 0 {
		script, err := s.changeScript()
		if err != nil {
			return nil, fail(StepBuild, ErrBuildFailed, err)
		}
		if txrules.IsDustOutput(wire.NewTxOut(int64(change), script), txrules.DefaultRelayFeePerKb) {
			// Dust change is folded into the fee rather than creating an
			// unspendable output.
			fee += change
			change = 0
		} else {
			changeScript = script
		}
	}
	rawHex, err := s.buildRawTx(req, selected, change, changeScript)
	if err != nil {
		return nil, fail(StepBuild, ErrBuildFailed, err)
	}
	res := &TransactionResult{
		Fee:     fee,
		Change:  change,
		FeeRate: feeRate,
		RawHex:  rawHex,
		Inputs:  len(selected),
	}
	s.notify(newSendNote(StepBuild, res, nil))

	// Sign.
	signRes, err := s.gw.signRawTransaction(rawHex)
	if err != nil {
		return res, fail(StepSign, ErrSignFailed, err)
	}
	if !signRes.Complete {
		detail := "incomplete signature"
		if len(signRes.Errors) > 0 {
			detail = signRes.Errors[0].Error
		}
		return res, fail(StepSign, ErrSignFailed, fmt.Errorf("%s", detail))
	}
	res.SignedHex = signRes.Hex
	s.notify(newSendNote(StepSign, res, nil))

	// Broadcast.
	txid, err := s.gw.sendRawTransaction(signRes.Hex)
	if err != nil {
		return res, fail(StepBroadcast, ErrBroadcastRejected, err)
	}
	res.TxID = txid
	return res, nil
}

// feeRate resolves the fee rate in sat/vB: the requested rate, then the
// node's estimate, then the configured fallback.
func (s *txSender) feeRate(requested uint64) (uint64, error) {
	if requested > 0 {
		return requested, nil
	}
	rate, err := s.gw.estimateSmartFee(s.cfg.FeeConfTarget)
	if err == nil && rate > 0 {
		return rate, nil
	}
	if err != nil {
		s.log.Debugf("Fee estimation unavailable, using fallback rate: %v", err)
	}
	if s.cfg.FallbackFeeRate == 0 {
		return 0, fmt.Errorf("no fee rate available")
	}
	return s.cfg.FallbackFeeRate, nil
}

// spendable returns confirmed outputs for the funding address.
func (s *txSender) spendable(addr string) ([]*utxo, error) {
	_, utxos, err := s.mon.queryBalance(addr)
	if err != nil {
		return nil, err
	}
	spendable := make([]*utxo, 0, len(utxos))
	for _, u := range utxos {
		if u.confirmations > 0 {
			spendable = append(spendable, u)
		}
	}
	return spendable, nil
}

// selectCoins accumulates outputs in the given order until they cover the
// amount plus the fee for the resulting transaction size. The fee is
// recomputed as each input is added.
func selectCoins(utxos []*utxo, amount btcutil.Amount, feeRate uint64) ([]*utxo, btcutil.Amount, error) {
	var selected []*utxo
	var totalIn btcutil.Amount
	feePerKb := btcutil.Amount(feeRate * 1000)
	for _, u := range utxos {
		selected = append(selected, u)
		totalIn += u.amount
		size := txOverhead + len(selected)*txInSize + 2*txOutSize
		fee := txrules.FeeForSerializeSize(feePerKb, size)
		if totalIn >= amount+fee {
			return selected, fee, nil
		}
	}
	return nil, 0, fmt.Errorf("need %s plus fees, have %s spendable", amount, totalIn)
}

// changeScript fetches a change address from the wallet and compiles its
// output script.
func (s *txSender) changeScript() ([]byte, error) {
	changeStr, err := s.gw.changeAddress()
	if err != nil {
		return nil, fmt.Errorf("change address: %w", err)
	}
	changeAddr, err := btcutil.DecodeAddress(changeStr, s.cfg.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("bad change address %q: %w", changeStr, err)
	}
	script, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return nil, fmt.Errorf("change script: %w", err)
	}
	return script, nil
}

// buildRawTx assembles the unsigned transaction and returns its hex
// serialization.
func (s *txSender) buildRawTx(req *TransactionRequest, inputs []*utxo,
	change btcutil.Amount, changeScript []byte) (string, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range inputs {
		txHash, err := chainhash.NewHashFromStr(u.txID)
		if err != nil {
			return "", fmt.Errorf("bad funding txid %s: %w", u.txID, err)
		}
		prevOut := wire.NewOutPoint(txHash, u.vout)
		tx.AddTxIn(wire.NewTxIn(prevOut, nil, nil))
	}

	toAddr, err := btcutil.DecodeAddress(req.To, s.cfg.ChainParams)
	if err != nil {
		return "", fmt.Errorf("bad recipient address %q: %w", req.To, err)
	}
	payScript, err := txscript.PayToAddrScript(toAddr)
	if err != nil {
		return "", fmt.Errorf("recipient script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(req.Amount), payScript))

	if change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	buf := new(bytes.Buffer)
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(buf); err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
