// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"errors"
	"strings"
	"sync"

	"github.com/alphaprotocol/apnode/apn"
	"github.com/btcsuite/btcd/btcjson"
)

// WalletKind is the connected wallet's variant, which decides the balance
// query strategy: descriptor wallets reject importaddress, legacy wallets
// need the import before a wallet-indexed lookup is valid.
type WalletKind uint8

const (
	WalletKindUnknown WalletKind = iota
	WalletKindDescriptor
	WalletKindLegacy
)

// String satisfies fmt.Stringer.
func (k WalletKind) String() string {
	switch k {
	case WalletKindDescriptor:
		return "descriptor"
	case WalletKindLegacy:
		return "legacy"
	}
	return "unknown"
}

// walletTypeDetector caches the wallet kind for the lifetime of a connection.
// The connection manager resets it on reconnect.
type walletTypeDetector struct {
	log apn.Logger
	gw  *gateway

	mtx  sync.Mutex
	kind WalletKind
}

func newWalletTypeDetector(gw *gateway, log apn.Logger) *walletTypeDetector {
	return &walletTypeDetector{log: log, gw: gw}
}

// reset clears the cached kind so the next detect re-probes the wallet.
func (d *walletTypeDetector) reset() {
	d.mtx.Lock()
	d.kind = WalletKindUnknown
	d.mtx.Unlock()
}

// detect determines whether the connected wallet is descriptor-based or
// legacy. The wallet metadata is the primary source; nodes whose getwalletinfo
// response predates the descriptors field get a listdescriptors probe, then
// an importaddress probe using probeAddr. probeAddr may be empty, in which
// case an import probe is skipped and the wallet is assumed legacy.
func (d *walletTypeDetector) detect(probeAddr string) WalletKind {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.kind != WalletKindUnknown {
		return d.kind
	}

	walletInfo, err := d.gw.getWalletInfo()
	if err == nil && walletInfo.Descriptors {
		d.kind = WalletKindDescriptor
		d.log.Debugf("Wallet %q declares descriptor support", walletInfo.WalletName)
		return d.kind
	}

	// getwalletinfo said legacy or failed. Older nodes simply omit the field,
	// so confirm with listdescriptors, which only descriptor wallets
	// implement.
	if lderr := d.gw.listDescriptors(); lderr == nil {
		d.kind = WalletKindDescriptor
		return d.kind
	}

	if probeAddr != "" {
		// Final probe: a no-op watch-only import. Descriptor wallets reject
		// it with a dedicated error; any other outcome means legacy.
		if imerr := d.gw.importAddress(probeAddr); isDescriptorWalletErr(imerr) {
			d.kind = WalletKindDescriptor
			return d.kind
		}
	}

	d.kind = WalletKindLegacy
	return d.kind
}

// isDescriptorWalletErr will return true if the error indicates the command
// is only available to legacy wallets, the node's way of saying the loaded
// wallet is descriptor-based.
func isDescriptorWalletErr(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		return strings.Contains(msg, "descriptor wallet") ||
			strings.Contains(msg, "legacy wallets")
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "descriptor wallet") || strings.Contains(msg, "legacy wallets")
}
