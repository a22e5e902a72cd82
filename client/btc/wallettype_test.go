// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
)

const tProbeAddr = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

func TestDetectDescriptorFromWalletInfo(t *testing.T) {
	requester := newTRequester()
	requester.queueRes(methodGetWalletInfo, &GetWalletInfoResult{
		WalletName:  "main",
		Descriptors: true,
	})
	det := newWalletTypeDetector(tGateway(requester), tLog)

	if kind := det.detect(tProbeAddr); kind != WalletKindDescriptor {
		t.Fatalf("expected descriptor, got %s", kind)
	}
	if n := requester.callCount(methodListDescriptors); n != 0 {
		t.Fatal("fallback probe ran despite conclusive wallet metadata")
	}
}

func TestDetectDescriptorFromListDescriptors(t *testing.T) {
	requester := newTRequester()
	// Older node: no descriptors field in getwalletinfo.
	requester.queueRes(methodGetWalletInfo, &GetWalletInfoResult{WalletName: "main"})
	requester.queueRes(methodListDescriptors, map[string]interface{}{"descriptors": []string{}})
	det := newWalletTypeDetector(tGateway(requester), tLog)

	if kind := det.detect(tProbeAddr); kind != WalletKindDescriptor {
		t.Fatalf("expected descriptor via listdescriptors, got %s", kind)
	}
}

func TestDetectDescriptorFromImportProbe(t *testing.T) {
	requester := newTRequester()
	requester.queueRes(methodGetWalletInfo, &GetWalletInfoResult{WalletName: "main"})
	requester.queueErr(methodListDescriptors, btcjson.NewRPCError(
		btcjson.ErrRPCMethodNotFound.Code, "Method not found"))
	requester.queueErr(methodImportAddress, errors.New(
		"Only legacy wallets are supported by this command"))
	det := newWalletTypeDetector(tGateway(requester), tLog)

	if kind := det.detect(tProbeAddr); kind != WalletKindDescriptor {
		t.Fatalf("expected descriptor via import probe, got %s", kind)
	}
}

func TestDetectLegacy(t *testing.T) {
	requester := newTRequester()
	requester.queueRes(methodGetWalletInfo, &GetWalletInfoResult{WalletName: "old"})
	requester.queueErr(methodListDescriptors, btcjson.NewRPCError(
		btcjson.ErrRPCMethodNotFound.Code, "Method not found"))
	requester.queueRes(methodImportAddress, nil)
	det := newWalletTypeDetector(tGateway(requester), tLog)

	if kind := det.detect(tProbeAddr); kind != WalletKindLegacy {
		t.Fatalf("expected legacy, got %s", kind)
	}
}

func TestDetectCachedUntilReset(t *testing.T) {
	requester := newTRequester()
	requester.queueRes(methodGetWalletInfo, &GetWalletInfoResult{Descriptors: true})
	det := newWalletTypeDetector(tGateway(requester), tLog)

	det.detect(tProbeAddr)
	det.detect(tProbeAddr)
	if n := requester.callCount(methodGetWalletInfo); n != 1 {
		t.Fatalf("expected a single probe for repeated detects, got %d", n)
	}

	det.reset()
	det.detect(tProbeAddr)
	if n := requester.callCount(methodGetWalletInfo); n != 2 {
		t.Fatalf("expected a re-probe after reset, got %d calls", n)
	}
}
