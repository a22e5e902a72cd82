// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/alphaprotocol/apnode/apn"
	"github.com/alphaprotocol/apnode/client/btc"
)

const appName = "apnoded"

var version = "0.1.0"

func main() {
	// Wrap the actual main so defers run in it.
	if err := mainCore(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func mainCore() error {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := configure()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if cfg.ShowVer {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName, version,
			runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil
	}

	logMaker, closeLogger, err := initLogging(
		filepath.Join(cfg.AppData, logFilename), cfg.DebugLevel, !cfg.LocalLogs)
	if err != nil {
		return err
	}
	defer closeLogger()
	log := logMaker.Logger("APN")
	log.Infof("%s version %s (Go version %s)", appName, version, runtime.Version())

	node, err := btc.New(&btc.Config{
		RPCHost:         cfg.RPCHost,
		RPCPort:         cfg.RPCPort,
		RPCUser:         cfg.RPCUser,
		RPCPass:         cfg.RPCPass,
		ChainParams:     cfg.chainParams(),
		PollIntervalMin: cfg.PollMin,
		PollIntervalMax: cfg.PollMax,
		PeerCap:         cfg.PeerCap,
		FallbackFeeRate: cfg.FallbackFee,
		FiatEstimates:   !cfg.NoFiat,
		Logger:          logMaker.Logger("NODE"),
	})
	if err != nil {
		return fmt.Errorf("error creating node client: %w", err)
	}

	for _, addr := range cfg.Watch {
		if err := node.AddAddress(addr); err != nil {
			return fmt.Errorf("cannot monitor %q: %w", addr, err)
		}
	}

	// The feed must be subscribed before Connect so no startup notification
	// is missed.
	feed := node.NotificationFeed()

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-killChan
		log.Infof("Shutting down...")
		cancel()
	}()

	if err := node.Connect(appCtx); err != nil {
		return fmt.Errorf("connect error: %w", err)
	}
	defer node.Disconnect()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		printFeed(appCtx, log, feed)
	}()

	wg.Wait()
	return nil
}

// printFeed logs every notification until the context is canceled. Data-level
// notifications only show at debug.
func printFeed(ctx context.Context, log apn.Logger, feed <-chan btc.Notification) {
	for {
		select {
		case n := <-feed:
			switch n.Severity() {
			case btc.ErrorLevel:
				log.Errorf("[%s] %s: %s", n.Type(), n.Subject(), n.Details())
			case btc.WarningLevel:
				log.Warnf("[%s] %s: %s", n.Type(), n.Subject(), n.Details())
			case btc.Data:
				log.Debugf("[%s] %s", n.Type(), n.Subject())
			default:
				log.Infof("[%s] %s: %s", n.Type(), n.Subject(), n.Details())
			}
		case <-ctx.Done():
			return
		}
	}
}
