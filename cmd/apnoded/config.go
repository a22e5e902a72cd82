// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alphaprotocol/apnode/apn/config"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jessevdk/go-flags"
)

const (
	defaultRPCHost     = "127.0.0.1"
	defaultMainnetPort = 8332
	defaultTestnetPort = 18332
	defaultLogLevel    = "info"
	configFilename     = "apnoded.conf"
	logFilename        = "apnoded.log"
)

var (
	defaultApplicationDirectory = btcutil.AppDataDir("apnoded", false)
	defaultConfigPath           = filepath.Join(defaultApplicationDirectory, configFilename)
	defaultNodeConfPath         = filepath.Join(btcutil.AppDataDir("bitcoin", false), "bitcoin.conf")
)

// nodeSettings are the bitcoind settings relevant to the RPC connection,
// parsed from the node's own bitcoin.conf.
type nodeSettings struct {
	RPCUser string `ini:"rpcuser"`
	RPCPass string `ini:"rpcpassword"`
	RPCPort uint16 `ini:"rpcport"`
}

// Config is the apnoded application configuration, parsed from the
// command-line and an optional INI configuration file.
type Config struct {
	AppData    string `long:"appdata" description:"Path to application directory."`
	ConfigPath string `long:"config" description:"Path to an INI configuration file."`

	RPCHost string `long:"rpchost" description:"Bitcoin node RPC host."`
	RPCPort uint16 `long:"rpcport" description:"Bitcoin node RPC port."`
	RPCUser string `long:"rpcuser" description:"Bitcoin node RPC username."`
	RPCPass string `long:"rpcpass" description:"Bitcoin node RPC password."`

	NodeConf string `long:"nodeconf" description:"Path to the Bitcoin node's bitcoin.conf. Unset credentials are read from it."`

	Testnet bool `long:"testnet" description:"Use testnet."`

	Watch []string `long:"watch" description:"Address to monitor. May be repeated."`

	PollMin     time.Duration `long:"pollmin" description:"Polling interval floor."`
	PollMax     time.Duration `long:"pollmax" description:"Polling interval ceiling."`
	PeerCap     int           `long:"peercap" description:"Maximum peers carried on peer notifications."`
	FallbackFee uint64        `long:"fallbackfee" description:"Fallback fee rate in sat/vB when the node has no estimate."`
	NoFiat      bool          `long:"nofiat" description:"Disable USD value estimates."`

	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}, or a comma-separated list of subsystem=level pairs."`
	LocalLogs  bool   `long:"loglocal" description:"Use local time zone time stamps in log entries."`
	ShowVer    bool   `short:"V" long:"version" description:"Display version information and exit."`
}

// chainParams returns the network parameters selected by the configuration.
func (cfg *Config) chainParams() *chaincfg.Params {
	if cfg.Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// configure parses the command-line, then the INI configuration file, then
// the command-line again so that CLI flags override file settings.
func configure() (*Config, error) {
	cfg := &Config{
		AppData:    defaultApplicationDirectory,
		ConfigPath: defaultConfigPath,
		RPCHost:    defaultRPCHost,
		DebugLevel: defaultLogLevel,
	}

	preParser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := preParser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			preParser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		preParser.WriteHelp(os.Stderr)
		return nil, err
	}

	if cfg.AppData != defaultApplicationDirectory {
		cfg.AppData = cleanAndExpandPath(cfg.AppData)
		// Move the config file with the app data directory unless it was set
		// explicitly.
		if cfg.ConfigPath == defaultConfigPath {
			cfg.ConfigPath = filepath.Join(cfg.AppData, configFilename)
		}
	}
	cfg.ConfigPath = cleanAndExpandPath(cfg.ConfigPath)

	parser := flags.NewParser(cfg, flags.Default)
	if err := flags.NewIniParser(parser).ParseFile(cfg.ConfigPath); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("error parsing configuration file: %w", err)
		}
	}

	// Re-parse the command line so flags take precedence over the file.
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if err := cfg.loadNodeConf(); err != nil {
		return nil, err
	}

	if cfg.RPCPort == 0 {
		cfg.RPCPort = defaultMainnetPort
		if cfg.Testnet {
			cfg.RPCPort = defaultTestnetPort
		}
	}

	if err := os.MkdirAll(cfg.AppData, 0700); err != nil {
		return nil, fmt.Errorf("failed to create application directory: %w", err)
	}

	return cfg, nil
}

// loadNodeConf fills in unset RPC credentials and port from the node's own
// bitcoin.conf. A missing file is only an error when the path was given
// explicitly.
func (cfg *Config) loadNodeConf() error {
	path := cfg.NodeConf
	explicit := path != ""
	if !explicit {
		path = defaultNodeConfPath
	}
	path = cleanAndExpandPath(path)
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("node configuration file %s not found", path)
		}
		return nil
	}

	var settings nodeSettings
	if err := config.Parse(path, &settings); err != nil {
		return fmt.Errorf("error parsing %s: %w", path, err)
	}
	if cfg.RPCUser == "" {
		cfg.RPCUser = settings.RPCUser
	}
	if cfg.RPCPass == "" {
		cfg.RPCPass = settings.RPCPass
	}
	if cfg.RPCPort == 0 && settings.RPCPort != 0 {
		cfg.RPCPort = settings.RPCPort
	}
	return nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", homeDir, 1)
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
