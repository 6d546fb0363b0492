package app

import (
	"os"
	"path/filepath"
)

const (
	// AppName is the daemon name used for logs, traces and the config file.
	AppName = "mosaicd"

	// EnvPrefix prefixes every environment override, e.g. MOSAIC_API_ADDR.
	EnvPrefix = "MOSAIC"

	// ConfigFileName is the optional TOML file read from the home directory.
	ConfigFileName = "mosaic.toml"

	// BondDenom is the payment and stake token of the in-process bank.
	BondDenom = "umosaic"
)

// DefaultNodeHome is where keys, archive data and the config file live.
var DefaultNodeHome string

func init() {
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	DefaultNodeHome = filepath.Join(userHomeDir, ".mosaic")
}
