// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ConfigFilePathKey = "config-file"
	IPPortKey         = "ip"
	NetworkIDKey      = "network-id"
	ChainIDKey        = "chain-id"
	RootKey           = "root"
	BlockKey          = "block"
	DBDirKey          = "db-dir"
	MinAgeKey         = "min-age-blocks"
	MaxAgeKey         = "max-age-blocks"
)

func BuildViper(fs *pflag.FlagSet, args []string) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("")
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	if v.IsSet(ConfigFilePathKey) {
		v.SetConfigFile(v.GetString(ConfigFilePathKey))
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// BuildFlagSet returns the flags of the sync tool.
func BuildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("snapsync", pflag.ContinueOnError)
	addSyncFlags(fs)
	return fs
}

func addSyncFlags(fs *pflag.FlagSet) {
	fs.String(ConfigFilePathKey, "", "Config file")
	fs.String(IPPortKey, "127.0.0.1:9651", "IP:port of the peer to sync from")
	fs.Uint32(NetworkIDKey, 1, "Network ID to handshake with")
	fs.String(ChainIDKey, "", "Chain ID carried in sync requests")
	fs.String(RootKey, "", "State root to sync; discovered from the peer when empty")
	fs.Uint64(BlockKey, 0, "Block number of the pinned state root")
	fs.String(DBDirKey, "snapsync-db", "Directory of the state database")
	fs.Uint64(MinAgeKey, 0, "Minimum acceptable target age in blocks")
	fs.Uint64(MaxAgeKey, 100_000, "Maximum acceptable target age in blocks")
}
