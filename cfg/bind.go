// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags registers the pool's command-line flags and binds them into
// viper.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("pool-dir", "", "", "Directory that owns the pool's metadata tree and disk descriptors.")
	if err = viper.BindPFlag("pool-dir", flagSet.Lookup("pool-dir")); err != nil {
		return err
	}

	flagSet.Int64P("extent-size-bytes", "", DefaultExtentSizeBytes, "Maximum payload size of one extent.")
	if err = viper.BindPFlag("extent-size-bytes", flagSet.Lookup("extent-size-bytes")); err != nil {
		return err
	}

	flagSet.IntP("replication-factor", "", DefaultReplicationFactor, "Number of copies for Replication-policy extents.")
	if err = viper.BindPFlag("redundancy.replication-factor", flagSet.Lookup("replication-factor")); err != nil {
		return err
	}

	flagSet.IntP("data-shards", "", DefaultDataShards, "Number of data shards (k) for ErasureCoding-policy extents.")
	if err = viper.BindPFlag("redundancy.data-shards", flagSet.Lookup("data-shards")); err != nil {
		return err
	}

	flagSet.IntP("parity-shards", "", DefaultParityShards, "Number of parity shards (m) for ErasureCoding-policy extents.")
	if err = viper.BindPFlag("redundancy.parity-shards", flagSet.Lookup("parity-shards")); err != nil {
		return err
	}

	flagSet.IntP("lock-stripes", "", DefaultLockStripes, "Number of stripes in the per-extent lock table; must be a power of two.")
	if err = viper.BindPFlag("locking.stripes", flagSet.Lookup("lock-stripes")); err != nil {
		return err
	}

	flagSet.StringP("gc-min-orphan-age", "", DefaultGCMinOrphanAge, "Minimum age of a fragment before cleanup_orphans will delete it.")
	if err = viper.BindPFlag("gc.min-orphan-age", flagSet.Lookup("gc-min-orphan-age")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(InfoLogSeverity), "Minimum severity logged: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", string(TextLogFormat), "Logger output encoding: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to the log file; empty means stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	return nil
}

// Load resolves a PoolConfig starting from GetDefaultPoolConfig, overlaying
// any values bound into viper (flags, env, config file), and validating the
// result.
func Load(v *viper.Viper) (PoolConfig, error) {
	config := GetDefaultPoolConfig()
	// The config struct is tagged for its on-disk YAML form; point
	// viper's decoder at those tags so hyphenated keys bind.
	err := v.Unmarshal(&config, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return PoolConfig{}, err
	}
	if err := ValidateConfig(&config); err != nil {
		return PoolConfig{}, err
	}
	return config, nil
}
