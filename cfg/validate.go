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
	"fmt"
	"time"
)

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be at least 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidRedundancyConfig(c *RedundancyConfig) error {
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication-factor must be >= 1")
	}
	if c.DataShards < 1 || c.ParityShards < 1 {
		return fmt.Errorf("data-shards and parity-shards must both be >= 1")
	}
	if c.ECSizeThresholdBytes < 0 {
		return fmt.Errorf("ec-size-threshold-bytes must be >= 0")
	}
	return nil
}

func isValidLockingConfig(c *LockingConfig) error {
	if c.Stripes <= 0 || (c.Stripes&(c.Stripes-1)) != 0 {
		return fmt.Errorf("locking.stripes must be a positive power of two, got %d", c.Stripes)
	}
	if c.GroupCommitBatch <= 0 {
		return fmt.Errorf("locking.group-commit-batch must be positive")
	}
	if _, err := time.ParseDuration(c.GroupCommitWindow); err != nil {
		return fmt.Errorf("locking.group-commit-window: %w", err)
	}
	return nil
}

func isValidGCConfig(c *GCConfig) error {
	if _, err := time.ParseDuration(c.MinOrphanAge); err != nil {
		return fmt.Errorf("gc.min-orphan-age: %w", err)
	}
	return nil
}

func isValidClassifierConfig(c *ClassifierConfig) error {
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("classifier.history-window must be positive")
	}
	if _, err := time.ParseDuration(c.HotRecency); err != nil {
		return fmt.Errorf("classifier.hot-recency: %w", err)
	}
	if _, err := time.ParseDuration(c.ColdRecency); err != nil {
		return fmt.Errorf("classifier.cold-recency: %w", err)
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *PoolConfig) error {
	if config.ExtentSizeBytes <= 0 {
		return fmt.Errorf("extent-size-bytes must be positive")
	}
	if err := isValidRedundancyConfig(&config.Redundancy); err != nil {
		return fmt.Errorf("error parsing redundancy config: %w", err)
	}
	if err := isValidClassifierConfig(&config.Classifier); err != nil {
		return fmt.Errorf("error parsing classifier config: %w", err)
	}
	if err := isValidGCConfig(&config.GC); err != nil {
		return fmt.Errorf("error parsing gc config: %w", err)
	}
	if err := isValidLockingConfig(&config.Locking); err != nil {
		return fmt.Errorf("error parsing locking config: %w", err)
	}
	if err := isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}
	return nil
}
