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
	"strings"
)

// LogSeverity represents the logging severity and can accept the following
// values: "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF".
type LogSeverity string

// Constants for all supported log severities.
const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

// Rank returns the integer representation of the severity rank, used to
// decide whether a given record should be emitted at the configured level.
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	return -1
}

// LogFormat selects the logger's output encoding.
type LogFormat string

const (
	TextLogFormat LogFormat = "text"
	JSONLogFormat LogFormat = "json"
)

// LoggingConfig configures the pool-wide structured logger.
type LoggingConfig struct {
	Severity  LogSeverity            `yaml:"severity"`
	Format    LogFormat              `yaml:"format"`
	FilePath  string                 `yaml:"file-path"`
	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

// LogRotateLoggingConfig mirrors the knobs gopkg.in/natefinch/lumberjack.v2
// exposes for rotating the logger's file sink.
type LogRotateLoggingConfig struct {
	MaxFileSizeMb   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// RedundancyConfig controls the default and EC-specific coding parameters.
type RedundancyConfig struct {
	ReplicationFactor int `yaml:"replication-factor"`
	DataShards        int `yaml:"data-shards"`
	ParityShards      int `yaml:"parity-shards"`

	// ECSizeThresholdBytes: chunks of at least this size at write time start
	// ErasureCoding instead of Replication.
	ECSizeThresholdBytes int64 `yaml:"ec-size-threshold-bytes"`
}

// ClassifierConfig controls the HMM hot/warm/cold classifier.
type ClassifierConfig struct {
	HistoryWindow  int     `yaml:"history-window"`
	RecencyBoost   float64 `yaml:"recency-boost"`
	HotOpsPerDay   float64 `yaml:"hot-ops-per-day"`
	ColdOpsPerDay  float64 `yaml:"cold-ops-per-day"`
	HotRecency     string  `yaml:"hot-recency"`
	ColdRecency    string  `yaml:"cold-recency"`
}

// GCConfig controls orphan fragment detection/cleanup.
type GCConfig struct {
	MinOrphanAge string `yaml:"min-orphan-age"`
}

// LockingConfig controls the stripe table and group-commit coalescing.
type LockingConfig struct {
	Stripes           int    `yaml:"stripes"`
	GroupCommitWindow string `yaml:"group-commit-window"`
	GroupCommitBatch  int    `yaml:"group-commit-batch"`
}

// DiskConfig controls per-disk worker pool sizing.
type DiskConfig struct {
	PriorityWorkers uint32 `yaml:"priority-workers"`
	NormalWorkers   uint32 `yaml:"normal-workers"`
	QueueDepth      int    `yaml:"queue-depth"`
	ReserveBytes    int64  `yaml:"reserve-bytes"`
}

// PoolConfig is the top-level configuration for an extentpool storage core,
// bound from flags/env/config-file via BindFlags + viper the way the
// teacher's cfg.Config is.
type PoolConfig struct {
	PoolDir string `yaml:"pool-dir"`

	ExtentSizeBytes int64 `yaml:"extent-size-bytes"`

	Redundancy RedundancyConfig `yaml:"redundancy"`
	Classifier ClassifierConfig `yaml:"classifier"`
	GC         GCConfig         `yaml:"gc"`
	Locking    LockingConfig    `yaml:"locking"`
	Disk       DiskConfig       `yaml:"disk"`
	Logging    LoggingConfig    `yaml:"logging"`
}
