// Copyright 2021-present PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"time"

	"github.com/ngaut/cds/gc/hp"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

// Config contains configuration options of the stress tool.
type Config struct {
	LogLevel   string `toml:"log-level"`   // debug, info, warn or error
	LogFile    string `toml:"log-file"`    // log to stderr when empty
	StatusAddr string `toml:"status-addr"` // serves /metrics and /status
	Duration   string `toml:"duration"`    // how long the stress runs
	HP         HP     `toml:"hp"`          // HP configs
	Stress     Stress `toml:"stress"`      // Stress configs
}

// HP is the config for the hazard pointer collector.
type HP struct {
	HazardPointers int    `toml:"hazard-pointers"`
	MaxThreads     int    `toml:"max-threads"`
	MaxRetired     int    `toml:"max-retired"` // 0 means 2 * hazard-pointers * max-threads
	ScanType       string `toml:"scan-type"`   // inplace or classic
	Barrier        string `toml:"barrier"`     // seq-cst or asymmetric
	ScanInterval   string `toml:"scan-interval"`
	Stats          bool   `toml:"stats"`
}

// Stress is the config for the workload.
type Stress struct {
	Readers    int `toml:"readers"` // 0 means one per logical CPU
	Writers    int `toml:"writers"`
	KeyRange   int `toml:"key-range"`
	MapBuckets int `toml:"map-buckets"`
	QueueDepth int `toml:"queue-depth"` // capacity of the scheduler task queue
}

// DefaultConf returns the default configuration.
var DefaultConf = Config{
	LogLevel:   "info",
	StatusAddr: "127.0.0.1:9290",
	Duration:   "10s",
	HP: HP{
		HazardPointers: hp.DefaultOpt.HazardPointers,
		MaxThreads:     hp.DefaultOpt.MaxThreads,
		ScanType:       "inplace",
		Barrier:        "seq-cst",
		ScanInterval:   "100ms",
		Stats:          true,
	},
	Stress: Stress{
		Writers:    2,
		KeyRange:   1024,
		MapBuckets: 64,
		QueueDepth: 256,
	},
}

// ParseScanType parses the string s and returns a scan type.
func ParseScanType(s string) (hp.ScanType, error) {
	switch s {
	case "", "inplace":
		return hp.ScanInplace, nil
	case "classic":
		return hp.ScanClassic, nil
	default:
		return 0, errors.Errorf("unknown scan type %q", s)
	}
}

// ParseBarrier parses the string s and returns a barrier type.
func ParseBarrier(s string) (hp.BarrierType, error) {
	switch s {
	case "", "seq-cst":
		return hp.BarrierSeqCst, nil
	case "asymmetric":
		return hp.BarrierAsymmetric, nil
	default:
		return 0, errors.Errorf("unknown barrier %q", s)
	}
}

// Options converts the config into collector options.
func (c *HP) Options() (hp.Options, error) {
	opt := hp.DefaultOpt
	opt.HazardPointers = c.HazardPointers
	opt.MaxThreads = c.MaxThreads
	opt.MaxRetired = c.MaxRetired
	opt.Stats = c.Stats
	var err error
	if opt.ScanType, err = ParseScanType(c.ScanType); err != nil {
		return opt, err
	}
	if opt.Barrier, err = ParseBarrier(c.Barrier); err != nil {
		return opt, err
	}
	if c.ScanInterval != "" {
		opt.ScanInterval = ParseDuration(c.ScanInterval)
	}
	return opt, nil
}

// Validate checks the values that cannot be normalized.
func (c *Config) Validate() error {
	if c.Stress.Writers < 1 {
		return errors.Errorf("stress needs at least one writer, got %d", c.Stress.Writers)
	}
	if c.Stress.KeyRange < 1 {
		return errors.Errorf("invalid key range %d", c.Stress.KeyRange)
	}
	if _, err := ParseScanType(c.HP.ScanType); err != nil {
		return err
	}
	_, err := ParseBarrier(c.HP.Barrier)
	return err
}

// ParseDuration parses duration argument string.
func ParseDuration(durationStr string) time.Duration {
	dur, err := time.ParseDuration(durationStr)
	if err != nil {
		dur, err = time.ParseDuration(durationStr + "s")
	}
	if err != nil || dur < 0 {
		log.S().Fatalf("invalid duration=%v", durationStr)
	}
	return dur
}
