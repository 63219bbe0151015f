// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imperative

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/nnrt/pkg/core/exec"
	"github.com/pkg/errors"
)

// ConfigEnv is the environment variable with the default configuration of a Runtime created with New.
//
// See ParseConfig for the format.
const ConfigEnv = "NNRT_CONFIG"

// Config of a Runtime.
type Config struct {
	// ExecMode of the execution driver.
	ExecMode exec.Mode

	// Parallelism is the soft limit of kernels running concurrently in Parallel/Dynamic modes:
	// 0 runs them inline and -1 means unlimited.
	Parallelism int

	// VerboseStorageType logs the storage types and dispatch modes inferred for each graph.
	VerboseStorageType bool

	// CacheMax is the maximum number of forward plans a CachedOp keeps.
	CacheMax int

	// StaticShape makes CachedOp plans specific to the input shapes: otherwise plans are keyed by
	// the number of inputs only, and re-inferred when shapes change.
	StaticShape bool
}

// DefaultConfig returns the configuration used for empty configuration strings.
func DefaultConfig() Config {
	return Config{
		ExecMode:    exec.Dynamic,
		Parallelism: runtime.NumCPU(),
		CacheMax:    16,
	}
}

// ParseConfig parses a comma separated list of options, applied over DefaultConfig. Valid options:
//
//   - "exec=<mode>": one of "sequential", "parallel" or "dynamic".
//   - "parallelism=<n>": 0 runs kernels inline, -1 is unlimited.
//   - "verbose_stype[=<bool>]": log inferred storage types.
//   - "cache_max=<n>": number of plans kept per CachedOp.
//   - "static_shape[=<bool>]": CachedOp plans keyed by input shapes.
//
// Example: "exec=parallel,parallelism=4,static_shape".
func ParseConfig(config string) (Config, error) {
	cfg := DefaultConfig()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		var err error
		switch key {
		case "exec":
			cfg.ExecMode, err = exec.ParseMode(value)
		case "parallelism":
			cfg.Parallelism, err = strconv.Atoi(value)
		case "verbose_stype":
			cfg.VerboseStorageType, err = parseFlag(value, hasValue)
		case "cache_max":
			cfg.CacheMax, err = strconv.Atoi(value)
			if err == nil && cfg.CacheMax <= 0 {
				err = errors.Errorf("must be positive")
			}
		case "static_shape":
			cfg.StaticShape, err = parseFlag(value, hasValue)
		default:
			return cfg, errors.Errorf("unknown configuration option %q in %q", part, config)
		}
		if err != nil {
			return cfg, errors.WithMessagef(err, "invalid configuration option %q", part)
		}
	}
	return cfg, nil
}

func parseFlag(value string, hasValue bool) (bool, error) {
	if !hasValue {
		return true, nil
	}
	return strconv.ParseBool(value)
}
