// Package config holds the runtime options of the graph runtime.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/born-ml/graphrt/internal/dispatch"
)

// Environment variables read by FromEnv.
const (
	EnvCacheDir         = "GRAPHRT_CACHE_DIR"
	EnvRuntimeCheck     = "GRAPHRT_RUNTIME_CHECK"
	EnvIntervalDispatch = "GRAPHRT_INTERVAL_DISPATCH"
	EnvMaxIntervals     = "GRAPHRT_MAX_INTERVALS"
	EnvBenchRepeat      = "GRAPHRT_BENCH_REPEAT"
)

// Options controls how compiled graphs are loaded and run.
type Options struct {
	RuntimeCheck     bool   // Validate inputs against the declared signatures on every call.
	CacheDir         string // Root of the graphs/<hash> working directories.
	IntervalDispatch bool   // Use an interval table for graphs with one dynamic dimension.
	MaxIntervals     int    // Growth cap of interval tables.
	BenchWarmup      int    // Untimed runs per candidate kernel.
	BenchRepeat      int    // Timed runs per candidate kernel.
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		RuntimeCheck:     true,
		CacheDir:         defaultCacheDir(),
		IntervalDispatch: true,
		MaxIntervals:     dispatch.DefaultMaxIntervals,
		BenchWarmup:      1,
		BenchRepeat:      5,
	}
}

// FromEnv returns DefaultOptions with environment overrides applied. Malformed
// values are ignored.
func FromEnv() Options {
	opts := DefaultOptions()
	if v := os.Getenv(EnvCacheDir); v != "" {
		opts.CacheDir = v
	}
	if b, ok := envBool(EnvRuntimeCheck); ok {
		opts.RuntimeCheck = b
	}
	if b, ok := envBool(EnvIntervalDispatch); ok {
		opts.IntervalDispatch = b
	}
	if n, ok := envInt(EnvMaxIntervals); ok && n > 0 {
		opts.MaxIntervals = n
	}
	if n, ok := envInt(EnvBenchRepeat); ok && n > 0 {
		opts.BenchRepeat = n
	}
	return opts
}

// GraphDir returns the working directory of the graph with the given hash.
func (o Options) GraphDir(hash string) string {
	return filepath.Join(o.CacheDir, "graphs", hash)
}

func defaultCacheDir() string {
	if v := os.Getenv(EnvCacheDir); v != "" {
		return v
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "graphrt")
	}
	return filepath.Join(os.TempDir(), "graphrt")
}

func envBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}
