package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.True(t, opts.RuntimeCheck)
	assert.True(t, opts.IntervalDispatch)
	assert.Equal(t, 256, opts.MaxIntervals)
	assert.Equal(t, 5, opts.BenchRepeat)
	assert.NotEmpty(t, opts.CacheDir)
}

func TestFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvCacheDir, dir)
	t.Setenv(EnvIntervalDispatch, "0")
	t.Setenv(EnvRuntimeCheck, "false")
	t.Setenv(EnvMaxIntervals, "8")
	t.Setenv(EnvBenchRepeat, "not-a-number")

	opts := FromEnv()
	assert.Equal(t, dir, opts.CacheDir)
	assert.False(t, opts.IntervalDispatch)
	assert.False(t, opts.RuntimeCheck)
	assert.Equal(t, 8, opts.MaxIntervals)
	assert.Equal(t, 5, opts.BenchRepeat)
	assert.Equal(t, filepath.Join(dir, "graphs", "abc"), opts.GraphDir("abc"))
}
