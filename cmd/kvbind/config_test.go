package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/kvbind"
)

const testConfig = `
db-path = "/var/lib/kvbind/sample.db"
log-level = "debug"
no-sync = true
max-retries = 2
backoff = "10ms"
delete-policy = "cascade"
`

func writeConfig(t *testing.T, text string) string {
	path := filepath.Join(t.TempDir(), "kvbind.toml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	conf, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)
	require.NoError(t, conf.Validate())

	require.Equal(t, "/var/lib/kvbind/sample.db", conf.DBPath)
	require.Equal(t, "debug", conf.LogLevel)
	require.True(t, conf.NoSync)
	require.False(t, conf.Verbose)
	require.Equal(t, uint64(2), conf.MaxRetries)
	require.Equal(t, 10*time.Millisecond, conf.Backoff.Duration)

	policy, err := conf.Policy()
	require.NoError(t, err)
	require.Equal(t, kvbind.Cascade, policy)
}

func TestLoadConfig_Defaults(t *testing.T) {
	conf, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, NewDefaultConfig(), conf)
	require.NoError(t, conf.Validate())

	policy, err := conf.Policy()
	require.NoError(t, err)
	require.Equal(t, kvbind.Abort, policy)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `backoff = "soon"`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `max-retries = "many"`))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no path", func(c *Config) { c.DBPath = "" }},
		{"clear policy", func(c *Config) { c.DeletePolicy = "clear" }},
		{"bad policy", func(c *Config) { c.DeletePolicy = "ignore" }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"negative backoff", func(c *Config) { c.Backoff.Duration = -time.Second }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := NewDefaultConfig()
			tc.mutate(conf)
			require.Error(t, conf.Validate())
		})
	}
}

func TestConfigApplyFlags(t *testing.T) {
	conf, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	flags := pflag.NewFlagSet("kvbind", pflag.ContinueOnError)
	NewDefaultConfig().AddFlags(flags)
	require.NoError(t, flags.Parse([]string{"--db", "other.db", "-v", "--delete-policy=abort"}))
	require.NoError(t, conf.ApplyFlags(flags))

	require.Equal(t, "other.db", conf.DBPath)
	require.True(t, conf.Verbose)
	require.Equal(t, "abort", conf.DeletePolicy)

	// flags that were not given leave the file's values alone
	require.Equal(t, "debug", conf.LogLevel)
	require.True(t, conf.NoSync)
	require.Equal(t, uint64(2), conf.MaxRetries)
}

func TestConfigLogger(t *testing.T) {
	conf := NewDefaultConfig()
	conf.LogLevel = "warn"
	logger, err := conf.Logger()
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(-1))
	require.True(t, logger.Core().Enabled(1))

	opt := conf.Options(logger)
	require.Same(t, logger, opt.Logger)
	require.False(t, opt.IsTesting)
}
