package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/andreyvit/kvbind"
	"github.com/andreyvit/kvbind/changelog"
)

type Config struct {
	DBPath   string `toml:"db-path"`
	LogLevel string `toml:"log-level"`
	Verbose  bool   `toml:"verbose"`

	// Bolt tuning, see kvbind.Options.
	MmapSize int  `toml:"mmap-size"`
	NoSync   bool `toml:"no-sync"`

	MaxRetries uint64   `toml:"max-retries"`
	Backoff    Duration `toml:"backoff"`

	// ChangeLogDir enables the change log when set.
	ChangeLogDir string `toml:"changelog-dir"`

	// DeletePolicy applies to both foreign keys of the shipments store:
	// "abort" or "cascade".
	DeletePolicy string `toml:"delete-policy"`
}

// Duration is a time.Duration written as "50ms" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func NewDefaultConfig() *Config {
	return &Config{
		DBPath:       "kvbind.db",
		LogLevel:     "info",
		MaxRetries:   5,
		Backoff:      Duration{50 * time.Millisecond},
		DeletePolicy: "abort",
	}
}

// LoadConfig reads path over the defaults. An empty path yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, conf); err != nil {
			return nil, errors.Wrapf(err, "loading config %s", path)
		}
	}
	return conf, nil
}

// AddFlags registers the command line overrides of c on flags.
func (c *Config) AddFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&c.DBPath, "db", "d", c.DBPath, "Database file")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flags.BoolVarP(&c.Verbose, "verbose", "v", c.Verbose, "Log every mutation")
	flags.BoolVar(&c.NoSync, "no-sync", c.NoSync, "Skip fsync on commit")
	flags.StringVar(&c.ChangeLogDir, "changelog-dir", c.ChangeLogDir, "Directory of the change log (disabled if empty)")
	flags.Uint64Var(&c.MaxRetries, "max-retries", c.MaxRetries, "Retries of transiently failing transactions")
	flags.StringVar(&c.DeletePolicy, "delete-policy", c.DeletePolicy, "What deleting a part or supplier does to its shipments (abort, cascade)")
}

// ApplyFlags copies the flags that were set explicitly into c, so that they
// take precedence over the config file.
func (c *Config) ApplyFlags(flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "db":
			c.DBPath = f.Value.String()
		case "log-level":
			c.LogLevel = f.Value.String()
		case "verbose":
			c.Verbose, err = flags.GetBool(f.Name)
		case "no-sync":
			c.NoSync, err = flags.GetBool(f.Name)
		case "changelog-dir":
			c.ChangeLogDir = f.Value.String()
		case "max-retries":
			c.MaxRetries, err = flags.GetUint64(f.Name)
		case "delete-policy":
			c.DeletePolicy = f.Value.String()
		}
	})
	return err
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path must be set")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log-level")
	}
	if c.Backoff.Duration < 0 {
		return fmt.Errorf("backoff must not be negative")
	}
	return nil
}

// Policy returns the delete policy of the sample foreign keys. Shipments
// reference parts and suppliers through their primary keys, which cannot
// be cleared, so Clear is rejected.
func (c *Config) Policy() (kvbind.DeletePolicy, error) {
	switch strings.ToLower(c.DeletePolicy) {
	case "abort", "":
		return kvbind.Abort, nil
	case "cascade":
		return kvbind.Cascade, nil
	default:
		return 0, fmt.Errorf("invalid delete-policy %q", c.DeletePolicy)
	}
}

func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true
	return zc.Build()
}

func (c *Config) Options(logger *zap.Logger) kvbind.Options {
	return kvbind.Options{
		Logger:   logger,
		Verbose:  c.Verbose,
		MmapSize: c.MmapSize,
		NoSync:   c.NoSync,
	}
}

func (c *Config) ChangeLogOptions(logger *zap.Logger) changelog.Options {
	return changelog.Options{
		NoSync:  c.NoSync,
		Logger:  logger,
		Verbose: c.Verbose,
	}
}
