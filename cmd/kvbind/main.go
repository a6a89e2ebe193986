// Command kvbind inspects and exercises a kvbind database holding the
// supplier/part/shipment sample schema.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andreyvit/kvbind"
	"github.com/andreyvit/kvbind/changelog"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what the subcommands share: the effective config, the logger,
// and the output stream.
type env struct {
	configPath string
	conf       *Config
	logger     *zap.Logger
	stdout     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	e := &env{conf: NewDefaultConfig(), stdout: stdout}
	rc := &cobra.Command{
		Use:   "kvbind",
		Short: "Inspect a kvbind sample database.",
		Long: `
Opens a Bolt database with the supplier/part/shipment sample schema,
populates it, and prints its records, indexes, and class catalog.
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}
	rc.SetOut(stdout)
	rc.SetErr(stderr)

	flags := rc.PersistentFlags()
	flags.StringVarP(&e.configPath, "config", "c", "", "TOML configuration file")
	e.conf.AddFlags(flags)

	rc.AddCommand(newDemoCommand(e))
	rc.AddCommand(newDumpCommand(e))
	rc.AddCommand(newCatalogCommand(e))
	rc.AddCommand(newStatsCommand(e))
	rc.AddCommand(newDeleteCommand(e))
	rc.AddCommand(newChangesCommand(e))
	return rc
}

// setup loads the config file, then lets explicitly set flags override it.
func (e *env) setup(cmd *cobra.Command) error {
	conf, err := LoadConfig(e.configPath)
	if err != nil {
		return err
	}
	if err := conf.ApplyFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	e.conf = conf
	e.logger, err = conf.Logger()
	return err
}

// open opens the database and, if configured, the change log. The returned
// close function closes both.
func (e *env) open() (*kvbind.DB, *sampleDB, func(), error) {
	policy, err := e.conf.Policy()
	if err != nil {
		return nil, nil, nil, err
	}
	opt := e.conf.Options(e.logger)
	if e.conf.ChangeLogDir != "" {
		opt.ChangeLog, err = changelog.Open(e.conf.ChangeLogDir, e.conf.ChangeLogOptions(e.logger))
		if err != nil {
			return nil, nil, nil, err
		}
	}
	scm := newSampleSchema(policy)
	db, err := kvbind.OpenBolt(e.conf.DBPath, scm.Schema, opt)
	if err != nil {
		if opt.ChangeLog != nil {
			opt.ChangeLog.Close()
		}
		return nil, nil, nil, err
	}
	e.logger.Debug("opened database", zap.String("path", e.conf.DBPath), zap.Stringer("policy", policy))
	return db, scm, func() {
		if err := db.Close(); err != nil {
			e.logger.Warn("closing database", zap.Error(err))
		}
		if opt.ChangeLog != nil {
			opt.ChangeLog.Close()
		}
	}, nil
}

func (e *env) runner(db *kvbind.DB) *kvbind.Runner {
	r := kvbind.NewRunner(db)
	r.MaxRetries = e.conf.MaxRetries
	r.Backoff = e.conf.Backoff.Duration
	return r
}

func (e *env) printf(format string, args ...any) {
	fmt.Fprintf(e.stdout, format, args...)
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("too many command line arguments")
	}
	return nil
}
