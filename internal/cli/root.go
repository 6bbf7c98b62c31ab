// Package cli implements the identity command line: the HTTP server plus
// one-shot maintenance and consolidation commands sharing its configuration.
package cli

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/identity-reconciler/internal/config"
	"github.com/tbourn/identity-reconciler/internal/repo"
	"github.com/tbourn/identity-reconciler/internal/sysutil"
)

type options struct {
	envFile string
	version string
}

// NewRootCommand builds the identity command tree. Running it without a
// subcommand starts the HTTP server.
func NewRootCommand(version string) *cobra.Command {
	opts := &options{version: version}

	root := &cobra.Command{
		Use:   "identity",
		Short: "contact identity reconciliation service",
		Example: `identity serve
identity identify --email lorraine@hillvalley.edu --phone 123456
identity db migrate
identity purge-idempotency`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment (missing file is ignored)")

	serve := newServeCommand(opts)
	root.RunE = serve.RunE

	root.AddCommand(serve)
	root.AddCommand(newIdentifyCommand(opts))
	root.AddCommand(newDBCommand(opts))
	root.AddCommand(newPurgeCommand(opts))

	root.CompletionOptions.HiddenDefaultCmd = true
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute(version string) {
	if err := NewRootCommand(version).Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the dotenv file (if any), loads and validates the
// configuration, and installs the global logger.
func (o *options) loadConfig() (config.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty)
	return cfg, nil
}

// openStore opens the configured database and brings the schema up to date.
// The returned func closes the pool.
func openStore(cfg config.Config) (*gorm.DB, func(), error) {
	db, err := repo.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		closeFn()
		return nil, nil, err
	}
	return db, closeFn, nil
}
