package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/mailindex-sync/internal/logging"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	cfg        *model.AppConfig
	logger     *slog.Logger
	cleanup    func() error
}

func main() {
	a := &app{}
	root := newRootCmd(a)
	err := root.Execute()
	if a.cleanup != nil {
		_ = a.cleanup()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mailindex-sync",
		Short:         "Keep a document index in sync with a set of mailboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", model.DefaultConfigPath(), "path to the YAML configuration file")
	pf.Int("worker-index", 0, "zero-based index of this worker")
	pf.Int("worker-count", 1, "total number of workers")
	pf.String("state-dsn", "", "state store DSN (sqlite://, postgres://, dynamodb://, memory://)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-dir", "", "also write logs to a timestamped file in this directory")

	root.AddCommand(
		newRunCmd(a),
		newAccountsCmd(a),
		newJobsCmd(a),
		newStateCmd(a),
		newCredentialsCmd(a),
	)
	return root
}

// load reads the configuration and installs the logger.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := model.LoadConfig(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	logger, cleanup, err := logging.Setup(cfg.Log.Level, cfg.Log.Dir, os.Stderr)
	if err != nil {
		return &model.ConfigError{Field: "log", Message: err.Error()}
	}
	slog.SetDefault(logger)
	a.cfg = cfg
	a.logger = logger
	a.cleanup = cleanup
	return nil
}

// retryPolicy is the transient retry policy shared by the state store and
// the mailbox opener.
func (a *app) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		MaxDelay:    a.cfg.Retry.MaxDelay,
		Logger:      a.logger,
	}
}
