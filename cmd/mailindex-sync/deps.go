package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nhle/mailindex-sync/internal/credential"
	"github.com/nhle/mailindex-sync/internal/index"
	"github.com/nhle/mailindex-sync/internal/job"
	"github.com/nhle/mailindex-sync/internal/source"
	"github.com/nhle/mailindex-sync/internal/source/email"
	"github.com/nhle/mailindex-sync/internal/source/mbox"
	"github.com/nhle/mailindex-sync/internal/store"
)

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, a.cfg.State.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	return store.WithRetry(st, a.retryPolicy(), a.cfg.Timeouts.State), nil
}

func (a *app) openIndex() (index.Index, error) {
	if err := a.cfg.ValidateIndex(); err != nil {
		return nil, err
	}
	idx, err := index.Open(a.cfg.Index, a.cfg.Timeouts.Index, a.logger)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	return idx, nil
}

// coordinator builds the job coordinator. When st keeps job
// registrations the coordinator shares running jobs with other workers;
// st may be nil for commands that only act on the index.
func (a *app) coordinator(idx index.Index, st store.Store) *job.Coordinator {
	opts := job.OptionsFrom(a.cfg, a.logger)
	if reg, ok := st.(job.Registry); ok {
		opts.Registry = reg
		opts.WorkerID = a.workerID()
	}
	return job.New(idx, opts)
}

// workerID identifies this process in the job registry.
func (a *app) workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%d", host, a.cfg.Worker.Index, os.Getpid())
}

func (a *app) opener() (source.Opener, error) {
	creds, err := credential.New(credential.Options{
		Backends:   a.cfg.Credentials.Backend,
		SSMPrefix:  a.cfg.Credentials.SSMPrefix,
		KeyringDir: a.cfg.Credentials.KeyringDir,
		Region:     a.cfg.Index.Region,
	})
	if err != nil {
		return source.Opener{}, fmt.Errorf("building credential providers: %w", err)
	}

	var src source.Source
	switch a.cfg.Mailbox.Backend {
	case "mbox":
		src = mbox.NewSource(a.cfg.Mailbox.MboxRoot, a.logger)
	default:
		mode, err := email.ParseAuthMode(a.cfg.Mailbox.Auth)
		if err != nil {
			return source.Opener{}, err
		}
		src = email.NewSource(email.Config{
			Host: a.cfg.Mailbox.Host,
			Port: a.cfg.Mailbox.Port,
			TLS:  a.cfg.Mailbox.TLS,
			Auth: mode,
		}, a.cfg.Timeouts.Mailbox, a.logger)
	}

	return source.Opener{Source: src, Credentials: creds, Retry: a.retryPolicy()}, nil
}
