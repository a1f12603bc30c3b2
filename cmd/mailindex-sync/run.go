package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailindex-sync/internal/health"
	"github.com/nhle/mailindex-sync/internal/job"
	isync "github.com/nhle/mailindex-sync/internal/sync"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run sync cycles for the accounts owned by this worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
	f := cmd.Flags()
	f.Bool("once", false, "run a single cycle and exit")
	f.Bool("force-stop", false, "stop every running sync job before the first cycle")
	f.String("mode", "", "sync mode: delta or full")
	f.Int("threads", 0, "accounts processed in parallel")
	f.String("health-addr", "", "listen address of the status server")
	return cmd
}

func (a *app) run(ctx context.Context) error {
	cfg := a.cfg
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	idx, err := a.openIndex()
	if err != nil {
		return err
	}
	coord := a.coordinator(idx, st)
	if err := a.preflight(ctx, coord); err != nil {
		return err
	}

	opener, err := a.opener()
	if err != nil {
		return err
	}

	engine := isync.NewEngine(cfg, st, coord, opener, a.logger)
	sched := isync.NewScheduler(engine, cfg, a.logger)

	a.logger.Info("worker starting",
		"workerIndex", cfg.Worker.Index,
		"workerCount", cfg.Worker.Count,
		"mode", cfg.SyncMode(),
		"threads", cfg.Worker.Threads,
		"runOnce", cfg.Sync.RunOnce,
	)

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()

	var g errgroup.Group
	if cfg.Health.Enabled && cfg.Health.Addr != "" {
		srv := health.New(cfg.Health.Addr, sched, a.logger)
		g.Go(func() error {
			if err := srv.Run(healthCtx); err != nil {
				a.logger.Error("status server stopped", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer stopHealth()
		return sched.Run(ctx)
	})
	return g.Wait()
}

// preflight stops stale jobs on --force-stop. Without auto-resolve a
// running job nobody is using would fail every cycle, so it is reported
// up front.
func (a *app) preflight(ctx context.Context, coord *job.Coordinator) error {
	if a.cfg.Sync.ForceStop {
		n, err := coord.ForceStopAll(ctx)
		if err != nil {
			return fmt.Errorf("force-stopping sync jobs: %w", err)
		}
		a.logger.Info("stopped running sync jobs", "count", n)
		return nil
	}
	if a.cfg.Conflicts.AutoResolve {
		return nil
	}
	running, err := coord.Orphans(ctx)
	if err != nil {
		return fmt.Errorf("checking running sync jobs: %w", err)
	}
	if len(running) > 0 {
		return fmt.Errorf("sync job %s is %s and auto-resolve is disabled; rerun with --force-stop or stop it with 'jobs stop'",
			running[0].ID, running[0].Status)
	}
	return nil
}
