package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/getodk/collect-sub021/internal/disksync"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newDaemonCommand(r *runner) *cobra.Command {
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Watch the instances directory, auto-send periodically and serve metrics",
		Args:  cobra.NoArgs,
		RunE: r.run(func(a *App, ctx context.Context, _ []string) error {
			return a.daemon(ctx, settle)
		}),
	}
	cmd.Flags().DurationVar(&settle, "settle", disksync.DefaultSettle, "quiet period before scanning after a change")
	return cmd
}

// daemon runs until ctx is cancelled.
func (a *App) daemon(ctx context.Context, settle time.Duration) error {
	if n, err := a.syncer.Sync(ctx); err != nil {
		a.log.Error(ctx, "initial instance scan failed", "error", err)
	} else if n > 0 {
		a.log.Info(ctx, "instances added from disk", "count", n)
	}

	if a.cfg.AutoSend {
		task := a.sched.Repeat(a.cfg.AutoSendInterval, func(taskCtx context.Context) {
			if !a.autoSender.AutoSend(taskCtx, a.cfg.ProjectID) {
				a.log.Debug(taskCtx, "auto-send pass skipped, lock held")
			}
		})
		defer task.Cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return disksync.NewWatcher(a.syncer, settle).Run(gctx)
	})

	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			a.log.Info(gctx, "serving metrics", "addr", a.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.log.Info(ctx, "daemon started", "project", a.cfg.ProjectID, "auto_send", a.cfg.AutoSend)
	err := g.Wait()
	a.log.Info(ctx, "daemon stopped")
	return err
}
