package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-wallets/app/metrics"
	"github.com/vibast-solutions/ms-go-wallets/app/service"
	"github.com/vibast-solutions/ms-go-wallets/config"
)

var (
	workerMode bool
)

type jobFunc func(s *service.JobsService, ctx context.Context) (int, error)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Poll gateways for pending top-ups and payments whose callback never arrived",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"reconcile",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ReconcileInterval },
			func(s *service.JobsService, ctx context.Context) (int, error) {
				return s.RunReconcileBatch(ctx)
			},
		)
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run expiration-related commands",
}

var expireStagingCmd = &cobra.Command{
	Use:   "staging",
	Short: "Fail staged transactions and subscriptions that never reached the gateway",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"expire_staging",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ExpireStagingInterval },
			func(s *service.JobsService, ctx context.Context) (int, error) {
				return s.RunExpireStagingBatch(ctx)
			},
		)
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Run notification outbox commands",
}

var notificationsDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver pending ledger notifications",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"notifications_dispatch",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.NotificationsDispatchInterval },
			func(s *service.JobsService, ctx context.Context) (int, error) {
				return s.RunNotificationsDispatchBatch(ctx)
			},
		)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(notificationsCmd)
	expireCmd.AddCommand(expireStagingCmd)
	notificationsCmd.AddCommand(notificationsDispatchCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

func runCommand(name string, intervalResolver func(cfg *config.Config) time.Duration, fn jobFunc) {
	app, cleanup := mustCreateApplication()
	defer cleanup()

	if workerMode {
		runWorker(name, intervalResolver(app.cfg), app.jobsService, fn)
		return
	}

	ctx := context.Background()
	runJob(name, func() (int, error) { return fn(app.jobsService, ctx) })
}

func runWorker(name string, interval time.Duration, jobsService *service.JobsService, fn jobFunc) {
	if interval <= 0 {
		logrus.WithField("job", name).Fatal("invalid worker interval")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runJob(name, func() (int, error) { return fn(jobsService, ctx) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-quit:
			logrus.WithField("job", name).Info("Worker shutdown requested")
			return
		case <-ticker.C:
			runJob(name, func() (int, error) { return fn(jobsService, ctx) })
		}
	}
}

func runJob(name string, fn func() (int, error)) {
	start := time.Now()
	processed, err := fn()
	latency := time.Since(start)

	entry := logrus.WithFields(logrus.Fields{
		"job":       name,
		"processed": processed,
		"latency":   latency.String(),
	})
	if err != nil {
		metrics.ObserveJob(name, "failed", processed, latency)
		entry.WithError(err).Error("job_failed")
		return
	}
	metrics.ObserveJob(name, "completed", processed, latency)
	entry.Info("job_completed")
}
