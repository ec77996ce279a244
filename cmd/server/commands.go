package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-lifecycle/internal/api/handler"
	"go-lifecycle/internal/core/postgres/repository"
	"go-lifecycle/internal/domain"
	redisinfra "go-lifecycle/internal/infrastructure/redis"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var withDelivery bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			// The in-memory queue is only reachable from this process
			if withDelivery || cfg.Storage.Driver == "memory" {
				w := a.deliveryWorker()
				w.StartPool(ctx, cfg.Delivery.Concurrency)
				defer w.Wait()
			}

			gin.SetMode(gin.ReleaseMode)
			router := handler.NewRouter(
				handler.NewWorkflowHandler(a.workflows, logger),
				handler.NewBulkHandler(a.bulk, a.analyzer, logger),
				a.registry,
				logger,
			)
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", zap.String("addr", cfg.Server.Addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				logger.Info("server shutting down")
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withDelivery, "with-delivery", false, "also run the notification delivery workers in this process")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return fmt.Errorf("migrate needs storage.driver=postgres, got %q", cfg.Storage.Driver)
			}
			db, err := repository.Open(cfg.DB.DSN)
			if err != nil {
				return err
			}
			if err := repository.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema migrated")
			return nil
		},
	}
}

func slaSweepCmd() *cobra.Command {
	var (
		tenantID    string
		once        bool
		remindAfter time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sla-sweep",
		Short: "Periodically fail workflows that exceeded their SLA",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			sweep := func() {
				report, err := a.workflows.SweepSLA(ctx, tenantID, cfg.Workflow.SLAHours)
				if err != nil {
					logger.Error("sla sweep failed", zap.Error(err))
					return
				}
				logger.Info("sla sweep finished",
					zap.Int("checked", report.Checked),
					zap.Int("violated", len(report.Violated)),
					zap.Int("errors", report.Errors))

				if remindAfter > 0 {
					sent, err := a.workflows.RemindApprovers(ctx, tenantID, remindAfter)
					if err != nil {
						logger.Error("approval reminders failed", zap.Error(err))
						return
					}
					logger.Info("approval reminders queued", zap.Int("count", sent))
				}
			}

			sweep()
			if once {
				return nil
			}

			ticker := time.NewTicker(cfg.Workflow.SLASweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					sweep()
				}
			}
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "limit the sweep to one tenant (default all)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	cmd.Flags().DurationVar(&remindAfter, "remind-after", 24*time.Hour, "re-notify approvers of steps parked longer than this (0 disables)")
	return cmd
}

func deliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliver",
		Short: "Run the notification delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == "memory" {
				return errors.New("deliver needs a shared queue; with storage.driver=memory use serve")
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			w := a.deliveryWorker()
			w.StartPool(ctx, cfg.Delivery.Concurrency)
			<-ctx.Done()
			w.Wait()
			return nil
		},
	}
}

func auditTailCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "audit-tail",
		Short: "Stream workflow and bulk operation audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == "memory" {
				return errors.New("audit-tail needs the redis event bus; with storage.driver=memory events are only logged")
			}
			ctx, stop := signalContext()
			defer stop()

			client, err := redisinfra.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.PoolSize)
			if err != nil {
				return err
			}
			defer client.Close()

			events, err := redisinfra.NewRedisEventBus(client, logger).Subscribe(ctx)
			if err != nil {
				return err
			}
			logger.Info("tailing audit events", zap.String("tenant", tenantID))
			n := tailAudit(events, tenantID, logger)
			logger.Info("audit tail stopped", zap.Int("events", n))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "only show events of one tenant (default all)")
	return cmd
}

// tailAudit logs events until the stream closes and returns how many it
// logged.
func tailAudit(events <-chan domain.AuditEvent, tenantID string, logger *zap.Logger) int {
	n := 0
	for ev := range events {
		if tenantID != "" && ev.TenantID != tenantID {
			continue
		}
		n++
		logger.Info("audit event",
			zap.String("subject", string(ev.Subject)),
			zap.String("subject_id", ev.SubjectID.String()),
			zap.String("tenant_id", ev.TenantID),
			zap.String("event", ev.Event),
			zap.String("actor_id", ev.ActorID),
			zap.String("from", ev.From),
			zap.String("to", ev.To),
			zap.Time("occurred_at", ev.OccurredAt))
	}
	return n
}
