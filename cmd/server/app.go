package main

import (
	"context"
	"fmt"

	"go-lifecycle/internal/approval"
	"go-lifecycle/internal/audit"
	"go-lifecycle/internal/config"
	"go-lifecycle/internal/coordinator"
	"go-lifecycle/internal/core/memory"
	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/core/postgres/repository"
	"go-lifecycle/internal/dryrun"
	redisinfra "go-lifecycle/internal/infrastructure/redis"
	"go-lifecycle/internal/logging"
	"go-lifecycle/internal/metrics"
	"go-lifecycle/internal/notification"
	"go-lifecycle/internal/service"
	"go-lifecycle/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// app is the fully wired process. Every subcommand builds one and uses the
// parts it needs.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	db *gorm.DB

	users         ports.UserRepository
	notifications ports.NotificationRepository
	queue         ports.NotificationQueue

	notifier  *notification.Notifier
	analyzer  *dryrun.Analyzer
	workflows service.WorkflowService
	bulk      *service.BulkService

	closers []func()
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	// 1. Storage, queue and audit sink
	var (
		workflows    ports.WorkflowRepository
		provisioning ports.ProvisioningRepository
		ops          ports.BulkOperationRepository
		sink         ports.AuditSink
	)
	switch cfg.Storage.Driver {
	case "memory":
		store := memory.NewStore()
		a.users, workflows, provisioning, ops, a.notifications = store, store, store, store, store
		a.queue = memory.NewQueue(1024)
		sink = &memory.AuditLog{}
		logger.Warn("using in-memory storage; state is lost on exit")
	default:
		db, err := repository.Open(cfg.DB.DSN)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.users = repository.NewUserRepository(db)
		provisioning = repository.NewProvisioningRepository(db)
		workflows = repository.NewWorkflowRepository(db)
		ops = repository.NewBulkOperationRepository(db)
		a.notifications = repository.NewNotificationRepository(db)

		client, err := redisinfra.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.PoolSize)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.queue = redisinfra.NewRedisQueue(client)
		sink = redisinfra.NewRedisEventBus(client, logger)
	}
	recorder := audit.NewRecorder(sink, logger)

	// 2. Notifications and the approval gate
	a.notifier = notification.NewNotifier(a.notifications, a.queue, notification.NewCatalog(),
		notification.WithLogger(logger), notification.WithMetrics(m))
	gate := approval.NewGate(workflows, a.users, a.notifier,
		approval.WithLogger(logger), approval.WithMetrics(m), approval.WithAudit(recorder))

	// 3. Step handlers and the workflow engine
	reg, err := worker.NewRegistry(workflows, worker.DefaultHandlers(worker.Deps{
		Users:        a.users,
		Provisioning: provisioning,
		Notifier:     a.notifier,
		Gate:         gate,
		Logger:       logger,
	}), worker.WithRegistryLogger(logger), worker.WithRegistryMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("build step registry: %w", err)
	}
	engine := coordinator.NewCoordinator(workflows, a.users, reg, a.notifier,
		coordinator.WithLogger(logger), coordinator.WithMetrics(m), coordinator.WithAudit(recorder))
	a.workflows = service.NewWorkflowService(engine, gate, a.notifier, a.notifications)

	// 4. Dry-run and bulk operations
	a.analyzer = dryrun.NewAnalyzer(a.users, dryrun.WithLogger(logger), dryrun.WithMetrics(m))
	a.bulk = service.NewBulkService(ops, a.users, a.analyzer,
		service.WithLogger(logger),
		service.WithMetrics(m),
		service.WithAudit(recorder),
		service.WithNotifier(a.notifier),
		service.WithWorkers(cfg.Bulk.Workers),
		service.WithPreviewLimit(cfg.Bulk.PreviewLimit),
		service.WithRollbackWindow(cfg.Bulk.RollbackWindow))

	return a, nil
}

// deliveryWorker builds the delivery pool over the app's queue.
func (a *app) deliveryWorker() *worker.DeliveryWorker {
	var limiter *rate.Limiter
	if r := a.cfg.Delivery.RatePerSecond; r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), a.cfg.Delivery.Concurrency)
	}
	return worker.NewDeliveryWorker(a.queue, a.notifications, a.notifier,
		notification.NewLogTransport(a.logger), limiter, a.logger)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}
