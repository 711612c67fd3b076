package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/errwatch/errwatch-backend/internal/config"
	"github.com/errwatch/errwatch-backend/internal/migration"
	"github.com/errwatch/errwatch-backend/internal/queue"
	"github.com/errwatch/errwatch-backend/internal/repository"
	"github.com/errwatch/errwatch-backend/internal/scheduler"
	"github.com/errwatch/errwatch-backend/internal/service"
	pkglogger "github.com/errwatch/errwatch-backend/pkg/logger"
	pkgredis "github.com/errwatch/errwatch-backend/pkg/redis"
)

// getConfigPath returns config file path based on APP_ENV environment variable
func getConfigPath() string {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf("configs/config.%s.yaml", env)
}

func main() {
	config.LoadDotEnv()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}
	pkglogger.Init(env)
	logger := pkglogger.GetLogger()

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := gorm.Open(mysql.Open(cfg.Database.DSN()), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	logger.Info().Msg("connected to MySQL")

	if err := migration.Run(db); err != nil {
		logger.Warn().Err(err).Msg("schema migration warning")
	}

	// The worker needs durable queues and timers; refusing to start without
	// Redis beats silently dropping events
	redisClient, err := pkgredis.NewClient(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.PoolSize,
	)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	logger.Info().Msg("connected to Redis")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories
	groupRepo := repository.NewGroupRepository(db, cfg.Grouping.SampleSize, cfg.Grouping.OngoingAfter.Std())
	ruleRepo := repository.NewRuleRepository(db)
	stateRepo := repository.NewAlertStateRepository(db)
	letterRepo := repository.NewDeadLetterRepository(db)

	eventQueue, err := queue.NewRedisQueue(ctx, redisClient, cfg.Queue, service.DeadLetterSink(letterRepo))
	if err != nil {
		log.Fatalf("Failed to initialize event queue: %v", err)
	}

	// Notification delivery
	var notifier service.Notifier
	if cfg.Dispatch.WebhookURL != "" {
		notifier = service.NewWebhookNotifier(cfg.Dispatch.WebhookURL)
	} else {
		logger.Warn().Msg("no webhook configured, notifications go to the log")
		notifier = &service.LogNotifier{}
	}
	dispatchSvc := service.NewDispatchService(notifier, cfg.Dispatch)

	// Alert engine and durable timers
	sched := scheduler.NewRedisScheduler(redisClient, cfg.Alerting.TimerPoll.Std())
	spikes := service.NewRedisSpikeTracker(redisClient, cfg.Alerting.SpikeWindow.Std(), cfg.Alerting.BaselineWindow.Std())
	alertSvc := service.NewAlertService(ruleRepo, stateRepo, sched, dispatchSvc, spikes, cfg.Alerting)
	alertSvc.SetGroupReader(groupRepo)

	dispatchSvc.SetSpill(sched)

	sched.RegisterHandler(scheduler.KindEscalation, alertSvc.HandleEscalation)
	sched.RegisterHandler(scheduler.KindDeferredDelivery, alertSvc.HandleDeferredDelivery)

	processor := service.NewProcessorService(eventQueue, groupRepo, alertSvc, cfg.Queue.Consumers)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		dispatchSvc.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		processor.Run(ctx)
	}()

	logger.Info().Int("consumers", cfg.Queue.Consumers).Msg("worker started")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	wg.Wait()
}
