package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/errwatch/errwatch-backend/internal/config"
	"github.com/errwatch/errwatch-backend/internal/fingerprint"
	"github.com/errwatch/errwatch-backend/internal/handler"
	"github.com/errwatch/errwatch-backend/internal/middleware"
	"github.com/errwatch/errwatch-backend/internal/migration"
	"github.com/errwatch/errwatch-backend/internal/queue"
	"github.com/errwatch/errwatch-backend/internal/ratelimit"
	"github.com/errwatch/errwatch-backend/internal/repository"
	"github.com/errwatch/errwatch-backend/internal/routes"
	"github.com/errwatch/errwatch-backend/internal/scheduler"
	"github.com/errwatch/errwatch-backend/internal/service"
	"github.com/errwatch/errwatch-backend/pkg/jwt"
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

	db, err := initDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	logger.Info().Msg("connected to MySQL")

	if err := migration.Run(db); err != nil {
		logger.Warn().Err(err).Msg("schema migration warning")
	}

	redisClient, err := pkgredis.NewClient(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.PoolSize,
	)
	if err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, using in-process queue and rate limits")
		redisClient = nil
	} else {
		logger.Info().Msg("connected to Redis")
	}

	// Repositories
	tenantRepo := repository.NewTenantRepository(db)
	groupRepo := repository.NewGroupRepository(db, cfg.Grouping.SampleSize, cfg.Grouping.OngoingAfter.Std())
	ruleRepo := repository.NewRuleRepository(db)
	stateRepo := repository.NewAlertStateRepository(db)
	letterRepo := repository.NewDeadLetterRepository(db)

	// Event queue: durable Redis streams in production, in-process for
	// single-node development without Redis
	var eventQueue queue.Queue
	if redisClient != nil {
		rq, err := queue.NewRedisQueue(context.Background(), redisClient, cfg.Queue, service.DeadLetterSink(letterRepo))
		if err != nil {
			log.Fatalf("Failed to initialize event queue: %v", err)
		}
		eventQueue = rq
	} else {
		eventQueue = queue.NewMemoryQueue(cfg.Queue.MaxAttempts, service.DeadLetterSink(letterRepo))
	}

	// Services
	engine := fingerprint.NewEngine(cfg.Fingerprint)
	limiter := ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit)
	ingestSvc := service.NewIngestService(engine, limiter, eventQueue, redisClient, cfg.Ingest)

	var sched scheduler.Scheduler
	if redisClient != nil {
		sched = scheduler.NewRedisScheduler(redisClient, cfg.Alerting.TimerPoll.Std())
	} else {
		sched = scheduler.NewMemoryScheduler()
	}
	dispatchSvc := service.NewDispatchService(&service.LogNotifier{}, cfg.Dispatch)
	dispatchSvc.SetSpill(sched)
	alertSvc := service.NewAlertService(ruleRepo, stateRepo, sched, dispatchSvc, nil, cfg.Alerting)
	alertSvc.SetGroupReader(groupRepo)

	// Without Redis there is no worker process; run consumers, delivery,
	// and timers in-process so the single-node setup stays functional
	if redisClient == nil {
		ms := sched.(*scheduler.MemoryScheduler)
		ms.RegisterHandler(scheduler.KindEscalation, alertSvc.HandleEscalation)
		ms.RegisterHandler(scheduler.KindDeferredDelivery, alertSvc.HandleDeferredDelivery)

		processor := service.NewProcessorService(eventQueue, groupRepo, alertSvc, cfg.Queue.Consumers)
		go dispatchSvc.Run(context.Background())
		go processor.Run(context.Background())
	}

	groupSvc := service.NewGroupService(groupRepo, alertSvc)
	ruleSvc := service.NewRuleService(ruleRepo)
	opsSvc := service.NewOpsService(letterRepo, eventQueue)

	jwtManager := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Expiry.Std())

	// Router
	if env != "local" && env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	allowOrigins := cfg.Server.AllowOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", "X-Request-ID"},
		AllowCredentials: true,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		ExposeHeaders:    []string{"X-Request-ID", "Retry-After"},
		MaxAge:           86400,
	}))

	router.Use(middleware.Metrics())
	router.Use(middleware.RequestLogger())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "errwatch-backend",
			"time":    time.Now().Unix(),
		})
	})

	routes.Setup(
		router,
		handler.NewIngestHandler(ingestSvc),
		handler.NewGroupHandler(groupSvc),
		handler.NewRuleHandler(ruleSvc, alertSvc),
		handler.NewOpsHandler(opsSvc),
		tenantRepo,
		jwtManager,
	)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info().Str("addr", addr).Msg("starting API server")
	if err := router.Run(addr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// initDB opens the MySQL connection pool
func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.Database.DSN()), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime.Std())

	return db, nil
}
