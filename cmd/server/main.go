package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/parlaylab/parlay-core/internal/api/handlers"
	"github.com/parlaylab/parlay-core/internal/cache"
	"github.com/parlaylab/parlay-core/internal/correlation"
	"github.com/parlaylab/parlay-core/internal/edges"
	"github.com/parlaylab/parlay-core/internal/maintenance"
	"github.com/parlaylab/parlay-core/internal/metrics"
	"github.com/parlaylab/parlay-core/internal/oddsstore"
	"github.com/parlaylab/parlay-core/internal/optimizer"
	"github.com/parlaylab/parlay-core/internal/scheduler"
	"github.com/parlaylab/parlay-core/internal/simulation"
	"github.com/parlaylab/parlay-core/pkg/config"
	"github.com/parlaylab/parlay-core/pkg/database"
	"github.com/parlaylab/parlay-core/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	structuredLogger := logger.InitLogger("info", cfg.IsDevelopment())
	structuredLogger.WithFields(logrus.Fields{
		"environment": cfg.Env,
		"port":        cfg.Port,
	}).Info("Starting parlay analytics core")

	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewConnection(cfg.DatabaseURL, cfg.IsDevelopment())
	if err != nil {
		structuredLogger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		structuredLogger.Fatalf("Failed to run migrations: %v", err)
	}

	// Redis backs the cache's optional write-through tier; the service
	// stays up without it.
	var redisClient *redis.Client
	if cfg.Cache.RedisWriteThrough {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			structuredLogger.Fatalf("Failed to parse Redis URL: %v", err)
		}
		redisClient = redis.NewClient(opt)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			structuredLogger.WithError(err).Warn("Redis unavailable, continuing with local cache only")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var cacheOpts []cache.Option
	if redisClient != nil {
		cacheOpts = append(cacheOpts, cache.WithRemote(redisClient))
	}
	cacheStore := cache.NewStore(cfg.Cache.MaxEntries, cacheOpts...)

	sched := scheduler.New(scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		QueueDepth:   cfg.Scheduler.QueueDepth,
		TickInterval: cfg.Scheduler.TickInterval,
	})
	sched.SetOutcomeHook(func(taskName string, status scheduler.ExecutionStatus) {
		metrics.SchedulerExecutions.WithLabelValues(taskName, string(status)).Inc()
		metrics.SchedulerQueueDepth.Set(float64(sched.QueueDepth()))
	})
	sched.Start(context.Background())
	defer sched.Shutdown()

	store := oddsstore.NewStore(db)
	history := oddsstore.NewHistoryProvider(db)
	corrEngine := correlation.NewEngine(history, cacheStore, db, cfg.Cache.CorrelationTTL, cfg.Cache.FactorTTL)
	simulator := simulation.NewSimulator(cacheStore, db, cfg.Simulation.CholeskyCache)
	simulator.SetResultTTL(cfg.Cache.MonteCarloTTL)
	edgeRegistry := edges.NewRegistry(cacheStore)
	portfolioOptimizer := optimizer.New(edgeRegistry, corrEngine, simulator, db)

	upkeep := maintenance.NewManager(store, corrEngine, sched, cfg)
	if err := upkeep.Start(); err != nil {
		structuredLogger.Fatalf("Failed to start maintenance jobs: %v", err)
	}
	defer upkeep.Stop()

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	oddsHandler := handlers.NewOddsHandler(store, structuredLogger)
	correlationHandler := handlers.NewCorrelationHandler(corrEngine, structuredLogger)
	simulationHandler := handlers.NewSimulationHandler(simulator, cfg.Simulation, structuredLogger)
	optimizationHandler := handlers.NewOptimizationHandler(portfolioOptimizer, db, cfg.Optimizer, structuredLogger)
	edgeHandler := handlers.NewEdgeHandler(edgeRegistry, structuredLogger)
	taskHandler := handlers.NewTaskHandler(sched, cacheStore, structuredLogger)
	healthHandler := handlers.NewHealthHandler(db, redisClient, structuredLogger)

	apiV1 := router.Group("/api/v1")
	{
		apiV1.POST("/odds/snapshots", oddsHandler.RecordSnapshots)
		apiV1.GET("/odds/best-line/:prop_id", oddsHandler.GetBestLine)
		apiV1.GET("/odds/movement/:prop_id", oddsHandler.GetLineMovement)
		apiV1.GET("/odds/steam-moves", oddsHandler.GetSteamMoves)
		apiV1.GET("/odds/arbitrage", oddsHandler.FindArbitrage)

		apiV1.GET("/bookmakers", oddsHandler.ListBookmakers)
		apiV1.POST("/bookmakers", oddsHandler.UpsertBookmaker)

		apiV1.POST("/correlation/compute", correlationHandler.ComputeCorrelation)
		apiV1.POST("/simulate/parlay", simulationHandler.SimulateParlay)

		apiV1.POST("/edges", edgeHandler.UpsertEdges)
		apiV1.GET("/edges", edgeHandler.ListEdges)

		apiV1.POST("/optimize/portfolio", optimizationHandler.OptimizePortfolio)
		apiV1.GET("/optimize/runs/:run_id", optimizationHandler.GetOptimizationRun)
		apiV1.GET("/optimize/runs/:run_id/artifacts", optimizationHandler.GetOptimizationArtifacts)

		apiV1.GET("/tasks/:task_id", taskHandler.GetTaskStatus)
		apiV1.POST("/cache/invalidate", taskHandler.InvalidateCache)
		apiV1.GET("/cache/stats", taskHandler.GetCacheStats)
	}

	router.GET("/health", healthHandler.GetHealth)
	router.GET("/ready", healthHandler.GetReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	go func() {
		structuredLogger.WithField("port", cfg.Port).Info("Analytics core started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			structuredLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	structuredLogger.Info("Shutting down analytics core...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		structuredLogger.Fatalf("Forced to shutdown: %v", err)
	}

	structuredLogger.Info("Analytics core exited")
}
