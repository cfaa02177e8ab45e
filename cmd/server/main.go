package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/audience-engine/internal/api"
	"github.com/ignite/audience-engine/internal/audience"
	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/export"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/repository/postgres"
)

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyLogging(cfg.Logging)

	if cfg.Database.URL == "" {
		log.Fatal("database url is required (config database.url or DATABASE_URL)")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	logger.Info("connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unavailable, falling back to advisory locks", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	store := postgres.NewMemberRepo(db)
	locker := distlock.NewLocker(redisClient, db, cfg.Redis.LockTTL())
	aggregator := audience.NewAggregator(store, locker, audience.DefaultAggregatorConfig())
	engine := audience.NewEngine(store)
	refresher := audience.NewRefresher(
		store,
		postgres.NewFollowerRepo(db),
		postgres.NewPurchaseRepo(db),
		postgres.NewAffiliateRepo(db),
		audience.RefresherConfig{NumWorkers: cfg.Refresher.NumWorkers},
	)

	var exporter *export.Exporter
	if cfg.Export.Enabled {
		exporter, err = export.NewS3Exporter(context.Background(),
			cfg.Export.S3Bucket, cfg.Export.Prefix, cfg.Export.S3Region,
			os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"))
		if err != nil {
			log.Fatalf("Failed to configure export: %v", err)
		}
		logger.Info("audience export enabled", "bucket", cfg.Export.S3Bucket)
	}

	server := api.NewServer(aggregator, engine, refresher, exporter)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("audience engine listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func applyLogging(cfg config.LoggingConfig) {
	switch cfg.Level {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
	if cfg.RedactPII != nil {
		logger.SetRedactPII(*cfg.RedactPII)
	}
}
