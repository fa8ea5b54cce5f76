package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/config"
	"github.com/bitfantasy/nimo-farm/internal/farm/handler"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/bitfantasy/nimo-farm/internal/farm/service"
	"github.com/bitfantasy/nimo-farm/internal/farm/sse"
	"github.com/bitfantasy/nimo-farm/internal/middleware"
	"github.com/bitfantasy/nimo-farm/internal/shared/feishu"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	root := &cobra.Command{
		Use:           "nimo-farm",
		Short:         "种植计划与农资库存服务",
		Version:       fmt.Sprintf("%s (%s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), seedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app 命令共用的基础组件
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB
}

func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	db, err := initDatabase(cfg.Database)
	if err != nil {
		zapLogger.Sync()
		return nil, err
	}
	if err := repository.AutoMigrate(db); err != nil {
		zapLogger.Sync()
		return nil, fmt.Errorf("failed to migrate farm tables: %w", err)
	}
	return &app{cfg: cfg, logger: zapLogger, db: db}, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
	a.logger.Sync()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "创建或更新数据表",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()
			a.logger.Info("Farm tables migrated", zap.String("driver", a.cfg.Database.Driver))
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed-templates",
		Short: "从YAML导入全局活动模板，已存在的跳过",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			reqs, err := service.ParseTemplateSeed(data)
			if err != nil {
				return err
			}

			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			svc := service.NewServices(service.Deps{
				DB:     a.db,
				Repos:  repository.NewRepositories(a.db),
				Logger: a.logger,
			}, a.cfg)
			created, skipped, err := svc.Catalog.SeedTemplates(cmd.Context(), reqs, "seed")
			if err != nil {
				return err
			}
			a.logger.Info("Templates seeded", zap.Int("created", created), zap.Int("skipped", skipped))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "configs/templates.yaml", "模板种子文件")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动HTTP服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()
			return serve(a)
		},
	}
}

func serve(a *app) error {
	cfg, zapLogger := a.cfg, a.logger
	zapLogger.Info("Starting nimo-farm service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := sse.NewHub(zapLogger.Named("sse"))
	var notifier sse.Notifier = hub

	// 配置Redis时事件经由频道广播，多实例共享
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = initRedis(cfg.Redis)
		if err := rdb.Ping(ctx).Err(); err != nil {
			zapLogger.Warn("Redis unavailable, falling back to in-process events", zap.Error(err))
			rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
			bridge := sse.NewRedisBridge(rdb, cfg.Redis.Channel, hub, zapLogger.Named("sse"))
			notifier = bridge
			go func() {
				if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
					zapLogger.Error("Redis event bridge stopped", zap.Error(err))
				}
			}()
		}
	}

	if cfg.Feishu.Enabled() {
		alerts := sse.NewFeishuNotifier(
			feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret),
			cfg.Feishu.ChatID,
			decimal.NewFromFloat(cfg.Planner.LowStockThreshold),
			cfg.Feishu.AlertCooldown,
			zapLogger.Named("feishu"),
		)
		defer alerts.Wait()
		notifier = sse.Multi{notifier, alerts}
	}

	minioClient, err := service.NewMinIOClient(cfg.MinIO)
	if err != nil {
		zapLogger.Warn("MinIO client init failed, plan archiving disabled", zap.Error(err))
		minioClient = nil
	}

	svc := service.NewServices(service.Deps{
		DB:       a.db,
		Repos:    repository.NewRepositories(a.db),
		Redis:    rdb,
		MinIO:    minioClient,
		Notifier: notifier,
		Logger:   zapLogger,
	}, cfg)
	h := handler.NewHandlers(svc, hub)

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/farming/events"})))

	registerRoutes(router, h, a.db, cfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // SSE长连接
	}

	errCh := make(chan error, 1)
	go func() {
		zapLogger.Info("Server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	zapLogger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	zapLogger.Info("Server exited")
	return nil
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, db *gorm.DB, cfg *config.Config) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1/farming", middleware.JWTAuth(cfg.JWT.Secret, cfg.JWT.Issuer))
	h.RegisterRoutes(api)
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	case "", "postgres":
		dialector = postgres.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite单写者
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}
