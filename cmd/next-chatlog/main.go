package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/ashwinyue/next-chatlog/internal/config"
	"github.com/ashwinyue/next-chatlog/internal/database"
	"github.com/ashwinyue/next-chatlog/internal/handler"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
	"github.com/ashwinyue/next-chatlog/internal/router"
	"github.com/ashwinyue/next-chatlog/internal/service"
)

func main() {
	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog, err := logger.New(cfg.Log.Mode)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer appLog.Sync()

	// 设置 Gin 模式
	gin.SetMode(cfg.Server.Mode)

	// 初始化数据库
	db, err := database.New(cfg)
	if err != nil {
		appLog.Fatal("failed to init database", "error", err)
	}
	defer db.Close()
	appLog.Info("database connected", "driver", cfg.Database.Driver)

	// 初始化 Redis，未启用时脏键队列留在进程内
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			appLog.Fatal("failed to connect redis", "addr", cfg.Redis.GetAddr(), "error", err)
		}
	}

	// 初始化各层
	repos := repository.NewRepositories(db.DB)
	services, err := service.NewServices(repos, cfg, redisClient, appLog)
	if err != nil {
		appLog.Fatal("failed to init services", "error", err)
	}
	handlers := handler.NewHandlers(services)

	// 初始化路由
	r := router.SetupRouter(handlers, db, appLog)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 后台对账
	if cfg.Rollup.ReconcileInterval > 0 {
		go services.Rollup.RunReconciler(ctx,
			time.Duration(cfg.Rollup.ReconcileInterval)*time.Second, cfg.Rollup.ReconcileBatch)
	}

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// 启动服务器
	go func() {
		appLog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatal("server error", "error", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("shutting down server")
	stop()

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("server forced to shutdown", "error", err)
		return
	}

	appLog.Info("server exited")
}
