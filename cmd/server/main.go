package main

// @title Communications Dashboard API
// @version 1.0.0
// @description 通信面板后端 API 文档
// @contact.name API Support
// @BasePath /
// @schemes http https

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "commsdash/dashboard/docs" // Swagger docs
	"commsdash/dashboard/internal/backend"
	"commsdash/dashboard/internal/cache"
	"commsdash/dashboard/internal/chat"
	"commsdash/dashboard/internal/config"
	"commsdash/dashboard/internal/dashboard"
	"commsdash/dashboard/internal/health"
	"commsdash/dashboard/internal/identity"
	"commsdash/dashboard/internal/logger"
	"commsdash/dashboard/internal/mailer"
	"commsdash/dashboard/internal/middleware"
	"commsdash/dashboard/internal/monitoring"
	"commsdash/dashboard/internal/storage/redis"
	"commsdash/dashboard/internal/tokencache"
	httptransport "commsdash/dashboard/internal/transport/http"
	"commsdash/dashboard/internal/websocket"
)

// 令牌本地缓存容量
const localTokenCapacity = 10000

// main 启动通信面板 HTTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting commsdash server",
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("token_store", cfg.Token.Store),
		zap.String("mail_transport", cfg.Mail.Transport),
		zap.Bool("development", cfg.Log.Development),
	)

	metrics := monitoring.NewMetrics()
	client := backend.New(cfg.Backend, cfg.Push, logger.Component(log, "backend"), metrics)

	// 令牌缓存：本地或 Redis
	var (
		tokenStore  tokencache.Store
		localTokens *cache.LocalCache
		redisClient *redis.Client
	)
	switch cfg.Token.Store {
	case "redis":
		redisClient, err = redis.New(cfg.Redis, logger.Component(log, "redis"))
		if err != nil {
			log.Fatal("failed to initialize redis token store", zap.Error(err))
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Warn("redis close warning", zap.Error(err))
			}
		}()
		tokenStore = tokencache.NewRedisStore(redisClient)
	default:
		localTokens = cache.NewLocalCache(localTokenCapacity, cfg.Token.TTL)
		tokenStore = tokencache.NewLocalStore(localTokens)
	}
	tokens := tokencache.New(tokenStore, client.FetchToken, cfg.Token.TTL, logger.Component(log, "tokens"), metrics)

	codec := identity.NewCodec(cfg.Session.Secret, cfg.Session.Expiry)
	gates := identity.NewRegistry(cfg.Session.IdleTimeout, cfg.UI.ToastLifetime, cfg.UI.RedirectDelay, logger.Component(log, "identity"))

	chatConnect, voiceConnect := dashboard.Connectors(client, tokens)

	// Hub 与视图注册表互相引用：Hub 订阅时取快照，视图变化时经 Hub 推送
	var views *dashboard.Manager
	wsHub := websocket.NewHub(websocket.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Codec:          codec,
		Snapshot: func(identity, view string) (any, error) {
			name, err := dashboard.ParseView(view)
			if err != nil {
				return nil, err
			}
			return views.Snapshot(identity, name)
		},
		OnIdle: func(identity string) {
			views.Unmount(identity)
		},
		Log:     logger.Component(log, "websocket"),
		Metrics: metrics,
	})
	views = dashboard.NewManager(dashboard.Deps{
		Emails:         client,
		SMS:            client,
		Incoming:       client,
		Mailer:         mailer.New(cfg.Mail, client, logger.Component(log, "mailer")),
		ChatConnector:  chatConnect,
		VoiceConnector: voiceConnect,
		Chat: chat.Config{
			ConversationSID:  cfg.Conversation.SID,
			PageSize:         cfg.Conversation.PageSize,
			MediaConcurrency: cfg.Conversation.MediaConcurrency,
		},
		ToastLifetime:   cfg.UI.ToastLifetime,
		SMSRefreshDelay: cfg.UI.SMSRefreshDelay,
	}, wsHub, cfg.Session.IdleTimeout, logger.Component(log, "dashboard"), metrics)

	// redis 为 nil 时不能直接传入接口，否则得到非 nil 的接口值
	var redisPinger health.Pinger
	if redisClient != nil {
		redisPinger = redisClient
	}
	healthChecker := health.NewHealthChecker(client, redisPinger, logger.Component(log, "health"))

	limiter := middleware.NewLimiterPool(cfg.RateLimit)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Views:        views,
		Gates:        gates,
		Codec:        codec,
		Tokens:       tokens,
		WebSocketHub: wsHub,
		Health:       healthChecker,
		Metrics:      metrics,
		Limiter:      limiter,
		Logger:       log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 空闲视图清理 goroutine
	group.Go(func() error {
		log.Info("starting idle view sweeper", zap.Duration("idle_timeout", cfg.Session.IdleTimeout))
		views.Run(groupCtx)
		return nil
	})

	// 身份入口清理 goroutine
	group.Go(func() error {
		gates.Run(groupCtx)
		return nil
	})

	// 本地令牌缓存清理 goroutine
	if localTokens != nil {
		group.Go(func() error {
			localTokens.Run(groupCtx)
			return nil
		})
	}

	// 限流器清理 goroutine
	group.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Prune(10 * time.Minute); n > 0 {
					log.Debug("idle rate limiters pruned", zap.Int("count", n))
				}
			}
		}
	})

	// 监控服务 goroutine
	group.Go(func() error {
		log.Info("starting monitoring services")
		healthChecker.StartPeriodicHealthCheck(groupCtx, 30*time.Second)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		views.Close()

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
