package httptransport

import (
	"context"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"commsdash/dashboard/internal/config"
	"commsdash/dashboard/internal/dashboard"
	"commsdash/dashboard/internal/health"
	"commsdash/dashboard/internal/identity"
	"commsdash/dashboard/internal/middleware"
	"commsdash/dashboard/internal/monitoring"
	"commsdash/dashboard/internal/websocket"
)

// TokenInvalidator 身份重新设置时丢弃其缓存的会话令牌
type TokenInvalidator interface {
	Invalidate(ctx context.Context, identity string) error
}

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	views        *dashboard.Manager
	gates        *identity.Registry
	codec        *identity.Codec
	tokens       TokenInvalidator
	cookieSecure bool
	log          *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Views        *dashboard.Manager
	Gates        *identity.Registry
	Codec        *identity.Codec
	Tokens       TokenInvalidator      // 可选
	WebSocketHub *websocket.Hub        // 可选
	Health       *health.HealthChecker // 可选
	Metrics      *monitoring.Metrics   // 可选
	Limiter      *middleware.LimiterPool
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(mm.PanicRecovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(log.Named("http")))
	router.Use(middleware.SecurityHeaders())
	router.Use(mm.HTTPMetrics())

	// 带附件的发送请求体较大，其余路由按小请求处理
	router.Use(middleware.BodySizeLimit(middleware.UploadBodyLimit))

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		views:        deps.Views,
		gates:        deps.Gates,
		codec:        deps.Codec,
		tokens:       deps.Tokens,
		cookieSecure: deps.Config.Session.CookieSecure,
		log:          log.Named("handler"),
	}

	identityAuth := middleware.NewIdentityAuth(deps.Codec, log.Named("auth"))
	limiter := deps.Limiter
	if limiter == nil {
		limiter = middleware.NewLimiterPool(deps.Config.RateLimit)
	}
	outbound := middleware.RateLimit(limiter, deps.Metrics)
	small := middleware.BodySizeLimit(middleware.SmallBodyLimit)

	// Swagger 文档
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			report := deps.Health.CheckHealth(c.Request.Context())
			status := http.StatusOK
			if report.Status == health.StatusUnhealthy {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, report)
		})
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// ========== Identity Routes（无需身份） ==========
	identityRoutes := router.Group(middleware.IdentityPage)
	identityRoutes.Use(identityAuth.OptionalIdentity())
	{
		identityRoutes.GET("", handler.enterIdentity)
		identityRoutes.POST("", small, handler.submitIdentity)
		identityRoutes.POST("/toast/close", handler.closeIdentityToast)
	}

	// ========== WebSocket Routes（Hub 自行校验身份 Cookie） ==========
	if deps.WebSocketHub != nil {
		router.GET("/v1/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	views := router.Group("")
	views.Use(identityAuth.RequireIdentity())
	{
		// 聊天
		views.GET("/", handler.chatSnapshot)
		views.POST("/chat/messages", outbound, handler.sendChatMessage)

		// 邮件
		views.GET("/email", handler.emailSnapshot)
		views.GET("/email/:index", handler.getEmail)
		views.POST("/email/refresh", handler.refreshEmail)
		views.POST("/email/send", outbound, handler.sendEmail)
		views.POST("/email/toast/close", handler.closeToast(dashboard.ViewEmail))

		// 短信
		views.GET("/sms", handler.smsSnapshot)
		views.POST("/sms/refresh", handler.refreshSMS)
		views.POST("/sms/send", small, outbound, handler.sendSMS)
		views.POST("/sms/toast/close", handler.closeToast(dashboard.ViewSMS))

		// 语音
		views.GET("/voice", handler.voiceSnapshot)
		views.POST("/voice/call", small, outbound, handler.makeCall)
		views.POST("/voice/accept", handler.acceptCall)
		views.POST("/voice/reject", handler.rejectCall)
		views.POST("/voice/disconnect", handler.disconnectCall)
		views.POST("/voice/toast/close", handler.closeToast(dashboard.ViewVoice))
	}

	return router
}

// currentIdentity 返回认证中间件写入的身份
func currentIdentity(c *gin.Context) string {
	id, _ := middleware.GetIdentity(c)
	return id
}

// respondError 按错误类型返回状态码，data 通常是失败通知或视图快照
func respondError(c *gin.Context, err error, data interface{}) {
	status, msg := classify(err)
	ErrorWithData(c, status, msg, data)
}

// closeToast 关闭视图通知
//
// @Summary 关闭通知
// @Tags Views
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /{view}/toast/close [post]
func (h *Handler) closeToast(view dashboard.ViewName) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := currentIdentity(c)
		if err := h.views.CloseToast(id, view); err != nil {
			respondError(c, err, nil)
			return
		}
		snap, err := h.views.Snapshot(id, view)
		if err != nil {
			respondError(c, err, nil)
			return
		}
		Success(c, snap)
	}
}
