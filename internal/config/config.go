package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// BackendConfig 定义外部后端代理（令牌签发、会话、短信、邮件、语音）的访问配置
type BackendConfig struct {
	BaseURL string        // 后端代理地址，例如 "http://localhost:3001"
	Timeout time.Duration // 单次 REST 请求超时（事件流不受此限制）
}

// ConversationConfig 定义聊天视图加入的固定会话
type ConversationConfig struct {
	SID              string // 固定会话 SID
	PageSize         int    // 历史消息分页大小
	MediaConcurrency int    // 历史媒体临时地址并行解析上限
}

// PushConfig 定义服务端推送通道（SSE）的重连策略
type PushConfig struct {
	MaxRetries     int           // 连续失败后的最大重连次数
	InitialBackoff time.Duration // 首次重连等待
	MaxBackoff     time.Duration // 重连等待上限
}

// TokenConfig 定义会话令牌缓存
type TokenConfig struct {
	TTL   time.Duration // 软过期时间
	Store string        // 缓存后端: "local" 或 "redis"
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// SessionConfig 定义身份 Cookie 签名与视图会话生命周期
type SessionConfig struct {
	Secret       string        // 身份 Cookie 签名密钥，至少 32 字符
	Expiry       time.Duration // 身份 Cookie 有效期
	IdleTimeout  time.Duration // 视图会话空闲多久后卸载
	CookieSecure bool          // 仅通过 HTTPS 发送 Cookie
}

// UIConfig 定义视图层的固定时长
type UIConfig struct {
	ToastLifetime   time.Duration // 通知可见时长
	RedirectDelay   time.Duration // 身份设置成功后的跳转延迟
	SMSRefreshDelay time.Duration // 收到短信推送后重新拉取收件箱前的等待
}

// MailConfig 定义外发邮件的传输方式
type MailConfig struct {
	Transport string // "backend"（经后端 JSON 接口）或 "smtp"（直连 SMTP）
	SMTPAddr  string // SMTP 服务器地址，格式 "host:port"
	From      string // SMTP 发件人地址
	Username  string // SMTP 认证用户名，留空表示不认证
	Password  string // SMTP 认证密码
}

// RateLimitConfig 定义每个身份的外发操作限流
type RateLimitConfig struct {
	RPS   float64 // 每秒允许的外发请求数
	Burst int     // 突发容量
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server       ServerConfig
	CORS         CORSConfig
	Log          LogConfig
	Backend      BackendConfig
	Conversation ConversationConfig
	Push         PushConfig
	Token        TokenConfig
	Redis        RedisConfig
	Session      SessionConfig
	UI           UIConfig
	Mail         MailConfig
	RateLimit    RateLimitConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: COMMSDASH_
// 例如: COMMSDASH_SERVER_PORT, COMMSDASH_SESSION_SECRET
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("commsdash")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("backend.base_url", "http://localhost:3001")
	viper.SetDefault("backend.timeout", "15s")
	viper.SetDefault("conversation.sid", "CH7ad27ed6f90245f5ab9c4e2f64896b00")
	viper.SetDefault("conversation.page_size", 30)
	viper.SetDefault("conversation.media_concurrency", 8)
	viper.SetDefault("push.max_retries", 5)
	viper.SetDefault("push.initial_backoff", "1s")
	viper.SetDefault("push.max_backoff", "30s")
	viper.SetDefault("token.ttl", "50m")
	viper.SetDefault("token.store", "local")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("session.secret", "change-me-in-production")
	viper.SetDefault("session.expiry", "720h")
	viper.SetDefault("session.idle_timeout", "30m")
	viper.SetDefault("session.cookie_secure", false)
	viper.SetDefault("ui.toast_lifetime", "3s")
	viper.SetDefault("ui.redirect_delay", "1s")
	viper.SetDefault("ui.sms_refresh_delay", "1s")
	viper.SetDefault("mail.transport", "backend")
	viper.SetDefault("mail.smtp_addr", "")
	viper.SetDefault("mail.from", "")
	viper.SetDefault("mail.username", "")
	viper.SetDefault("mail.password", "")
	viper.SetDefault("rate_limit.rps", 2)
	viper.SetDefault("rate_limit.burst", 5)

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"backend.timeout",
		"push.initial_backoff",
		"push.max_backoff",
		"token.ttl",
		"session.expiry",
		"session.idle_timeout",
		"ui.toast_lifetime",
		"ui.redirect_delay",
		"ui.sms_refresh_delay",
	} {
		d, err := time.ParseDuration(viper.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = d
	}

	baseURL := strings.TrimRight(viper.GetString("backend.base_url"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("backend.base_url must not be empty")
	}

	conversationSID := strings.TrimSpace(viper.GetString("conversation.sid"))
	if conversationSID == "" {
		return nil, fmt.Errorf("conversation.sid must not be empty")
	}

	pageSize := viper.GetInt("conversation.page_size")
	if pageSize <= 0 {
		pageSize = 30
	}

	mediaConcurrency := viper.GetInt("conversation.media_concurrency")
	if mediaConcurrency <= 0 {
		mediaConcurrency = 8
	}

	maxRetries := viper.GetInt("push.max_retries")
	if maxRetries < 0 {
		maxRetries = 0
	}

	tokenStore := strings.ToLower(viper.GetString("token.store"))
	if tokenStore != "local" && tokenStore != "redis" {
		return nil, fmt.Errorf("token.store must be \"local\" or \"redis\", got %q", tokenStore)
	}

	mailTransport := strings.ToLower(viper.GetString("mail.transport"))
	switch mailTransport {
	case "backend":
	case "smtp":
		if viper.GetString("mail.smtp_addr") == "" || viper.GetString("mail.from") == "" {
			return nil, fmt.Errorf("mail.smtp_addr and mail.from are required when mail.transport is smtp")
		}
	default:
		return nil, fmt.Errorf("mail.transport must be \"backend\" or \"smtp\", got %q", mailTransport)
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	secret := viper.GetString("session.secret")

	// 安全检查：禁止使用默认的签名密钥
	if secret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: session secret cannot be the default value. Please set COMMSDASH_SESSION_SECRET environment variable")
	}

	if len(secret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: session secret must be at least 32 characters long")
	}

	rps := viper.GetFloat64("rate_limit.rps")
	if rps <= 0 {
		rps = 2
	}
	burst := viper.GetInt("rate_limit.burst")
	if burst <= 0 {
		burst = 5
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Backend: BackendConfig{
			BaseURL: baseURL,
			Timeout: durations["backend.timeout"],
		},
		Conversation: ConversationConfig{
			SID:              conversationSID,
			PageSize:         pageSize,
			MediaConcurrency: mediaConcurrency,
		},
		Push: PushConfig{
			MaxRetries:     maxRetries,
			InitialBackoff: durations["push.initial_backoff"],
			MaxBackoff:     durations["push.max_backoff"],
		},
		Token: TokenConfig{
			TTL:   durations["token.ttl"],
			Store: tokenStore,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Session: SessionConfig{
			Secret:       secret,
			Expiry:       durations["session.expiry"],
			IdleTimeout:  durations["session.idle_timeout"],
			CookieSecure: viper.GetBool("session.cookie_secure"),
		},
		UI: UIConfig{
			ToastLifetime:   durations["ui.toast_lifetime"],
			RedirectDelay:   durations["ui.redirect_delay"],
			SMSRefreshDelay: durations["ui.sms_refresh_delay"],
		},
		Mail: MailConfig{
			Transport: mailTransport,
			SMTPAddr:  viper.GetString("mail.smtp_addr"),
			From:      viper.GetString("mail.from"),
			Username:  viper.GetString("mail.username"),
			Password:  viper.GetString("mail.password"),
		},
		RateLimit: RateLimitConfig{
			RPS:   rps,
			Burst: burst,
		},
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载当前目录或父目录的 .env 文件，文件不存在时静默跳过
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
