package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"commsdash/dashboard/internal/config"
	"commsdash/dashboard/internal/monitoring"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimiterPool 按键（身份或 IP）分配令牌桶
type LimiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   rate.Limit
	burst int
	now   func() time.Time
}

// NewLimiterPool 创建限流器池
func NewLimiterPool(cfg config.RateLimitConfig) *LimiterPool {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &LimiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rate.Limit(rps),
		burst: burst,
		now:   time.Now,
	}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = p.now()
	return e.limiter
}

// Allow 消耗一个令牌
func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).AllowN(p.now(), 1)
}

// Prune 删除长时间未使用的限流器
func (p *LimiterPool) Prune(idle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-idle)
	n := 0
	for key, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, key)
			n++
		}
	}
	return n
}

// RateLimit 外发操作限流中间件，按身份计数，未认证时按 IP
func RateLimit(pool *LimiterPool, metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetIdentity(c)
		if !ok {
			key = "ip:" + c.ClientIP()
		}

		if !pool.Allow(key) {
			metrics.RecordRateLimitBlock(c.FullPath())
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
