package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// 探测参数
const (
	checkTimeout  = 3 * time.Second
	maxGoroutines = 5000
)

// Pinger 可以探测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check 单项检查结果
type Check struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report 健康报告
type Report struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Checks    []Check       `json:"checks"`
}

// dependency 一个外部依赖；required 为 false 时失败只算降级
type dependency struct {
	name     string
	pinger   Pinger
	required bool
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health    healthcheck.Handler
	deps      []dependency
	logger    *zap.Logger
	startTime time.Time
}

// NewHealthChecker 创建健康检查器
//
// backend 是后端代理，不可达时服务不就绪；redis 可为 nil。
func NewHealthChecker(backend Pinger, redis Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:    healthcheck.NewHandler(),
		logger:    logger,
		startTime: time.Now(),
	}
	if backend != nil {
		hc.deps = append(hc.deps, dependency{name: "backend", pinger: backend, required: true})
	}
	if redis != nil {
		hc.deps = append(hc.deps, dependency{name: "redis", pinger: redis, required: true})
	}

	hc.addChecks()
	return hc
}

// addChecks 注册存活与就绪检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))

	for _, dep := range hc.deps {
		hc.health.AddReadinessCheck(dep.name, pingCheck(dep.pinger))
	}
}

func pingCheck(p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活探针
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 同步执行全部检查并汇总
func (hc *HealthChecker) CheckHealth(ctx context.Context) *Report {
	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(hc.startTime),
		Checks:    make([]Check, 0, len(hc.deps)+1),
	}

	for _, dep := range hc.deps {
		start := time.Now()
		check := Check{Name: dep.name, Status: StatusHealthy}

		pingCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := dep.pinger.Ping(pingCtx)
		cancel()

		if err != nil {
			check.Status = StatusDegraded
			if dep.required {
				check.Status = StatusUnhealthy
			}
			check.Message = err.Error()
		}
		check.Duration = time.Since(start)
		report.Checks = append(report.Checks, check)
		report.Status = worse(report.Status, check.Status)
	}

	goroutines := Check{Name: "goroutines", Status: StatusHealthy}
	if n := runtime.NumGoroutine(); n > maxGoroutines {
		goroutines.Status = StatusDegraded
		goroutines.Message = fmt.Sprintf("high goroutine count: %d", n)
	} else {
		goroutines.Message = fmt.Sprintf("goroutines: %d", n)
	}
	report.Checks = append(report.Checks, goroutines)
	report.Status = worse(report.Status, goroutines.Status)

	return report
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// StartPeriodicHealthCheck 定期执行检查并记录结果，直到 ctx 取消
func (hc *HealthChecker) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := hc.CheckHealth(ctx)
			switch report.Status {
			case StatusUnhealthy:
				hc.logger.Error("system health check failed", zap.Duration("uptime", report.Uptime), zap.Any("checks", report.Checks))
			case StatusDegraded:
				hc.logger.Warn("system health check degraded", zap.Duration("uptime", report.Uptime), zap.Any("checks", report.Checks))
			default:
				hc.logger.Debug("system health check passed", zap.Duration("uptime", report.Uptime))
			}
		}
	}
}
