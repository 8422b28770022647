package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有记录方法在接收者为 nil 时直接返回，测试中可以不注入指标。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 后端代理调用指标
	BackendRequestsTotal   *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec

	// 推送通道指标
	PushEventsTotal     *prometheus.CounterVec
	PushReconnectsTotal *prometheus.CounterVec
	PushGiveUpsTotal    *prometheus.CounterVec

	// 视图指标
	InboxRefreshesTotal   *prometheus.CounterVec
	ChatMessagesAppended  prometheus.Counter
	ChatDuplicatesDropped prometheus.Counter
	CallTransitionsTotal  *prometheus.CounterVec
	MountedViews          *prometheus.GaugeVec
	TokenCacheTotal       *prometheus.CounterVec
	WebSocketClients      prometheus.Gauge

	// 错误指标
	PanicsTotal     prometheus.Counter
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 在独立注册表上创建监控指标，并附带 Go 运行时与进程采集器
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commsdash_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "commsdash_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		BackendRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commsdash_backend_requests_total",
				Help: "Total number of requests sent to the backend proxy",
			},
			[]string{"operation", "result"},
		),

		BackendRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "commsdash_backend_request_duration_seconds",
				Help:    "Backend proxy request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		PushEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commsdash_push_events_total",
				Help: "Total number of events received on push channels",
			},
			[]string{"channel"},
		),

		PushReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commsdash_push_reconnects_total",
				Help: "Total number of push channel reconnection attempts",
			},
			[]string{"channel"},
		),

		PushGiveUpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commsdash_push_give_ups_total",
				Help: "Total number of push channels abandoned after exhausting retries",
			},
			[]string{"channel"},
		),

		InboxRefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commsdash_inbox_refreshes_total",
				Help: "Total number of inbox snapshot fetches",
			},
			[]string{"view", "result"},
		),

		ChatMessagesAppended: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "commsdash_chat_messages_appended_total",
				Help: "Total number of live chat messages appended",
			},
		),

		ChatDuplicatesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "commsdash_chat_duplicates_dropped_total",
				Help: "Total number of redelivered chat messages dropped",
			},
		),

		CallTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commsdash_call_transitions_total",
				Help: "Total number of call state transitions",
			},
			[]string{"state"},
		),

		MountedViews: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "commsdash_mounted_views",
				Help: "Number of currently mounted views",
			},
			[]string{"view"},
		),

		TokenCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commsdash_token_cache_total",
				Help: "Session token cache lookups",
			},
			[]string{"result"},
		),

		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "commsdash_websocket_clients",
				Help: "Number of connected WebSocket clients",
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "commsdash_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commsdash_rate_limit_blocks_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordBackendRequest 记录一次后端代理调用
func (m *Metrics) RecordBackendRequest(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BackendRequestsTotal.WithLabelValues(operation, result).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPushEvent 记录推送事件
func (m *Metrics) RecordPushEvent(channel string) {
	if m == nil {
		return
	}
	m.PushEventsTotal.WithLabelValues(channel).Inc()
}

// RecordPushReconnect 记录推送重连
func (m *Metrics) RecordPushReconnect(channel string) {
	if m == nil {
		return
	}
	m.PushReconnectsTotal.WithLabelValues(channel).Inc()
}

// RecordPushGiveUp 记录推送通道放弃重连
func (m *Metrics) RecordPushGiveUp(channel string) {
	if m == nil {
		return
	}
	m.PushGiveUpsTotal.WithLabelValues(channel).Inc()
}

// RecordInboxRefresh 记录收件箱快照拉取
func (m *Metrics) RecordInboxRefresh(view string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.InboxRefreshesTotal.WithLabelValues(view, result).Inc()
}

// RecordChatAppend 记录实时消息追加
func (m *Metrics) RecordChatAppend() {
	if m == nil {
		return
	}
	m.ChatMessagesAppended.Inc()
}

// RecordChatDuplicate 记录被丢弃的重复消息
func (m *Metrics) RecordChatDuplicate() {
	if m == nil {
		return
	}
	m.ChatDuplicatesDropped.Inc()
}

// RecordCallTransition 记录通话状态迁移
func (m *Metrics) RecordCallTransition(state string) {
	if m == nil {
		return
	}
	m.CallTransitionsTotal.WithLabelValues(state).Inc()
}

// ViewMounted 更新挂载视图数量
func (m *Metrics) ViewMounted(view string, delta float64) {
	if m == nil {
		return
	}
	m.MountedViews.WithLabelValues(view).Add(delta)
}

// RecordTokenCache 记录令牌缓存命中情况
func (m *Metrics) RecordTokenCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TokenCacheTotal.WithLabelValues(result).Inc()
}

// WebSocketClientDelta 更新 WebSocket 连接数
func (m *Metrics) WebSocketClientDelta(delta float64) {
	if m == nil {
		return
	}
	m.WebSocketClients.Add(delta)
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流拒绝
func (m *Metrics) RecordRateLimitBlock(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(endpoint).Inc()
}

// HTTPHandler 返回 Prometheus 指标处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
