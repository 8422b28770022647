// Package backend 是外部后端代理（令牌签发、会话、短信、邮件、语音信令）的 HTTP 客户端。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"commsdash/dashboard/internal/config"
	"commsdash/dashboard/internal/monitoring"
	"commsdash/dashboard/internal/push"
)

// 错误响应体最多读取的字节数
const maxErrorBody = 4096

// ErrBadResponse 后端返回无法解析的内容
var ErrBadResponse = errors.New("malformed backend response")

// StatusError 后端返回非 2xx 状态码
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Operation, e.StatusCode, e.Body)
}

// IsStatus 判断 err 是否为指定状态码的 StatusError
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Client 后端代理客户端
type Client struct {
	baseURL    string
	http       *http.Client
	subscriber *push.Subscriber
	log        *zap.Logger
	metrics    *monitoring.Metrics
}

// New 创建后端客户端
//
// REST 请求使用 cfg.Timeout；事件流只受调用方 ctx 控制。
func New(cfg config.BackendConfig, pushCfg config.PushConfig, log *zap.Logger, metrics *monitoring.Metrics) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       &http.Client{Timeout: cfg.Timeout},
		subscriber: push.NewSubscriber(&http.Client{}, pushCfg, log.Named("push"), metrics),
		log:        log,
		metrics:    metrics,
	}
}

// BaseURL 返回后端地址
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// call 发送请求；in 非空时编码为 JSON 请求体，out 非空时解码响应体
func (c *Client) call(ctx context.Context, operation, method, target, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", operation, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", operation, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return c.send(req, operation, out)
}

// send 执行请求并处理状态码与响应解码
func (c *Client) send(req *http.Request, operation string, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordBackendRequest(operation, err, time.Since(start))
		if err != nil {
			c.log.Debug("backend request failed",
				zap.String("operation", operation),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
		}
	}()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: %v", operation, ErrBadResponse, err)
	}
	return nil
}

// BearerFunc 为每次连接提供令牌；lastErr 是上一次连接结束的原因
type BearerFunc func(ctx context.Context, lastErr error) (string, error)

// subscribe 打开事件流；bearer 为 nil 时不带认证
func (c *Client) subscribe(ctx context.Context, channel, path string, query url.Values, bearer BearerFunc) *push.Subscription {
	target := c.url(path, query)
	return c.subscriber.Subscribe(ctx, channel, func(ctx context.Context, lastErr error) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		if bearer != nil {
			token, err := bearer(ctx, lastErr)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	})
}

// Ping 检查后端是否可达（任何 HTTP 响应都视为可达）
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
