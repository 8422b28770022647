package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commsdash/dashboard/internal/config"
	"commsdash/dashboard/internal/identity"
)

const testSecret = "test-secret-key-for-development-32-chars-long-at-least"

func init() {
	gin.SetMode(gin.TestMode)
}

func identityCookie(t *testing.T, codec *identity.Codec, id string) *http.Cookie {
	t.Helper()
	value, err := codec.Encode(id)
	require.NoError(t, err)
	return &http.Cookie{Name: identity.CookieName, Value: value}
}

func TestRequireIdentity(t *testing.T) {
	codec := identity.NewCodec(testSecret, time.Hour)
	auth := NewIdentityAuth(codec, nil)

	r := gin.New()
	r.Use(auth.RequireIdentity())
	handler := func(c *gin.Context) {
		id, _ := GetIdentity(c)
		c.String(http.StatusOK, id)
	}
	r.GET("/", handler)
	r.POST("/sms/send", handler)

	t.Run("页面请求未设置身份时重定向", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, IdentityPage, w.Header().Get("Location"))
	})

	t.Run("操作请求未设置身份时返回 401", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sms/send", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("篡改的 Cookie 视为未设置", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: identity.CookieName, Value: "alice"})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusFound, w.Code)
	})

	t.Run("有效 Cookie 写入身份", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(identityCookie(t, codec, "alice"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "alice", w.Body.String())
	})
}

func TestRateLimit(t *testing.T) {
	codec := identity.NewCodec(testSecret, time.Hour)
	pool := NewLimiterPool(config.RateLimitConfig{RPS: 0.001, Burst: 2})
	auth := NewIdentityAuth(codec, nil)

	r := gin.New()
	r.POST("/sms/send", auth.RequireIdentity(), RateLimit(pool, nil), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	send := func(id string) int {
		req := httptest.NewRequest(http.MethodPost, "/sms/send", nil)
		req.AddCookie(identityCookie(t, codec, id))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, send("alice"))
	assert.Equal(t, http.StatusNoContent, send("alice"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
	assert.Equal(t, http.StatusNoContent, send("bob"), "不同身份各自计数")

	t.Run("清理空闲限流器", func(t *testing.T) {
		now := time.Now()
		pool.now = func() time.Time { return now.Add(time.Hour) }
		assert.Equal(t, 2, pool.Prune(time.Minute))
	})
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.POST("/upload", BodySizeLimit(8), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("0123")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "8", w.Header().Get("X-Max-Body-Size"))
}

func TestIsBodyTooLarge(t *testing.T) {
	r := gin.New()
	r.POST("/json", BodySizeLimit(8), func(c *gin.Context) {
		var req map[string]string
		if err := c.ShouldBindJSON(&req); err != nil {
			if IsBodyTooLarge(err) {
				c.Status(http.StatusRequestEntityTooLarge)
				return
			}
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	t.Run("未声明长度的超限请求体", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/json", strings.NewReader(`{"message":"far too long"}`))
		req.ContentLength = -1
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("格式错误不是超限", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/json", strings.NewReader(`{`))
		req.ContentLength = -1
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	assert.False(t, IsBodyTooLarge(nil))
}

func TestRequestIDAndRecovery(t *testing.T) {
	mm := NewMonitoringMiddleware(nil, nil)

	r := gin.New()
	r.Use(RequestID(), mm.PanicRecovery(), mm.HTTPMetrics())
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
}
