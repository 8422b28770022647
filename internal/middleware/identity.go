package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"commsdash/dashboard/internal/identity"
)

// 上下文键
const (
	identityKey  = "identity"
	requestIDKey = "requestID"
)

// IdentityPage 身份设置页路径
const IdentityPage = "/identity"

// IdentityAuth 身份 Cookie 认证中间件
type IdentityAuth struct {
	codec *identity.Codec
	log   *zap.Logger
}

// NewIdentityAuth 创建身份认证中间件
func NewIdentityAuth(codec *identity.Codec, log *zap.Logger) *IdentityAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &IdentityAuth{codec: codec, log: log}
}

// RequireIdentity 要求已设置身份
//
// 页面请求（GET）被重定向到身份设置页，其余请求返回 401。
func (ia *IdentityAuth) RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ia.resolve(c)
		if !ok {
			if c.Request.Method == http.MethodGet {
				c.Redirect(http.StatusFound, IdentityPage)
			} else {
				c.JSON(http.StatusUnauthorized, gin.H{
					"error": "identity required",
				})
			}
			c.Abort()
			return
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

// OptionalIdentity 有身份 Cookie 时解析，没有时继续
func (ia *IdentityAuth) OptionalIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := ia.resolve(c); ok {
			c.Set(identityKey, id)
		}
		c.Next()
	}
}

func (ia *IdentityAuth) resolve(c *gin.Context) (string, bool) {
	value, err := c.Cookie(identity.CookieName)
	if err != nil || value == "" {
		return "", false
	}

	id, err := ia.codec.Decode(value)
	if err != nil {
		ia.log.Warn("invalid identity cookie",
			zap.String("error", err.Error()),
			zap.String("ip", c.ClientIP()),
		)
		return "", false
	}
	return id, true
}

// GetIdentity 返回认证中间件写入的身份
func GetIdentity(c *gin.Context) (string, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
