package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/identity"
	"commsdash/dashboard/internal/middleware"
)

// gateCookie 关联浏览器会话与其身份入口
const gateCookie = "gate_id"

// cookieStore 以签名 Cookie 保存身份
type cookieStore struct {
	c      *gin.Context
	codec  *identity.Codec
	secure bool
}

func (s *cookieStore) Save(id string) error {
	value, err := s.codec.Encode(id)
	if err != nil {
		return err
	}
	s.c.SetSameSite(http.SameSiteLaxMode)
	s.c.SetCookie(identity.CookieName, value, int(s.codec.Expiry().Seconds()), "/", "", s.secure, true)
	return nil
}

func (s *cookieStore) Clear() {
	s.c.SetSameSite(http.SameSiteLaxMode)
	s.c.SetCookie(identity.CookieName, "", -1, "/", "", s.secure, true)
}

func (h *Handler) store(c *gin.Context) *cookieStore {
	return &cookieStore{c: c, codec: h.codec, secure: h.cookieSecure}
}

// gate 返回浏览器会话的身份入口，必要时签发新的入口 Cookie
func (h *Handler) gate(c *gin.Context) *identity.Gate {
	id, _ := c.Cookie(gateCookie)
	g := h.gates.Get(id)
	if g.ID != id {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(gateCookie, g.ID, 0, middleware.IdentityPage, "", h.cookieSecure, true)
	}
	return g
}

type submitIdentityRequest struct {
	Identity string `json:"identity" form:"identity"`
}

// enterIdentity godoc
// @Summary 进入身份设置页
// @Description 清除已保存的身份并卸载其视图，重新启用提交
// @Tags Identity
// @Produce json
// @Success 200 {object} Response{data=identity.Snapshot}
// @Router /identity [get]
func (h *Handler) enterIdentity(c *gin.Context) {
	g := h.gate(c)

	if previous, ok := middleware.GetIdentity(c); ok {
		h.views.Unmount(previous)
		if h.tokens != nil {
			if err := h.tokens.Invalidate(c.Request.Context(), previous); err != nil {
				h.log.Warn("failed to invalidate session token", zap.String("identity", previous), zap.Error(err))
			}
		}
	}

	g.Enter(h.store(c))
	Success(c, g.Snapshot())
}

// submitIdentity godoc
// @Summary 设置身份
// @Description 校验身份格式并写入签名 Cookie；成功后客户端应按 redirectAfterMs 跳转
// @Tags Identity
// @Accept json
// @Produce json
// @Param request body submitIdentityRequest true "身份"
// @Success 200 {object} Response{data=identity.Result}
// @Failure 409 {object} Response
// @Failure 422 {object} Response{data=identity.Result}
// @Router /identity [post]
func (h *Handler) submitIdentity(c *gin.Context) {
	var req submitIdentityRequest
	if err := c.ShouldBind(&req); err != nil {
		RequestError(c, err, MsgInvalidRequest)
		return
	}

	g := h.gate(c)
	result, err := g.Submit(req.Identity, h.store(c))
	if err != nil {
		if errors.Is(err, identity.ErrAlreadySubmitted) {
			respondError(c, err, result)
			return
		}
		h.log.Error("failed to save identity", zap.Error(err))
		InternalError(c, MsgIdentitySaveFail)
		return
	}

	if !result.Accepted {
		ErrorWithData(c, http.StatusUnprocessableEntity, GetErrorMessage(domain.ErrInvalidIdentity), result)
		return
	}
	Success(c, result)
}

// closeIdentityToast godoc
// @Summary 关闭身份设置页通知
// @Tags Identity
// @Produce json
// @Success 200 {object} Response{data=identity.Snapshot}
// @Router /identity/toast/close [post]
func (h *Handler) closeIdentityToast(c *gin.Context) {
	g := h.gate(c)
	g.CloseToast()
	Success(c, g.Snapshot())
}
