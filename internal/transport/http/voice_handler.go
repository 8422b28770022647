package httptransport

import (
	"context"

	"github.com/gin-gonic/gin"

	"commsdash/dashboard/internal/voice"
)

type makeCallRequest struct {
	To string `json:"to" form:"to"`
}

// voiceSnapshot godoc
// @Summary 语音视图
// @Tags Voice
// @Produce json
// @Success 200 {object} Response{data=voice.Snapshot}
// @Router /voice [get]
func (h *Handler) voiceSnapshot(c *gin.Context) {
	Success(c, h.views.Voice(currentIdentity(c)).Snapshot())
}

// makeCall godoc
// @Summary 发起外呼
// @Tags Voice
// @Accept json
// @Produce json
// @Param request body makeCallRequest true "被叫号码"
// @Success 200 {object} Response{data=voice.Snapshot}
// @Failure 400 {object} Response{data=sendResult}
// @Failure 409 {object} Response
// @Failure 502 {object} Response{data=sendResult}
// @Router /voice/call [post]
func (h *Handler) makeCall(c *gin.Context) {
	var req makeCallRequest
	if err := c.ShouldBind(&req); err != nil {
		RequestError(c, err, MsgInvalidRequest)
		return
	}

	view := h.views.Voice(currentIdentity(c))
	t, err := view.MakeCall(c.Request.Context(), req.To)
	if err != nil {
		respondError(c, err, sendResult{Toast: t, Snapshot: view.Snapshot()})
		return
	}
	Success(c, view.Snapshot())
}

// acceptCall 接听呼入
func (h *Handler) acceptCall(c *gin.Context) {
	h.controlCall(c, (*voice.View).Accept)
}

// rejectCall 拒接呼入
func (h *Handler) rejectCall(c *gin.Context) {
	h.controlCall(c, (*voice.View).Reject)
}

// disconnectCall 挂断通话
func (h *Handler) disconnectCall(c *gin.Context) {
	h.controlCall(c, (*voice.View).Disconnect)
}

// controlCall 发出通话控制命令；状态随后由信令事件更新
func (h *Handler) controlCall(c *gin.Context, action func(*voice.View, context.Context) error) {
	view := h.views.Voice(currentIdentity(c))
	if err := action(view, c.Request.Context()); err != nil {
		respondError(c, err, view.Snapshot())
		return
	}
	Success(c, view.Snapshot())
}
