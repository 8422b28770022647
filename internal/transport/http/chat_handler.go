package httptransport

import (
	"github.com/gin-gonic/gin"

	"commsdash/dashboard/internal/chat"
)

// chatSnapshot godoc
// @Summary 聊天视图
// @Description 返回固定会话的消息列表；首次访问时加入会话并加载历史
// @Tags Chat
// @Produce json
// @Success 200 {object} Response{data=chat.Snapshot}
// @Failure 302 "未设置身份时跳转到 /identity"
// @Router / [get]
func (h *Handler) chatSnapshot(c *gin.Context) {
	Success(c, h.views.Chat(currentIdentity(c)).Snapshot())
}

// sendChatMessage godoc
// @Summary 发送聊天消息
// @Description multipart 表单：body 为文本，file 为可选媒体；上传失败时不发送
// @Tags Chat
// @Accept multipart/form-data
// @Produce json
// @Success 200 {object} Response{data=chat.Snapshot}
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Failure 502 {object} Response
// @Router /chat/messages [post]
func (h *Handler) sendChatMessage(c *gin.Context) {
	file, err := readUpload(c, "file")
	if err != nil {
		RequestError(c, err, MsgFileReadFailed)
		return
	}

	var media *chat.File
	if file != nil {
		media = &chat.File{Filename: file.Filename, ContentType: file.ContentType, Data: file.Data}
	}

	view := h.views.Chat(currentIdentity(c))
	if err := view.Send(c.Request.Context(), c.PostForm("body"), media); err != nil {
		respondError(c, err, nil)
		return
	}
	Success(c, view.Snapshot())
}
