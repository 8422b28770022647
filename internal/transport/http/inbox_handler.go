package httptransport

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"commsdash/dashboard/internal/inbox"
	"commsdash/dashboard/internal/toast"
)

// upload 用户上传的文件
type upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// readUpload 读取可选的上传文件，未上传时返回 nil
func readUpload(c *gin.Context, field string) (*upload, error) {
	header, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, err
	}

	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &upload{Filename: header.Filename, ContentType: contentType, Data: data}, nil
}

// sendResult 外发操作的结果：通知与最新快照
type sendResult struct {
	Toast    *toast.Toast `json:"toast,omitempty"`
	Snapshot interface{}  `json:"snapshot"`
}

// emailSnapshot godoc
// @Summary 邮件收件箱
// @Tags Email
// @Produce json
// @Success 200 {object} Response{data=inbox.EmailSnapshot}
// @Failure 401 {object} Response
// @Router /email [get]
func (h *Handler) emailSnapshot(c *gin.Context) {
	Success(c, h.views.Email(currentIdentity(c)).Snapshot())
}

// refreshEmail godoc
// @Summary 刷新邮件收件箱
// @Tags Email
// @Produce json
// @Success 200 {object} Response{data=inbox.EmailSnapshot}
// @Failure 502 {object} Response{data=inbox.EmailSnapshot}
// @Router /email/refresh [post]
func (h *Handler) refreshEmail(c *gin.Context) {
	view := h.views.Email(currentIdentity(c))
	if err := view.Refresh(c.Request.Context()); err != nil {
		ErrorWithData(c, http.StatusBadGateway, MsgRefreshFailed, view.Snapshot())
		return
	}
	Success(c, view.Snapshot())
}

// getEmail godoc
// @Summary 查看邮件详情
// @Tags Email
// @Produce json
// @Param index path int true "邮件在当前快照中的序号"
// @Success 200 {object} Response{data=domain.Email}
// @Failure 404 {object} Response
// @Router /email/{index} [get]
func (h *Handler) getEmail(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		BadRequest(c, MsgInvalidIndex)
		return
	}

	email, ok := h.views.Email(currentIdentity(c)).Email(index)
	if !ok {
		NotFound(c, MsgEmailNotFound)
		return
	}
	Success(c, email)
}

// sendEmail godoc
// @Summary 发送邮件
// @Description multipart 表单：to、cc、bcc 为逗号分隔的地址，file 为可选附件
// @Tags Email
// @Accept multipart/form-data
// @Produce json
// @Success 200 {object} Response{data=sendResult}
// @Failure 400 {object} Response{data=sendResult}
// @Failure 429 {object} Response
// @Failure 502 {object} Response{data=sendResult}
// @Router /email/send [post]
func (h *Handler) sendEmail(c *gin.Context) {
	file, err := readUpload(c, "file")
	if err != nil {
		RequestError(c, err, MsgFileReadFailed)
		return
	}

	form := inbox.EmailForm{
		To:      c.PostForm("to"),
		CC:      c.PostForm("cc"),
		BCC:     c.PostForm("bcc"),
		Subject: c.PostForm("subject"),
		Message: c.PostForm("message"),
	}
	if file != nil {
		form.File = &inbox.Attachment{Filename: file.Filename, ContentType: file.ContentType, Data: file.Data}
	}

	view := h.views.Email(currentIdentity(c))
	t, err := view.Send(c.Request.Context(), form)
	result := sendResult{Toast: t, Snapshot: view.Snapshot()}
	if err != nil {
		respondError(c, err, result)
		return
	}
	Success(c, result)
}

type sendSMSRequest struct {
	To      string `json:"to" form:"to"`
	Message string `json:"message" form:"message"`
}

// smsSnapshot godoc
// @Summary 短信收件箱
// @Tags SMS
// @Produce json
// @Success 200 {object} Response{data=inbox.SMSSnapshot}
// @Router /sms [get]
func (h *Handler) smsSnapshot(c *gin.Context) {
	Success(c, h.views.SMS(currentIdentity(c)).Snapshot())
}

// refreshSMS 手动刷新短信收件箱
func (h *Handler) refreshSMS(c *gin.Context) {
	view := h.views.SMS(currentIdentity(c))
	if err := view.Refresh(c.Request.Context()); err != nil {
		ErrorWithData(c, http.StatusBadGateway, MsgRefreshFailed, view.Snapshot())
		return
	}
	Success(c, view.Snapshot())
}

// sendSMS godoc
// @Summary 发送短信
// @Tags SMS
// @Accept json
// @Produce json
// @Param request body sendSMSRequest true "短信"
// @Success 200 {object} Response{data=sendResult}
// @Failure 400 {object} Response{data=sendResult}
// @Failure 502 {object} Response{data=sendResult}
// @Router /sms/send [post]
func (h *Handler) sendSMS(c *gin.Context) {
	var req sendSMSRequest
	if err := c.ShouldBind(&req); err != nil {
		RequestError(c, err, MsgInvalidRequest)
		return
	}

	view := h.views.SMS(currentIdentity(c))
	t, err := view.Send(c.Request.Context(), req.To, req.Message)
	result := sendResult{Toast: t, Snapshot: view.Snapshot()}
	if err != nil {
		respondError(c, err, result)
		return
	}
	Success(c, result)
}
