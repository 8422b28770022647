package httptransport

import (
	"errors"
	"net/http"

	"commsdash/dashboard/internal/chat"
	"commsdash/dashboard/internal/dashboard"
	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/identity"
	"commsdash/dashboard/internal/voice"
)

// errorMapping 业务错误对应的 HTTP 状态码与中文消息
type errorMapping struct {
	err    error
	status int
	msg    string
}

var errorMappings = []errorMapping{
	// 输入校验
	{domain.ErrInvalidIdentity, http.StatusUnprocessableEntity, "身份只能包含字母、数字和连字符"},
	{domain.ErrInvalidPhoneNumber, http.StatusBadRequest, "电话号码格式无效"},
	{domain.ErrMissingDestination, http.StatusBadRequest, "至少需要一个收件人"},
	{chat.ErrEmptyMessage, http.StatusBadRequest, "消息内容和附件不能同时为空"},

	// 视图状态
	{identity.ErrAlreadySubmitted, http.StatusConflict, "身份已提交"},
	{chat.ErrNotReady, http.StatusConflict, "会话尚未就绪"},
	{voice.ErrNotRegistered, http.StatusConflict, "语音信令尚未注册"},
	{voice.ErrCallInProgress, http.StatusConflict, "已有通话在进行中"},
	{voice.ErrNoActiveCall, http.StatusConflict, "当前没有可操作的通话"},
	{dashboard.ErrUnknownView, http.StatusNotFound, "视图不存在"},

	// 后端代理
	{chat.ErrUploadFailed, http.StatusBadGateway, "文件上传失败，消息未发送"},
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	_, msg := classify(err)
	return msg
}

// classify 返回错误对应的状态码与消息；未知错误视为后端调用失败
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusBadGateway, MsgBackendFailed
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidIndex   = "邮件序号无效"
	MsgFileReadFailed = "读取上传文件失败"
	MsgBodyTooLarge   = "请求体超过大小限制"

	// 身份相关
	MsgIdentityRequired = "请先设置身份"
	MsgIdentitySaveFail = "保存身份失败"

	// 视图相关
	MsgEmailNotFound  = "邮件不存在"
	MsgRefreshFailed  = "刷新收件箱失败"
	MsgSendFailed     = "发送失败"
	MsgBackendFailed  = "后端服务调用失败，请稍后重试"
	MsgCallFailed     = "通话操作失败"
	MsgSnapshotFailed = "获取视图状态失败"
)
