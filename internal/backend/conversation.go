package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/push"
)

// 媒体下载上限
const maxMediaSize = 50 << 20

type tokenRequest struct {
	Identity string `json:"identity"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// FetchToken 为身份签发新的会话令牌
func (c *Client) FetchToken(ctx context.Context, identity string) (string, error) {
	var resp tokenResponse
	if err := c.call(ctx, "fetch_token", http.MethodPost, c.url("/token", nil), "", tokenRequest{Identity: identity}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

type uploadResponse struct {
	MediaURL string `json:"mediaUrl"`
}

// UploadMedia 以 multipart 表单上传文件，返回存储地址
func (c *Client) UploadMedia(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("upload_media: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("upload_media: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload_media: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/upload-media", nil), &buf)
	if err != nil {
		return "", fmt.Errorf("upload_media: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var resp uploadResponse
	if err := c.send(req, "upload_media", &resp); err != nil {
		return "", err
	}
	if resp.MediaURL == "" {
		return "", fmt.Errorf("upload_media: %w: missing mediaUrl", ErrBadResponse)
	}
	return resp.MediaURL, nil
}

// FetchMedia 读取存储地址上的字节及其内容类型
func (c *Client) FetchMedia(ctx context.Context, mediaURL string) (domain.MediaContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return domain.MediaContent{}, fmt.Errorf("fetch_media: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.MediaContent{}, fmt.Errorf("fetch_media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.MediaContent{}, &StatusError{Operation: "fetch_media", StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize))
	if err != nil {
		return domain.MediaContent{}, fmt.Errorf("fetch_media: %w", err)
	}
	return domain.MediaContent{
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// TokenSource 按身份提供会话令牌
type TokenSource interface {
	Token(ctx context.Context, identity string) (string, error)
	Invalidate(ctx context.Context, identity string) error
}

// Session 以某个身份的会话令牌访问会话与语音接口
//
// 每次请求和每次事件流重连都从 TokenSource 取令牌，令牌过期后自动换新；
// 后端返回 401 时丢弃缓存的令牌并重试一次。
type Session struct {
	client   *Client
	identity string
	tokens   TokenSource
}

// NewSession 创建身份会话
func (c *Client) NewSession(identity string, tokens TokenSource) *Session {
	return &Session{client: c, identity: identity, tokens: tokens}
}

// Identity 返回会话所属身份
func (s *Session) Identity() string { return s.identity }

func (s *Session) invalidate(ctx context.Context) {
	if err := s.tokens.Invalidate(ctx, s.identity); err != nil {
		s.client.log.Warn("failed to invalidate session token",
			zap.String("identity", s.identity), zap.Error(err))
	}
}

// call 带身份令牌发送请求，401 时换新令牌重试一次
func (s *Session) call(ctx context.Context, operation, method, target string, in, out any) error {
	token, err := s.tokens.Token(ctx, s.identity)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	err = s.client.call(ctx, operation, method, target, token, in, out)
	if !IsStatus(err, http.StatusUnauthorized) {
		return err
	}

	s.client.log.Info("session token rejected, refreshing",
		zap.String("identity", s.identity), zap.String("operation", operation))
	s.invalidate(ctx)
	token, err = s.tokens.Token(ctx, s.identity)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return s.client.call(ctx, operation, method, target, token, in, out)
}

// bearer 为事件流的每次连接取令牌，上次连接被 401 拒绝时先丢弃旧令牌
func (s *Session) bearer(ctx context.Context, lastErr error) (string, error) {
	var se *push.StatusError
	if errors.As(lastErr, &se) && se.StatusCode == http.StatusUnauthorized {
		s.invalidate(ctx)
	}
	return s.tokens.Token(ctx, s.identity)
}

type joinRequest struct {
	ConversationSID     string `json:"conversationSid"`
	ParticipantIdentity string `json:"participantIdentity"`
}

type joinResponse struct {
	Message      string              `json:"message"`
	Conversation domain.Conversation `json:"conversation"`
}

// JoinConversation 确保身份是会话参与者并返回会话
func (s *Session) JoinConversation(ctx context.Context, conversationSID string) (domain.Conversation, error) {
	var resp joinResponse
	err := s.call(ctx, "join_conversation", http.MethodPost,
		s.client.url("/join-and-get-conversation", nil),
		joinRequest{ConversationSID: conversationSID, ParticipantIdentity: s.identity}, &resp)
	if err != nil {
		return domain.Conversation{}, err
	}
	if resp.Conversation.SID == "" {
		resp.Conversation.SID = conversationSID
	}
	return resp.Conversation, nil
}

// MessagesPage 读取 before 游标之前的一页消息；before 为空时读取最新一页
func (s *Session) MessagesPage(ctx context.Context, conversationSID string, pageSize int, before string) (domain.MessagePage, error) {
	query := url.Values{}
	query.Set("pageSize", strconv.Itoa(pageSize))
	if before != "" {
		query.Set("before", before)
	}

	var page domain.MessagePage
	err := s.call(ctx, "messages_page", http.MethodGet,
		s.client.url("/conversations/"+url.PathEscape(conversationSID)+"/messages", query), nil, &page)
	return page, err
}

type mediaURLResponse struct {
	URL string `json:"url"`
}

// MediaURL 获取媒体的临时访问地址
func (s *Session) MediaURL(ctx context.Context, mediaSID string) (string, error) {
	var resp mediaURLResponse
	err := s.call(ctx, "media_url", http.MethodGet,
		s.client.url("/media/"+url.PathEscape(mediaSID)+"/url", nil), nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// SendMessage 向会话发送消息
func (s *Session) SendMessage(ctx context.Context, conversationSID string, msg domain.OutgoingMessage) error {
	return s.call(ctx, "send_message", http.MethodPost,
		s.client.url("/conversations/"+url.PathEscape(conversationSID)+"/messages", nil), msg, nil)
}

// SubscribeMessages 订阅会话的“新消息”事件
func (s *Session) SubscribeMessages(ctx context.Context, conversationSID string) *push.Stream[domain.ChatMessage] {
	sub := s.client.subscribe(ctx, "chat_messages",
		"/conversations/"+url.PathEscape(conversationSID)+"/events", nil, s.bearer)
	return push.Decode[domain.ChatMessage](sub, s.client.log)
}

// UploadMedia 上传文件
func (s *Session) UploadMedia(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	return s.client.UploadMedia(ctx, filename, contentType, data)
}

// FetchMedia 读取已上传的文件
func (s *Session) FetchMedia(ctx context.Context, mediaURL string) (domain.MediaContent, error) {
	return s.client.FetchMedia(ctx, mediaURL)
}
