package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commsdash/dashboard/internal/cache"
	"commsdash/dashboard/internal/config"
	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/tokencache"
)

// staticTokens 始终返回同一个令牌
type staticTokens string

func (s staticTokens) Token(context.Context, string) (string, error) { return string(s), nil }

func (s staticTokens) Invalidate(context.Context, string) error { return nil }

// newTokenCache 返回依次签发 tok-1、tok-2…的令牌缓存
func newTokenCache(ttl time.Duration) (*tokencache.Cache, *atomic.Int32) {
	var issued atomic.Int32
	tokens := tokencache.New(tokencache.NewLocalStore(cache.NewLocalCache(0, time.Hour)),
		func(context.Context, string) (string, error) {
			return fmt.Sprintf("tok-%d", issued.Add(1)), nil
		}, ttl, nil, nil)
	return tokens, &issued
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(
		config.BackendConfig{BaseURL: srv.URL + "/", Timeout: 5 * time.Second},
		config.PushConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		nil, nil,
	)
}

func TestFetchToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(tokenResponse{Token: "tok-" + req.Identity})
	})
	c := newTestClient(t, mux)

	token, err := c.FetchToken(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "tok-alice", token)
}

func TestInbox(t *testing.T) {
	t.Run("拉取邮件快照", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/emails", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[{"from":"a@b.c","subject":"hi","date":"2024-01-01T00:00:00Z","body":"x","attachments":[{"filename":"f.txt","url":"http://x/f"}]}]`)
		})
		c := newTestClient(t, mux)

		emails, err := c.ListEmails(context.Background())
		require.NoError(t, err)
		require.Len(t, emails, 1)
		assert.Equal(t, "a@b.c", emails[0].From)
		assert.Equal(t, "f.txt", emails[0].Attachments[0].Filename)
	})

	t.Run("拉取短信快照", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/get-inbox", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"messages":[{"sid":"SM1","from":"+15550001","body":"hello","dateSent":"2024-01-01T00:00:00Z"}]}`)
		})
		c := newTestClient(t, mux)

		msgs, err := c.ListSMS(context.Background())
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "SM1", msgs[0].SID)
	})

	t.Run("发送邮件检查状态码", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/send-email", func(w http.ResponseWriter, r *http.Request) {
			var email domain.OutgoingEmail
			require.NoError(t, json.NewDecoder(r.Body).Decode(&email))
			if email.To == "bad@example.com" {
				http.Error(w, "rejected", http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		c := newTestClient(t, mux)

		require.NoError(t, c.SendEmail(context.Background(), domain.OutgoingEmail{To: "ok@example.com"}))

		err := c.SendEmail(context.Background(), domain.OutgoingEmail{To: "bad@example.com"})
		require.Error(t, err)
		assert.True(t, IsStatus(err, http.StatusBadGateway))
		assert.Contains(t, err.Error(), "rejected")
	})

	t.Run("无效响应体", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/emails", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `not json`)
		})
		c := newTestClient(t, mux)

		_, err := c.ListEmails(context.Background())
		assert.ErrorIs(t, err, ErrBadResponse)
	})
}

func TestSession(t *testing.T) {
	t.Run("加入会话并分页", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/join-and-get-conversation", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			var req joinRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "alice", req.ParticipantIdentity)
			fmt.Fprintf(w, `{"message":"joined","conversation":{"sid":%q,"friendlyName":"General"}}`, req.ConversationSID)
		})
		mux.HandleFunc("/conversations/CH1/messages", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "30", r.URL.Query().Get("pageSize"))
			assert.Equal(t, "cur", r.URL.Query().Get("before"))
			fmt.Fprint(w, `{"messages":[{"sid":"IM1","index":0,"author":"bob","body":"hi"}],"hasPrevPage":false}`)
		})
		c := newTestClient(t, mux)
		s := c.NewSession("alice", staticTokens("tok"))

		conv, err := s.JoinConversation(context.Background(), "CH1")
		require.NoError(t, err)
		assert.Equal(t, "General", conv.FriendlyName)

		page, err := s.MessagesPage(context.Background(), "CH1", 30, "cur")
		require.NoError(t, err)
		require.Len(t, page.Messages, 1)
		assert.False(t, page.HasPrevPage)
	})

	t.Run("上传并取回媒体", func(t *testing.T) {
		mux := http.NewServeMux()
		var stored []byte
		var storedType string
		mux.HandleFunc("/upload-media", func(w http.ResponseWriter, r *http.Request) {
			file, header, err := r.FormFile("file")
			require.NoError(t, err)
			defer file.Close()
			assert.Equal(t, "cat.png", header.Filename)
			storedType = header.Header.Get("Content-Type")
			stored, _ = io.ReadAll(file)
			fmt.Fprintf(w, `{"mediaUrl":"http://%s/stored/cat.png"}`, r.Host)
		})
		mux.HandleFunc("/stored/cat.png", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", storedType)
			w.Write(stored)
		})
		c := newTestClient(t, mux)

		mediaURL, err := c.UploadMedia(context.Background(), "cat.png", "image/png", []byte("png-bytes"))
		require.NoError(t, err)

		content, err := c.FetchMedia(context.Background(), mediaURL)
		require.NoError(t, err)
		assert.Equal(t, "image/png", content.ContentType)
		assert.Equal(t, []byte("png-bytes"), content.Data)
	})

	t.Run("上传失败返回状态错误", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/upload-media", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		c := newTestClient(t, mux)

		_, err := c.UploadMedia(context.Background(), "a.txt", "", []byte("x"))
		assert.True(t, IsStatus(err, http.StatusInternalServerError))
	})

	t.Run("外呼与通话控制", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/voice/calls", func(w http.ResponseWriter, r *http.Request) {
			var req placeCallRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "+15551234567", req.To)
			fmt.Fprint(w, `{"callSid":"CA1"}`)
		})
		var action string
		mux.HandleFunc("/voice/calls/CA1/disconnect", func(w http.ResponseWriter, r *http.Request) {
			action = "disconnect"
		})
		c := newTestClient(t, mux)
		s := c.NewSession("alice", staticTokens("tok"))

		sid, err := s.PlaceCall(context.Background(), "+15551234567")
		require.NoError(t, err)
		assert.Equal(t, "CA1", sid)

		require.NoError(t, s.ControlCall(context.Background(), sid, domain.CallActionDisconnect))
		assert.Equal(t, "disconnect", action)
	})
}

func TestSubscribeIncomingCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/incoming-call-event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"callData\":{\"CallSid\":\"CA9\",\"Caller\":\"+15550001\"}}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	c := newTestClient(t, mux)

	stream := c.SubscribeIncomingCalls(context.Background())
	defer stream.Close()

	select {
	case notice := <-stream.Events():
		assert.True(t, notice.Valid())
		assert.Equal(t, "CA9", notice.CallSID)
		assert.Equal(t, "+15550001", notice.Caller)
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming call notice")
	}
}

func TestSessionTokenRefresh(t *testing.T) {
	t.Run("令牌过期后事件流重连使用新令牌", func(t *testing.T) {
		var (
			mu      sync.Mutex
			headers []string
		)
		mux := http.NewServeMux()
		mux.HandleFunc("/voice/events", func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			headers = append(headers, r.Header.Get("Authorization"))
			mu.Unlock()
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			// 连接保持到令牌过期后断开
			select {
			case <-time.After(60 * time.Millisecond):
			case <-r.Context().Done():
			}
		})
		c := newTestClient(t, mux)
		tokens, issued := newTokenCache(30 * time.Millisecond)

		stream := c.NewSession("alice", tokens).SubscribeCallEvents(context.Background())
		defer stream.Close()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, h := range headers {
				if h == "Bearer tok-2" {
					return true
				}
			}
			return false
		}, 2*time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "Bearer tok-1", headers[0])
		assert.GreaterOrEqual(t, issued.Load(), int32(2))
	})

	t.Run("事件流被 401 拒绝后换新令牌重连", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/voice/events", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"callSid\":\"CA1\",\"event\":\"accept\"}\n\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		})
		c := newTestClient(t, mux)
		tokens, issued := newTokenCache(time.Hour)

		stream := c.NewSession("alice", tokens).SubscribeCallEvents(context.Background())
		defer stream.Close()

		select {
		case ev := <-stream.Events():
			assert.Equal(t, "CA1", ev.CallSID)
			assert.Equal(t, domain.CallEventAccept, ev.Event)
		case <-time.After(2 * time.Second):
			t.Fatal("no call event after token refresh")
		}
		assert.Equal(t, int32(2), issued.Load())
	})

	t.Run("请求被 401 拒绝后换新令牌重试一次", func(t *testing.T) {
		var attempts atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/voice/calls", func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			if r.Header.Get("Authorization") == "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"callSid":"CA1"}`)
		})
		c := newTestClient(t, mux)
		tokens, issued := newTokenCache(time.Hour)

		sid, err := c.NewSession("alice", tokens).PlaceCall(context.Background(), "+15551234567")
		require.NoError(t, err)
		assert.Equal(t, "CA1", sid)
		assert.Equal(t, int32(2), attempts.Load())
		assert.Equal(t, int32(2), issued.Load())
	})

	t.Run("重试后仍被拒绝时返回错误", func(t *testing.T) {
		var attempts atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/voice/calls", func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		})
		c := newTestClient(t, mux)
		tokens, _ := newTokenCache(time.Hour)

		_, err := c.NewSession("alice", tokens).PlaceCall(context.Background(), "+15551234567")
		assert.True(t, IsStatus(err, http.StatusUnauthorized))
		assert.Equal(t, int32(2), attempts.Load())
	})
}
