package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/client/internal/domain"
)

func writeEnvelope(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}

func TestClientMailboxOperations(t *testing.T) {
	t.Run("生成邮箱解包信封", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/mailbox/generate", r.URL.Path)

			expiresAt := time.Now().Add(time.Hour)
			writeEnvelope(w, http.StatusCreated, domain.Mailbox{
				ID:        "mb-1",
				Address:   "abc@temp.mail",
				Token:     "token-1",
				ExpiresAt: &expiresAt,
				IsActive:  true,
			})
		}))
		defer srv.Close()

		client := NewClient(srv.URL+"/api", nil, Options{}, nil)
		mailbox, err := client.GenerateMailbox(context.Background(), "", "")

		require.NoError(t, err)
		assert.Equal(t, "mb-1", mailbox.ID)
		assert.Equal(t, "abc@temp.mail", mailbox.Address)
		assert.Equal(t, "token-1", mailbox.Token)
	})

	t.Run("生成邮箱透传前缀与域名", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "myname", body["prefix"])
			assert.Equal(t, "temp.mail", body["domain"])
			writeEnvelope(w, http.StatusCreated, domain.Mailbox{ID: "mb-1"})
		}))
		defer srv.Close()

		client := NewClient(srv.URL+"/api", nil, Options{}, nil)
		_, err := client.GenerateMailbox(context.Background(), "myname", "temp.mail")

		require.NoError(t, err)
	})

	t.Run("404返回分类后的客户端错误", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "MAILBOX_NOT_FOUND", "mailbox not found")
		}))
		defer srv.Close()

		client := NewClient(srv.URL+"/api", nil, Options{}, nil)
		_, err := client.GetMailbox(context.Background(), "missing")

		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
		assert.Equal(t, "MAILBOX_NOT_FOUND", apiErr.Code)
		assert.True(t, apiErr.IsClientError)
		assert.False(t, apiErr.IsServerError)
	})

	t.Run("重试耗尽后的429可用ErrRateLimited判别", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "0")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
		}))
		defer srv.Close()

		client := NewClient(srv.URL+"/api", nil, Options{}, nil)
		_, err := client.GetMailbox(context.Background(), "mb-1")

		assert.ErrorIs(t, err, ErrRateLimited)
	})
}

func TestClientMessageOperations(t *testing.T) {
	t.Run("列出邮件", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/mail/mb-1", r.URL.Path)
			writeEnvelope(w, http.StatusOK, []domain.Message{
				{ID: "m-1", Subject: "hello"},
				{ID: "m-2", Subject: "world"},
			})
		}))
		defer srv.Close()

		client := NewClient(srv.URL+"/api", nil, Options{}, nil)
		messages, err := client.ListMessages(context.Background(), "mb-1")

		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "hello", messages[0].Subject)
	})

	t.Run("标记已读发送PATCH", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPatch, r.Method)
			assert.Equal(t, "/api/mail/mb-1/m-1/read", r.URL.Path)

			var body map[string]bool
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.True(t, body["isRead"])

			writeEnvelope(w, http.StatusOK, domain.Message{ID: "m-1", IsRead: true})
		}))
		defer srv.Close()

		client := NewClient(srv.URL+"/api", nil, Options{}, nil)
		msg, err := client.MarkRead(context.Background(), "mb-1", "m-1", true)

		require.NoError(t, err)
		assert.True(t, msg.IsRead)
	})

	t.Run("批量删除对每封邮件独立发请求", func(t *testing.T) {
		var mu sync.Mutex
		deleted := map[string]bool{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			mu.Lock()
			deleted[r.URL.Path] = true
			mu.Unlock()
			writeEnvelope(w, http.StatusOK, map[string]bool{"deleted": true})
		}))
		defer srv.Close()

		client := NewClient(srv.URL+"/api", nil, Options{}, nil)
		err := client.DeleteMessages(context.Background(), "mb-1", []string{"m-1", "m-2", "m-3"})

		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, deleted, 3)
		assert.True(t, deleted["/api/mail/mb-1/m-1"])
		assert.True(t, deleted["/api/mail/mb-1/m-3"])
	})

	t.Run("success为false即使200也按错误处理", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusOK, "WEIRD", "inconsistent envelope")
		}))
		defer srv.Close()

		client := NewClient(srv.URL+"/api", nil, Options{}, nil)
		_, err := client.GetMessage(context.Background(), "mb-1", "m-1")

		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "WEIRD", apiErr.Code)
	})
}
