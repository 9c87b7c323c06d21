package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempmail/client/internal/domain"
)

// Client 封装 REST API 的全部操作。
//
// 所有请求都经过 retryTransport 拦截链：令牌注入、401 刷新重放、
// 429 退避、网络 / 5xx 指数退避。
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// Options API 客户端可调参数
type Options struct {
	Timeout    time.Duration     // 单次请求超时，默认 10s
	MaxRetries int               // 重试上限，默认 3
	Transport  http.RoundTripper // 底层传输，测试注入用
}

// NewClient 创建 API 客户端
//
// 参数:
//   - baseURL: API 基础地址，如 "http://localhost:3001/api"
//   - tokens: 令牌来源，可为 nil（纯匿名调用）
func NewClient(baseURL string, tokens TokenSource, opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: newRetryTransport(opts.Transport, tokens, opts.MaxRetries, log),
		},
		log: log,
	}
}

// GenerateMailbox 生成新的临时邮箱。prefix / domain 可为空，由服务端分配。
func (c *Client) GenerateMailbox(ctx context.Context, prefix, mailDomain string) (*domain.Mailbox, error) {
	body := map[string]string{}
	if prefix != "" {
		body["prefix"] = prefix
	}
	if mailDomain != "" {
		body["domain"] = mailDomain
	}

	var mailbox domain.Mailbox
	if err := c.do(ctx, http.MethodPost, "/mailbox/generate", body, &mailbox); err != nil {
		return nil, err
	}
	return &mailbox, nil
}

// GetMailbox 获取邮箱信息（响应中带有新签发的令牌）。
func (c *Client) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	if err := c.do(ctx, http.MethodGet, "/mailbox/"+url.PathEscape(id), nil, &mailbox); err != nil {
		return nil, err
	}
	return &mailbox, nil
}

// RefreshMailbox 以"刷新"身份获取邮箱信息。
// 与 GetMailbox 的区别仅在于：该请求上的 401 不会再触发刷新递归。
func (c *Client) RefreshMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	return c.GetMailbox(withRefreshMarker(ctx), id)
}

// ExtendMailbox 延长邮箱有效期。
func (c *Client) ExtendMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	if err := c.do(ctx, http.MethodPost, "/mailbox/"+url.PathEscape(id)+"/extend", nil, &mailbox); err != nil {
		return nil, err
	}
	return &mailbox, nil
}

// DeleteMailbox 删除邮箱。
func (c *Client) DeleteMailbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/mailbox/"+url.PathEscape(id), nil, nil)
}

// ListMessages 列出邮箱内全部邮件。
func (c *Client) ListMessages(ctx context.Context, mailboxID string) ([]domain.Message, error) {
	var messages []domain.Message
	if err := c.do(ctx, http.MethodGet, "/mail/"+url.PathEscape(mailboxID), nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// GetMessage 获取单封邮件详情。
func (c *Client) GetMessage(ctx context.Context, mailboxID, messageID string) (*domain.Message, error) {
	var message domain.Message
	path := "/mail/" + url.PathEscape(mailboxID) + "/" + url.PathEscape(messageID)
	if err := c.do(ctx, http.MethodGet, path, nil, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

// MarkRead 标记邮件已读 / 未读。
func (c *Client) MarkRead(ctx context.Context, mailboxID, messageID string, isRead bool) (*domain.Message, error) {
	var message domain.Message
	path := "/mail/" + url.PathEscape(mailboxID) + "/" + url.PathEscape(messageID) + "/read"
	if err := c.do(ctx, http.MethodPatch, path, map[string]bool{"isRead": isRead}, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

// MarkUnread 标记邮件为未读。
func (c *Client) MarkUnread(ctx context.Context, mailboxID, messageID string) (*domain.Message, error) {
	return c.MarkRead(ctx, mailboxID, messageID, false)
}

// DeleteMessage 删除单封邮件。
func (c *Client) DeleteMessage(ctx context.Context, mailboxID, messageID string) error {
	path := "/mail/" + url.PathEscape(mailboxID) + "/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ClearMessages 清空邮箱内全部邮件。
func (c *Client) ClearMessages(ctx context.Context, mailboxID string) error {
	return c.do(ctx, http.MethodDelete, "/mail/"+url.PathEscape(mailboxID), nil, nil)
}

// DeleteMessages 批量删除邮件。
//
// 每封邮件独立发请求，互相之间没有事务协调：部分失败时已删除的
// 不回滚，返回第一个遇到的错误。
func (c *Client) DeleteMessages(ctx context.Context, mailboxID string, messageIDs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, id := range messageIDs {
		id := id
		g.Go(func() error {
			return c.DeleteMessage(gctx, mailboxID, id)
		})
	}

	return g.Wait()
}

// do 执行一次 API 调用：编码请求体、发送、解包 {success,data,error} 信封。
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 拦截链内部产生的分类错误（如 ErrTokenExpired）原样向上传
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return apiErr
		}
		if errors.Is(err, ErrTokenExpired) {
			return ErrTokenExpired
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return newNetworkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return newNetworkError(err)
	}

	var env domain.Envelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			if resp.StatusCode >= 400 {
				return newStatusError(resp.StatusCode, "", http.StatusText(resp.StatusCode))
			}
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 400 || (len(data) > 0 && !env.Success) {
		code, message := "", http.StatusText(resp.StatusCode)
		if env.Error != nil {
			code, message = env.Error.Code, env.Error.Message
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &Error{
				StatusCode:    resp.StatusCode,
				Code:          code,
				Message:       message,
				IsClientError: true,
				err:           ErrRateLimited,
			}
		}
		return newStatusError(resp.StatusCode, code, message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}

	return nil
}
