package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// TokenSource 为请求提供令牌，并在 401 时承担一次静默刷新。
// 由会话管理器实现。
type TokenSource interface {
	Token() string
	RefreshToken(ctx context.Context) error
}

type ctxKey int

const refreshRequestKey ctxKey = iota

// withRefreshMarker 标记一个请求属于令牌刷新本身，
// 401 处理对这类请求不再递归刷新。
func withRefreshMarker(ctx context.Context) context.Context {
	return context.WithValue(ctx, refreshRequestKey, true)
}

func isRefreshRequest(ctx context.Context) bool {
	v, _ := ctx.Value(refreshRequestKey).(bool)
	return v
}

// retryTransport 实现请求 / 响应拦截链。
//
// 请求阶段注入 Authorization: Bearer <token>；响应错误按优先级处理：
//  1. 非刷新请求的 401 且未重放过 → 静默刷新一次，重放一次；
//     刷新失败 → 返回 ErrTokenExpired，不透传原始 401
//  2. 429 → 按 Retry-After（缺省 1 秒）等待，总共最多 3 次
//  3. 网络错误 / 5xx 且重试数未满 → 指数退避（1s × 2^attempt）后重放
//  4. 其余原样返回，由上层分类包装
type retryTransport struct {
	base       http.RoundTripper
	tokens     TokenSource // 可为 nil（无认证请求）
	maxRetries int
	baseDelay  time.Duration
	log        *zap.Logger

	// sleep 可注入，测试时替换掉真实等待
	sleep func(ctx context.Context, d time.Duration) error
}

func newRetryTransport(base http.RoundTripper, tokens TokenSource, maxRetries int, log *zap.Logger) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &retryTransport{
		base:       base,
		tokens:     tokens,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		log:        log,
		sleep:      sleepCtx,
	}
}

// RoundTrip 执行请求并按拦截策略重试。
// 请求体必须可重放（req.GetBody 非空或无请求体）。
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	var (
		attempt      int  // 网络错误 / 5xx 的重试计数
		rateAttempts int  // 429 的请求总数
		authRetried  bool // 401 只重放一次
	)

	for {
		attemptReq, err := t.prepare(req)
		if err != nil {
			return nil, err
		}

		resp, err := t.base.RoundTrip(attemptReq)

		// 网络 / 传输错误：指数退避后重试
		if err != nil {
			if attempt >= t.maxRetries {
				return nil, newNetworkError(err)
			}
			delay := t.backoff(attempt)
			attempt++
			t.log.Debug("network error, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			if serr := t.sleep(ctx, delay); serr != nil {
				return nil, newNetworkError(err)
			}
			continue
		}

		switch {
		// 401：刷新后重放一次
		case resp.StatusCode == http.StatusUnauthorized &&
			t.tokens != nil && !isRefreshRequest(ctx) && !authRetried:
			drain(resp)
			authRetried = true
			if rerr := t.tokens.RefreshToken(ctx); rerr != nil {
				return nil, fmt.Errorf("%w: %v", ErrTokenExpired, rerr)
			}
			t.log.Debug("token refreshed after 401, retrying request",
				zap.String("path", req.URL.Path))
			continue

		// 429：尊重 Retry-After，总共最多 3 次
		case resp.StatusCode == http.StatusTooManyRequests:
			rateAttempts++
			if rateAttempts >= 3 {
				return resp, nil
			}
			delay := retryAfter(resp)
			drain(resp)
			t.log.Debug("rate limited, retrying",
				zap.Int("attempt", rateAttempts),
				zap.Duration("delay", delay))
			if serr := t.sleep(ctx, delay); serr != nil {
				return nil, newNetworkError(serr)
			}
			continue

		// 5xx：指数退避后重试
		case resp.StatusCode >= http.StatusInternalServerError && attempt < t.maxRetries:
			drain(resp)
			delay := t.backoff(attempt)
			attempt++
			t.log.Debug("server error, retrying",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if serr := t.sleep(ctx, delay); serr != nil {
				return nil, newNetworkError(serr)
			}
			continue

		default:
			return resp, nil
		}
	}
}

// prepare 克隆请求、重放请求体并注入 Bearer 令牌。
func (t *retryTransport) prepare(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())

	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		out.Body = body
	}

	if t.tokens != nil && out.Header.Get("Authorization") == "" {
		if token := t.tokens.Token(); token != "" {
			out.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return out, nil
}

// backoff 返回第 attempt 次重试前的等待时长：1s × 2^attempt。
func (t *retryTransport) backoff(attempt int) time.Duration {
	return t.baseDelay * (1 << attempt)
}

// retryAfter 解析 Retry-After 头（秒），缺失或非法时取 1 秒。
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

// drain 丢弃响应体以便连接复用。
func drain(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
