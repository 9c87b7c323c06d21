package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/client/internal/api"
	"tempmail/client/internal/domain"
	"tempmail/client/internal/session"
	"tempmail/client/internal/storage/local"
	"tempmail/client/internal/ws"
)

// deferredFetcher 打破会话管理器与 API 客户端之间的构造顺序环。
type deferredFetcher struct {
	client *api.Client
}

func (f *deferredFetcher) RefreshMailbox(ctx context.Context, mailboxID string) (*domain.Mailbox, error) {
	if f.client == nil {
		return nil, errors.New("api client not initialized")
	}
	return f.client.RefreshMailbox(ctx, mailboxID)
}

func newClientStack(t *testing.T, baseURL string, store *local.Store) (*session.Manager, *api.Client) {
	t.Helper()
	fetcher := &deferredFetcher{}
	mgr := session.NewManager(store, fetcher, session.Options{}, nil)
	client := api.NewClient(baseURL+"/api", mgr, api.Options{Timeout: 5 * time.Second}, nil)
	fetcher.client = client
	return mgr, client
}

// TestEndToEnd 用完整的客户端协议栈走一遍核心场景：
// 生成邮箱 → 实时推送 → 读邮件 → 会话恢复 → 删除邮箱。
func TestEndToEnd(t *testing.T) {
	_, ts := newTestServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx := context.Background()

	store, err := local.NewStore(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)

	// 第一轮：生成邮箱并建立会话
	mgr, client := newClientStack(t, ts.URL, store)

	mailbox, err := client.GenerateMailbox(ctx, "", "")
	require.NoError(t, err)
	require.NoError(t, mgr.SetAuthData(mailbox.Token, mailbox.ID))
	require.True(t, mgr.HasValidSession())

	// 订阅实时推送
	wsClient := ws.NewClient(wsURL, ws.Options{
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   20 * time.Millisecond,
	}, nil)
	defer wsClient.Close()

	events := make(chan ws.Event, 16)
	wsClient.OnEvent(func(ev ws.Event) { events <- ev })
	wsClient.Connect(ctx)
	wsClient.SubscribeMailbox(mailbox.ID, mailbox.Token)

	require.Eventually(t, func() bool {
		return wsClient.Status() == ws.StatusConnected
	}, 3*time.Second, 10*time.Millisecond)

	// 注入邮件，推送与 REST 两条通道都要能看到
	injectMail(t, ts.URL, mailbox.ID, "alice@example.com", "e2e hello")

	var pushed ws.NewMailData
	select {
	case ev := <-events:
		require.Equal(t, ws.FrameTypeNewMail, ev.Type)
		require.NoError(t, json.Unmarshal(ev.Data, &pushed))
	case <-time.After(3 * time.Second):
		t.Fatal("应收到新邮件推送")
	}
	assert.Equal(t, "e2e hello", pushed.Subject)

	messages, err := client.ListMessages(ctx, mailbox.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.False(t, messages[0].IsRead)

	// 标记已读
	read, err := client.MarkRead(ctx, mailbox.ID, messages[0].ID, true)
	require.NoError(t, err)
	assert.True(t, read.IsRead)

	// 第二轮：模拟进程重启后的会话恢复
	mgr2, client2 := newClientStack(t, ts.URL, store)

	recovered, ok := session.NewRecovery(mgr2, store, nil).Recover(ctx)
	require.True(t, ok, "本地凭证应能恢复会话")
	assert.Equal(t, mailbox.ID, recovered.ID)
	assert.NotEmpty(t, mgr2.Token())

	messages, err = client2.ListMessages(ctx, mailbox.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].IsRead, "已读状态应在恢复后保持")

	// 删除邮箱，后续请求 404
	require.NoError(t, client2.DeleteMailbox(ctx, mailbox.ID))
	_, err = client2.ListMessages(ctx, mailbox.ID)
	require.Error(t, err)
}
