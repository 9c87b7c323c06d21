package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tempmail/client/internal/api"
	"tempmail/client/internal/cache"
	"tempmail/client/internal/config"
	"tempmail/client/internal/domain"
	"tempmail/client/internal/logger"
	"tempmail/client/internal/session"
	"tempmail/client/internal/storage/local"
	"tempmail/client/internal/ws"
)

const usage = `tmcli - 临时邮箱命令行客户端

用法:
  tmcli <command> [flags]

命令:
  generate    生成新的临时邮箱
  info        查看当前邮箱信息
  extend      延长当前邮箱有效期
  delete      删除当前邮箱并清除本地会话
  list        列出收件箱邮件
  read        阅读一封邮件（自动标记已读）
  mark-read   标记邮件已读 / 未读
  rm          删除一封或多封邮件
  clear       清空收件箱
  watch       实时监听新邮件
  logout      清除本地会话
`

// lazyFetcher 延迟绑定的邮箱拉取器，用来打破
// 会话管理器与 API 客户端之间的构造顺序环。
type lazyFetcher struct {
	client *api.Client
}

func (f *lazyFetcher) RefreshMailbox(ctx context.Context, mailboxID string) (*domain.Mailbox, error) {
	if f.client == nil {
		return nil, errors.New("api client not initialized")
	}
	return f.client.RefreshMailbox(ctx, mailboxID)
}

// app 汇集 CLI 各命令共享的依赖。
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *local.Store
	mgr      *session.Manager
	watcher  *session.Watcher
	recovery *session.Recovery
	client   *api.Client
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	a, err := newApp(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	sessionPath, err := cfg.SessionFilePath()
	if err != nil {
		return nil, err
	}
	store, err := local.NewStore(sessionPath)
	if err != nil {
		return nil, err
	}

	fetcher := &lazyFetcher{}
	mgr := session.NewManager(store, fetcher, session.Options{
		RefreshWindow: cfg.Session.RefreshWindow,
		CheckInterval: cfg.Session.CheckInterval,
	}, log)

	client := api.NewClient(cfg.API.BaseURL, mgr, api.Options{
		Timeout:    cfg.API.Timeout,
		MaxRetries: cfg.API.MaxRetries,
	}, log)
	fetcher.client = client

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		mgr:      mgr,
		watcher:  session.NewWatcher(mgr, cfg.Session.PollInterval, log),
		recovery: session.NewRecovery(mgr, store, log),
		client:   client,
	}, nil
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "generate":
		return a.cmdGenerate(ctx, args)
	case "info":
		return a.cmdInfo(ctx)
	case "extend":
		return a.cmdExtend(ctx)
	case "delete":
		return a.cmdDelete(ctx)
	case "list":
		return a.cmdList(ctx)
	case "read":
		return a.cmdRead(ctx, args)
	case "mark-read":
		return a.cmdMarkRead(ctx, args)
	case "rm":
		return a.cmdRemove(ctx, args)
	case "clear":
		return a.cmdClear(ctx)
	case "watch":
		return a.cmdWatch(ctx)
	case "logout":
		return a.cmdLogout()
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command: %s", command)
	}
}

// requireSession 恢复本地会话，没有可用会话时报错。
func (a *app) requireSession(ctx context.Context) (string, error) {
	if _, ok := a.recovery.Recover(ctx); !ok {
		return "", errors.New("no active mailbox, run `tmcli generate` first")
	}
	return a.mgr.MailboxID(), nil
}

func (a *app) cmdGenerate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	prefix := fs.String("prefix", "", "邮箱地址前缀（留空随机）")
	mailDomain := fs.String("domain", "", "邮箱域名（留空由服务端分配）")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mailbox, err := a.client.GenerateMailbox(ctx, *prefix, *mailDomain)
	if err != nil {
		return err
	}

	if err := a.watcher.Login(mailbox.Token, mailbox.ID); err != nil {
		return err
	}

	fmt.Printf("mailbox created\n")
	printMailbox(mailbox)
	return nil
}

func (a *app) cmdInfo(ctx context.Context) error {
	id, err := a.requireSession(ctx)
	if err != nil {
		return err
	}

	mailbox, err := a.client.GetMailbox(ctx, id)
	if err != nil {
		return err
	}
	// 响应里的新令牌要立即采用
	if mailbox.Token != "" {
		if err := a.mgr.SetAuthData(mailbox.Token, mailbox.ID); err != nil {
			return err
		}
	}

	printMailbox(mailbox)

	snap := a.watcher.Snapshot()
	fmt.Printf("token valid:  %v (remaining %s)\n", snap.IsAuthenticated, snap.TokenRemaining.Round(time.Second))
	return nil
}

func (a *app) cmdExtend(ctx context.Context) error {
	id, err := a.requireSession(ctx)
	if err != nil {
		return err
	}

	mailbox, err := a.client.ExtendMailbox(ctx, id)
	if err != nil {
		return err
	}
	if mailbox.Token != "" {
		if err := a.mgr.SetAuthData(mailbox.Token, mailbox.ID); err != nil {
			return err
		}
	}

	fmt.Printf("mailbox extended (%d extension(s) used)\n", mailbox.ExtensionCount)
	printMailbox(mailbox)
	return nil
}

func (a *app) cmdDelete(ctx context.Context) error {
	id, err := a.requireSession(ctx)
	if err != nil {
		return err
	}

	if err := a.client.DeleteMailbox(ctx, id); err != nil {
		return err
	}
	a.watcher.Logout()
	fmt.Println("mailbox deleted")
	return nil
}

func (a *app) cmdList(ctx context.Context) error {
	id, err := a.requireSession(ctx)
	if err != nil {
		return err
	}

	messages, err := a.client.ListMessages(ctx, id)
	if err != nil {
		return err
	}

	if len(messages) == 0 {
		fmt.Println("inbox is empty")
		return nil
	}

	for _, msg := range messages {
		marker := " "
		if !msg.IsRead {
			marker = "*"
		}
		fmt.Printf("%s %s  %-24s  %s  %s\n",
			marker,
			msg.ID,
			truncate(msg.From, 24),
			msg.ReceivedAt.Local().Format("01-02 15:04"),
			msg.Subject)
	}
	return nil
}

func (a *app) cmdRead(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: tmcli read <mail-id>")
	}
	id, err := a.requireSession(ctx)
	if err != nil {
		return err
	}

	msg, err := a.client.GetMessage(ctx, id, args[0])
	if err != nil {
		return err
	}
	if !msg.IsRead {
		if _, err := a.client.MarkRead(ctx, id, msg.ID, true); err != nil {
			a.log.Warn("failed to mark message read", zap.Error(err))
		}
	}

	fmt.Printf("From:    %s\n", msg.From)
	fmt.Printf("To:      %s\n", msg.To)
	fmt.Printf("Subject: %s\n", msg.Subject)
	fmt.Printf("Date:    %s\n\n", msg.ReceivedAt.Local().Format(time.RFC1123))
	if msg.TextContent != "" {
		fmt.Println(msg.TextContent)
	} else if msg.HTMLContent != "" {
		fmt.Println(msg.HTMLContent)
	}
	return nil
}

func (a *app) cmdMarkRead(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mark-read", flag.ExitOnError)
	unread := fs.Bool("unread", false, "改为标记未读")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: tmcli mark-read [-unread] <mail-id>")
	}

	id, err := a.requireSession(ctx)
	if err != nil {
		return err
	}

	msg, err := a.client.MarkRead(ctx, id, fs.Arg(0), !*unread)
	if err != nil {
		return err
	}
	state := "read"
	if !msg.IsRead {
		state = "unread"
	}
	fmt.Printf("message %s marked %s\n", msg.ID, state)
	return nil
}

func (a *app) cmdRemove(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: tmcli rm <mail-id> [mail-id...]")
	}
	id, err := a.requireSession(ctx)
	if err != nil {
		return err
	}

	if err := a.client.DeleteMessages(ctx, id, args); err != nil {
		return err
	}
	fmt.Printf("deleted %d message(s)\n", len(args))
	return nil
}

func (a *app) cmdClear(ctx context.Context) error {
	id, err := a.requireSession(ctx)
	if err != nil {
		return err
	}

	if err := a.client.ClearMessages(ctx, id); err != nil {
		return err
	}
	fmt.Println("inbox cleared")
	return nil
}

// cmdWatch 实时监听新邮件。
//
// 以 WebSocket 推送为主，叠加一条轮询兜底：推送通道静默期间
// 照样能发现新邮件。两条通道之间用 TTL 缓存去重。
func (a *app) cmdWatch(ctx context.Context) error {
	id, err := a.requireSession(ctx)
	if err != nil {
		return err
	}
	a.watcher.Start()
	defer a.watcher.Stop()

	seen := cache.New(10 * time.Minute)
	defer seen.Close()

	// 已有邮件不再重复报告
	if existing, err := a.client.ListMessages(ctx, id); err == nil {
		for _, msg := range existing {
			seen.Set(msg.ID, struct{}{}, 0)
		}
	}

	wsClient := ws.NewClient(a.cfg.WS.URL, ws.Options{
		MaxReconnectAttempts: a.cfg.WS.MaxReconnectAttempts,
		ReconnectBaseDelay:   a.cfg.WS.ReconnectBaseDelay,
		ReconnectMaxDelay:    a.cfg.WS.ReconnectMaxDelay,
	}, a.log)
	defer wsClient.Close()

	wsClient.OnStatus(func(status ws.Status) {
		fmt.Printf("-- connection: %s\n", status)
	})
	wsClient.OnEvent(func(ev ws.Event) {
		switch ev.Type {
		case ws.FrameTypeNewMail:
			var mail ws.NewMailData
			if err := json.Unmarshal(ev.Data, &mail); err != nil {
				return
			}
			if _, dup := seen.Get(mail.MessageID); dup {
				return
			}
			seen.Set(mail.MessageID, struct{}{}, 0)
			fmt.Printf("new mail %s\n  from:    %s\n  subject: %s\n", mail.MessageID, mail.From, mail.Subject)

		case ws.FrameTypeExpiryWarning:
			var warn ws.ExpiryWarningData
			if err := json.Unmarshal(ev.Data, &warn); err != nil {
				return
			}
			fmt.Printf("-- mailbox expires in %ds\n", warn.Remaining)

		case ws.FrameTypeMailboxExpired:
			fmt.Println("-- mailbox expired")

		case ws.FrameTypeError:
			fmt.Printf("-- server error: %s\n", ev.Error)
		}
	})

	wsClient.Connect(ctx)
	wsClient.SubscribeMailbox(id, a.mgr.Token())

	fmt.Printf("watching %s (ctrl-c to stop)\n", id)

	poll := time.NewTicker(a.cfg.Session.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nstopped")
			return nil
		case <-poll.C:
			messages, err := a.client.ListMessages(ctx, id)
			if err != nil {
				if errors.Is(err, api.ErrTokenExpired) {
					return errors.New("session expired")
				}
				continue
			}
			for _, msg := range messages {
				if _, dup := seen.Get(msg.ID); dup {
					continue
				}
				seen.Set(msg.ID, struct{}{}, 0)
				fmt.Printf("new mail %s\n  from:    %s\n  subject: %s\n", msg.ID, msg.From, msg.Subject)
			}
			// 订阅令牌可能已经轮换，保持与会话同步
			wsClient.SubscribeMailbox(id, a.mgr.Token())
		}
	}
}

func (a *app) cmdLogout() error {
	a.watcher.Logout()
	fmt.Println("logged out")
	return nil
}

func printMailbox(mailbox *domain.Mailbox) {
	fmt.Printf("address:    %s\n", mailbox.Address)
	fmt.Printf("mailbox id: %s\n", mailbox.ID)
	if mailbox.ExpiresAt != nil {
		fmt.Printf("expires:    %s\n", mailbox.ExpiresAt.Local().Format(time.RFC1123))
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
