package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tempmail/client/internal/config"
	"tempmail/client/internal/domain"
)

// Server 本地开发服务器。
//
// 提供与生产后端一致的 REST / WebSocket 接口，外加一个
// 仅供开发使用的邮件注入端点，用来做端到端验证。
type Server struct {
	cfg      *config.Config
	store    *Store
	tokens   *TokenManager
	hub      *Hub
	metrics  *Metrics
	registry *prometheus.Registry
	log      *zap.Logger
	engine   *gin.Engine
	httpSrv  *http.Server
}

// New 创建开发服务器。
func New(cfg *config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	tokens := NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer)
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	s := &Server{
		cfg:      cfg,
		store:    NewStore(),
		tokens:   tokens,
		hub:      NewHub(cfg.CORS.AllowedOrigins, tokens, metrics, log),
		metrics:  metrics,
		registry: registry,
		log:      log,
	}
	s.engine = s.buildRouter()
	return s
}

// Hub 返回服务器的 WebSocket Hub。
func (s *Server) Hub() *Hub { return s.hub }

// Handler 返回 HTTP 处理器，测试可以直接挂到 httptest.Server 上。
func (s *Server) Handler() http.Handler { return s.engine }

// Run 启动服务器并阻塞，直到 ctx 取消。
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.sweepLoop(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("dev server listening", zap.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(LoggerMiddleware(s.log))
	engine.Use(MetricsMiddleware(s.metrics))

	corsConfig := cors.DefaultConfig()
	if len(s.cfg.CORS.AllowedOrigins) == 1 && s.cfg.CORS.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.cfg.CORS.AllowedOrigins
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	engine.Use(cors.New(corsConfig))

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(500))
	engine.GET("/healthz", gin.WrapF(health.LiveEndpoint))
	engine.GET("/readyz", gin.WrapF(health.ReadyEndpoint))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	engine.GET("/ws", HandleWebSocket(s.hub))

	api := engine.Group("/api")
	api.Use(RateLimitMiddleware(s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst))

	mailbox := api.Group("/mailbox")
	{
		mailbox.POST("/generate", s.handleGenerateMailbox)

		authed := mailbox.Group("", MailboxAuthMiddleware(s.tokens, "id"))
		authed.GET("/:id", s.handleGetMailbox)
		authed.POST("/:id/extend", s.handleExtendMailbox)
		authed.DELETE("/:id", s.handleDeleteMailbox)
	}

	mail := api.Group("/mail", MailboxAuthMiddleware(s.tokens, "mailboxId"))
	{
		mail.GET("/:mailboxId", s.handleListMessages)
		mail.DELETE("/:mailboxId", s.handleClearMessages)
		mail.GET("/:mailboxId/:mailId", s.handleGetMessage)
		mail.DELETE("/:mailboxId/:mailId", s.handleDeleteMessage)
		mail.PATCH("/:mailboxId/:mailId/read", s.handleMarkRead)
	}

	// 开发专用：注入邮件，替代真实的 SMTP 投递
	api.POST("/dev/mail", s.handleInjectMail)

	return engine
}

type generateRequest struct {
	Prefix string `json:"prefix"`
	Domain string `json:"domain"`
}

// localPartPattern 合法的邮箱本地部分：小写字母数字开头，最长 32 字符。
var localPartPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,31}$`)

func (s *Server) handleGenerateMailbox(c *gin.Context) {
	var req generateRequest
	_ = c.ShouldBindJSON(&req)

	mailboxDomain := s.cfg.Mailbox.AllowedDomains[0]
	if req.Domain != "" {
		if !s.domainAllowed(req.Domain) {
			fail(c, http.StatusBadRequest, "INVALID_DOMAIN", "domain is not allowed")
			return
		}
		mailboxDomain = strings.ToLower(req.Domain)
	}

	localPart := randomLocalPart()
	if req.Prefix != "" {
		localPart = strings.ToLower(req.Prefix)
		if !localPartPattern.MatchString(localPart) {
			fail(c, http.StatusBadRequest, "INVALID_PREFIX", "prefix contains invalid characters")
			return
		}
	}

	address := fmt.Sprintf("%s@%s", localPart, mailboxDomain)
	if _, err := s.store.GetMailboxByAddress(address); err == nil {
		fail(c, http.StatusConflict, "ADDRESS_TAKEN", "address is already in use")
		return
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.Mailbox.DefaultTTL)
	mailbox := &domain.Mailbox{
		ID:           uuid.NewString(),
		Address:      address,
		CreatedAt:    now,
		ExpiresAt:    &expiresAt,
		IsActive:     true,
		LastAccessAt: now,
	}

	token, err := s.tokens.Issue(mailbox.ID, expiresAt)
	if err != nil {
		s.log.Error("failed to issue token", zap.Error(err))
		fail(c, http.StatusInternalServerError, "INTERNAL", "failed to issue token")
		return
	}
	mailbox.Token = token

	s.store.SaveMailbox(mailbox)
	s.metrics.mailboxesCreated.Inc()

	s.log.Info("mailbox generated",
		zap.String("mailboxID", mailbox.ID),
		zap.String("address", mailbox.Address))

	created(c, mailbox)
}

// handleGetMailbox 返回邮箱信息并附带一枚新令牌。
// 客户端靠这一点完成静默令牌轮换。
func (s *Server) handleGetMailbox(c *gin.Context) {
	mailbox, err := s.store.GetMailbox(c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, "MAILBOX_NOT_FOUND", "mailbox not found or expired")
		return
	}

	token, err := s.tokens.Issue(mailbox.ID, *mailbox.ExpiresAt)
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "failed to issue token")
		return
	}

	s.store.Touch(mailbox.ID)
	mailbox.Token = token
	success(c, mailbox)
}

func (s *Server) handleExtendMailbox(c *gin.Context) {
	mailbox, err := s.store.ExtendMailbox(c.Param("id"), s.cfg.Mailbox.ExtensionTTL, s.cfg.Mailbox.MaxExtensions)
	if errors.Is(err, ErrExtensionLimit) {
		fail(c, http.StatusConflict, "EXTENSION_LIMIT", "mailbox extension limit reached")
		return
	}
	if err != nil {
		fail(c, http.StatusNotFound, "MAILBOX_NOT_FOUND", "mailbox not found or expired")
		return
	}

	token, err := s.tokens.Issue(mailbox.ID, *mailbox.ExpiresAt)
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "failed to issue token")
		return
	}

	s.log.Info("mailbox extended",
		zap.String("mailboxID", mailbox.ID),
		zap.Time("expiresAt", *mailbox.ExpiresAt),
		zap.Int("extensionCount", mailbox.ExtensionCount))

	mailbox.Token = token
	success(c, mailbox)
}

func (s *Server) handleDeleteMailbox(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteMailbox(id); err != nil {
		fail(c, http.StatusNotFound, "MAILBOX_NOT_FOUND", "mailbox not found")
		return
	}
	s.hub.NotifyMailboxExpired(id)
	success(c, gin.H{"deleted": true})
}

func (s *Server) handleListMessages(c *gin.Context) {
	messages, err := s.store.ListMessages(c.Param("mailboxId"))
	if err != nil {
		fail(c, http.StatusNotFound, "MAILBOX_NOT_FOUND", "mailbox not found or expired")
		return
	}
	success(c, messages)
}

func (s *Server) handleGetMessage(c *gin.Context) {
	msg, err := s.store.GetMessage(c.Param("mailboxId"), c.Param("mailId"))
	if err != nil {
		fail(c, http.StatusNotFound, "MESSAGE_NOT_FOUND", "message not found")
		return
	}
	success(c, msg)
}

type markReadRequest struct {
	IsRead *bool `json:"isRead"`
}

func (s *Server) handleMarkRead(c *gin.Context) {
	req := markReadRequest{}
	_ = c.ShouldBindJSON(&req)
	isRead := true
	if req.IsRead != nil {
		isRead = *req.IsRead
	}

	msg, err := s.store.MarkMessageRead(c.Param("mailboxId"), c.Param("mailId"), isRead)
	if err != nil {
		fail(c, http.StatusNotFound, "MESSAGE_NOT_FOUND", "message not found")
		return
	}
	success(c, msg)
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	if err := s.store.DeleteMessage(c.Param("mailboxId"), c.Param("mailId")); err != nil {
		fail(c, http.StatusNotFound, "MESSAGE_NOT_FOUND", "message not found")
		return
	}
	success(c, gin.H{"deleted": true})
}

func (s *Server) handleClearMessages(c *gin.Context) {
	n, err := s.store.ClearMessages(c.Param("mailboxId"))
	if err != nil {
		fail(c, http.StatusNotFound, "MAILBOX_NOT_FOUND", "mailbox not found")
		return
	}
	success(c, gin.H{"deleted": n})
}

type injectMailRequest struct {
	MailboxID   string `json:"mailboxId"`
	To          string `json:"to"`
	From        string `json:"from" binding:"required"`
	Subject     string `json:"subject"`
	TextContent string `json:"textContent"`
	HTMLContent string `json:"htmlContent"`
}

// handleInjectMail 开发专用的邮件注入端点。
// 通过邮箱 ID 或完整地址定位目标邮箱。
func (s *Server) handleInjectMail(c *gin.Context) {
	var req injectMailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	var mailbox *domain.Mailbox
	var err error
	switch {
	case req.MailboxID != "":
		mailbox, err = s.store.GetMailbox(req.MailboxID)
	case req.To != "":
		mailbox, err = s.store.GetMailboxByAddress(req.To)
	default:
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", "mailboxId or to is required")
		return
	}
	if err != nil {
		fail(c, http.StatusNotFound, "MAILBOX_NOT_FOUND", "mailbox not found or expired")
		return
	}

	msg := &domain.Message{
		ID:          uuid.NewString(),
		MailboxID:   mailbox.ID,
		From:        req.From,
		To:          mailbox.Address,
		Subject:     req.Subject,
		TextContent: req.TextContent,
		HTMLContent: req.HTMLContent,
		ReceivedAt:  time.Now(),
		Size:        int64(len(req.TextContent) + len(req.HTMLContent)),
	}

	if err := s.store.SaveMessage(msg); err != nil {
		fail(c, http.StatusNotFound, "MAILBOX_NOT_FOUND", "mailbox not found")
		return
	}
	s.metrics.messagesInjected.Inc()

	s.hub.NotifyNewMail(mailbox.ID, msg)
	created(c, msg)
}

// sweepLoop 周期性扫描邮箱：推送到期预警，清理已过期邮箱。
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Server) sweep(now time.Time) {
	for _, mb := range s.store.ExpiringMailboxes(now, 5*time.Minute) {
		mailbox := mb
		s.hub.NotifyExpiryWarning(&mailbox, mailbox.ExpiresAt.Sub(now))
	}

	for _, mb := range s.store.ExpiredMailboxes(now) {
		if err := s.store.DeleteMailbox(mb.ID); err == nil {
			s.hub.NotifyMailboxExpired(mb.ID)
			s.metrics.mailboxesExpired.Inc()
			s.log.Info("expired mailbox reaped", zap.String("mailboxID", mb.ID))
		}
	}
}

func (s *Server) domainAllowed(candidate string) bool {
	lower := strings.ToLower(candidate)
	for _, d := range s.cfg.Mailbox.AllowedDomains {
		if d == lower {
			return true
		}
	}
	return false
}

// randomLocalPart 生成随机的邮箱本地部分。
func randomLocalPart() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
