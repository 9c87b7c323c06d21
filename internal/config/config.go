package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// APIConfig 定义 REST API 客户端的连接配置
type APIConfig struct {
	BaseURL    string        // API 基础地址，默认 "http://localhost:3001/api"
	Timeout    time.Duration // 单次请求超时，默认 10s
	MaxRetries int           // 网络错误 / 5xx / 429 的最大重试次数，默认 3
}

// WSConfig 定义 WebSocket 客户端的连接配置
type WSConfig struct {
	URL                  string        // WebSocket 地址，默认 "ws://localhost:3001/ws"
	MaxReconnectAttempts int           // 最大重连次数，默认 5
	ReconnectBaseDelay   time.Duration // 重连基础延迟，默认 1s
	ReconnectMaxDelay    time.Duration // 重连延迟上限，默认 5s
}

// SessionConfig 定义会话生命周期管理配置
type SessionConfig struct {
	File          string        // 会话持久化文件路径，留空使用用户配置目录
	RefreshWindow time.Duration // 过期前多久视为"即将过期"并触发刷新，默认 5m
	CheckInterval time.Duration // 后台有效性检查间隔，默认 1m
	PollInterval  time.Duration // 状态轮询（watcher）间隔，默认 30s
}

// MailboxConfig 定义开发服务器的邮箱业务配置
type MailboxConfig struct {
	AllowedDomains []string      // 可分配的域名列表
	DefaultTTL     time.Duration // 邮箱默认生存时间
	ExtensionTTL   time.Duration // 单次续期延长的时长
	MaxExtensions  int           // 单个邮箱最大续期次数
}

// ServerConfig 定义开发服务器的监听配置
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 3001
}

// RateLimitConfig 定义开发服务器的限流配置
type RateLimitConfig struct {
	RPS   float64 // 每个来源每秒允许的请求数
	Burst int     // 突发容量
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// JWTConfig 定义开发服务器签发邮箱令牌的配置
type JWTConfig struct {
	Secret string // HS256 签名密钥，必须至少 32 字符
	Issuer string // 签发者标识，默认 "tempmail"
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// Config 是客户端与开发服务器共享的根配置结构体
type Config struct {
	API       APIConfig
	WS        WSConfig
	Session   SessionConfig
	Server    ServerConfig
	Mailbox   MailboxConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	JWT       JWTConfig
	Log       LogConfig
}

// Load 从环境变量和 .env 文件加载配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: TEMPMAIL_
// 例如: TEMPMAIL_API_BASE_URL, TEMPMAIL_WS_URL
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，.env 是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("tempmail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("api.base_url", "http://localhost:3001/api")
	viper.SetDefault("api.timeout", "10s")
	viper.SetDefault("api.max_retries", 3)
	viper.SetDefault("ws.url", "ws://localhost:3001/ws")
	viper.SetDefault("ws.max_reconnect_attempts", 5)
	viper.SetDefault("ws.reconnect_base_delay", "1s")
	viper.SetDefault("ws.reconnect_max_delay", "5s")
	viper.SetDefault("session.file", "")
	viper.SetDefault("session.refresh_window", "5m")
	viper.SetDefault("session.check_interval", "1m")
	viper.SetDefault("session.poll_interval", "30s")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 3001)
	viper.SetDefault("mailbox.allowed_domains", "temp.mail")
	viper.SetDefault("mailbox.default_ttl", "1h")
	viper.SetDefault("mailbox.extension_ttl", "1h")
	viper.SetDefault("mailbox.max_extensions", 3)
	viper.SetDefault("ratelimit.rps", 10.0)
	viper.SetDefault("ratelimit.burst", 20)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("jwt.secret", "dev-only-secret-key-not-for-production!!")
	viper.SetDefault("jwt.issuer", "tempmail")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")

	apiTimeout, err := time.ParseDuration(viper.GetString("api.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid api.timeout: %w", err)
	}

	maxRetries := viper.GetInt("api.max_retries")
	if maxRetries < 0 {
		maxRetries = 0
	}

	reconnectBase, err := time.ParseDuration(viper.GetString("ws.reconnect_base_delay"))
	if err != nil {
		return nil, fmt.Errorf("invalid ws.reconnect_base_delay: %w", err)
	}

	reconnectMax, err := time.ParseDuration(viper.GetString("ws.reconnect_max_delay"))
	if err != nil {
		return nil, fmt.Errorf("invalid ws.reconnect_max_delay: %w", err)
	}

	refreshWindow, err := time.ParseDuration(viper.GetString("session.refresh_window"))
	if err != nil {
		refreshWindow = 5 * time.Minute
	}

	checkInterval, err := time.ParseDuration(viper.GetString("session.check_interval"))
	if err != nil {
		checkInterval = time.Minute
	}

	pollInterval, err := time.ParseDuration(viper.GetString("session.poll_interval"))
	if err != nil {
		pollInterval = 30 * time.Second
	}

	defaultTTL, err := time.ParseDuration(viper.GetString("mailbox.default_ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox.default_ttl: %w", err)
	}

	extensionTTL, err := time.ParseDuration(viper.GetString("mailbox.extension_ttl"))
	if err != nil {
		extensionTTL = defaultTTL
	}

	domainList := parseDomains(viper.GetString("mailbox.allowed_domains"))
	if len(domainList) == 0 {
		return nil, fmt.Errorf("mailbox.allowed_domains must not be empty")
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	jwtSecret := viper.GetString("jwt.secret")
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("jwt.secret must be at least 32 characters long")
	}

	cfg := &Config{
		API: APIConfig{
			BaseURL:    strings.TrimRight(viper.GetString("api.base_url"), "/"),
			Timeout:    apiTimeout,
			MaxRetries: maxRetries,
		},
		WS: WSConfig{
			URL:                  viper.GetString("ws.url"),
			MaxReconnectAttempts: viper.GetInt("ws.max_reconnect_attempts"),
			ReconnectBaseDelay:   reconnectBase,
			ReconnectMaxDelay:    reconnectMax,
		},
		Session: SessionConfig{
			File:          viper.GetString("session.file"),
			RefreshWindow: refreshWindow,
			CheckInterval: checkInterval,
			PollInterval:  pollInterval,
		},
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Mailbox: MailboxConfig{
			AllowedDomains: domainList,
			DefaultTTL:     defaultTTL,
			ExtensionTTL:   extensionTTL,
			MaxExtensions:  viper.GetInt("mailbox.max_extensions"),
		},
		RateLimit: RateLimitConfig{
			RPS:   viper.GetFloat64("ratelimit.rps"),
			Burst: viper.GetInt("ratelimit.burst"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		JWT: JWTConfig{
			Secret: jwtSecret,
			Issuer: viper.GetString("jwt.issuer"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
	}

	return cfg, nil
}

// SessionFilePath 返回会话持久化文件的最终路径。
// 配置为空时落在用户配置目录下的 tempmail/session.json。
func (c *Config) SessionFilePath() (string, error) {
	if c.Session.File != "" {
		return c.Session.File, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "tempmail", "session.json"), nil
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 已存在的环境变量不会被覆盖
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
