package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/zhouzirui/z-tavern/webclient/internal/service/connection"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/history"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/transcript"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/transcript/sqlite"
)

// ErrInvalid 标记配置校验失败。
var ErrInvalid = errors.New("invalid configuration")

// Config 聚合整个客户端的配置项。
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Backend   BackendConfig   `toml:"backend"`
	Store     StoreConfig     `toml:"store"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig 描述本地桥接 HTTP 服务配置。
type ServerConfig struct {
	Addr string `toml:"addr" env:"PORT"`
}

// BackendConfig 描述聊天后端的连接方式。
type BackendConfig struct {
	BaseURL          string        `toml:"base_url" env:"CHAT_BACKEND_URL"`
	SocketURL        string        `toml:"socket_url" env:"CHAT_SOCKET_URL"`
	SocketPath       string        `toml:"socket_path" env:"CHAT_SOCKET_PATH"`
	HistoryPath      string        `toml:"history_path" env:"CHAT_HISTORY_PATH"`
	AuthToken        string        `toml:"auth_token" env:"CHAT_AUTH_TOKEN"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout" env:"CHAT_HANDSHAKE_TIMEOUT"`
	FetchTimeout     time.Duration `toml:"fetch_timeout" env:"CHAT_FETCH_TIMEOUT"`
}

// StoreConfig 描述本地会话记录缓存。
type StoreConfig struct {
	Kind   string `toml:"kind" env:"TRANSCRIPT_STORE"`
	DBPath string `toml:"db_path" env:"TRANSCRIPT_DB_PATH"`
}

// ReconnectConfig 描述断线重连策略。
type ReconnectConfig struct {
	Strategy    string        `toml:"strategy" env:"RECONNECT_STRATEGY"`
	Delay       time.Duration `toml:"delay" env:"RECONNECT_DELAY"`
	MaxDelay    time.Duration `toml:"max_delay" env:"RECONNECT_MAX_DELAY"`
	MaxAttempts int           `toml:"max_attempts" env:"RECONNECT_MAX_ATTEMPTS"`
}

// LogConfig 描述日志级别。
type LogConfig struct {
	Level string `toml:"level" env:"LOG_LEVEL"`
}

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"

	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
)

// Default 返回不依赖任何外部输入的默认配置。
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Backend: BackendConfig{
			BaseURL:          "http://localhost:8000",
			SocketPath:       "/llm_chat",
			HistoryPath:      "/conversations",
			HandshakeTimeout: 10 * time.Second,
			FetchTimeout:     15 * time.Second,
		},
		Store: StoreConfig{
			Kind:   StoreSQLite,
			DBPath: "transcripts.db",
		},
		Reconnect: ReconnectConfig{
			Strategy: StrategyFixed,
			Delay:    connection.DefaultReconnectDelay,
			MaxDelay: time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load 依次叠加默认值、可选的 TOML 文件和环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path = strings.TrimSpace(path); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	addr, err := normalizeAddr(c.Server.Addr)
	if err != nil {
		return err
	}
	c.Server.Addr = addr

	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	base, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return fmt.Errorf("%w: CHAT_BACKEND_URL must be an http(s) URL, got %q", ErrInvalid, c.Backend.BaseURL)
	}

	if strings.TrimSpace(c.Backend.SocketURL) == "" {
		c.Backend.SocketURL = deriveSocketURL(base, c.Backend.SocketPath)
	}
	socket, err := url.Parse(strings.TrimSpace(c.Backend.SocketURL))
	if err != nil || (socket.Scheme != "ws" && socket.Scheme != "wss") || socket.Host == "" {
		return fmt.Errorf("%w: CHAT_SOCKET_URL must be a ws(s) URL, got %q", ErrInvalid, c.Backend.SocketURL)
	}
	c.Backend.SocketURL = strings.TrimRight(socket.String(), "/")

	if c.Backend.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: CHAT_HANDSHAKE_TIMEOUT must be positive", ErrInvalid)
	}
	if c.Backend.FetchTimeout <= 0 {
		return fmt.Errorf("%w: CHAT_FETCH_TIMEOUT must be positive", ErrInvalid)
	}

	c.Store.Kind = strings.ToLower(strings.TrimSpace(c.Store.Kind))
	switch c.Store.Kind {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.Store.DBPath) == "" {
			return fmt.Errorf("%w: TRANSCRIPT_DB_PATH is required for the sqlite store", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: TRANSCRIPT_STORE must be %s or %s, got %q", ErrInvalid, StoreSQLite, StoreMemory, c.Store.Kind)
	}

	c.Reconnect.Strategy = strings.ToLower(strings.TrimSpace(c.Reconnect.Strategy))
	switch c.Reconnect.Strategy {
	case StrategyFixed, StrategyExponential:
	default:
		return fmt.Errorf("%w: RECONNECT_STRATEGY must be %s or %s, got %q", ErrInvalid, StrategyFixed, StrategyExponential, c.Reconnect.Strategy)
	}
	if c.Reconnect.Delay <= 0 {
		return fmt.Errorf("%w: RECONNECT_DELAY must be positive", ErrInvalid)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.Delay {
		c.Reconnect.MaxDelay = c.Reconnect.Delay
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("%w: RECONNECT_MAX_ATTEMPTS must not be negative", ErrInvalid)
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	return nil
}

// normalizeAddr 解析服务器监听地址，允许 "8080"、":8080" 或 "127.0.0.1:8080"。
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("%w: invalid PORT value: %q", ErrInvalid, port)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	return ":" + port, nil
}

func deriveSocketURL(base *url.URL, socketPath string) string {
	socket := *base
	if base.Scheme == "https" {
		socket.Scheme = "wss"
	} else {
		socket.Scheme = "ws"
	}
	socket.Path = strings.TrimRight(base.Path, "/") + "/" + strings.Trim(socketPath, "/")
	socket.RawQuery = ""
	socket.Fragment = ""
	return socket.String()
}

// DialerOptions 构造 websocket 连接参数，凭证通过 auth_token cookie 传递。
func (c BackendConfig) DialerOptions() connection.DialerOptions {
	opts := connection.DefaultDialerOptions()
	opts.SocketURL = c.SocketURL
	opts.HandshakeTimeout = c.HandshakeTimeout
	if token := strings.TrimSpace(c.AuthToken); token != "" {
		cookie := &http.Cookie{Name: history.AuthCookieName, Value: token}
		opts.Header = http.Header{"Cookie": []string{cookie.String()}}
	}
	return opts
}

// HistoryOptions 构造会话记录拉取参数。
func (c BackendConfig) HistoryOptions() history.Options {
	return history.Options{
		BaseURL:   c.BaseURL,
		Path:      c.HistoryPath,
		AuthToken: c.AuthToken,
		Timeout:   c.FetchTimeout,
	}
}

// NewRetryPolicy 根据配置创建重连策略。默认固定间隔、不限次数。
func (c ReconnectConfig) NewRetryPolicy() connection.RetryPolicy {
	if c.Strategy == StrategyExponential {
		return connection.NewExponentialPolicy(c.Delay, c.MaxDelay, c.MaxAttempts, true)
	}
	return connection.FixedDelay{Delay: c.Delay, MaxAttempts: c.MaxAttempts}
}

// NewConnectionManager 创建一个使用 websocket 拨号和配置重连策略的连接管理器。
func (c *Config) NewConnectionManager() *connection.Manager {
	dialer := connection.NewWebSocketDialer(c.Backend.DialerOptions())
	return connection.NewManager(dialer, connection.WithRetryPolicy(c.Reconnect.NewRetryPolicy()))
}

// OpenStore 按配置打开本地会话记录缓存，返回的 close 函数在退出时调用。
func (c StoreConfig) OpenStore() (transcript.Store, func() error, error) {
	if c.Kind == StoreMemory {
		return transcript.NewMemoryStore(), func() error { return nil }, nil
	}
	store, err := sqlite.Open(c.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}
