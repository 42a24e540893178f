// Package config 提供进程级配置：YAML文件 + 环境变量覆盖 +
// 可选的文件变更热加载。
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 中继服务的完整配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Provider ProviderConfig `mapstructure:"provider"`
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
}

// ServerConfig 入站网关配置
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MediaPath       string        `mapstructure:"media_path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	ReadDeadline    time.Duration `mapstructure:"read_deadline"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ProviderConfig 语音AI服务端配置
type ProviderConfig struct {
	URL              string        `mapstructure:"url"`
	APIKey           string        `mapstructure:"api_key"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
}

// DatabaseConfig 业务库配置；DSN为空时使用内存Store（本地开发）
type DatabaseConfig struct {
	DSN            string        `mapstructure:"dsn"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries uint64        `mapstructure:"connect_retries"`
}

// SessionConfig 每会话参数
type SessionConfig struct {
	EventBuffer    int           `mapstructure:"event_buffer"`
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`
}

// setDefaults 注册全部默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.media_path", "/media-stream")
	v.SetDefault("server.read_buffer_size", 4096)
	v.SetDefault("server.write_buffer_size", 4096)
	v.SetDefault("server.read_limit", 512*1024)
	v.SetDefault("server.read_deadline", 60*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("provider.url", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.handshake_timeout", 10*time.Second)
	v.SetDefault("provider.connect_timeout", 15*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.connect_timeout", 5*time.Second)
	v.SetDefault("database.connect_retries", 5)

	v.SetDefault("session.event_buffer", 64)
	v.SetDefault("session.cleanup_timeout", 5*time.Second)
}

// Manager 持有viper实例并负责加载、校验、热加载
type Manager struct {
	mu         sync.RWMutex
	v          *viper.Viper
	config     *Config
	configPath string
	onChange   func(*Config)
}

// Option Manager构造选项
type Option func(*Manager)

// WithConfigPath 指定配置文件路径；为空则只用默认值和环境变量
func WithConfigPath(path string) Option {
	return func(m *Manager) {
		m.configPath = path
	}
}

// WithOnChange 注册配置热加载回调
func WithOnChange(fn func(*Config)) Option {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置：默认值 < 配置文件 < RELAY_*环境变量
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if m.configPath != "" {
		v.SetConfigFile(m.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", m.configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.v = v
	m.config = cfg
	return cfg, nil
}

// Get 返回已加载的配置，未加载则执行Load
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()

	return m.Load()
}

// Watch 开启配置文件变更监控，变更后重新加载并触发回调。
// 加载失败时保留旧配置。
func (m *Manager) Watch() {
	m.mu.RLock()
	v := m.v
	m.mu.RUnlock()
	if v == nil || m.configPath == "" {
		return
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg := &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			return
		}
		if err := cfg.Validate(); err != nil {
			return
		}

		m.mu.Lock()
		m.config = cfg
		m.mu.Unlock()

		if m.onChange != nil {
			m.onChange(cfg)
		}
	})
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if !strings.HasPrefix(c.Server.MediaPath, "/") {
		return fmt.Errorf("server.media_path must start with /: %q", c.Server.MediaPath)
	}
	if c.Session.EventBuffer <= 0 {
		return fmt.Errorf("session.event_buffer must be positive: %d", c.Session.EventBuffer)
	}
	if c.Database.DSN != "" && c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("database.max_conns %d below min_conns %d",
			c.Database.MaxConns, c.Database.MinConns)
	}
	return nil
}
