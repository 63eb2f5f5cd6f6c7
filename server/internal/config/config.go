package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Ledger   LedgerConfig   `yaml:"ledger" toml:"ledger"`
	Bus      BusConfig      `yaml:"bus" toml:"bus"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	Presence PresenceConfig `yaml:"presence" toml:"presence"`
	Events   EventsConfig   `yaml:"events" toml:"events"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

type ServerConfig struct {
	Host            string   `yaml:"host" toml:"host"`
	Port            int      `yaml:"port" toml:"port"`
	NodeID          string   `yaml:"node_id" toml:"node_id"` // 为空时启动时生成
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// Addr 监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GatewayConfig WebSocket 连接与消息处理参数
type GatewayConfig struct {
	ReadTimeout    Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout" toml:"write_timeout"`
	PingInterval   Duration `yaml:"ping_interval" toml:"ping_interval"`
	HandleTimeout  Duration `yaml:"handle_timeout" toml:"handle_timeout"`
	IdleTimeout    Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepInterval  Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	SlowMessage    Duration `yaml:"slow_message" toml:"slow_message"`
	SendQueue      int      `yaml:"send_queue" toml:"send_queue"`
	MaxMessageSize int64    `yaml:"max_message_size" toml:"max_message_size"`

	RequireAuth       bool    `yaml:"require_auth" toml:"require_auth"`
	AnonymousWrite    bool    `yaml:"anonymous_write" toml:"anonymous_write"`
	MaxConnections    int     `yaml:"max_connections" toml:"max_connections"`
	MaxPerUser        int     `yaml:"max_per_user" toml:"max_per_user"`
	MessagesPerSecond float64 `yaml:"messages_per_second" toml:"messages_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
}

// LedgerConfig 文档存储：memory 或 sql（sqlite:// / postgres://）
type LedgerConfig struct {
	Driver      string `yaml:"driver" toml:"driver"`
	URL         string `yaml:"url" toml:"url"`
	AutoMigrate bool   `yaml:"auto_migrate" toml:"auto_migrate"`
}

// BusConfig 跨进程广播：local 或 redis
type BusConfig struct {
	Driver         string   `yaml:"driver" toml:"driver"`
	RedisURL       string   `yaml:"redis_url" toml:"redis_url"`
	Prefix         string   `yaml:"prefix" toml:"prefix"`
	Partitions     int      `yaml:"partitions" toml:"partitions"`
	OutboxCapacity int      `yaml:"outbox_capacity" toml:"outbox_capacity"`
	PublishTimeout Duration `yaml:"publish_timeout" toml:"publish_timeout"`
}

// CacheConfig 快照读缓存：none、memory 或 redis
type CacheConfig struct {
	Driver   string   `yaml:"driver" toml:"driver"`
	RedisURL string   `yaml:"redis_url" toml:"redis_url"`
	TTL      Duration `yaml:"ttl" toml:"ttl"`
}

type PresenceConfig struct {
	TTL Duration `yaml:"ttl" toml:"ttl"`
}

type EventsConfig struct {
	Buffer int `yaml:"buffer" toml:"buffer"`
}

// LoggingConfig 对应 glog 的 -v 与 -log_dir
type LoggingConfig struct {
	Verbosity int    `yaml:"verbosity" toml:"verbosity"`
	Dir       string `yaml:"dir" toml:"dir"`
}

const (
	DriverMemory = "memory"
	DriverSQL    = "sql"
	DriverLocal  = "local"
	DriverRedis  = "redis"
	DriverNone   = "none"
)

// Default 返回单进程、纯内存的默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(15 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Gateway: GatewayConfig{
			ReadTimeout:    Duration(60 * time.Second),
			WriteTimeout:   Duration(10 * time.Second),
			PingInterval:   Duration(30 * time.Second),
			HandleTimeout:  Duration(10 * time.Second),
			SweepInterval:  Duration(30 * time.Second),
			SlowMessage:    Duration(500 * time.Millisecond),
			SendQueue:      256,
			MaxMessageSize: 1 << 20,
			AnonymousWrite: true,
		},
		Ledger:   LedgerConfig{Driver: DriverMemory},
		Bus:      BusConfig{Driver: DriverLocal, Prefix: "sheetsync:", Partitions: 16, OutboxCapacity: 1024, PublishTimeout: Duration(5 * time.Second)},
		Cache:    CacheConfig{Driver: DriverMemory, TTL: Duration(time.Minute)},
		Presence: PresenceConfig{TTL: Duration(5 * time.Minute)},
		Events:   EventsConfig{Buffer: 64},
	}
}

// Load 从文件加载配置；按扩展名选择 YAML 或 TOML，文件中缺省的项保留默认值。
func Load(path string) (*Config, error) {
	glog.Infof("[Config] loading config from %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnv()

	glog.Infof("[Config] server=%s ledger=%s bus=%s cache=%s require_auth=%v",
		cfg.Server.Addr(), cfg.Ledger.Driver, cfg.Bus.Driver, cfg.Cache.Driver, cfg.Gateway.RequireAuth)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// ApplyEnv 用环境变量覆盖敏感信息与外部地址
func (c *Config) ApplyEnv() {
	if secret := os.Getenv("SHEETSYNC_JWT_SECRET"); secret != "" {
		glog.Infof("[Config] using SHEETSYNC_JWT_SECRET from environment")
		c.Auth.JWTSecret = secret
	}
	if url := os.Getenv("SHEETSYNC_REDIS_URL"); url != "" {
		glog.Infof("[Config] using SHEETSYNC_REDIS_URL from environment")
		c.Bus.RedisURL = url
		c.Cache.RedisURL = url
	}
	if url := os.Getenv("SHEETSYNC_DATABASE_URL"); url != "" {
		glog.Infof("[Config] using SHEETSYNC_DATABASE_URL from environment")
		c.Ledger.Driver = DriverSQL
		c.Ledger.URL = url
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	switch c.Ledger.Driver {
	case DriverMemory:
	case DriverSQL:
		if c.Ledger.URL == "" {
			return fmt.Errorf("ledger url is required for the sql driver (set SHEETSYNC_DATABASE_URL or ledger.url)")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}

	switch c.Bus.Driver {
	case DriverLocal:
	case DriverRedis:
		if c.Bus.RedisURL == "" {
			return fmt.Errorf("bus redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}

	switch c.Cache.Driver {
	case DriverNone, DriverMemory:
	case DriverRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}

	if c.Gateway.RequireAuth && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required when gateway.require_auth is set")
	}
	if c.Gateway.MessagesPerSecond < 0 || c.Gateway.Burst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

// Duration 可写成 "30s" 这类字符串的时长
type Duration time.Duration

// D 转换为 time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
