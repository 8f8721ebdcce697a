package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	Messages    MessagesConfig    `mapstructure:"messages"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	Moderation  ModerationConfig  `mapstructure:"moderation"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Authz       AuthzConfig       `mapstructure:"authz"`
	Directory   DirectoryConfig   `mapstructure:"directory"`
	Events      EventsConfig      `mapstructure:"events"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type         string `mapstructure:"type"` // sqlite, postgres, memory
	DSN          string `mapstructure:"dsn"`
	LogLevel     string `mapstructure:"log_level"` // silent, error, warn, info
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DeliveryConfig 投递协调器配置
type DeliveryConfig struct {
	QueueSize int `mapstructure:"queue_size"` // 单会话队列容量
}

// MessagesConfig 消息约束
type MessagesConfig struct {
	MaxContentLength int `mapstructure:"max_content_length"` // 按字符计
	MaxAttachments   int `mapstructure:"max_attachments"`
	DefaultPageSize  int `mapstructure:"default_page_size"`
	MaxPageSize      int `mapstructure:"max_page_size"`
	ThreadPageSize   int `mapstructure:"thread_page_size"`
	MaxBatchSize     int `mapstructure:"max_batch_size"`
}

// AttachmentsConfig 附件上传配置
type AttachmentsConfig struct {
	StorageDir    string        `mapstructure:"storage_dir"` // 为空时使用内存存储
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`
	MaxSize       int64         `mapstructure:"max_size"`
}

// ModerationConfig 监管配置
type ModerationConfig struct {
	AnalyticsTTL time.Duration `mapstructure:"analytics_ttl"`
	SearchLimit  int           `mapstructure:"search_limit"`
}

// CacheConfig 统计缓存后端
type CacheConfig struct {
	Backend       string `mapstructure:"backend"` // memory, redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// AuthzConfig 权限表配置
type AuthzConfig struct {
	File  string `mapstructure:"file"` // 为空时使用内置权限表
	Watch bool   `mapstructure:"watch"`
}

// DirectoryConfig 用户目录配置
type DirectoryConfig struct {
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"`
}

// EventsConfig 事件总线配置
type EventsConfig struct {
	BufferSize int    `mapstructure:"buffer_size"`
	WALDir     string `mapstructure:"wal_dir"` // 为空时不落盘
}

// RateLimitConfig 发送限流
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// RetentionConfig 会话回收标记任务
type RetentionConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"` // cron 表达式
}

// GRPCConfig 健康检查 gRPC 端口
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// EnvPrefix 环境变量前缀
const EnvPrefix = "MESSAGING"

// Load 加载配置
//
// 优先级 (低 → 高): 默认值 → 全局 ~/.ngoclaw/messaging.yaml → 项目本地 → 显式文件 → 环境变量
func Load(explicitPath string) (*Config, error) {
	// .env 仅补充尚未设置的环境变量
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("messaging")
	v.SetConfigType("yaml")

	// Layer 1: 全局配置
	v.AddConfigPath(HomeDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: 项目本地配置，只取第一个找到的
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			if err := mergeFile(v, localPath); err != nil {
				return nil, err
			}
			break
		}
	}

	// Layer 3: 命令行显式指定
	if explicitPath != "" {
		if err := mergeFile(v, explicitPath); err != nil {
			return nil, err
		}
	}

	// 环境变量覆盖，例如 MESSAGING_DATABASE_DSN
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeFile(v *viper.Viper, path string) error {
	v2 := viper.New()
	v2.SetConfigFile(path)
	if err := v2.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return v.MergeConfigMap(v2.AllSettings())
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache backend: %s", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for redis backend")
	}
	if c.Messages.MaxContentLength <= 0 || c.Messages.MaxAttachments < 0 {
		return fmt.Errorf("invalid message limits")
	}
	if c.Messages.DefaultPageSize <= 0 || c.Messages.MaxPageSize < c.Messages.DefaultPageSize {
		return fmt.Errorf("invalid page sizes")
	}
	if c.Attachments.UploadTimeout <= 0 {
		return fmt.Errorf("attachments.upload_timeout must be positive")
	}
	if c.Moderation.AnalyticsTTL <= 0 {
		return fmt.Errorf("moderation.analytics_ttl must be positive")
	}
	if c.Retention.Enabled && !gronx.New().IsValid(c.Retention.Schedule) {
		return fmt.Errorf("invalid retention schedule: %q", c.Retention.Schedule)
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("ratelimit.rps and ratelimit.burst must be positive")
	}
	return nil
}

// Addr 返回 HTTP 监听地址
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	// Server 默认值
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 18790)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database 默认值
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "messaging.db")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.max_open_conns", 10)

	// Log 默认值
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("delivery.queue_size", 256)

	// Messages 默认值
	v.SetDefault("messages.max_content_length", 10000)
	v.SetDefault("messages.max_attachments", 10)
	v.SetDefault("messages.default_page_size", 50)
	v.SetDefault("messages.max_page_size", 200)
	v.SetDefault("messages.thread_page_size", 100)
	v.SetDefault("messages.max_batch_size", 100)

	v.SetDefault("attachments.storage_dir", "")
	v.SetDefault("attachments.upload_timeout", "30s")
	v.SetDefault("attachments.max_size", 25<<20)

	v.SetDefault("moderation.analytics_ttl", "60s")
	v.SetDefault("moderation.search_limit", 50)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.key_prefix", "messaging:analytics:")

	v.SetDefault("authz.watch", true)
	v.SetDefault("directory.watch", true)

	v.SetDefault("events.buffer_size", 1000)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rps", 5)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.schedule", "0 3 * * *")

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.port", 50061)
}

// Default 返回仅含默认值的配置（测试与 CLI 离线命令使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
