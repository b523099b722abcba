package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// MinPeriodicInterval 周期同步的最小间隔
	MinPeriodicInterval = 15 * time.Minute
	// MinSyncedRetention 已同步记录至少保留 7 天
	MinSyncedRetention = 7 * 24 * time.Hour
	// MinFailedRetention 重试耗尽的记录至少保留 30 天
	MinFailedRetention = 30 * 24 * time.Hour
)

// Config 全局配置结构
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Submission  SubmissionConfig  `mapstructure:"submission"`
	Device      DeviceConfig      `mapstructure:"device"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver       string       `mapstructure:"driver"`
	SQLite       SQLiteConfig `mapstructure:"sqlite"`
	MySQL        MySQLConfig  `mapstructure:"mysql"`
	MaxOpenConns int          `mapstructure:"max_open_conns"`
	MaxIdleConns int          `mapstructure:"max_idle_conns"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Submission string `mapstructure:"submission"`
	Conflict   string `mapstructure:"conflict"`
}

type SubmissionConfig struct {
	Transport string        `mapstructure:"transport"`
	Endpoint  string        `mapstructure:"endpoint"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type DeviceConfig struct {
	ID         string `mapstructure:"id"`
	StoreID    string `mapstructure:"store_id"`
	BatteryLow bool   `mapstructure:"battery_low"`
	WorkerID   int64  `mapstructure:"worker_id"`
}

type SyncConfig struct {
	PeriodicInterval       time.Duration `mapstructure:"periodic_interval"`
	PeriodicBatchSize      int           `mapstructure:"periodic_batch_size"`
	ImmediateBatchSize     int           `mapstructure:"immediate_batch_size"`
	PriorityBatchSize      int           `mapstructure:"priority_batch_size"`
	PeriodicBackoff        time.Duration `mapstructure:"periodic_backoff"`
	ImmediateBackoff       time.Duration `mapstructure:"immediate_backoff"`
	MaxBackoff             time.Duration `mapstructure:"max_backoff"`
	MaxRunRetries          int           `mapstructure:"max_run_retries"`
	StaleSyncingAfter      time.Duration `mapstructure:"stale_syncing_after"`
	ConstraintPollInterval time.Duration `mapstructure:"constraint_poll_interval"`
	RunTimeout             time.Duration `mapstructure:"run_timeout"`
	ConnectivityURL        string        `mapstructure:"connectivity_url"`
}

type MaintenanceConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	SyncedRetention time.Duration `mapstructure:"synced_retention"`
	FailedRetention time.Duration `mapstructure:"failed_retention"`
}

type QueueConfig struct {
	MaxSize     int     `mapstructure:"max_size"`
	LargeAmount float64 `mapstructure:"large_amount"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SlogLevel 将 log.level 转为 slog.Level，未知值按 info 处理
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8088)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "data/posqueue.db")
	v.SetDefault("database.mysql.host", "127.0.0.1")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.user", "root")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.database", "posqueue")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.submission", "pos-offline-transactions")
	v.SetDefault("kafka.topic.conflict", "pos-offline-conflicts")

	v.SetDefault("submission.transport", "http")
	v.SetDefault("submission.endpoint", "http://127.0.0.1:8080/api/v1/transactions")
	v.SetDefault("submission.api_key", "")
	v.SetDefault("submission.timeout", 30*time.Second)

	v.SetDefault("device.id", "pos-terminal")
	v.SetDefault("device.store_id", "")
	v.SetDefault("device.battery_low", false)
	v.SetDefault("device.worker_id", 1)

	v.SetDefault("sync.periodic_interval", MinPeriodicInterval)
	v.SetDefault("sync.periodic_batch_size", 10)
	v.SetDefault("sync.immediate_batch_size", 20)
	v.SetDefault("sync.priority_batch_size", 10)
	v.SetDefault("sync.periodic_backoff", 30*time.Second)
	v.SetDefault("sync.immediate_backoff", 10*time.Second)
	v.SetDefault("sync.max_backoff", 5*time.Hour)
	v.SetDefault("sync.max_run_retries", 5)
	v.SetDefault("sync.stale_syncing_after", 10*time.Minute)
	v.SetDefault("sync.constraint_poll_interval", 5*time.Second)
	v.SetDefault("sync.run_timeout", 10*time.Minute)
	v.SetDefault("sync.connectivity_url", "")

	v.SetDefault("maintenance.interval", 6*time.Hour)
	v.SetDefault("maintenance.synced_retention", MinSyncedRetention)
	v.SetDefault("maintenance.failed_retention", MinFailedRetention)

	v.SetDefault("queue.max_size", 500)
	v.SetDefault("queue.large_amount", 1000)

	v.SetDefault("log.level", "info")
}

// Default 只包含默认值的配置
func Default() *Config {
	cfg, err := load(viper.New(), "")
	if err != nil {
		// 默认值本身一定合法
		panic(err)
	}
	return cfg
}

// LoadConfig 加载配置文件，path 为空时只使用默认值和环境变量
//
// 环境变量前缀 POSQUEUE_，例如 POSQUEUE_SYNC_PERIODIC_BATCH_SIZE=20
func LoadConfig(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("POSQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if cfg.Sync.PeriodicInterval < MinPeriodicInterval {
		slog.Warn("sync.periodic_interval 小于最小值，已调整",
			"configured", cfg.Sync.PeriodicInterval, "min", MinPeriodicInterval)
		cfg.Sync.PeriodicInterval = MinPeriodicInterval
	}
	if cfg.Maintenance.SyncedRetention < MinSyncedRetention {
		slog.Warn("maintenance.synced_retention 小于最小值，已调整",
			"configured", cfg.Maintenance.SyncedRetention, "min", MinSyncedRetention)
		cfg.Maintenance.SyncedRetention = MinSyncedRetention
	}
	if cfg.Maintenance.FailedRetention < MinFailedRetention {
		slog.Warn("maintenance.failed_retention 小于最小值，已调整",
			"configured", cfg.Maintenance.FailedRetention, "min", MinFailedRetention)
		cfg.Maintenance.FailedRetention = MinFailedRetention
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			errs = append(errs, errors.New("database.sqlite.path 不能为空"))
		}
	case "mysql":
	default:
		errs = append(errs, fmt.Errorf("未知的 database.driver: %q", c.Database.Driver))
	}

	switch c.Submission.Transport {
	case "http":
		if c.Submission.Endpoint == "" {
			errs = append(errs, errors.New("submission.endpoint 不能为空"))
		}
	case "kafka":
		if !c.Kafka.Enabled {
			errs = append(errs, errors.New("submission.transport=kafka 需要 kafka.enabled=true"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 submission.transport: %q", c.Submission.Transport))
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers 不能为空"))
	}

	for name, size := range map[string]int{
		"sync.periodic_batch_size":  c.Sync.PeriodicBatchSize,
		"sync.immediate_batch_size": c.Sync.ImmediateBatchSize,
		"sync.priority_batch_size":  c.Sync.PriorityBatchSize,
		"queue.max_size":            c.Queue.MaxSize,
	} {
		if size <= 0 {
			errs = append(errs, fmt.Errorf("%s 必须为正数", name))
		}
	}

	if c.Submission.Timeout <= 0 {
		errs = append(errs, errors.New("submission.timeout 必须为正数"))
	}
	// 仍在提交中的记录不能被当作中断记录恢复
	if c.Sync.StaleSyncingAfter <= c.Submission.Timeout {
		errs = append(errs, fmt.Errorf("sync.stale_syncing_after (%s) 必须大于 submission.timeout (%s)",
			c.Sync.StaleSyncingAfter, c.Submission.Timeout))
	}
	if c.Maintenance.Interval <= 0 {
		errs = append(errs, errors.New("maintenance.interval 必须为正数"))
	}
	if c.Maintenance.SyncedRetention < MinSyncedRetention {
		errs = append(errs, fmt.Errorf("maintenance.synced_retention 不能小于 %s", MinSyncedRetention))
	}
	if c.Maintenance.FailedRetention < MinFailedRetention {
		errs = append(errs, fmt.Errorf("maintenance.failed_retention 不能小于 %s", MinFailedRetention))
	}
	if c.Sync.MaxRunRetries < 0 {
		errs = append(errs, errors.New("sync.max_run_retries 不能为负数"))
	}
	if c.Device.WorkerID < 0 || c.Device.WorkerID > 1023 {
		errs = append(errs, errors.New("device.worker_id 取值范围 0-1023"))
	}

	return errors.Join(errs...)
}

// DSN 拼接 MySQL DSN，统一使用 UTC 存储时间
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}
