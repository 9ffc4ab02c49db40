package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	// DatabaseDriver 决定账户库以及默认的消息日志后端：sqlite | postgres。
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseDSN    string `yaml:"database_dsn"`
	SQLitePath     string `yaml:"sqlite_path"`
	// MessageStore 为空时消息日志与账户共用数据库；redis 时消息日志放在 Redis。
	MessageStore string `yaml:"message_store"`
	RedisURL     string `yaml:"redis_url"`

	JWTSecret             string `yaml:"jwt_secret"`
	AccessTokenTTLMinutes int    `yaml:"access_token_ttl_minutes"`
	RefreshTokenTTLDays   int    `yaml:"refresh_token_ttl_days"`

	OperatorIdentity string `yaml:"operator_identity"`

	PingPeriodSeconds   int     `yaml:"ping_period_seconds"`
	PongWaitSeconds     int     `yaml:"pong_wait_seconds"`
	StoreTimeoutSeconds int     `yaml:"store_timeout_seconds"`
	SendBuffer          int     `yaml:"send_buffer"`
	MessageRate         float64 `yaml:"message_rate"`
	MessageBurst        int     `yaml:"message_burst"`

	// HistoryLimit 为每个房间保留的最大消息数，0 表示不裁剪。
	HistoryLimit             int `yaml:"history_limit"`
	RetentionIntervalMinutes int `yaml:"retention_interval_minutes"`
}

// Defaults 返回本地开发可直接运行的默认配置（嵌入式 SQLite）。
func Defaults() Config {
	return Config{
		Port:                     "8080",
		Env:                      "dev",
		LogLevel:                 "info",
		DatabaseDriver:           "sqlite",
		DatabaseDSN:              "host=localhost user=postgres password=postgres dbname=chatroom port=5432 sslmode=disable TimeZone=UTC",
		SQLitePath:               "./data/chatroom.db",
		RedisURL:                 "redis://localhost:6379/0",
		JWTSecret:                defaultJWTSecret,
		AccessTokenTTLMinutes:    15,
		RefreshTokenTTLDays:      7,
		OperatorIdentity:         "operator",
		PingPeriodSeconds:        30,
		PongWaitSeconds:          60,
		StoreTimeoutSeconds:      5,
		SendBuffer:               256,
		MessageRate:              5,
		MessageBurst:             10,
		HistoryLimit:             0,
		RetentionIntervalMinutes: 10,
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func getenvFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// LoadFile 依次叠加：默认值 → YAML 文件（path 非空时）→ 环境变量（含 .env）。
func LoadFile(path string) (Config, error) {
	// .env 可选，不存在时忽略。
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getenv("APP_PORT", cfg.Port)
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseDriver = getenv("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabaseDSN = getenv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.SQLitePath = getenv("SQLITE_PATH", cfg.SQLitePath)
	cfg.MessageStore = getenv("MESSAGE_STORE", cfg.MessageStore)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = getenv("JWT_SECRET", cfg.JWTSecret)
	cfg.AccessTokenTTLMinutes = getenvInt("ACCESS_TOKEN_TTL_MINUTES", cfg.AccessTokenTTLMinutes)
	cfg.RefreshTokenTTLDays = getenvInt("REFRESH_TOKEN_TTL_DAYS", cfg.RefreshTokenTTLDays)
	cfg.OperatorIdentity = getenv("OPERATOR_IDENTITY", cfg.OperatorIdentity)
	cfg.PingPeriodSeconds = getenvInt("WS_PING_PERIOD_SECONDS", cfg.PingPeriodSeconds)
	cfg.PongWaitSeconds = getenvInt("WS_PONG_WAIT_SECONDS", cfg.PongWaitSeconds)
	cfg.StoreTimeoutSeconds = getenvInt("STORE_TIMEOUT_SECONDS", cfg.StoreTimeoutSeconds)
	cfg.SendBuffer = getenvInt("WS_SEND_BUFFER", cfg.SendBuffer)
	cfg.MessageRate = getenvFloat("WS_MESSAGE_RATE", cfg.MessageRate)
	cfg.MessageBurst = getenvInt("WS_MESSAGE_BURST", cfg.MessageBurst)
	cfg.HistoryLimit = getenvInt("HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.RetentionIntervalMinutes = getenvInt("RETENTION_INTERVAL_MINUTES", cfg.RetentionIntervalMinutes)
}

// Validate 在启动前检查配置组合是否可用。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port is required")
	}
	switch cfg.DatabaseDriver {
	case "sqlite":
		if cfg.SQLitePath == "" {
			return errors.New("sqlite path is required")
		}
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return errors.New("database dsn is required")
		}
	default:
		return fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
	switch cfg.MessageStore {
	case "":
	case "redis":
		if cfg.RedisURL == "" {
			return errors.New("redis url is required for the redis message store")
		}
	default:
		return fmt.Errorf("unknown message store %q", cfg.MessageStore)
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("jwt secret must be changed outside dev")
	}
	if cfg.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if cfg.OperatorIdentity == "" {
		return errors.New("operator identity is required")
	}
	if cfg.PongWaitSeconds > 0 && cfg.PingPeriodSeconds >= cfg.PongWaitSeconds {
		return errors.New("ping period must be shorter than pong wait")
	}
	return nil
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

func (c Config) PingPeriod() time.Duration   { return seconds(c.PingPeriodSeconds, 30) }
func (c Config) PongWait() time.Duration     { return seconds(c.PongWaitSeconds, 60) }
func (c Config) StoreTimeout() time.Duration { return seconds(c.StoreTimeoutSeconds, 5) }

func (c Config) RetentionInterval() time.Duration {
	if c.RetentionIntervalMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.RetentionIntervalMinutes) * time.Minute
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLDays) * 24 * time.Hour
}
