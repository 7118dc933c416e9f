// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// ダイジェスト間隔の上下限のみ、site_settingsテーブルの値が実行時に優先される。
type Config struct {
	// Database
	DatabaseURL string

	// Redis（配信台帳）
	RedisURL string

	// Digest
	DigestMinIntervalDays int
	DigestMaxIntervalDays int
	DigestBatchSize       int
	DigestMaxConcurrent   int
	DigestPassInterval    time.Duration

	// Delivery
	SMTPAddr          string
	SMTPUsername      string
	SMTPPassword      string
	MailFrom          string
	DeliveryRate      float64 // 送信レート（通/秒）
	DeliveryBurst     int
	UnsubscribeSecret string

	// Server
	ServerPort string
	BaseURL    string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	cfg.SMTPAddr = os.Getenv("SMTP_ADDR")
	if cfg.SMTPAddr == "" {
		missing = append(missing, "SMTP_ADDR")
	}

	cfg.MailFrom = os.Getenv("MAIL_FROM")
	if cfg.MailFrom == "" {
		missing = append(missing, "MAIL_FROM")
	}

	cfg.UnsubscribeSecret = os.Getenv("UNSUBSCRIBE_SECRET")
	if cfg.UnsubscribeSecret == "" {
		missing = append(missing, "UNSUBSCRIBE_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DigestMinIntervalDays = getEnvInt("DIGEST_MIN_INTERVAL_DAYS", 2)
	cfg.DigestMaxIntervalDays = getEnvInt("DIGEST_MAX_INTERVAL_DAYS", 10)
	cfg.DigestBatchSize = getEnvInt("DIGEST_BATCH_SIZE", 200)
	cfg.DigestMaxConcurrent = getEnvInt("DIGEST_MAX_CONCURRENT", 10)
	cfg.DigestPassInterval = getEnvDuration("DIGEST_PASS_INTERVAL", 24*time.Hour)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.DeliveryRate = getEnvFloat("DELIVERY_RATE", 10)
	cfg.DeliveryBurst = getEnvInt("DELIVERY_BURST", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	if cfg.DigestMinIntervalDays < 1 {
		return nil, fmt.Errorf("DIGEST_MIN_INTERVAL_DAYS must be >= 1, got %d", cfg.DigestMinIntervalDays)
	}
	if cfg.DigestMaxIntervalDays < cfg.DigestMinIntervalDays {
		return nil, fmt.Errorf("DIGEST_MAX_INTERVAL_DAYS must be >= DIGEST_MIN_INTERVAL_DAYS, got %d < %d",
			cfg.DigestMaxIntervalDays, cfg.DigestMinIntervalDays)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
