// Package server provides configuration helpers that define runtime defaults,
// validation, and environment loading for the chatboard service.
package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// RateLimitConfig defines the parameters for per-connection inbound frame
// limiting on the WebSocket endpoint.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// HTTPRateLimitConfig bounds write requests per client IP.
type HTTPRateLimitConfig struct {
	RPS   float64
	Burst int
	// TrustedProxies lists peer addresses or CIDR ranges whose
	// X-Forwarded-For header identifies the client.
	TrustedProxies []string
}

// UploadConfig selects where image attachments are stored.
type UploadConfig struct {
	Dir        string
	MaxBytes   int64
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
}

// RealtimeConfig selects the broadcast transport. The first configured
// option wins: Redis, then Kafka, then the in-process broker.
type RealtimeConfig struct {
	Topic          string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	KafkaBrokers   []string
	Local          bool
	QueueSize      int
	PublishTimeout time.Duration
}

// Enabled reports whether any transport is configured.
func (c RealtimeConfig) Enabled() bool {
	return c.RedisAddr != "" || len(c.KafkaBrokers) > 0 || c.Local
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string
	Development bool
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	HTTPRateLimit   HTTPRateLimitConfig
	MaxListLimit    int
	Uploads         UploadConfig
	Realtime        RealtimeConfig
	Log             LogConfig
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
			"http://localhost:3000",
		},
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxMessageSize:  512,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		HTTPRateLimit: HTTPRateLimitConfig{
			RPS:   5,
			Burst: 20,
		},
		MaxListLimit: 500,
		Uploads: UploadConfig{
			Dir:      "uploads",
			MaxBytes: 5 << 20,
			S3Prefix: "uploads/",
		},
		Realtime: RealtimeConfig{
			Topic:          "message-channel",
			QueueSize:      256,
			PublishTimeout: 2 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()

	cfg.Port = normalizePort(cfg.Port)

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.HTTPRateLimit.RPS <= 0 {
		cfg.HTTPRateLimit.RPS = def.HTTPRateLimit.RPS
	}
	if cfg.HTTPRateLimit.Burst <= 0 {
		cfg.HTTPRateLimit.Burst = def.HTTPRateLimit.Burst
	}
	cfg.HTTPRateLimit.TrustedProxies = compact(cfg.HTTPRateLimit.TrustedProxies)

	if cfg.MaxListLimit <= 0 {
		cfg.MaxListLimit = def.MaxListLimit
	}

	if strings.TrimSpace(cfg.Uploads.Dir) == "" {
		cfg.Uploads.Dir = def.Uploads.Dir
	}
	if cfg.Uploads.MaxBytes <= 0 {
		cfg.Uploads.MaxBytes = def.Uploads.MaxBytes
	}

	if strings.TrimSpace(cfg.Realtime.Topic) == "" {
		cfg.Realtime.Topic = def.Realtime.Topic
	}
	if cfg.Realtime.QueueSize <= 0 {
		cfg.Realtime.QueueSize = def.Realtime.QueueSize
	}
	if cfg.Realtime.PublishTimeout <= 0 {
		cfg.Realtime.PublishTimeout = def.Realtime.PublishTimeout
	}
	cfg.Realtime.KafkaBrokers = compact(cfg.Realtime.KafkaBrokers)

	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = def.Log.Level
	}

	cfg.AllowedOrigins = compact(cfg.AllowedOrigins)
	return cfg
}

// normalizePort accepts "8080", ":8080" and "host:8080".
func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return ":8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return ":" + port
	}
	return port
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("server.port", def.Port)
	v.SetDefault("server.allowed_origins", def.AllowedOrigins)
	v.SetDefault("server.read_timeout", def.ReadTimeout)
	v.SetDefault("server.write_timeout", def.WriteTimeout)
	v.SetDefault("server.idle_timeout", def.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("server.rate_limit.rps", def.HTTPRateLimit.RPS)
	v.SetDefault("server.rate_limit.burst", def.HTTPRateLimit.Burst)
	v.SetDefault("server.trusted_proxies", "")

	v.SetDefault("ws.max_message_size", def.MaxMessageSize)
	v.SetDefault("ws.rate_limit.burst", def.RateLimit.Burst)
	v.SetDefault("ws.rate_limit.refill_interval", def.RateLimit.RefillInterval)

	v.SetDefault("store.max_list_limit", def.MaxListLimit)

	v.SetDefault("uploads.dir", def.Uploads.Dir)
	v.SetDefault("uploads.max_bytes", strconv.FormatInt(def.Uploads.MaxBytes, 10))
	v.SetDefault("uploads.s3_bucket", "")
	v.SetDefault("uploads.s3_region", "us-east-1")
	v.SetDefault("uploads.s3_endpoint", "")
	v.SetDefault("uploads.s3_prefix", def.Uploads.S3Prefix)

	v.SetDefault("realtime.topic", def.Realtime.Topic)
	v.SetDefault("realtime.redis_addr", "")
	v.SetDefault("realtime.redis_password", "")
	v.SetDefault("realtime.redis_db", 0)
	v.SetDefault("realtime.kafka_brokers", "")
	v.SetDefault("realtime.local", false)
	v.SetDefault("realtime.queue_size", def.Realtime.QueueSize)
	v.SetDefault("realtime.publish_timeout", def.Realtime.PublishTimeout)

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.development", false)
}

// LoadConfig reads configuration from defaults, an optional config file
// and CHATBOARD_* environment variables, in increasing precedence. Keys
// map to variables by upper-casing and replacing dots with underscores,
// e.g. realtime.redis_addr is CHATBOARD_REALTIME_REDIS_ADDR. PORT is also
// honored for the listen port.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.BindEnv("server.port", "CHATBOARD_SERVER_PORT", "PORT"); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	maxBytes, err := parseSize(v.GetString("uploads.max_bytes"))
	if err != nil {
		return Config{}, fmt.Errorf("uploads.max_bytes: %w", err)
	}

	cfg := Config{
		Port:            v.GetString("server.port"),
		AllowedOrigins:  stringList(v.Get("server.allowed_origins")),
		ReadTimeout:     v.GetDuration("server.read_timeout"),
		WriteTimeout:    v.GetDuration("server.write_timeout"),
		IdleTimeout:     v.GetDuration("server.idle_timeout"),
		ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		MaxMessageSize:  v.GetInt64("ws.max_message_size"),
		RateLimit: RateLimitConfig{
			Burst:          v.GetInt("ws.rate_limit.burst"),
			RefillInterval: v.GetDuration("ws.rate_limit.refill_interval"),
		},
		HTTPRateLimit: HTTPRateLimitConfig{
			RPS:            v.GetFloat64("server.rate_limit.rps"),
			Burst:          v.GetInt("server.rate_limit.burst"),
			TrustedProxies: stringList(v.Get("server.trusted_proxies")),
		},
		MaxListLimit: v.GetInt("store.max_list_limit"),
		Uploads: UploadConfig{
			Dir:        v.GetString("uploads.dir"),
			MaxBytes:   maxBytes,
			S3Bucket:   v.GetString("uploads.s3_bucket"),
			S3Region:   v.GetString("uploads.s3_region"),
			S3Endpoint: v.GetString("uploads.s3_endpoint"),
			S3Prefix:   v.GetString("uploads.s3_prefix"),
		},
		Realtime: RealtimeConfig{
			Topic:          v.GetString("realtime.topic"),
			RedisAddr:      v.GetString("realtime.redis_addr"),
			RedisPassword:  v.GetString("realtime.redis_password"),
			RedisDB:        v.GetInt("realtime.redis_db"),
			KafkaBrokers:   stringList(v.Get("realtime.kafka_brokers")),
			Local:          v.GetBool("realtime.local"),
			QueueSize:      v.GetInt("realtime.queue_size"),
			PublishTimeout: v.GetDuration("realtime.publish_timeout"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
	}

	return sanitizeConfig(cfg), nil
}

// stringList accepts either a list (config file) or a comma separated
// string (environment).
func stringList(raw interface{}) []string {
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		return compact(strings.Split(val, ","))
	case []string:
		return compact(val)
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return compact(out)
	default:
		return compact(strings.Split(fmt.Sprint(val), ","))
	}
}

// parseSize accepts plain byte counts and human sizes such as "5MB" or
// "5 MiB".
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
