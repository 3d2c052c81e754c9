package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Job source backends.
const (
	SchedulerSQLite = "sqlite"
	SchedulerRedis  = "redis"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Log       LogConfig
	Store     StoreConfig
	Renderer  RendererConfig
	Poller    PollerConfig
	Scheduler SchedulerConfig
	Redis     RedisConfig
	SMTP      SMTPConfig
	Auth      AuthConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type StoreConfig struct {
	Path           string
	StoreArtifacts bool
}

// RendererConfig controls the headless browser.
type RendererConfig struct {
	Backend              string
	ChromiumPath         string
	Headless             bool
	NoSandbox            bool
	SkipTLSVerify        bool
	DeviceScaleFactor    float64
	CaptureMode          string
	WaitTimeout          time.Duration
	RenderTimeout        time.Duration
	MaxConcurrentRenders int
}

type PollerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type SchedulerConfig struct {
	Source   string
	LeaseTTL time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type SMTPConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	From           string
	UseTLS         bool
	AllowedDomains []string
}

// AuthConfig names the session cookie forwarded from API callers to the browser.
type AuthConfig struct {
	SessionCookie string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = strings.TrimRight(v.GetString("API_PREFIX"), "/")

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Store = StoreConfig{
		Path:           v.GetString("STORE_PATH"),
		StoreArtifacts: v.GetBool("STORE_ARTIFACTS"),
	}

	cfg.Renderer = RendererConfig{
		Backend:              v.GetString("RENDERER_BACKEND"),
		ChromiumPath:         v.GetString("RENDERER_CHROMIUM_PATH"),
		Headless:             v.GetBool("RENDERER_HEADLESS"),
		NoSandbox:            v.GetBool("RENDERER_NO_SANDBOX"),
		SkipTLSVerify:        v.GetBool("RENDERER_SKIP_TLS_VERIFY"),
		DeviceScaleFactor:    v.GetFloat64("RENDERER_DEVICE_SCALE_FACTOR"),
		CaptureMode:          v.GetString("RENDERER_CAPTURE_MODE"),
		WaitTimeout:          parseDuration(v.GetString("RENDERER_WAIT_TIMEOUT"), 60*time.Second),
		RenderTimeout:        parseDuration(v.GetString("RENDERER_RENDER_TIMEOUT"), 5*time.Minute),
		MaxConcurrentRenders: v.GetInt("RENDERER_MAX_CONCURRENT"),
	}

	cfg.Poller = PollerConfig{
		Enabled:  v.GetBool("POLLER_ENABLED"),
		Interval: parseDuration(v.GetString("POLLER_INTERVAL"), 15*time.Second),
	}

	cfg.Scheduler = SchedulerConfig{
		Source:   strings.ToLower(v.GetString("SCHEDULER_SOURCE")),
		LeaseTTL: parseDuration(v.GetString("SCHEDULER_LEASE_TTL"), 10*time.Minute),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("REDIS_ADDR"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
		Prefix:   v.GetString("REDIS_PREFIX"),
	}

	cfg.SMTP = SMTPConfig{
		Host:           v.GetString("SMTP_HOST"),
		Port:           v.GetInt("SMTP_PORT"),
		Username:       v.GetString("SMTP_USERNAME"),
		Password:       v.GetString("SMTP_PASSWORD"),
		From:           v.GetString("SMTP_FROM"),
		UseTLS:         v.GetBool("SMTP_USE_TLS"),
		AllowedDomains: splitAndTrim(v.GetString("SMTP_ALLOWED_DOMAINS")),
	}

	cfg.Auth = AuthConfig{SessionCookie: v.GetString("AUTH_SESSION_COOKIE")}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/reporting")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STORE_PATH", "reports.db")
	v.SetDefault("STORE_ARTIFACTS", true)

	v.SetDefault("RENDERER_BACKEND", "chromium")
	v.SetDefault("RENDERER_HEADLESS", true)
	v.SetDefault("RENDERER_NO_SANDBOX", false)
	v.SetDefault("RENDERER_DEVICE_SCALE_FACTOR", 1.0)
	v.SetDefault("RENDERER_CAPTURE_MODE", "full")
	v.SetDefault("RENDERER_MAX_CONCURRENT", 2)

	v.SetDefault("POLLER_ENABLED", true)

	v.SetDefault("SCHEDULER_SOURCE", SchedulerSQLite)

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "reports")

	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USE_TLS", true)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
