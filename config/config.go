package config

import (
	"fmt"
	"math"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	pkgconfig "github.com/mjasion/balena-home/office-status/pkg/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config holds all configuration parameters for the office light monitor
type Config struct {
	// Sensor configuration
	Pin                  ID      `yaml:"pin" json:"pin" env:"GPIO_PIN" env-default:"GPIO4"`
	Cycles               int     `yaml:"cycles" json:"cycles" env:"SAMPLE_CYCLES" env-default:"10"`
	Blackpoint           float64 `yaml:"blackpoint" json:"blackpoint" env:"BLACKPOINT" env-default:"3"`
	SleepSeconds         float64 `yaml:"sleep" json:"sleep" env:"SLEEP_SECONDS" env-default:"300"`
	SampleTimeoutSeconds float64 `yaml:"sampleTimeoutSeconds" json:"sampleTimeoutSeconds" env:"SAMPLE_TIMEOUT_SECONDS" env-default:"1"`
	SettleMillis         int     `yaml:"settleMillis" json:"settleMillis" env:"SETTLE_MILLIS" env-default:"100"`
	Mode                 string  `yaml:"mode" json:"mode" env:"SAMPLE_MODE" env-default:"poll"`
	Simulate             bool    `yaml:"simulate" json:"simulate" env:"SIMULATE"`

	// Webhook configuration
	Webhook               string    `yaml:"webhook" json:"webhook" env:"WEBHOOK_URL"`
	Bot                   BotConfig `yaml:"bot" json:"bot"`
	MessageID             ID        `yaml:"message_id" json:"message_id" env:"MESSAGE_ID"`
	MessagePrefix         string    `yaml:"messagePrefix" json:"messagePrefix" env:"MESSAGE_PREFIX" env-default:"someone is in the office"`
	MaxErrors             int       `yaml:"maxErrors" json:"maxErrors" env:"MAX_ERRORS" env-default:"100"`
	RequestTimeoutSeconds float64   `yaml:"requestTimeoutSeconds" json:"requestTimeoutSeconds" env:"REQUEST_TIMEOUT_SECONDS" env-default:"10"`
	RefreshSchedule       string    `yaml:"refreshSchedule" json:"refreshSchedule" env:"REFRESH_SCHEDULE"`

	// Runtime state (message id, error count), relative to the config file
	StateFile string `yaml:"stateFile" json:"stateFile" env:"STATE_FILE" env-default:"state.json"`

	// Health check configuration
	HealthCheckPort    int  `yaml:"healthCheckPort" json:"healthCheckPort" env:"HEALTH_CHECK_PORT" env-default:"8080"`
	DisableHealthCheck bool `yaml:"disableHealthCheck" json:"disableHealthCheck" env:"DISABLE_HEALTH_CHECK"`

	Prometheus PrometheusConfig `yaml:"prometheus" json:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt" json:"mqtt"`

	// Logging configuration
	Logging pkgconfig.LoggingConfig `yaml:"logging" json:"logging"`

	// OpenTelemetry configuration
	OpenTelemetry pkgconfig.OpenTelemetryConfig `yaml:"opentelemetry" json:"opentelemetry"`

	// Profiling configuration
	Profiling pkgconfig.ProfilingConfig `yaml:"profiling" json:"profiling"`

	path string
}

// BotConfig is the identity the status message is posted under
type BotConfig struct {
	Username  string `yaml:"username" json:"username" env:"BOT_USERNAME"`
	AvatarURL string `yaml:"avatar_url" json:"avatar_url" env:"BOT_AVATAR_URL"`
}

// PrometheusConfig contains remote_write push configuration. An empty URL
// disables pushing.
type PrometheusConfig struct {
	URL                 string `yaml:"prometheusUrl" json:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username            string `yaml:"prometheusUsername" json:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" json:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" json:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"60"`
	BufferSize          int    `yaml:"bufferSize" json:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
}

// MQTTConfig contains occupancy publishing configuration. An empty broker
// disables publishing.
type MQTTConfig struct {
	Broker                string `yaml:"broker" json:"broker" env:"MQTT_BROKER"`
	ClientID              string `yaml:"clientId" json:"clientId" env:"MQTT_CLIENT_ID" env-default:"office-status"`
	Topic                 string `yaml:"topic" json:"topic" env:"MQTT_TOPIC" env-default:"office/occupancy"`
	Username              string `yaml:"username" json:"username" env:"MQTT_USERNAME"`
	Password              string `yaml:"password" json:"password" env:"MQTT_PASSWORD"`
	QoS                   int    `yaml:"qos" json:"qos" env:"MQTT_QOS" env-default:"1"`
	ConnectTimeoutSeconds int    `yaml:"connectTimeoutSeconds" json:"connectTimeoutSeconds" env:"MQTT_CONNECT_TIMEOUT_SECONDS" env-default:"10"`
}

// Load reads configuration from the specified file path and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}
	cfg.path = configPath

	if cfg.StateFile != "" && !filepath.IsAbs(cfg.StateFile) {
		cfg.StateFile = filepath.Join(filepath.Dir(configPath), cfg.StateFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Validate checks that all configuration parameters are valid
func (c *Config) Validate() error {
	if !c.Simulate && c.Pin == "" {
		return fmt.Errorf("pin is required unless simulate is set")
	}

	if c.Cycles < 1 {
		return fmt.Errorf("cycles must be at least 1, got %d", c.Cycles)
	}

	if math.IsNaN(c.Blackpoint) || math.IsInf(c.Blackpoint, 0) || c.Blackpoint < 0 {
		return fmt.Errorf("blackpoint must be a non-negative number, got %v", c.Blackpoint)
	}

	if c.SleepSeconds <= 0 {
		return fmt.Errorf("sleep must be positive, got %v", c.SleepSeconds)
	}

	if c.SampleTimeoutSeconds <= 0 {
		return fmt.Errorf("sampleTimeoutSeconds must be positive, got %v", c.SampleTimeoutSeconds)
	}

	if c.SettleMillis < 0 {
		return fmt.Errorf("settleMillis cannot be negative, got %d", c.SettleMillis)
	}

	c.Mode = strings.ToLower(c.Mode)
	if c.Mode != "poll" && c.Mode != "edge" {
		return fmt.Errorf("mode must be 'poll' or 'edge', got '%s'", c.Mode)
	}

	// The webhook may be left out for calibration-only setups; the run
	// command checks for it.
	if c.Webhook != "" {
		if err := validateHTTPURL(c.Webhook); err != nil {
			return fmt.Errorf("invalid webhook: %w", err)
		}
	}

	if c.MaxErrors < 1 {
		return fmt.Errorf("maxErrors must be at least 1, got %d", c.MaxErrors)
	}

	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("requestTimeoutSeconds must be positive, got %v", c.RequestTimeoutSeconds)
	}

	if c.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.RefreshSchedule); err != nil {
			return fmt.Errorf("invalid refreshSchedule: %w", err)
		}
	}

	if !c.DisableHealthCheck && (c.HealthCheckPort <= 0 || c.HealthCheckPort > 65535) {
		return fmt.Errorf("healthCheckPort must be between 1 and 65535, got %d", c.HealthCheckPort)
	}

	if c.Prometheus.URL != "" {
		if err := validateHTTPURL(c.Prometheus.URL); err != nil {
			return fmt.Errorf("invalid prometheusUrl: %w", err)
		}
		if c.Prometheus.PushIntervalSeconds <= 0 {
			return fmt.Errorf("pushIntervalSeconds must be positive, got %d", c.Prometheus.PushIntervalSeconds)
		}
		if c.Prometheus.BufferSize <= 0 {
			return fmt.Errorf("bufferSize must be positive, got %d", c.Prometheus.BufferSize)
		}
	}

	if c.MQTT.Broker != "" {
		if strings.TrimSpace(c.MQTT.Topic) == "" {
			return fmt.Errorf("mqtt topic cannot be empty")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
		if c.MQTT.ConnectTimeoutSeconds <= 0 {
			return fmt.Errorf("mqtt connectTimeoutSeconds must be positive, got %d", c.MQTT.ConnectTimeoutSeconds)
		}
	}

	// Validate logging configuration
	if err := pkgconfig.ValidateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}

	// Validate OpenTelemetry configuration
	if err := pkgconfig.ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}

	// Validate Profiling configuration
	if err := pkgconfig.ValidateProfiling(&c.Profiling); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Sleep is the pause between loop iterations.
func (c *Config) Sleep() time.Duration { return seconds(c.SleepSeconds) }

// SampleTimeout is the per-cycle charge deadline.
func (c *Config) SampleTimeout() time.Duration { return seconds(c.SampleTimeoutSeconds) }

func (c *Config) Settle() time.Duration { return time.Duration(c.SettleMillis) * time.Millisecond }

func (c *Config) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSeconds) }

// Redacted returns a copy of the config with sensitive fields redacted for logging
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"pin":                   c.Pin.String(),
		"cycles":                c.Cycles,
		"blackpoint":            c.Blackpoint,
		"sleep":                 c.SleepSeconds,
		"sampleTimeoutSeconds":  c.SampleTimeoutSeconds,
		"settleMillis":          c.SettleMillis,
		"mode":                  c.Mode,
		"simulate":              c.Simulate,
		"webhook":               redactWebhook(c.Webhook),
		"bot":                   map[string]interface{}{"username": c.Bot.Username, "avatar_url": c.Bot.AvatarURL},
		"message_id":            c.MessageID.String(),
		"messagePrefix":         c.MessagePrefix,
		"maxErrors":             c.MaxErrors,
		"requestTimeoutSeconds": c.RequestTimeoutSeconds,
		"refreshSchedule":       c.RefreshSchedule,
		"stateFile":             c.StateFile,
		"healthCheckPort":       c.HealthCheckPort,
		"disableHealthCheck":    c.DisableHealthCheck,
		"prometheus": map[string]interface{}{
			"prometheusUrl":       redactURL(c.Prometheus.URL),
			"prometheusUsername":  c.Prometheus.Username,
			"prometheusPassword":  "***",
			"pushIntervalSeconds": c.Prometheus.PushIntervalSeconds,
			"bufferSize":          c.Prometheus.BufferSize,
		},
		"mqtt": map[string]interface{}{
			"broker":   redactURL(c.MQTT.Broker),
			"clientId": c.MQTT.ClientID,
			"topic":    c.MQTT.Topic,
			"username": c.MQTT.Username,
			"password": "***",
			"qos":      c.MQTT.QoS,
		},
		"logging": map[string]interface{}{
			"logFormat": c.Logging.Format,
			"logLevel":  c.Logging.Level,
			"file":      c.Logging.File,
		},
		"opentelemetry": map[string]interface{}{
			"enabled":     c.OpenTelemetry.Enabled,
			"serviceName": c.OpenTelemetry.ServiceName,
		},
		"profiling": map[string]interface{}{
			"enabled":         c.Profiling.Enabled,
			"applicationName": c.Profiling.ApplicationName,
		},
	}
}

// NewLogger creates a zap logger based on the configuration. The close func
// must be called on exit.
func (c *Config) NewLogger() (*zap.Logger, func() error, error) {
	return pkgconfig.NewLogger(&c.Logging)
}

// PrintConfig prints the configuration (masking sensitive fields)
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded",
		zap.String("config_path", c.path),
		zap.String("pin", c.Pin.String()),
		zap.Int("cycles", c.Cycles),
		zap.Float64("blackpoint", c.Blackpoint),
		zap.Float64("sleep_seconds", c.SleepSeconds),
		zap.Float64("sample_timeout_seconds", c.SampleTimeoutSeconds),
		zap.String("mode", c.Mode),
		zap.Bool("simulate", c.Simulate),
		zap.String("webhook", redactWebhook(c.Webhook)),
		zap.String("bot_username", c.Bot.Username),
		zap.String("message_id", c.MessageID.String()),
		zap.Int("max_errors", c.MaxErrors),
		zap.String("refresh_schedule", c.RefreshSchedule),
		zap.String("state_file", c.StateFile),
		zap.Int("health_check_port", c.HealthCheckPort),
		zap.Bool("health_check_disabled", c.DisableHealthCheck),
		zap.Bool("prometheus_enabled", c.Prometheus.URL != ""),
		zap.Bool("mqtt_enabled", c.MQTT.Broker != ""),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
	)
}

// redactURL removes credentials from URLs for logging
func redactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}

// redactWebhook hides the webhook token, which is the last path segment.
func redactWebhook(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if i := strings.LastIndex(u.Path, "/"); i >= 0 && i < len(u.Path)-1 {
		u.Path = u.Path[:i+1] + "***"
	}
	u.RawQuery = ""
	return u.String()
}
