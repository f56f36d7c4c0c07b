package acl

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rojolang/avs-acl-go/pkg/attachment"
	"github.com/rojolang/avs-acl-go/pkg/logging"
)

const (
	DefaultEndpoint       = "https://avs-alexa-na.amazon.com"
	DefaultDirectivesPath = "/v20160207/directives"
	DefaultPingPath       = "/ping"
)

type AuthConfig struct {
	// Token is a fixed bearer token; it wins over the other sources.
	Token         string            `yaml:"token"`
	TokenEndpoint string            `yaml:"token_endpoint"`
	Headers       map[string]string `yaml:"headers"`
	RefreshBuffer time.Duration     `yaml:"refresh_buffer"`
	// DevAPIKey signs short-lived HS256 tokens locally (test gateways only).
	DevAPIKey string        `yaml:"dev_api_key"`
	ClientID  string        `yaml:"client_id"`
	DevTTL    time.Duration `yaml:"dev_ttl"`
}

type TimeoutConfig struct {
	Connect        time.Duration `yaml:"connect"`
	StreamProgress time.Duration `yaml:"stream_progress"`
	PingInactivity time.Duration `yaml:"ping_inactivity"`
	Ping           time.Duration `yaml:"ping"`
}

type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

type RouterConfig struct {
	QueueWhenDisconnected bool `yaml:"queue_when_disconnected"`
	MaxQueued             int  `yaml:"max_queued"`
	FailoverThreshold     int  `yaml:"failover_threshold"`
}

type AttachmentConfig struct {
	BufferSize int           `yaml:"buffer_size"`
	Timeout    time.Duration `yaml:"timeout"`
	WriterWait time.Duration `yaml:"writer_wait"`
	SweepEvery time.Duration `yaml:"sweep_every"`
}

type LogSettings struct {
	Level  string              `yaml:"level"`
	Pretty bool                `yaml:"pretty"`
	File   *logging.FileConfig `yaml:"file"`
}

type MonitorConfig struct {
	Addr string `yaml:"addr"`
}

// Config holds everything needed to build a Client.
type Config struct {
	Endpoint          string   `yaml:"endpoint"`
	FallbackEndpoints []string `yaml:"fallback_endpoints"`
	DirectivesPath    string   `yaml:"directives_path"`
	EventsPath        string   `yaml:"events_path"`
	PingPath          string   `yaml:"ping_path"`

	Auth        AuthConfig       `yaml:"auth"`
	Timeouts    TimeoutConfig    `yaml:"timeouts"`
	Backoff     BackoffConfig    `yaml:"backoff"`
	Router      RouterConfig     `yaml:"router"`
	Attachments AttachmentConfig `yaml:"attachments"`
	Log         LogSettings      `yaml:"log"`
	Monitor     MonitorConfig    `yaml:"monitor"`
}

func defaultConfig() *Config {
	b := DefaultBackoff()
	return &Config{
		Endpoint:       DefaultEndpoint,
		DirectivesPath: DefaultDirectivesPath,
		EventsPath:     DefaultEventsPath,
		PingPath:       DefaultPingPath,
		Auth: AuthConfig{
			RefreshBuffer: 60 * time.Second,
			DevTTL:        10 * time.Minute,
			Headers:       make(map[string]string),
		},
		Timeouts: TimeoutConfig{
			Connect:        60 * time.Second,
			StreamProgress: 15 * time.Second,
			PingInactivity: 5 * time.Minute,
			Ping:           30 * time.Second,
		},
		Backoff: BackoffConfig{
			Base:       b.Base,
			Max:        b.Max,
			Multiplier: b.Multiplier,
			Jitter:     b.Jitter,
		},
		Router: RouterConfig{
			MaxQueued:         100,
			FailoverThreshold: 3,
		},
		Attachments: AttachmentConfig{
			BufferSize: attachment.DefaultBufferSize,
			Timeout:    attachment.DefaultAttachmentTimeout,
			WriterWait: attachment.DefaultWriterWaitTimeout,
			SweepEvery: time.Minute,
		},
		Log: LogSettings{
			Level:  "INFO",
			Pretty: true,
		},
	}
}

// NewConfig returns defaults overridden by .env and AVS_* environment variables.
func NewConfig() *Config {
	c := defaultConfig()
	c.loadFromEnv()
	return c
}

// LoadConfig reads a YAML file over the defaults, then applies the environment.
func LoadConfig(path string) (*Config, error) {
	c := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError(err, ErrCodeConfigInvalid).AddDetail("path", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, WrapError(err, ErrCodeConfigInvalid).AddDetail("path", path)
	}
	c.loadFromEnv()
	return c, nil
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) loadFromEnv() {
	// Load .env if exists
	_ = godotenv.Load()

	envString("AVS_ENDPOINT", &c.Endpoint)
	if v := os.Getenv("AVS_FALLBACK_ENDPOINTS"); v != "" {
		c.FallbackEndpoints = nil
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				c.FallbackEndpoints = append(c.FallbackEndpoints, e)
			}
		}
	}

	envString("AVS_TOKEN", &c.Auth.Token)
	envString("AVS_TOKEN_ENDPOINT", &c.Auth.TokenEndpoint)
	envString("AVS_DEV_API_KEY", &c.Auth.DevAPIKey)
	envString("AVS_CLIENT_ID", &c.Auth.ClientID)
	envDuration("AVS_TOKEN_REFRESH_BUFFER", &c.Auth.RefreshBuffer)

	envDuration("AVS_CONNECT_TIMEOUT", &c.Timeouts.Connect)
	envDuration("AVS_STREAM_PROGRESS_TIMEOUT", &c.Timeouts.StreamProgress)
	envDuration("AVS_PING_INACTIVITY_TIMEOUT", &c.Timeouts.PingInactivity)
	envDuration("AVS_PING_TIMEOUT", &c.Timeouts.Ping)

	envDuration("AVS_BACKOFF_BASE", &c.Backoff.Base)
	envDuration("AVS_BACKOFF_MAX", &c.Backoff.Max)
	envFloat("AVS_BACKOFF_MULTIPLIER", &c.Backoff.Multiplier)
	envFloat("AVS_BACKOFF_JITTER", &c.Backoff.Jitter)

	envBool("AVS_QUEUE_WHEN_DISCONNECTED", &c.Router.QueueWhenDisconnected)
	envInt("AVS_MAX_QUEUED", &c.Router.MaxQueued)
	envInt("AVS_FAILOVER_THRESHOLD", &c.Router.FailoverThreshold)

	envInt("AVS_ATTACHMENT_BUFFER_SIZE", &c.Attachments.BufferSize)
	envDuration("AVS_ATTACHMENT_TIMEOUT", &c.Attachments.Timeout)
	envDuration("AVS_ATTACHMENT_WRITER_WAIT", &c.Attachments.WriterWait)

	envString("AVS_LOG_LEVEL", &c.Log.Level)
	envBool("AVS_LOG_PRETTY", &c.Log.Pretty)
	if path := os.Getenv("AVS_LOG_FILE"); path != "" {
		if c.Log.File == nil {
			c.Log.File = &logging.FileConfig{}
		}
		c.Log.File.Path = path
	}

	envString("AVS_MONITOR_ADDR", &c.Monitor.Addr)
}

// Endpoints returns the primary endpoint followed by the fallbacks.
func (c *Config) Endpoints() []string {
	return append([]string{c.Endpoint}, c.FallbackEndpoints...)
}

// BackoffPolicy converts the backoff section into a Backoff.
func (c *Config) BackoffPolicy() Backoff {
	return Backoff{
		Base:       c.Backoff.Base,
		Max:        c.Backoff.Max,
		Multiplier: c.Backoff.Multiplier,
		Jitter:     c.Backoff.Jitter,
	}
}

// LogConfig converts the log section into a logging.LogConfig.
func (c *Config) LogConfig() *logging.LogConfig {
	lc := logging.DefaultLogConfig()
	lc.Level = logging.ParseLevel(c.Log.Level)
	lc.Pretty = c.Log.Pretty
	lc.File = c.Log.File
	return lc
}

// Validate returns list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	for _, endpoint := range c.Endpoints() {
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			issues = append(issues, fmt.Sprintf("Invalid endpoint: %q", endpoint))
		}
	}

	if c.Auth.Token == "" && c.Auth.TokenEndpoint == "" && c.Auth.DevAPIKey == "" {
		issues = append(issues, "No auth source configured (set AVS_TOKEN, AVS_TOKEN_ENDPOINT or AVS_DEV_API_KEY)")
	}
	if c.Auth.DevAPIKey != "" {
		if r := ValidateAPIKeyFormat(c.Auth.DevAPIKey); !r.Success {
			issues = append(issues, r.Error.Message)
		}
	}

	for name, d := range map[string]time.Duration{
		"connect":         c.Timeouts.Connect,
		"stream_progress": c.Timeouts.StreamProgress,
		"ping_inactivity": c.Timeouts.PingInactivity,
		"ping":            c.Timeouts.Ping,
	} {
		if d <= 0 {
			issues = append(issues, fmt.Sprintf("Timeout %s must be positive", name))
		}
	}

	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		issues = append(issues, "Backoff requires 0 < base <= max")
	}
	if c.Backoff.Multiplier < 1 {
		issues = append(issues, "Backoff multiplier must be >= 1")
	}
	if c.Router.QueueWhenDisconnected && c.Router.MaxQueued <= 0 {
		issues = append(issues, "Router max_queued must be positive when queueing is enabled")
	}
	if c.Attachments.BufferSize <= 0 {
		issues = append(issues, "Attachment buffer size must be positive")
	}
	if c.Attachments.Timeout <= 0 {
		issues = append(issues, "Attachment timeout must be positive")
	}

	validLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR"}
	found := false
	for _, level := range validLevels {
		if strings.EqualFold(level, c.Log.Level) {
			found = true
			break
		}
	}
	if !found {
		issues = append(issues, fmt.Sprintf("Invalid log level: %s", c.Log.Level))
	}

	return issues
}

func mask(secret string) string {
	if secret == "" {
		return "NOT SET"
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:8] + "..."
}

// PrintConfig writes a human readable summary with secrets masked.
func (c *Config) PrintConfig(w io.Writer) {
	fmt.Fprintln(w, "AVS ACL Configuration")
	fmt.Fprintln(w, "==================================================")
	fmt.Fprintf(w, "Endpoint: %s\n", c.Endpoint)
	if len(c.FallbackEndpoints) > 0 {
		fmt.Fprintf(w, "Fallback Endpoints: %s\n", strings.Join(c.FallbackEndpoints, ", "))
	}
	fmt.Fprintf(w, "Directives Path: %s\n", c.DirectivesPath)
	fmt.Fprintf(w, "Events Path: %s\n", c.EventsPath)
	fmt.Fprintf(w, "Token: %s\n", mask(c.Auth.Token))
	if c.Auth.TokenEndpoint != "" {
		fmt.Fprintf(w, "Token Endpoint: %s\n", c.Auth.TokenEndpoint)
	}
	fmt.Fprintf(w, "Dev API Key: %s\n", mask(c.Auth.DevAPIKey))
	fmt.Fprintf(w, "Connect Timeout: %s\n", c.Timeouts.Connect)
	fmt.Fprintf(w, "Stream Progress Timeout: %s\n", c.Timeouts.StreamProgress)
	fmt.Fprintf(w, "Ping: every %s idle, %s timeout\n", c.Timeouts.PingInactivity, c.Timeouts.Ping)
	fmt.Fprintf(w, "Backoff: base=%s max=%s x%.1f jitter=%.2f\n", c.Backoff.Base, c.Backoff.Max, c.Backoff.Multiplier, c.Backoff.Jitter)
	fmt.Fprintf(w, "Queue When Disconnected: %t (max %d)\n", c.Router.QueueWhenDisconnected, c.Router.MaxQueued)
	fmt.Fprintf(w, "Failover Threshold: %d\n", c.Router.FailoverThreshold)
	fmt.Fprintf(w, "Attachment Buffer: %d bytes, timeout %s\n", c.Attachments.BufferSize, c.Attachments.Timeout)
	fmt.Fprintf(w, "Log Level: %s\n", c.Log.Level)
	if c.Log.File != nil && c.Log.File.Path != "" {
		fmt.Fprintf(w, "Log File: %s\n", c.Log.File.Path)
	}
	if c.Monitor.Addr != "" {
		fmt.Fprintf(w, "Monitor: %s\n", c.Monitor.Addr)
	}
}
