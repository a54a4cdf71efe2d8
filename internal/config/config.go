package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Device Connection
	DeviceURL         string        `koanf:"device_url"`
	DeviceAPIKey      string        `koanf:"device_api_key"`
	DeviceAPISecret   string        `koanf:"device_api_secret"`
	DeviceVerifyTLS   bool          `koanf:"device_verify_tls"`
	DeviceCACert      string        `koanf:"device_ca_cert"`
	DeviceHTTPTimeout time.Duration `koanf:"device_http_timeout"`
	DeviceAPIDebug    bool          `koanf:"device_api_debug"`
	DeviceProfile     string        `koanf:"device_profile"`
	DeviceRateLimit   float64       `koanf:"device_rate_limit"`
	DeviceRateBurst   int           `koanf:"device_rate_burst"`

	// Telemetry Caches
	LogFetchLimit       int           `koanf:"log_fetch_limit"`
	LogCapacity         int           `koanf:"log_capacity"`
	TrafficWindow       int           `koanf:"traffic_window"`
	PollInterval        time.Duration `koanf:"poll_interval"`
	LogPollInterval     time.Duration `koanf:"log_poll_interval"`
	TrafficPollInterval time.Duration `koanf:"traffic_poll_interval"`
	PollOnStart         bool          `koanf:"poll_on_start"`

	// PIN Lockout
	LockoutThreshold uint          `koanf:"lockout_threshold"`
	LockoutDuration  time.Duration `koanf:"lockout_duration"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel             string        `koanf:"log_level"`
	LogFormat            string        `koanf:"log_format"`
	MetricsEnabled       bool          `koanf:"metrics_enabled"`
	MetricsAddr          string        `koanf:"metrics_addr"`
	APIAddr              string        `koanf:"api_addr"`
	HousekeepingInterval time.Duration `koanf:"housekeeping_interval"`
}

// HasDevice reports whether the device connection is configured directly
// rather than through a saved profile.
func (c *Config) HasDevice() bool {
	return c.DeviceURL != ""
}

// LogsInterval returns the log poll period, falling back to POLL_INTERVAL.
func (c *Config) LogsInterval() time.Duration {
	if c.LogPollInterval > 0 {
		return c.LogPollInterval
	}
	return c.PollInterval
}

// TrafficInterval returns the traffic poll period, falling back to POLL_INTERVAL.
func (c *Config) TrafficInterval() time.Duration {
	if c.TrafficPollInterval > 0 {
		return c.TrafficPollInterval
	}
	return c.PollInterval
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields. This normalises values from Docker --env-file which does not strip
// shell quoting.
func (c *Config) sanitise() {
	c.DeviceURL = stripEnvQuotes(c.DeviceURL)
	c.DeviceAPIKey = stripEnvQuotes(c.DeviceAPIKey)
	c.DeviceAPISecret = stripEnvQuotes(c.DeviceAPISecret)
	c.DeviceCACert = stripEnvQuotes(c.DeviceCACert)
	c.DeviceProfile = stripEnvQuotes(c.DeviceProfile)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.APIAddr = stripEnvQuotes(c.APIAddr)
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"device_verify_tls":     false,
		"device_http_timeout":   "15s",
		"device_rate_limit":     0,
		"device_rate_burst":     1,
		"log_fetch_limit":       500,
		"log_capacity":          5000,
		"traffic_window":        120,
		"poll_interval":         "5s",
		"log_poll_interval":     "0s",
		"traffic_poll_interval": "0s",
		"poll_on_start":         false,
		"lockout_threshold":     5,
		"lockout_duration":      "5m",
		"data_dir":              "/data",
		"log_level":             "info",
		"log_format":            "json",
		"metrics_enabled":       true,
		"metrics_addr":          ":9090",
		"api_addr":              "127.0.0.1:8080",
		"housekeeping_interval": "1m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." keeps DEVICE_API_KEY → "device_api_key" flat instead of nesting on "_".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks semantic constraints. The device connection itself is
// optional here; it may come from a saved profile.
func (c *Config) Validate() error {
	if c.DeviceURL != "" {
		if !strings.HasPrefix(c.DeviceURL, "http://") && !strings.HasPrefix(c.DeviceURL, "https://") {
			return fmt.Errorf("DEVICE_URL must start with http:// or https://; got %q", c.DeviceURL)
		}
		if c.DeviceAPIKey == "" || c.DeviceAPISecret == "" {
			return fmt.Errorf("DEVICE_API_KEY and DEVICE_API_SECRET are required when DEVICE_URL is set")
		}
	}

	if c.DeviceHTTPTimeout <= 0 {
		return fmt.Errorf("DEVICE_HTTP_TIMEOUT must be > 0; got %s", c.DeviceHTTPTimeout)
	}
	if c.DeviceRateLimit < 0 {
		return fmt.Errorf("DEVICE_RATE_LIMIT must be >= 0; got %v", c.DeviceRateLimit)
	}

	if c.LogFetchLimit < 1 || c.LogFetchLimit > 5000 {
		return fmt.Errorf("LOG_FETCH_LIMIT must be 1–5000; got %d", c.LogFetchLimit)
	}
	if c.LogCapacity < 1 {
		return fmt.Errorf("LOG_CAPACITY must be >= 1; got %d", c.LogCapacity)
	}
	if c.TrafficWindow < 1 {
		return fmt.Errorf("TRAFFIC_WINDOW must be >= 1; got %d", c.TrafficWindow)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0; got %s", c.PollInterval)
	}
	if c.LogPollInterval < 0 {
		return fmt.Errorf("LOG_POLL_INTERVAL must be >= 0; got %s", c.LogPollInterval)
	}
	if c.TrafficPollInterval < 0 {
		return fmt.Errorf("TRAFFIC_POLL_INTERVAL must be >= 0; got %s", c.TrafficPollInterval)
	}

	if c.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be >= 1; got %d", c.LockoutThreshold)
	}
	if c.LockoutDuration <= 0 {
		return fmt.Errorf("LOCKOUT_DURATION must be > 0; got %s", c.LockoutDuration)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	for _, a := range []struct{ name, addr string }{
		{"API_ADDR", c.APIAddr},
		{"METRICS_ADDR", c.MetricsAddr},
	} {
		if _, _, err := net.SplitHostPort(a.addr); err != nil {
			return fmt.Errorf("%s: invalid listen address %q: %w", a.name, a.addr, err)
		}
	}

	if c.HousekeepingInterval <= 0 {
		return fmt.Errorf("HOUSEKEEPING_INTERVAL must be > 0; got %s", c.HousekeepingInterval)
	}

	return nil
}

// fileSecretKeys may be supplied as KEY_FILE pointing at a file with the value.
var fileSecretKeys = []string{
	"device_api_key",
	"device_api_secret",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
