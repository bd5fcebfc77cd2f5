// Package config provides configuration loading for the velux-active client.
// Configuration is loaded in order: defaults → YAML file → .env file → ENV vars → CLI flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var loadEnvOnce sync.Once

// loadDotEnv loads .env file if it exists (does not override existing env vars).
// It is called once before loading configuration.
func loadDotEnv() {
	loadEnvOnce.Do(func() {
		dotEnvSearchPaths := []string{".env", "configs/.env"}
		for _, f := range dotEnvSearchPaths {
			if _, err := os.Stat(f); err == nil {
				_ = godotenv.Load(f)
				return
			}
		}
	})
}

// mustBindEnv binds an environment variable to a config key, panicking on error.
// viper.BindEnv only fails if the key is empty, which is a programming error.
func mustBindEnv(v *viper.Viper, key string, envVars ...string) {
	if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
		panic(fmt.Sprintf("failed to bind env var for key %s: %v", key, err))
	}
}

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreYAML   = "yaml"
	StoreMemory = "memory"
)

// Config holds all configuration for the velux-active client.
type Config struct {
	Velux     VeluxConfig     `mapstructure:"velux"`
	Store     StoreConfig     `mapstructure:"store"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	InfluxDB  InfluxDBConfig  `mapstructure:"influxdb"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// VeluxConfig holds the cloud account and connection settings.
type VeluxConfig struct {
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	AppVersion   string `mapstructure:"app_version"`

	APIURL string `mapstructure:"api_url"`
	WSURL  string `mapstructure:"ws_url"`

	// APITimeout bounds every HTTP request and the WebSocket handshake.
	APITimeout time.Duration `mapstructure:"api_timeout"`
	// PollInterval is how often homes data is refreshed.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// KeepaliveInterval is the WebSocket ping period.
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`

	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

// ProxyConfig holds optional HTTP proxy settings.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// ReconnectConfig holds WebSocket reconnect backoff settings.
type ReconnectConfig struct {
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// StoreConfig selects where token state is persisted.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// MQTTConfig holds the optional MQTT bridge settings.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	QoS         int    `mapstructure:"qos"`
	TLS         bool   `mapstructure:"tls"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// InfluxDBConfig holds the optional telemetry sink settings.
type InfluxDBConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Org           string        `mapstructure:"org"`
	Bucket        string        `mapstructure:"bucket"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// SimulatorConfig holds settings for the local fake cloud.
type SimulatorConfig struct {
	Listen       string        `mapstructure:"listen"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	SigningKey   string        `mapstructure:"signing_key"`
	PushInterval time.Duration `mapstructure:"push_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// setDefaults registers every default value on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("velux.username", "")
	v.SetDefault("velux.password", "")
	v.SetDefault("velux.client_id", "")
	v.SetDefault("velux.client_secret", "")
	v.SetDefault("velux.app_version", "1.6.0")
	v.SetDefault("velux.api_url", "https://app.velux-active.com")
	v.SetDefault("velux.ws_url", "wss://app-ws.velux-active.com/ws/")
	v.SetDefault("velux.api_timeout", 20*time.Second)
	v.SetDefault("velux.poll_interval", 5*time.Minute)
	v.SetDefault("velux.keepalive_interval", 60*time.Second)
	v.SetDefault("velux.proxy.enabled", false)
	v.SetDefault("velux.proxy.host", "")
	v.SetDefault("velux.proxy.port", 0)
	v.SetDefault("velux.reconnect.initial_delay", 5*time.Second)
	v.SetDefault("velux.reconnect.max_delay", 5*time.Minute)
	v.SetDefault("velux.reconnect.backoff_factor", 2.0)
	v.SetDefault("velux.reconnect.max_attempts", 0)

	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.path", "data/velux-active.db")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "velux-active")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.tls", false)
	v.SetDefault("mqtt.topic_prefix", "velux")

	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "http://localhost:8086")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "")
	v.SetDefault("influxdb.bucket", "velux")
	v.SetDefault("influxdb.batch_size", 100)
	v.SetDefault("influxdb.flush_interval", 10*time.Second)

	v.SetDefault("simulator.listen", "127.0.0.1:8787")
	v.SetDefault("simulator.username", "demo@example.com")
	v.SetDefault("simulator.password", "demo")
	v.SetDefault("simulator.client_id", "sim-client")
	v.SetDefault("simulator.client_secret", "sim-secret")
	v.SetDefault("simulator.token_ttl", 3*time.Hour)
	v.SetDefault("simulator.signing_key", "velux-simulator")
	v.SetDefault("simulator.push_interval", 0)

	v.SetDefault("logging.level", "INFO")
}

// bindEnvs binds the documented environment variables.
func bindEnvs(v *viper.Viper) {
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	mustBindEnv(v, "velux.username", "VELUX_USERNAME")
	mustBindEnv(v, "velux.password", "VELUX_PASSWORD")
	mustBindEnv(v, "velux.client_id", "VELUX_CLIENT_ID")
	mustBindEnv(v, "velux.client_secret", "VELUX_CLIENT_SECRET")
	mustBindEnv(v, "velux.app_version", "VELUX_APP_VERSION")
	mustBindEnv(v, "velux.api_url", "VELUX_API_URL")
	mustBindEnv(v, "velux.ws_url", "VELUX_WS_URL")
	mustBindEnv(v, "velux.proxy.enabled", "VELUX_PROXY_ENABLED")
	mustBindEnv(v, "velux.proxy.host", "VELUX_PROXY_HOST")
	mustBindEnv(v, "velux.proxy.port", "VELUX_PROXY_PORT")
	mustBindEnv(v, "store.driver", "VELUX_STORE_DRIVER")
	mustBindEnv(v, "store.path", "VELUX_STORE_PATH")
	mustBindEnv(v, "mqtt.password", "VELUX_MQTT_PASSWORD")
	mustBindEnv(v, "influxdb.token", "VELUX_INFLUXDB_TOKEN")
	mustBindEnv(v, "logging.level", "VELUX_LOG_LEVEL")
}

// read applies defaults, the optional YAML file and the environment to v and
// unmarshals the result.
func read(v *viper.Viper, configFile string) (*Config, error) {
	loadDotEnv()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	bindEnvs(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Load loads configuration from YAML file, environment variables, and CLI flags
// bound to the global viper instance.
// Priority: CLI flags > ENV vars > .env file > YAML file > defaults.
// The configFile parameter is the path to the YAML config file (can be empty).
func Load(configFile string) (*Config, error) {
	return LoadWithViper(viper.GetViper(), configFile)
}

// LoadWithViper loads configuration using a pre-configured viper instance.
// This allows CLI flags to be bound before loading.
func LoadWithViper(v *viper.Viper, configFile string) (*Config, error) {
	cfg, err := read(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadForDisplay loads configuration without validation, for display purposes.
// This allows showing the effective configuration even if required fields are missing.
func LoadForDisplay(configFile string) (*Config, error) {
	return read(viper.GetViper(), configFile)
}

// MaskedConfig returns a copy of the config with sensitive data masked.
func (c *Config) MaskedConfig() Config {
	masked := *c
	masked.Velux.Password = MaskSecret(masked.Velux.Password)
	masked.Velux.ClientSecret = MaskSecret(masked.Velux.ClientSecret)
	masked.MQTT.Password = MaskSecret(masked.MQTT.Password)
	masked.InfluxDB.Token = MaskSecret(masked.InfluxDB.Token)
	masked.Simulator.Password = MaskSecret(masked.Simulator.Password)
	masked.Simulator.SigningKey = MaskSecret(masked.Simulator.SigningKey)
	return masked
}

// MaskSecret masks a secret, showing only the first 4 and last 4 characters.
// Empty values stay empty so "not set" remains visible.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}

// ProxyAddress returns "host:port" when the proxy is enabled, otherwise "".
func (p ProxyConfig) ProxyAddress() string {
	if !p.Enabled {
		return ""
	}
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// validate checks that all required configuration is present.
func (c *Config) validate() error {
	v := c.Velux
	if v.Username == "" || v.Password == "" {
		return fmt.Errorf("velux.username and velux.password are required (set via VELUX_USERNAME/VELUX_PASSWORD, flags, or config file)")
	}
	if v.ClientID == "" || v.ClientSecret == "" {
		return fmt.Errorf("velux.client_id and velux.client_secret are required")
	}
	if err := validateURL("velux.api_url", v.APIURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("velux.ws_url", v.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if v.APITimeout <= 0 {
		return fmt.Errorf("velux.api_timeout must be positive")
	}
	if v.PollInterval <= 0 {
		return fmt.Errorf("velux.poll_interval must be positive")
	}
	if v.KeepaliveInterval <= 0 {
		return fmt.Errorf("velux.keepalive_interval must be positive")
	}
	if v.Proxy.Enabled {
		if v.Proxy.Host == "" {
			return fmt.Errorf("velux.proxy.host is required when the proxy is enabled")
		}
		if v.Proxy.Port <= 0 || v.Proxy.Port > 65535 {
			return fmt.Errorf("velux.proxy.port must be between 1 and 65535")
		}
	}
	if v.Reconnect.InitialDelay <= 0 || v.Reconnect.MaxDelay < v.Reconnect.InitialDelay {
		return fmt.Errorf("velux.reconnect delays must be positive and max_delay >= initial_delay")
	}
	if v.Reconnect.BackoffFactor < 1 {
		return fmt.Errorf("velux.reconnect.backoff_factor must be >= 1")
	}

	switch c.Store.Driver {
	case StoreSQLite, StoreYAML:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %q", c.Store.Driver)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store.driver must be one of %s, %s, %s", StoreSQLite, StoreYAML, StoreMemory)
	}

	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			return fmt.Errorf("mqtt.host is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", key, schemes, u.Scheme)
}
