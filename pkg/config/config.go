package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// DeviceConfig declares a capture device backed by a media file.
type DeviceConfig struct {
	ID         string `yaml:"id"`
	Kind       string `yaml:"kind"` // audioinput | audiooutput
	Label      string `yaml:"label"`
	Source     string `yaml:"source,omitempty"`
	Permission string `yaml:"permission,omitempty"` // granted | denied
}

// ScreenSourceConfig declares a capturable screen or window.
type ScreenSourceConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"` // screen | window
	Source    string `yaml:"source,omitempty"`
	Thumbnail string `yaml:"thumbnail,omitempty"`
	Icon      string `yaml:"icon,omitempty"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	Audio     bool   `yaml:"audio"`
}

type Config struct {
	Client struct {
		UserID      string `yaml:"user_id"`
		Username    string `yaml:"username"`
		DisplayName string `yaml:"display_name"`
		Desktop     bool   `yaml:"desktop"`
	} `yaml:"client"`

	Signal struct {
		URL               string        `yaml:"url"`
		Token             string        `yaml:"token"`
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`
		AckTimeout        time.Duration `yaml:"ack_timeout"`
		ReconnectAttempts int           `yaml:"reconnect_attempts"`
		ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
		ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max"`
		PingInterval      time.Duration `yaml:"ping_interval"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers   []ICEServer   `yaml:"ice_servers"`
		ICEConfigURL string        `yaml:"ice_config_url"`
		ICECacheTTL  time.Duration `yaml:"ice_cache_ttl"`
		PortRange    struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		PLIInterval time.Duration `yaml:"pli_interval"`
	} `yaml:"webrtc"`

	Media struct {
		AudioProfile  string               `yaml:"audio_profile"`
		ScreenProfile string               `yaml:"screen_profile"`
		Devices       []DeviceConfig       `yaml:"devices"`
		ScreenSources []ScreenSourceConfig `yaml:"screen_sources"`
	} `yaml:"media"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Control struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"control"`

	Relay struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		RequireAuth     bool          `yaml:"require_auth"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"relay"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if c.Signal.ConnectTimeout <= 0 {
		return fmt.Errorf("signal.connect_timeout must be > 0")
	}
	if c.Signal.AckTimeout <= 0 {
		return fmt.Errorf("signal.ack_timeout must be > 0")
	}
	if c.Signal.ReconnectAttempts < 0 {
		return fmt.Errorf("signal.reconnect_attempts must be >= 0")
	}
	if c.Signal.ReconnectDelay <= 0 || c.Signal.ReconnectDelayMax < c.Signal.ReconnectDelay {
		return fmt.Errorf("signal.reconnect_delay must be > 0 and <= reconnect_delay_max")
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.PLIInterval < 0 {
		return fmt.Errorf("webrtc.pli_interval must be >= 0")
	}

	// Media
	for i, d := range c.Media.Devices {
		if d.ID == "" {
			return fmt.Errorf("media.devices[%d].id must not be empty", i)
		}
		if d.Kind != "audioinput" && d.Kind != "audiooutput" {
			return fmt.Errorf("media.devices[%d].kind must be audioinput or audiooutput", i)
		}
	}
	for i, s := range c.Media.ScreenSources {
		if s.ID == "" {
			return fmt.Errorf("media.screen_sources[%d].id must not be empty", i)
		}
		if s.Width <= 0 || s.Height <= 0 {
			return fmt.Errorf("media.screen_sources[%d] width and height must be > 0", i)
		}
	}

	// Control / relay
	if c.Control.Address == "" {
		return fmt.Errorf("control.address must not be empty")
	}
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Relay.RequireAuth {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when relay.require_auth=true")
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst loads the first existing path, or defaults when none exists.
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, "", cfg.Validate()
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Client.DisplayName = "Guest"

	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.ConnectTimeout = 10 * time.Second
	cfg.Signal.AckTimeout = 20 * time.Second
	cfg.Signal.ReconnectAttempts = 5
	cfg.Signal.ReconnectDelay = time.Second
	cfg.Signal.ReconnectDelayMax = 5 * time.Second
	cfg.Signal.PingInterval = 25 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
	cfg.WebRTC.ICECacheTTL = 5 * time.Minute
	cfg.WebRTC.PLIInterval = 3 * time.Second

	cfg.Media.AudioProfile = "voice"
	cfg.Media.ScreenProfile = "720p"
	cfg.Media.Devices = []DeviceConfig{
		{ID: "default", Kind: "audioinput", Label: "Default microphone"},
		{ID: "default", Kind: "audiooutput", Label: "Default speaker"},
	}
	cfg.Media.ScreenSources = []ScreenSourceConfig{
		{ID: "screen:0:0", Name: "Entire screen", Kind: "screen", Width: 1920, Height: 1080},
	}

	cfg.Storage.Path = "twine-preferences.json"

	cfg.Control.Address = "127.0.0.1:8090"
	cfg.Control.ReadTimeout = 30 * time.Second
	cfg.Control.WriteTimeout = 30 * time.Second
	cfg.Control.ShutdownTimeout = 10 * time.Second
	cfg.Control.AllowedOrigins = []string{"*"}

	cfg.Relay.Address = ":8081"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.ShutdownTimeout = 30 * time.Second
	cfg.Relay.AllowedOrigins = []string{"*"}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "twine"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TWINE_SIGNAL_URL"); v != "" {
		c.Signal.URL = v
	}
	if v := os.Getenv("TWINE_SIGNAL_TOKEN"); v != "" {
		c.Signal.Token = v
	}
	if v := os.Getenv("TWINE_CONTROL_ADDRESS"); v != "" {
		c.Control.Address = v
	}
	if v := os.Getenv("TWINE_RELAY_ADDRESS"); v != "" {
		c.Relay.Address = v
	}
	if v := os.Getenv("TWINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TWINE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("TWINE_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
}
