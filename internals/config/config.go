package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PLAZA_SERVER_PORT.
const EnvPrefix = "PLAZA"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Presence PresenceConfig `mapstructure:"presence"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	WebRTC   WebRTCConfig   `mapstructure:"webrtc"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PresenceConfig describes the shared world. Clients render their optimistic
// spawn guess around the same center, so both sides must agree on it.
type PresenceConfig struct {
	CenterX     float64  `mapstructure:"center_x"`
	CenterY     float64  `mapstructure:"center_y"`
	SpawnJitter float64  `mapstructure:"spawn_jitter"`
	Palette     []string `mapstructure:"palette"`
}

// LimitsConfig bounds each connection. Presence events and signaling events
// draw from separate token buckets, so a stream of moves cannot starve a call.
type LimitsConfig struct {
	WSReadLimit           int64         `mapstructure:"ws_read_limit"`
	WSWriteTimeout        time.Duration `mapstructure:"ws_write_timeout"`
	WSPongTimeout         time.Duration `mapstructure:"ws_pong_timeout"`
	WSPingInterval        time.Duration `mapstructure:"ws_ping_interval"`
	SendBuffer            int           `mapstructure:"send_buffer"`
	RateLimitPerSec       float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst        int           `mapstructure:"rate_limit_burst"`
	SignalRateLimitPerSec float64       `mapstructure:"signal_rate_limit_per_sec"`
	SignalRateLimitBurst  int           `mapstructure:"signal_rate_limit_burst"`
	MaxRoomIDLength       int           `mapstructure:"max_room_id_length"`
}

type WebRTCConfig struct {
	ICEServers   []ICEServer `mapstructure:"ice_servers"`
	UDPPortRange PortRange   `mapstructure:"udp_port_range"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type PortRange struct {
	Min uint16 `mapstructure:"min"`
	Max uint16 `mapstructure:"max"`
}

// RedisConfig enables the optional Redis room backend. Room state is still
// ephemeral: the backend is purged of its key prefix on startup.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultPalette is the participant color palette. Colors are reused once a
// room has more members than entries.
var DefaultPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("presence.center_x", 400.0)
	v.SetDefault("presence.center_y", 300.0)
	v.SetDefault("presence.spawn_jitter", 50.0)
	v.SetDefault("presence.palette", DefaultPalette)

	v.SetDefault("limits.ws_read_limit", 64*1024)
	v.SetDefault("limits.ws_write_timeout", 10*time.Second)
	v.SetDefault("limits.ws_pong_timeout", 60*time.Second)
	v.SetDefault("limits.ws_ping_interval", 54*time.Second)
	v.SetDefault("limits.send_buffer", 256)
	v.SetDefault("limits.rate_limit_per_sec", 60.0)
	v.SetDefault("limits.rate_limit_burst", 120)
	v.SetDefault("limits.signal_rate_limit_per_sec", 50.0)
	v.SetDefault("limits.signal_rate_limit_burst", 200)
	v.SetDefault("limits.max_room_id_length", 128)

	v.SetDefault("webrtc.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("webrtc.udp_port_range.min", 0)
	v.SetDefault("webrtc.udp_port_range.max", 0)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "plaza:")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load builds the configuration from defaults, an optional YAML file and
// PLAZA_* environment variables, in increasing order of precedence. An empty
// path falls back to $PLAZA_CONFIG; no file at all is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Presence.SpawnJitter < 0 {
		errs = append(errs, errors.New("presence.spawn_jitter must not be negative"))
	}
	if len(c.Presence.Palette) == 0 {
		errs = append(errs, errors.New("presence.palette must not be empty"))
	}
	if c.Limits.SendBuffer <= 0 {
		errs = append(errs, errors.New("limits.send_buffer must be positive"))
	}
	if c.Limits.WSPingInterval >= c.Limits.WSPongTimeout {
		errs = append(errs, errors.New("limits.ws_ping_interval must be shorter than limits.ws_pong_timeout"))
	}
	if c.Limits.RateLimitPerSec <= 0 || c.Limits.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("limits.rate_limit_per_sec and limits.rate_limit_burst must be positive"))
	}
	if c.Limits.SignalRateLimitPerSec <= 0 || c.Limits.SignalRateLimitBurst <= 0 {
		errs = append(errs, errors.New("limits.signal_rate_limit_per_sec and limits.signal_rate_limit_burst must be positive"))
	}
	if c.Limits.MaxRoomIDLength <= 0 {
		errs = append(errs, errors.New("limits.max_room_id_length must be positive"))
	}
	if r := c.WebRTC.UDPPortRange; r.Min > r.Max {
		errs = append(errs, fmt.Errorf("webrtc.udp_port_range min %d exceeds max %d", r.Min, r.Max))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
