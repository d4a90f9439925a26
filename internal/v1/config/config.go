// Package config loads the hierarchical configuration: built-in defaults,
// an optional TOML file (path in CONCORD_CONFIG), then environment overrides
// using the CONCORD__ prefix with "__" as the nested separator.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/concord-im/concord/internal/v1/logging"
)

// EnvPrefix is the single documented environment prefix.
const EnvPrefix = "CONCORD__"

// Duration is a time.Duration that unmarshals from TOML strings like "10m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the full validated configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Redis      RedisConfig      `toml:"redis"`
	Auth       AuthConfig       `toml:"auth"`
	SFU        SFUConfig        `toml:"sfu"`
	TURN       TURNConfig       `toml:"turn"`
	Presence   PresenceConfig   `toml:"presence"`
	Voice      VoiceConfig      `toml:"voice"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Collab     CollabConfig     `toml:"collaborators"`
	Monitoring MonitoringConfig `toml:"monitoring"`
}

type ServerConfig struct {
	BindAddr        string   `toml:"bind_addr"`
	Port            string   `toml:"port"`
	DevelopmentMode bool     `toml:"development_mode"`
	AllowedOrigins  string   `toml:"allowed_origins"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type RedisConfig struct {
	// Addr backs the coordination store. BusAddr backs the pub/sub fabric and
	// defaults to Addr; both planes usually share one cluster.
	Addr     string `toml:"addr"`
	BusAddr  string `toml:"bus_addr"`
	Password string `toml:"password"`
}

type AuthConfig struct {
	// JWTSecret is the symmetric signing secret shared with the Auth
	// collaborator. Minimum length 32 bytes.
	JWTSecret      string   `toml:"jwt_secret"`
	Issuer         string   `toml:"issuer"`
	Audience       string   `toml:"audience"`
	AccessTokenTTL Duration `toml:"access_token_ttl"`
	// JWKSDomain switches validation to the collaborator's JWKS endpoint.
	JWKSDomain string `toml:"jwks_domain"`
}

type SFUConfig struct {
	URL       string   `toml:"url"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"`
	Timeout   Duration `toml:"timeout"`
}

type TURNConfig struct {
	Enabled       bool     `toml:"enabled"`
	Secret        string   `toml:"secret"`
	CredentialTTL Duration `toml:"credential_ttl"`
	Servers       []string `toml:"servers"`
	STUNServers   []string `toml:"stun_servers"`
	PortRangeMin  int      `toml:"port_range_min"`
	PortRangeMax  int      `toml:"port_range_max"`
}

type PresenceConfig struct {
	GraceWindow    Duration `toml:"grace_window"`
	SweepInterval  Duration `toml:"sweep_interval"`
	LivenessWindow Duration `toml:"liveness_window"`
	CacheTTL       Duration `toml:"cache_ttl"`
}

type VoiceConfig struct {
	EmptyTimeout    Duration `toml:"empty_timeout"`
	RoomIdleTimeout Duration `toml:"room_idle_timeout"`
	SweepInterval   Duration `toml:"sweep_interval"`
	TokenTTL        Duration `toml:"token_ttl"`
	DefaultMaxUsers int      `toml:"default_max_participants"`
}

// RateLimitConfig uses the "count-period" format (M = minute, H = hour).
type RateLimitConfig struct {
	APIGlobal  string `toml:"api_global"`
	APIPublic  string `toml:"api_public"`
	APIRooms   string `toml:"api_rooms"`
	WsIP       string `toml:"ws_ip"`
	WsUser     string `toml:"ws_user"`
	WsMessages string `toml:"ws_messages"`
	WsFrames   string `toml:"ws_frames"`
	ProxyIP    string `toml:"proxy_ip"`
}

type CollabConfig struct {
	ChatURL  string   `toml:"chat_url"`
	AuthURL  string   `toml:"auth_url"`
	FilesURL string   `toml:"files_url"`
	BotURL   string   `toml:"bot_url"`
	Timeout  Duration `toml:"timeout"`
}

type MonitoringConfig struct {
	Enabled      bool   `toml:"enabled"`
	Path         string `toml:"path"`
	OTLPAddr     string `toml:"otlp_addr"`
	OTLPInsecure bool   `toml:"otlp_insecure"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:        "0.0.0.0",
			Port:            "8080",
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Auth: AuthConfig{
			Issuer:         "concord",
			Audience:       "concord-clients",
			AccessTokenTTL: Duration(24 * time.Hour),
		},
		SFU: SFUConfig{
			URL:     "http://localhost:7880",
			Timeout: Duration(10 * time.Second),
		},
		TURN: TURNConfig{
			CredentialTTL: Duration(24 * time.Hour),
			STUNServers:   []string{"stun:stun.l.google.com:19302"},
			PortRangeMin:  50000,
			PortRangeMax:  60000,
		},
		Presence: PresenceConfig{
			GraceWindow:    Duration(10 * time.Minute),
			SweepInterval:  Duration(5 * time.Minute),
			LivenessWindow: Duration(15 * time.Minute),
			CacheTTL:       Duration(5 * time.Second),
		},
		Voice: VoiceConfig{
			EmptyTimeout:    Duration(2 * time.Minute),
			RoomIdleTimeout: Duration(time.Hour),
			SweepInterval:   Duration(5 * time.Minute),
			TokenTTL:        Duration(12 * time.Hour),
			DefaultMaxUsers: 50,
		},
		RateLimit: RateLimitConfig{
			APIGlobal:  "1000-M",
			APIPublic:  "100-M",
			APIRooms:   "100-M",
			WsIP:       "100-M",
			WsUser:     "60-M",
			WsMessages: "10-M",
			WsFrames:   "120-M",
			ProxyIP:    "100-M",
		},
		Collab: CollabConfig{
			ChatURL: "http://localhost:8081",
			AuthURL: "http://localhost:8082",
			Timeout: Duration(10 * time.Second),
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration: defaults, optional TOML file, env overrides,
// then validation. It is the single entry point used by main.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONCORD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Redis.BusAddr == "" {
		cfg.Redis.BusAddr = cfg.Redis.Addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logValidated(cfg)
	return cfg, nil
}

// applyEnv overlays CONCORD__SECTION__FIELD environment variables.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v == "true" || v == "1"
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDur := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}
	setList := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = strings.Split(v, ",")
		}
	}

	setStr("SERVER__BIND_ADDR", &cfg.Server.BindAddr)
	setStr("SERVER__PORT", &cfg.Server.Port)
	setBool("SERVER__DEVELOPMENT_MODE", &cfg.Server.DevelopmentMode)
	setStr("SERVER__ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	setDur("SERVER__SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	setStr("REDIS__ADDR", &cfg.Redis.Addr)
	setStr("REDIS__BUS_ADDR", &cfg.Redis.BusAddr)
	setStr("REDIS__PASSWORD", &cfg.Redis.Password)

	setStr("AUTH__JWT_SECRET", &cfg.Auth.JWTSecret)
	setStr("AUTH__ISSUER", &cfg.Auth.Issuer)
	setStr("AUTH__AUDIENCE", &cfg.Auth.Audience)
	setDur("AUTH__ACCESS_TOKEN_TTL", &cfg.Auth.AccessTokenTTL)
	setStr("AUTH__JWKS_DOMAIN", &cfg.Auth.JWKSDomain)

	setStr("SFU__URL", &cfg.SFU.URL)
	setStr("SFU__API_KEY", &cfg.SFU.APIKey)
	setStr("SFU__API_SECRET", &cfg.SFU.APISecret)
	setDur("SFU__TIMEOUT", &cfg.SFU.Timeout)

	setBool("TURN__ENABLED", &cfg.TURN.Enabled)
	setStr("TURN__SECRET", &cfg.TURN.Secret)
	setDur("TURN__CREDENTIAL_TTL", &cfg.TURN.CredentialTTL)
	setList("TURN__SERVERS", &cfg.TURN.Servers)
	setList("TURN__STUN_SERVERS", &cfg.TURN.STUNServers)
	setInt("TURN__PORT_RANGE_MIN", &cfg.TURN.PortRangeMin)
	setInt("TURN__PORT_RANGE_MAX", &cfg.TURN.PortRangeMax)

	setDur("PRESENCE__GRACE_WINDOW", &cfg.Presence.GraceWindow)
	setDur("PRESENCE__SWEEP_INTERVAL", &cfg.Presence.SweepInterval)
	setDur("PRESENCE__LIVENESS_WINDOW", &cfg.Presence.LivenessWindow)
	setDur("PRESENCE__CACHE_TTL", &cfg.Presence.CacheTTL)

	setDur("VOICE__EMPTY_TIMEOUT", &cfg.Voice.EmptyTimeout)
	setDur("VOICE__ROOM_IDLE_TIMEOUT", &cfg.Voice.RoomIdleTimeout)
	setDur("VOICE__SWEEP_INTERVAL", &cfg.Voice.SweepInterval)
	setDur("VOICE__TOKEN_TTL", &cfg.Voice.TokenTTL)
	setInt("VOICE__DEFAULT_MAX_PARTICIPANTS", &cfg.Voice.DefaultMaxUsers)

	setStr("RATE_LIMIT__API_GLOBAL", &cfg.RateLimit.APIGlobal)
	setStr("RATE_LIMIT__API_PUBLIC", &cfg.RateLimit.APIPublic)
	setStr("RATE_LIMIT__API_ROOMS", &cfg.RateLimit.APIRooms)
	setStr("RATE_LIMIT__WS_IP", &cfg.RateLimit.WsIP)
	setStr("RATE_LIMIT__WS_USER", &cfg.RateLimit.WsUser)
	setStr("RATE_LIMIT__WS_MESSAGES", &cfg.RateLimit.WsMessages)
	setStr("RATE_LIMIT__WS_FRAMES", &cfg.RateLimit.WsFrames)
	setStr("RATE_LIMIT__PROXY_IP", &cfg.RateLimit.ProxyIP)

	setStr("COLLABORATORS__CHAT_URL", &cfg.Collab.ChatURL)
	setStr("COLLABORATORS__AUTH_URL", &cfg.Collab.AuthURL)
	setStr("COLLABORATORS__FILES_URL", &cfg.Collab.FilesURL)
	setStr("COLLABORATORS__BOT_URL", &cfg.Collab.BotURL)
	setDur("COLLABORATORS__TIMEOUT", &cfg.Collab.Timeout)

	setBool("MONITORING__ENABLED", &cfg.Monitoring.Enabled)
	setStr("MONITORING__PATH", &cfg.Monitoring.Path)
	setStr("MONITORING__OTLP_ADDR", &cfg.Monitoring.OTLPAddr)
	setBool("MONITORING__OTLP_INSECURE", &cfg.Monitoring.OTLPInsecure)
}

// Validate checks the invariants a running deployment depends on.
// A failure here maps to exit code 1.
func (c *Config) Validate() error {
	var errors []string

	if c.Auth.JWTSecret == "" && c.Auth.JWKSDomain == "" {
		errors = append(errors, "auth.jwt_secret is required (or auth.jwks_domain for JWKS mode)")
	} else if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("auth.jwt_secret must be at least 32 bytes (got %d)", len(c.Auth.JWTSecret)))
	}

	if c.Server.Port == "" {
		errors = append(errors, "server.port is required")
	} else if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("server.port must be a valid port number (got %q)", c.Server.Port))
	}

	if !isValidHostPort(c.Redis.Addr) {
		errors = append(errors, fmt.Sprintf("redis.addr must be in format 'host:port' (got %q)", c.Redis.Addr))
	}
	if c.Redis.BusAddr != "" && !isValidHostPort(c.Redis.BusAddr) {
		errors = append(errors, fmt.Sprintf("redis.bus_addr must be in format 'host:port' (got %q)", c.Redis.BusAddr))
	}

	if c.SFU.URL == "" {
		errors = append(errors, "sfu.url is required")
	}

	if c.TURN.Enabled && c.TURN.Secret == "" {
		errors = append(errors, "turn.secret is required when turn.enabled")
	}
	if c.TURN.PortRangeMin > c.TURN.PortRangeMax {
		errors = append(errors, "turn.port_range_min must not exceed turn.port_range_max")
	}

	if c.Voice.TokenTTL.Std() > 12*time.Hour {
		errors = append(errors, "voice.token_ttl must not exceed 12h")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// MaskURL strips credentials from a URL for logging.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}

// summaryFields lists the effective configuration for the startup log.
// Signing secrets are reduced to a set/unset flag; API keys keep a short
// prefix for correlation.
func summaryFields(c *Config) []any {
	return []any{
		"bind_addr", c.Server.BindAddr,
		"port", c.Server.Port,
		"development_mode", c.Server.DevelopmentMode,
		"redis_addr", c.Redis.Addr,
		"redis_bus_addr", c.Redis.BusAddr,
		"jwt_secret_set", c.Auth.JWTSecret != "",
		"sfu_url", MaskURL(c.SFU.URL),
		"sfu_api_key", logging.RedactSecret(c.SFU.APIKey),
		"turn_enabled", c.TURN.Enabled,
		"presence_grace_window", c.Presence.GraceWindow.Std().String(),
		"voice_empty_timeout", c.Voice.EmptyTimeout.Std().String(),
		"monitoring_enabled", c.Monitoring.Enabled,
	}
}

func logValidated(c *Config) {
	logging.GetLogger().Sugar().Infow("configuration validated", summaryFields(c)...)
}
