package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the Doorlink server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	ServerDomain string // SIP domain embedded in minted credentials
	ServerIP     string // public IP embedded in minted credentials

	ARIHost     string
	ARIPort     int
	ARIUser     string
	ARIPassword string
	ARIAppName  string // Stasis application name the engine routes channels into

	RedisHost     string
	RedisPort     int
	RedisPassword string

	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	CallTokenTTLSec int // TTL for call/channel/endpoint/outgoing records
	RingTimeoutSec  int // ring timer and pending-originate TTL

	AppPort   int    // HTTP API listen port
	Realphone string // recipient user id for doorphone pushes

	PushURL            string // push vendor endpoint
	PushAccessToken    string // optional push vendor bearer token
	FCMCredentialsFile string // optional service-account JSON for native FCM delivery

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultARIPort      = 8088
	defaultRedisPort    = 6379
	defaultPostgresPort = 5432
	defaultAppPort      = 3000
	defaultPushURL      = "https://exp.host/--/api/v2/push/send"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// envPrefix is the prefix for all Doorlink environment variables.
const envPrefix = "DOORLINK_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults. Missing required values
// are a fatal configuration error.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("doorlink", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerDomain, "server-domain", "", "SIP domain embedded in minted credentials")
	fs.StringVar(&cfg.ServerIP, "server-ip", "", "public IP embedded in minted credentials")
	fs.StringVar(&cfg.ARIHost, "ari-host", "", "telephony engine ARI host")
	fs.IntVar(&cfg.ARIPort, "ari-port", defaultARIPort, "telephony engine ARI port")
	fs.StringVar(&cfg.ARIUser, "ari-user", "", "ARI username")
	fs.StringVar(&cfg.ARIPassword, "ari-password", "", "ARI password")
	fs.StringVar(&cfg.ARIAppName, "ari-app-name", "", "Stasis application name")
	fs.StringVar(&cfg.RedisHost, "redis-host", "", "redis host for session records")
	fs.IntVar(&cfg.RedisPort, "redis-port", defaultRedisPort, "redis port")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.StringVar(&cfg.PostgresHost, "postgres-host", "", "postgres host for realtime config")
	fs.IntVar(&cfg.PostgresPort, "postgres-port", defaultPostgresPort, "postgres port")
	fs.StringVar(&cfg.PostgresDB, "postgres-db", "", "postgres database name")
	fs.StringVar(&cfg.PostgresUser, "postgres-user", "", "postgres user")
	fs.StringVar(&cfg.PostgresPassword, "postgres-password", "", "postgres password")
	fs.IntVar(&cfg.CallTokenTTLSec, "call-token-ttl-sec", 0, "TTL in seconds for call session records")
	fs.IntVar(&cfg.RingTimeoutSec, "ring-timeout-sec", 0, "ring timeout in seconds")
	fs.IntVar(&cfg.AppPort, "app-port", defaultAppPort, "HTTP API listen port")
	fs.StringVar(&cfg.Realphone, "realphone", "", "recipient user id for doorphone pushes")
	fs.StringVar(&cfg.PushURL, "push-url", defaultPushURL, "push vendor endpoint URL")
	fs.StringVar(&cfg.PushAccessToken, "push-access-token", "", "push vendor bearer token")
	fs.StringVar(&cfg.FCMCredentialsFile, "fcm-credentials-file", "", "service-account JSON file for native FCM delivery")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"server-domain":        envPrefix + "SERVER_DOMAIN",
		"server-ip":            envPrefix + "SERVER_IP",
		"ari-host":             envPrefix + "ARI_HOST",
		"ari-port":             envPrefix + "ARI_PORT",
		"ari-user":             envPrefix + "ARI_USER",
		"ari-password":         envPrefix + "ARI_PASSWORD",
		"ari-app-name":         envPrefix + "ARI_APP_NAME",
		"redis-host":           envPrefix + "REDIS_HOST",
		"redis-port":           envPrefix + "REDIS_PORT",
		"redis-password":       envPrefix + "REDIS_PASSWORD",
		"postgres-host":        envPrefix + "POSTGRES_HOST",
		"postgres-port":        envPrefix + "POSTGRES_PORT",
		"postgres-db":          envPrefix + "POSTGRES_DB",
		"postgres-user":        envPrefix + "POSTGRES_USER",
		"postgres-password":    envPrefix + "POSTGRES_PASSWORD",
		"call-token-ttl-sec":   envPrefix + "CALL_TOKEN_TTL_SEC",
		"ring-timeout-sec":     envPrefix + "RING_TIMEOUT_SEC",
		"app-port":             envPrefix + "APP_PORT",
		"realphone":            envPrefix + "REALPHONE",
		"push-url":             envPrefix + "PUSH_URL",
		"push-access-token":    envPrefix + "PUSH_ACCESS_TOKEN",
		"fcm-credentials-file": envPrefix + "FCM_CREDENTIALS_FILE",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "server-domain":
			cfg.ServerDomain = val
		case "server-ip":
			cfg.ServerIP = val
		case "ari-host":
			cfg.ARIHost = val
		case "ari-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ARIPort = v
			}
		case "ari-user":
			cfg.ARIUser = val
		case "ari-password":
			cfg.ARIPassword = val
		case "ari-app-name":
			cfg.ARIAppName = val
		case "redis-host":
			cfg.RedisHost = val
		case "redis-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RedisPort = v
			}
		case "redis-password":
			cfg.RedisPassword = val
		case "postgres-host":
			cfg.PostgresHost = val
		case "postgres-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PostgresPort = v
			}
		case "postgres-db":
			cfg.PostgresDB = val
		case "postgres-user":
			cfg.PostgresUser = val
		case "postgres-password":
			cfg.PostgresPassword = val
		case "call-token-ttl-sec":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CallTokenTTLSec = v
			}
		case "ring-timeout-sec":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RingTimeoutSec = v
			}
		case "app-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AppPort = v
			}
		case "realphone":
			cfg.Realphone = val
		case "push-url":
			cfg.PushURL = val
		case "push-access-token":
			cfg.PushAccessToken = val
		case "fcm-credentials-file":
			cfg.FCMCredentialsFile = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that all required values are present and sane.
func (c *Config) validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"server-domain", c.ServerDomain},
		{"server-ip", c.ServerIP},
		{"ari-host", c.ARIHost},
		{"ari-user", c.ARIUser},
		{"ari-password", c.ARIPassword},
		{"ari-app-name", c.ARIAppName},
		{"redis-host", c.RedisHost},
		{"redis-password", c.RedisPassword},
		{"postgres-host", c.PostgresHost},
		{"postgres-db", c.PostgresDB},
		{"postgres-user", c.PostgresUser},
		{"postgres-password", c.PostgresPassword},
		{"realphone", c.Realphone},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	ports := []struct {
		name string
		port int
	}{
		{"ari-port", c.ARIPort},
		{"redis-port", c.RedisPort},
		{"postgres-port", c.PostgresPort},
		{"app-port", c.AppPort},
	}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.name, p.port)
		}
	}

	if c.CallTokenTTLSec < 1 {
		return fmt.Errorf("call-token-ttl-sec must be a positive integer, got %d", c.CallTokenTTLSec)
	}
	if c.RingTimeoutSec < 1 {
		return fmt.Errorf("ring-timeout-sec must be a positive integer, got %d", c.RingTimeoutSec)
	}
	// The ring timer must never fire after the session records it checks
	// have already expired.
	if c.CallTokenTTLSec < c.RingTimeoutSec {
		return fmt.Errorf("call-token-ttl-sec (%d) must be >= ring-timeout-sec (%d)", c.CallTokenTTLSec, c.RingTimeoutSec)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// ARIBaseURL returns the REST base of the telephony engine.
func (c *Config) ARIBaseURL() string {
	return fmt.Sprintf("http://%s:%d/ari", c.ARIHost, c.ARIPort)
}

// ARIWebSocketURL returns the event-stream URL for the configured application.
// Credentials are carried in the Authorization header, never in the URL.
func (c *Config) ARIWebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/ari/events?app=%s&subscribeAll=false", c.ARIHost, c.ARIPort, c.ARIAppName)
}

// RedisAddr returns the host:port address of the session record store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// PostgresDSN returns the connection string for the realtime config store.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB)
}

// CallTokenTTL returns the session record TTL as a duration.
func (c *Config) CallTokenTTL() time.Duration {
	return time.Duration(c.CallTokenTTLSec) * time.Second
}

// RingTimeout returns the ring timer deadline as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
