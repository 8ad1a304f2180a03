package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dialcore/dialcore/internal/session"
)

// Config holds all runtime configuration for the DialCore daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int
	SIPPort  int
	RTPPort  int

	LogLevel  string // debug, info, warn, error
	LogFormat string // log output format: "text" or "json"

	// EncryptionKey is a hex-encoded 32-byte key for AES-256-GCM
	// encryption of stored account passwords. Secret is a passphrase
	// alternative; when set, the key is derived from it.
	EncryptionKey string
	Secret        string

	// Lifecycle bounds. The protocol engine gives no upper bound on how
	// long an unanswered register/unregister may hang, so these are fixed
	// here instead of guessed per call site.
	LoginTimeout  time.Duration
	LogoutTimeout time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// Platform capability grants, advisory only.
	BackgroundExecution bool
	Autostart           bool
	Overlay             bool
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultSIPPort       = 5060
	defaultRTPPort       = 4000
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultLoginTimeout  = 15 * time.Second
	defaultLogoutTimeout = 5 * time.Second
	defaultReconnectBase = 2 * time.Second
	defaultReconnectMax  = 2 * time.Minute
)

// envPrefix is the prefix for all DialCore environment variables.
const envPrefix = "DIALCORE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dialcore", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the account and history database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP control API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port for the protocol engine")
	fs.IntVar(&cfg.RTPPort, "rtp-port", defaultRTPPort, "media port advertised in SDP offers")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.EncryptionKey, "encryption-key", "", "hex-encoded 32-byte key for AES-256-GCM encryption of stored credentials")
	fs.StringVar(&cfg.Secret, "secret", "", "passphrase to derive the credential encryption key from (alternative to encryption-key)")
	fs.DurationVar(&cfg.LoginTimeout, "login-timeout", defaultLoginTimeout, "bound on an unanswered login before the account fails")
	fs.DurationVar(&cfg.LogoutTimeout, "logout-timeout", defaultLogoutTimeout, "bound on an unacknowledged logout before forcing disconnect")
	fs.DurationVar(&cfg.ReconnectBase, "reconnect-base", defaultReconnectBase, "initial delay of the reconnect backoff schedule")
	fs.DurationVar(&cfg.ReconnectMax, "reconnect-max", defaultReconnectMax, "cap of the reconnect backoff schedule")
	fs.BoolVar(&cfg.BackgroundExecution, "cap-background-execution", true, "report the background-execution capability as granted")
	fs.BoolVar(&cfg.Autostart, "cap-autostart", true, "report the autostart capability as granted")
	fs.BoolVar(&cfg.Overlay, "cap-overlay", true, "report the overlay capability as granted")

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
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":                 envPrefix + "DATA_DIR",
		"http-port":                envPrefix + "HTTP_PORT",
		"sip-port":                 envPrefix + "SIP_PORT",
		"rtp-port":                 envPrefix + "RTP_PORT",
		"log-level":                envPrefix + "LOG_LEVEL",
		"log-format":               envPrefix + "LOG_FORMAT",
		"encryption-key":           envPrefix + "ENCRYPTION_KEY",
		"secret":                   envPrefix + "SECRET",
		"login-timeout":            envPrefix + "LOGIN_TIMEOUT",
		"logout-timeout":           envPrefix + "LOGOUT_TIMEOUT",
		"reconnect-base":           envPrefix + "RECONNECT_BASE",
		"reconnect-max":            envPrefix + "RECONNECT_MAX",
		"cap-background-execution": envPrefix + "CAP_BACKGROUND_EXECUTION",
		"cap-autostart":            envPrefix + "CAP_AUTOSTART",
		"cap-overlay":              envPrefix + "CAP_OVERLAY",
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
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "rtp-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "encryption-key":
			cfg.EncryptionKey = val
		case "secret":
			cfg.Secret = val
		case "login-timeout":
			if d, err := time.ParseDuration(val); err == nil {
				cfg.LoginTimeout = d
			}
		case "logout-timeout":
			if d, err := time.ParseDuration(val); err == nil {
				cfg.LogoutTimeout = d
			}
		case "reconnect-base":
			if d, err := time.ParseDuration(val); err == nil {
				cfg.ReconnectBase = d
			}
		case "reconnect-max":
			if d, err := time.ParseDuration(val); err == nil {
				cfg.ReconnectMax = d
			}
		case "cap-background-execution":
			if b, err := strconv.ParseBool(val); err == nil {
				cfg.BackgroundExecution = b
			}
		case "cap-autostart":
			if b, err := strconv.ParseBool(val); err == nil {
				cfg.Autostart = b
			}
		case "cap-overlay":
			if b, err := strconv.ParseBool(val); err == nil {
				cfg.Overlay = b
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPort < 1 || c.RTPPort > 65535 {
		return fmt.Errorf("rtp-port must be between 1 and 65535, got %d", c.RTPPort)
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

	if c.LoginTimeout <= 0 {
		return fmt.Errorf("login-timeout must be positive, got %s", c.LoginTimeout)
	}
	if c.LogoutTimeout <= 0 {
		return fmt.Errorf("logout-timeout must be positive, got %s", c.LogoutTimeout)
	}
	if c.ReconnectBase <= 0 {
		return fmt.Errorf("reconnect-base must be positive, got %s", c.ReconnectBase)
	}
	if c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("reconnect-max must be at least reconnect-base, got %s", c.ReconnectMax)
	}

	if c.EncryptionKey != "" && c.Secret != "" {
		return fmt.Errorf("encryption-key and secret are mutually exclusive")
	}

	return nil
}

// Bounds returns the session lifecycle bounds derived from this config.
func (c *Config) Bounds() session.Bounds {
	return session.Bounds{
		LoginTimeout:  c.LoginTimeout,
		LogoutTimeout: c.LogoutTimeout,
		ReconnectBase: c.ReconnectBase,
		ReconnectMax:  c.ReconnectMax,
	}
}

// EncryptionKeyBytes returns the decoded 32-byte encryption key, or nil if
// no key is configured.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
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

// SIPHost returns the hostname to use for the SIP User-Agent.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}
