package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}

	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", cfg.DataDir)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.SIPPort != 5060 {
		t.Errorf("SIPPort = %d, want 5060", cfg.SIPPort)
	}
	if cfg.RTPPort != 4000 {
		t.Errorf("RTPPort = %d, want 4000", cfg.RTPPort)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log defaults = %q/%q, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.LoginTimeout != 15*time.Second {
		t.Errorf("LoginTimeout = %v, want 15s", cfg.LoginTimeout)
	}
	if cfg.ReconnectMax != 2*time.Minute {
		t.Errorf("ReconnectMax = %v, want 2m", cfg.ReconnectMax)
	}
}

func TestLoadFlags(t *testing.T) {
	cfg, err := load([]string{
		"-http-port", "9090",
		"-sip-port", "5070",
		"-log-level", "DEBUG",
		"-log-format", "json",
		"-login-timeout", "30s",
	})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}

	if cfg.HTTPPort != 9090 || cfg.SIPPort != 5070 {
		t.Errorf("ports = %d/%d, want 9090/5070", cfg.HTTPPort, cfg.SIPPort)
	}
	// Levels are normalized to lowercase.
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.LoginTimeout != 30*time.Second {
		t.Errorf("LoginTimeout = %v, want 30s", cfg.LoginTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DIALCORE_HTTP_PORT", "9999")
	t.Setenv("DIALCORE_LOG_LEVEL", "warn")
	t.Setenv("DIALCORE_RECONNECT_BASE", "5s")

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("HTTPPort = %d, want 9999 from env", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn from env", cfg.LogLevel)
	}
	if cfg.ReconnectBase != 5*time.Second {
		t.Errorf("ReconnectBase = %v, want 5s from env", cfg.ReconnectBase)
	}
}

func TestFlagsWinOverEnv(t *testing.T) {
	t.Setenv("DIALCORE_HTTP_PORT", "9999")

	cfg, err := load([]string{"-http-port", "7777"})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.HTTPPort != 7777 {
		t.Errorf("HTTPPort = %d, want 7777 (flag over env)", cfg.HTTPPort)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad http port", []string{"-http-port", "0"}, "http-port"},
		{"bad sip port", []string{"-sip-port", "70000"}, "sip-port"},
		{"bad rtp port", []string{"-rtp-port", "-1"}, "rtp-port"},
		{"bad log level", []string{"-log-level", "verbose"}, "log-level"},
		{"bad log format", []string{"-log-format", "xml"}, "log-format"},
		{"negative login timeout", []string{"-login-timeout", "-3s"}, "login-timeout"},
		{"max below base", []string{"-reconnect-base", "10s", "-reconnect-max", "5s"}, "reconnect-max"},
		{"key and secret together", []string{"-encryption-key", "aa", "-secret", "s"}, "mutually exclusive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(tt.args)
			if err == nil {
				t.Fatal("load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEncryptionKeyBytes(t *testing.T) {
	// No key configured.
	cfg := &Config{}
	key, err := cfg.EncryptionKeyBytes()
	if err != nil || key != nil {
		t.Errorf("empty key: got %v, %v; want nil, nil", key, err)
	}

	// Valid 32-byte hex key.
	cfg = &Config{EncryptionKey: strings.Repeat("ab", 32)}
	key, err = cfg.EncryptionKeyBytes()
	if err != nil {
		t.Fatalf("valid key error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}

	// Wrong length.
	cfg = &Config{EncryptionKey: "abcd"}
	if _, err := cfg.EncryptionKeyBytes(); err == nil {
		t.Error("short key accepted")
	}

	// Not hex.
	cfg = &Config{EncryptionKey: strings.Repeat("zz", 32)}
	if _, err := cfg.EncryptionKeyBytes(); err == nil {
		t.Error("non-hex key accepted")
	}
}

func TestBounds(t *testing.T) {
	cfg, err := load([]string{
		"-login-timeout", "20s",
		"-logout-timeout", "4s",
		"-reconnect-base", "1s",
		"-reconnect-max", "30s",
	})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}

	b := cfg.Bounds()
	if b.LoginTimeout != 20*time.Second || b.LogoutTimeout != 4*time.Second {
		t.Errorf("timeouts = %v/%v, want 20s/4s", b.LoginTimeout, b.LogoutTimeout)
	}
	if b.ReconnectBase != time.Second || b.ReconnectMax != 30*time.Second {
		t.Errorf("reconnect = %v/%v, want 1s/30s", b.ReconnectBase, b.ReconnectMax)
	}
}
