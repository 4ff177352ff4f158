package config

// loader.go - configuration loading from a YAML file and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Configuration file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ttybridge/internal/errors"
)

// LoadFile overlays the YAML file at path onto cfg.  Keys absent from
// the file keep their current value.  ${VAR} references are expanded
// from the environment before parsing.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return &errors.ConfigError{
			Field:   "config",
			Value:   path,
			Message: err.Error(),
		}
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the TTYBRIDGE_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive); durations accept Go
// duration syntax or plain seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TTYBRIDGE_BIND"); v != "" {
		cfg.BindHost = v
	}
	if v, ok := envInt("TTYBRIDGE_PORT"); ok {
		cfg.ControlPort = v
	}
	if v, ok := envInt("TTYBRIDGE_OTA_PORT"); ok {
		cfg.OTAPort = v
	}
	if v := os.Getenv("TTYBRIDGE_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v, ok := envBool("TTYBRIDGE_HIDE_PASSWORD"); ok {
		cfg.HidePassword = v
	}
	if v, ok := envBool("TTYBRIDGE_PUSH_LISTENER"); ok {
		cfg.PushListener = v
	}
	if v, ok := envDuration("TTYBRIDGE_HANDSHAKE_TIMEOUT"); ok {
		cfg.HandshakeTimeout = v
	}
	if v, ok := envDuration("TTYBRIDGE_IDLE_TIMEOUT"); ok {
		cfg.IdleTimeout = v
	}
	if v, ok := envInt("TTYBRIDGE_MAX_AUTH_FAILURES"); ok {
		cfg.MaxAuthFailures = v
	}
	if v, ok := envDuration("TTYBRIDGE_AUTH_LOCKOUT"); ok {
		cfg.AuthLockout = v
	}
	if v := os.Getenv("TTYBRIDGE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	// Serial
	if v := os.Getenv("TTYBRIDGE_SERIAL"); v != "" {
		cfg.SerialPath = v
	}
	if v, ok := envInt("TTYBRIDGE_BAUD"); ok && v > 0 {
		cfg.Baud = uint32(v)
	}

	// Storage
	if v := os.Getenv("TTYBRIDGE_NVS"); v != "" {
		cfg.NVSPath = v
	}
	if v := os.Getenv("TTYBRIDGE_FIRMWARE_DIR"); v != "" {
		cfg.FirmwareDir = v
	}
	if v, ok := envInt("TTYBRIDGE_IMAGE_MAGIC"); ok {
		cfg.ImageMagic = v
	}

	// Output
	if v, ok := envInt("TTYBRIDGE_VERBOSE"); ok && v > 0 {
		cfg.Verbose = v
	}
	if v := os.Getenv("TTYBRIDGE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
}

// ── helpers ──────────────────────────────────────────────────────────

// envInt accepts decimal, 0x hex and 0 octal forms.
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

func envBool(key string) (bool, bool) {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return false, false
	case "1", "true", "yes":
		return true, true
	default:
		return false, true
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if sec, err := strconv.Atoi(v); err == nil {
		return time.Duration(sec) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
