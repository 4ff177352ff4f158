// Package config defines the runtime configuration for ttybridge and
// the rules that keep it consistent.
package config

import (
	"fmt"
	"time"

	"ttybridge/internal/errors"
	"ttybridge/internal/serial"
)

// Modes selected by the first command-line argument.
const (
	ModeServe   = "serve"
	ModeConsole = "console"
	ModePush    = "push"
	ModeAbort   = "abort"
)

// Config holds every tuneable for one ttybridge invocation.  The yaml
// tags name the keys accepted in a configuration file.
type Config struct {
	Mode string `yaml:"-"`

	// ── Bridge ───────────────────────────────────────────────────────
	BindHost         string        `yaml:"bind"`
	ControlPort      int           `yaml:"controlPort"`
	OTAPort          int           `yaml:"otaPort"`
	Password         string        `yaml:"password"` // plain text or bcrypt hash
	HidePassword     bool          `yaml:"hidePassword"`
	PushListener     bool          `yaml:"pushListener"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	IdleTimeout      time.Duration `yaml:"idleTimeout"`
	MaxAuthFailures  int           `yaml:"maxAuthFailures"` // 0 = unlimited
	AuthLockout      time.Duration `yaml:"authLockout"`
	MetricsAddr      string        `yaml:"metricsAddr"` // empty = disabled

	// ── Serial ───────────────────────────────────────────────────────
	SerialPath string `yaml:"serial"`
	Baud       uint32 `yaml:"baud"` // used until a saved rate exists

	// ── Storage ──────────────────────────────────────────────────────
	NVSPath      string `yaml:"nvs"`
	FirmwareDir  string `yaml:"firmwareDir"`
	ImageMagic   int    `yaml:"imageMagic"` // 0 disables the check
	SlotCapacity uint32 `yaml:"slotCapacity"`

	// ── Client ───────────────────────────────────────────────────────
	Host        string        `yaml:"-"`
	Image       string        `yaml:"-"`
	Login       bool          `yaml:"-"`
	Inline      bool          `yaml:"-"`
	DialTimeout time.Duration `yaml:"dialTimeout"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose   int    `yaml:"verbose"`
	LogFormat string `yaml:"logFormat"` // console or json
	DryRun    bool   `yaml:"-"`
}

// Defaults returns a Config populated from defaults.go.
func Defaults() *Config {
	return &Config{
		Mode:             ModeServe,
		ControlPort:      DefaultControlPort,
		OTAPort:          DefaultOTAPort,
		HandshakeTimeout: DefaultHandshakeTimeout,
		IdleTimeout:      DefaultIdleTimeout,
		AuthLockout:      DefaultAuthLockout,
		SerialPath:       DefaultSerialPath,
		Baud:             DefaultBaud,
		NVSPath:          DefaultNVSPath,
		FirmwareDir:      DefaultFirmwareDir,
		ImageMagic:       DefaultImageMagic,
		SlotCapacity:     DefaultSlotCapacity,
		DialTimeout:      DefaultDialTimeout,
		LogFormat:        DefaultLogFormat,
	}
}

// ControlAddr is the control port address to bind or dial.
func (c *Config) ControlAddr() string {
	if c.Mode == ModeServe {
		return fmt.Sprintf("%s:%d", c.BindHost, c.ControlPort)
	}
	return fmt.Sprintf("%s:%d", c.Host, c.ControlPort)
}

// OTAAddr is the OTA port address to bind or dial.
func (c *Config) OTAAddr() string {
	if c.Mode == ModeServe {
		return fmt.Sprintf("%s:%d", c.BindHost, c.OTAPort)
	}
	return fmt.Sprintf("%s:%d", c.Host, c.OTAPort)
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent and
// returns an *errors.ConfigError for the first problem found.
func (c *Config) Validate() error {
	if err := validatePort("port", c.ControlPort); err != nil {
		return err
	}
	if err := validatePort("ota-port", c.OTAPort); err != nil {
		return err
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return &errors.ConfigError{
			Field:   "log-format",
			Value:   c.LogFormat,
			Message: "unknown log format",
			Hint:    "use console or json",
		}
	}

	switch c.Mode {
	case ModeServe:
		return c.validateServe()
	case ModeConsole, ModeAbort:
		return c.validateClient()
	case ModePush:
		if err := c.validateClient(); err != nil {
			return err
		}
		if c.Image == "" {
			return &errors.ConfigError{Field: "image", Message: "firmware image path is required"}
		}
		if c.Inline && !c.Login {
			return &errors.ConfigError{
				Field:   "inline",
				Message: "inline transfer happens on the control connection",
				Hint:    "add --login",
			}
		}
		return nil
	default:
		return &errors.ConfigError{
			Field:   "mode",
			Value:   c.Mode,
			Message: "unknown mode",
			Hint:    "use serve, console, push or abort",
		}
	}
}

func (c *Config) validateServe() error {
	if c.Password == "" {
		return &errors.ConfigError{
			Field:   "password",
			Message: "a password is required to serve",
			Hint:    "set --password or TTYBRIDGE_PASSWORD (a bcrypt hash is accepted)",
		}
	}
	if c.ControlPort == c.OTAPort {
		return &errors.ConfigError{
			Field:   "ota-port",
			Value:   c.OTAPort,
			Message: "must differ from the control port",
		}
	}
	if c.SerialPath == "" {
		return &errors.ConfigError{Field: "serial", Message: "serial device path is required"}
	}
	if c.Baud < serial.MinBaud || c.Baud > serial.MaxBaud {
		return &errors.ConfigError{
			Field:   "baud",
			Value:   c.Baud,
			Message: fmt.Sprintf("out of range %d-%d", serial.MinBaud, serial.MaxBaud),
		}
	}
	if c.NVSPath == "" {
		return &errors.ConfigError{Field: "nvs", Message: "settings file path is required"}
	}
	if c.FirmwareDir == "" {
		return &errors.ConfigError{Field: "firmware-dir", Message: "firmware directory is required"}
	}
	if c.ImageMagic < 0 || c.ImageMagic > 0xFF {
		return &errors.ConfigError{
			Field:   "image-magic",
			Value:   c.ImageMagic,
			Message: "must be a single byte",
			Hint:    "use 0 to disable the check",
		}
	}
	if c.HandshakeTimeout <= 0 || c.IdleTimeout <= 0 {
		return &errors.ConfigError{Field: "idle-timeout", Message: "timeouts must be positive"}
	}
	if c.MaxAuthFailures < 0 {
		return &errors.ConfigError{Field: "max-auth-failures", Value: c.MaxAuthFailures, Message: "must not be negative"}
	}
	if c.MaxAuthFailures > 0 && c.AuthLockout <= 0 {
		return &errors.ConfigError{
			Field:   "auth-lockout",
			Value:   c.AuthLockout,
			Message: "lockout must be positive when max-auth-failures is set",
		}
	}
	return nil
}

func (c *Config) validateClient() error {
	if c.Host == "" {
		return &errors.ConfigError{
			Field:   "host",
			Message: "bridge host is required",
			Hint:    fmt.Sprintf("ttybridge %s [flags] <host>", c.Mode),
		}
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &errors.ConfigError{Field: field, Value: port, Message: "out of range 1-65535"}
	}
	return nil
}
