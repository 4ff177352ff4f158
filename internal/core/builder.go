package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ttybridge/config"
	"ttybridge/internal/capability"
	"ttybridge/internal/command"
	"ttybridge/internal/firmware"
	"ttybridge/internal/metrics"
	"ttybridge/internal/nvs"
	"ttybridge/internal/ota"
	"ttybridge/internal/retry"
	"ttybridge/internal/serial"
	"ttybridge/internal/system"
	"ttybridge/internal/telnet"
	"ttybridge/internal/transport"
	"ttybridge/util"
)

// restartDelay lets the OTA response reach the client before the
// process image is replaced.
const restartDelay = 500 * time.Millisecond

// Build constructs the appropriate Mode from the given configuration.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	switch cfg.Mode {
	case config.ModeServe:
		return buildServe(cfg, logger)
	case config.ModeConsole:
		return &ConsoleClient{
			Dialer:   buildDialer(cfg, logger),
			Address:  cfg.ControlAddr(),
			Password: cfg.Password,
			Logger:   logger,
		}, nil
	case config.ModePush:
		return &PushClient{
			Dialer:   buildDialer(cfg, logger),
			Address:  cfg.OTAAddr(),
			Image:    cfg.Image,
			Logger:   logger,
			Login:    cfg.Login,
			Inline:   cfg.Inline,
			Control:  cfg.ControlAddr(),
			Password: cfg.Password,
		}, nil
	case config.ModeAbort:
		return &AbortClient{
			Dialer:  buildDialer(cfg, logger),
			Address: cfg.OTAAddr(),
			Logger:  logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// ── mode builders ────────────────────────────────────────────────────

func buildServe(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.NVSPath), 0o755); err != nil {
		return nil, fmt.Errorf("settings directory: %w", err)
	}
	settings, err := nvs.Open(cfg.NVSPath)
	if err != nil {
		return nil, err
	}
	baud := settings.GetDefault(command.BaudKey, cfg.Baud)
	dev := serial.New(cfg.SerialPath, baud, logger)

	store, err := firmware.Open(cfg.FirmwareDir, firmware.Options{
		Capacity: cfg.SlotCapacity,
		Magic:    byte(cfg.ImageMagic),
		NoMagic:  cfg.ImageMagic == 0,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("running %s, serial %s at %d baud", store.Running().Label, cfg.SerialPath, baud)

	m := metrics.New()
	restarter := &system.Restarter{Delay: restartDelay, Logger: logger}
	receiver := &ota.Receiver{Target: store, Logger: logger, Metrics: m}

	interp := &command.Interpreter{
		Secret:       command.NewSecret(cfg.Password),
		Filter:       &telnet.Filter{Logger: logger},
		Serial:       dev,
		Settings:     settings,
		Status:       store.Status,
		HidePassword: cfg.HidePassword,
	}

	sup := &Supervisor{
		Addr:        cfg.ControlAddr(),
		Interpreter: interp,
		Capabilities: map[command.Directive]capability.Capability{
			command.Console: &capability.Console{
				Serial:           dev,
				HandshakeTimeout: cfg.HandshakeTimeout,
				IdleTimeout:      cfg.IdleTimeout,
				Metrics:          m,
			},
			command.OTA: &capability.Update{
				Receiver:  receiver,
				Restarter: restarter,
				Inline:    cfg.PushListener,
				Addr:      cfg.OTAAddr(),
			},
		},
		Breaker: buildBreaker(cfg, logger),
		Metrics: m,
		Logger:  logger,
	}

	b := &Bridge{
		Supervisor:  sup,
		Metrics:     m,
		MetricsAddr: cfg.MetricsAddr,
		Logger:      logger,
	}
	if cfg.PushListener {
		b.Push = &ota.Server{
			Addr:      cfg.OTAAddr(),
			Receiver:  receiver,
			Restarter: restarter,
			Logger:    logger,
		}
	}
	return b, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// buildBreaker returns the auth lockout breaker, or nil when attempts
// are unlimited.
func buildBreaker(cfg *config.Config, logger *util.Logger) *retry.CircuitBreaker {
	if cfg.MaxAuthFailures <= 0 {
		return nil
	}
	return retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
		MaxFailures:  cfg.MaxAuthFailures,
		ResetTimeout: cfg.AuthLockout,
		HalfOpenMax:  1,
		OnStateChange: func(from, to retry.State) {
			logger.Warn("auth lockout %s -> %s", from, to)
		},
	})
}

// buildDialer creates the transport.Dialer for the client modes.
func buildDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	return &transport.TCPDialer{Timeout: cfg.DialTimeout, Logger: logger}
}
