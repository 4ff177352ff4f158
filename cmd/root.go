// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"ttybridge/config"
	"ttybridge/internal/core"
	"ttybridge/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X ttybridge/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected ttybridge mode.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage(nil)
		return nil
	}
	switch args[0] {
	case "-h", "--help", "help":
		printUsage(nil)
		return nil
	case "--version", "version":
		fmt.Printf("ttybridge %s\n", version)
		return nil
	}

	mode := args[0]
	switch mode {
	case config.ModeServe, config.ModeConsole, config.ModePush, config.ModeAbort:
	default:
		return fmt.Errorf("unknown command %q (use --help for usage)", mode)
	}

	cfg, err := load(mode, args[1:])
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil // help printed
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DryRun {
		fmt.Fprintf(os.Stderr, "configuration valid (%s)\n", cfg.Mode)
		return nil
	}

	logger := util.NewLogger(cfg.Verbose)
	logger.SetJSON(cfg.LogFormat == "json")

	m, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	return m.Run(ctx)
}

// load assembles the configuration for mode: defaults, then the file
// named by --config, then the environment, then the remaining flags.
// It returns nil when help was requested.
func load(mode string, args []string) (*config.Config, error) {
	cfg := config.Defaults()
	cfg.Mode = mode

	if path := configPath(args); path != "" {
		if err := config.LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)

	fs, showHelp := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *showHelp {
		printUsage(fs)
		return nil, nil
	}
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configPath finds --config before the full flag set exists, so the
// file can supply the defaults the flags are registered with.
func configPath(args []string) string {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	path := fs.String("config", os.Getenv("TTYBRIDGE_CONFIG"), "")
	_ = fs.Parse(args)
	return *path
}

// newFlagSet registers the flags of cfg.Mode using the values already
// in cfg as defaults, so only flags given on the command line override
// the file and environment.
func newFlagSet(cfg *config.Config) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet("ttybridge "+cfg.Mode, flag.ContinueOnError)

	var configFile string
	fs.StringVar(&configFile, "config", "", "YAML configuration file")
	fs.IntVarP(&cfg.ControlPort, "port", "p", cfg.ControlPort, "Control port")
	fs.IntVar(&cfg.OTAPort, "ota-port", cfg.OTAPort, "Firmware push port")

	switch cfg.Mode {
	case config.ModeServe:
		// ── bridge ───────────────────────────────────────────────
		fs.StringVar(&cfg.BindHost, "bind", cfg.BindHost, "Address to listen on (all interfaces if empty)")
		fs.StringVar(&cfg.Password, "password", cfg.Password, "Control password or bcrypt hash")
		fs.BoolVar(&cfg.HidePassword, "hide-password", cfg.HidePassword, "Ask the client not to echo the password")
		fs.BoolVar(&cfg.PushListener, "push-listener", cfg.PushListener, "Accept firmware pushes on the OTA port at any time")
		fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Console negotiation timeout")
		fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Console idle timeout")
		fs.IntVar(&cfg.MaxAuthFailures, "max-auth-failures", cfg.MaxAuthFailures, "Wrong passwords before locking out (0 = unlimited)")
		fs.DurationVar(&cfg.AuthLockout, "auth-lockout", cfg.AuthLockout, "How long a lockout lasts")
		fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")

		// ── serial ───────────────────────────────────────────────
		fs.StringVar(&cfg.SerialPath, "serial", cfg.SerialPath, "Serial device")
		fs.Uint32Var(&cfg.Baud, "baud", cfg.Baud, "Baud rate until one has been saved")

		// ── storage ──────────────────────────────────────────────
		fs.StringVar(&cfg.NVSPath, "nvs", cfg.NVSPath, "Settings file")
		fs.StringVar(&cfg.FirmwareDir, "firmware-dir", cfg.FirmwareDir, "Firmware slot directory")
		fs.IntVar(&cfg.ImageMagic, "image-magic", cfg.ImageMagic, "Required first image byte (0 disables)")
		fs.Uint32Var(&cfg.SlotCapacity, "slot-capacity", cfg.SlotCapacity, "Firmware slot size in bytes")
	case config.ModeConsole:
		fs.StringVar(&cfg.Password, "password", cfg.Password, "Control password (prompted if empty)")
		fs.DurationVar(&cfg.DialTimeout, "timeout", cfg.DialTimeout, "Connect timeout")
	case config.ModePush:
		fs.StringVar(&cfg.Password, "password", cfg.Password, "Control password, with --login")
		fs.BoolVar(&cfg.Login, "login", cfg.Login, "Log in and issue the ota command first")
		fs.BoolVar(&cfg.Inline, "inline", cfg.Inline, "Send the image on the control connection (with --login)")
		fs.DurationVar(&cfg.DialTimeout, "timeout", cfg.DialTimeout, "Connect timeout")
	case config.ModeAbort:
		fs.DurationVar(&cfg.DialTimeout, "timeout", cfg.DialTimeout, "Connect timeout")
	}

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console or json")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate configuration and exit")

	showHelp := fs.BoolP("help", "h", false, "Show this help")
	fs.Usage = func() { printUsage(fs) }
	return fs, showHelp
}

// ── helpers ──────────────────────────────────────────────────────────

func parsePositional(cfg *config.Config, remaining []string) error {
	want := 0
	switch cfg.Mode {
	case config.ModeConsole, config.ModeAbort:
		want = 1
	case config.ModePush:
		want = 2
	}
	if len(remaining) > want {
		return fmt.Errorf("too many arguments for %s", cfg.Mode)
	}
	if len(remaining) > 0 {
		cfg.Host = remaining[0]
	}
	if len(remaining) > 1 {
		cfg.Image = remaining[1]
	}
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `ttybridge – serial console and firmware bridge v%s

Usage:
  ttybridge serve [options]                   Run the bridge
  ttybridge console [options] <host>          Attach to the serial console
  ttybridge push [options] <host> <image>     Send a firmware image
  ttybridge abort [options] <host>            Cancel a pending update
`, version)
	if fs != nil {
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		fs.PrintDefaults()
	}
	fmt.Fprintf(os.Stderr, `
Examples:
  ttybridge serve --password s3cret --serial /dev/ttyUSB0
  ttybridge serve --config /etc/ttybridge.yaml --push-listener
  ttybridge console bridge.local                  Prompts for the password
  ttybridge push bridge.local firmware.bin
  ttybridge push --login --inline bridge.local firmware.bin
`)
}
