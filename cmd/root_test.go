package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ttybridge/config"
)

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	if err := Execute(context.Background(), []string{"--version"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestExecute_Help verifies --help (and no args) returns without error.
func TestExecute_Help(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {}, {"serve", "--help"}, {"push", "-h"}} {
		name := "no-args"
		if len(args) > 0 {
			name = strings.Join(args, " ")
		}
		t.Run(name, func(t *testing.T) {
			if err := Execute(context.Background(), args); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRun verifies --dry-run validates and exits cleanly.
func TestExecute_DryRun(t *testing.T) {
	tests := [][]string{
		{"serve", "--password", "s3cret", "--dry-run"},
		{"console", "bridge.local", "--dry-run"},
		{"push", "--login", "--inline", "bridge.local", "fw.bin", "--dry-run"},
		{"abort", "-p", "2323", "bridge.local", "--dry-run"},
	}
	for _, args := range tests {
		t.Run(args[0], func(t *testing.T) {
			if err := Execute(context.Background(), args); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	t.Setenv("TTYBRIDGE_PASSWORD", "")
	tests := []struct {
		args    []string
		wantSub string
	}{
		{[]string{"serve", "--dry-run"}, "password"},
		{[]string{"serve", "--password", "x", "--baud", "0", "--dry-run"}, "baud"},
		{[]string{"console", "--dry-run"}, "host"},
		{[]string{"push", "bridge.local", "--dry-run"}, "image"},
		{[]string{"push", "--inline", "bridge.local", "fw.bin", "--dry-run"}, "--login"},
		{[]string{"abort", "a", "b", "--dry-run"}, "too many arguments"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			err := Execute(context.Background(), tt.args)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should mention %q", err, tt.wantSub)
			}
		})
	}
}

// TestExecute_InvalidFlags verifies unknown flags and commands produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	if err := Execute(context.Background(), []string{"serve", "--nonexistent-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if err := Execute(context.Background(), []string{"flash"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
	// Client flags are not accepted by serve and vice versa.
	if err := Execute(context.Background(), []string{"abort", "--serial", "/dev/ttyS0", "h"}); err == nil {
		t.Fatal("expected error for serve-only flag on abort")
	}
}

// TestLoad_Precedence verifies flags > env > file > defaults.
func TestLoad_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	body := "controlPort: 2300\notaPort: 9000\nbaud: 57600\npassword: file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TTYBRIDGE_OTA_PORT", "9100")
	t.Setenv("TTYBRIDGE_PASSWORD", "")

	cfg, err := load(config.ModeServe, []string{"--config", path, "--baud", "9600"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ControlPort != 2300 {
		t.Errorf("ControlPort = %d, want file value 2300", cfg.ControlPort)
	}
	if cfg.OTAPort != 9100 {
		t.Errorf("OTAPort = %d, want env value 9100", cfg.OTAPort)
	}
	if cfg.Baud != 9600 {
		t.Errorf("Baud = %d, want flag value 9600", cfg.Baud)
	}
	if cfg.Password != "file" {
		t.Errorf("Password = %q, want file value", cfg.Password)
	}
	if cfg.IdleTimeout != config.DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v, want default", cfg.IdleTimeout)
	}
}

func TestLoad_Positional(t *testing.T) {
	cfg, err := load(config.ModePush, []string{"-v", "bridge.local", "fw.bin"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "bridge.local" || cfg.Image != "fw.bin" || cfg.Verbose != 1 {
		t.Errorf("got host=%q image=%q verbose=%d", cfg.Host, cfg.Image, cfg.Verbose)
	}
	if got := cfg.OTAAddr(); got != "bridge.local:8888" {
		t.Errorf("OTAAddr = %q", got)
	}
}
