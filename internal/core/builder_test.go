package core

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"ttybridge/config"
	"ttybridge/internal/command"
	"ttybridge/internal/nvs"
	"ttybridge/util"
)

func serveConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.BindHost = "127.0.0.1"
	cfg.Password = testPassword
	cfg.NVSPath = filepath.Join(dir, "state", "settings.cbor")
	cfg.FirmwareDir = filepath.Join(dir, "firmware")
	return cfg
}

func TestBuild_Serve(t *testing.T) {
	cfg := serveConfig(t)
	m, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, ok := m.(*Bridge)
	if !ok {
		t.Fatalf("Build returned %T, want *Bridge", m)
	}
	if b.Push != nil {
		t.Error("push listener built although disabled")
	}
	if b.Supervisor.Breaker != nil {
		t.Error("auth lockout built although unlimited")
	}
	if _, ok := b.Supervisor.Capabilities[command.Console]; !ok {
		t.Error("console capability missing")
	}
	if b.Supervisor.Addr != "127.0.0.1:23" {
		t.Errorf("control addr = %q", b.Supervisor.Addr)
	}
}

func TestBuild_ServeOptions(t *testing.T) {
	cfg := serveConfig(t)
	cfg.PushListener = true
	cfg.MaxAuthFailures = 3
	cfg.HidePassword = true

	m, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b := m.(*Bridge)
	if b.Push == nil || b.Push.Addr != "127.0.0.1:8888" {
		t.Errorf("push listener = %+v", b.Push)
	}
	if b.Supervisor.Breaker == nil {
		t.Error("auth lockout missing")
	}
	if !b.Supervisor.Interpreter.HidePassword {
		t.Error("hide-password not applied")
	}
}

func TestBuild_ServeUsesSavedBaud(t *testing.T) {
	cfg := serveConfig(t)
	m, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	// Persist a rate the way the save command does, then rebuild.
	settings := m.(*Bridge).Supervisor.Interpreter.Settings.(*nvs.Store)
	if err := settings.Set(command.BaudKey, 9600); err != nil {
		t.Fatal(err)
	}
	if err := settings.Commit(); err != nil {
		t.Fatal(err)
	}

	m, err = Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	if got := m.(*Bridge).Supervisor.Interpreter.Serial.BaudRate(); got != 9600 {
		t.Errorf("baud = %d, want saved 9600", got)
	}
}

func TestBuild_Clients(t *testing.T) {
	tests := []struct {
		mode string
		want string
	}{
		{config.ModeConsole, "*core.ConsoleClient"},
		{config.ModePush, "*core.PushClient"},
		{config.ModeAbort, "*core.AbortClient"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Mode = tt.mode
			cfg.Host = "bridge.local"
			m, err := Build(cfg, util.NewLogger(0))
			if err != nil {
				t.Fatal(err)
			}
			if got := fmt.Sprintf("%T", m); got != tt.want {
				t.Errorf("Build = %s, want %s", got, tt.want)
			}
		})
	}

	cfg := config.Defaults()
	cfg.Mode = config.ModePush
	cfg.Host = "bridge.local"
	m, _ := Build(cfg, util.NewLogger(0))
	if p := m.(*PushClient); p.Address != "bridge.local:8888" || p.Control != "bridge.local:23" {
		t.Errorf("push addresses %q / %q", p.Address, p.Control)
	}
}

func TestBuild_UnknownMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "flash"
	if _, err := Build(cfg, util.NewLogger(0)); err == nil {
		t.Fatal("expected error")
	}
}

func TestBridge_RunAndCancel(t *testing.T) {
	cfg := serveConfig(t)
	cfg.PushListener = true
	cfg.ControlPort = mustPort(t)
	cfg.OTAPort = mustPort(t)
	cfg.MetricsAddr = freeAddr(t)

	m, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	conn := dial(t, cfg.ControlAddr())
	if _, err := readUntil(conn, time.Second, command.Prompt); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	conn.Close()
	dial(t, cfg.OTAAddr()).Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func mustPort(t *testing.T) int {
	t.Helper()
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	return port
}
