// Package core is the orchestration layer.  It composes the protocol
// engine, capabilities and collaborators into complete operational
// modes and provides a builder that selects the right mode from a
// Config.
//
// Architecture layers (bottom → top):
//
//	telnet, command, pump, ota  →  capability  →  session  →  core  →  cmd (CLI)
//
// The bridge side (serve) runs a Supervisor on the control port, an
// optional push listener and an optional metrics endpoint.  The client
// side (console, push, abort) dials a bridge.
package core

import (
	"context"
	"net"
	"sync"

	"ttybridge/internal/metrics"
	"ttybridge/internal/ota"
	"ttybridge/util"
)

// Mode represents a complete operational mode of ttybridge.  Each mode
// owns its full lifecycle from connection establishment to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

// Bridge is the serve mode: the control port supervisor plus the
// optional push listener and metrics endpoint, each on its own
// goroutine.
type Bridge struct {
	Supervisor  *Supervisor
	Push        *ota.Server // nil when the push listener is disabled
	Metrics     *metrics.Collector
	MetricsAddr string // empty disables the endpoint
	Logger      *util.Logger
}

// Run starts every component and returns when ctx is cancelled or the
// first of them fails, stopping the rest.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				b.Logger.Error("%s: %v", name, err)
				errCh <- err
			}
			cancel()
		}()
	}

	if b.MetricsAddr != "" {
		ln, err := net.Listen("tcp", b.MetricsAddr)
		if err != nil {
			return err
		}
		b.Logger.Verbose("metrics on http://%s/metrics", ln.Addr())
		start("metrics", func(ctx context.Context) error { return b.Metrics.Serve(ctx, ln) })
	}
	if b.Push != nil {
		start("push listener", b.Push.Run)
	}
	start("control", b.Supervisor.Run)

	b.Logger.Info("bridge up on %s", b.Supervisor.Addr)
	wg.Wait()
	close(errCh)
	return <-errCh
}
