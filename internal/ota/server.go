package ota

import (
	"context"
	"fmt"
	"net"
	"time"

	"ttybridge/internal/errors"
	"ttybridge/util"
)

// TCP keepalive on push connections.
const (
	KeepAliveIdle     = 5 * time.Second
	KeepAliveInterval = 5 * time.Second
	KeepAliveCount    = 3
)

// Restarter reboots into the newly selected firmware.
type Restarter interface {
	Restart() error
}

// Server is the dedicated push listener.  It accepts one connection at
// a time and closes its listener while serving it, so concurrent pushes
// are refused at connect time.
type Server struct {
	Addr      string
	Receiver  *Receiver
	Restarter Restarter
	Logger    *util.Logger
}

// Run serves push requests until ctx is cancelled.  A listen failure is
// returned immediately; everything else is logged and the listener is
// reopened.
func (s *Server) Run(ctx context.Context) error {
	for {
		res, err := ListenOnce(ctx, s.Addr, s.Receiver, s.Logger)
		if ctx.Err() != nil {
			return nil
		}
		var le *listenError
		if errors.As(err, &le) {
			return le.err
		}
		if err != nil {
			s.Logger.Verbose("ota: push failed: %v", err)
			continue
		}
		if res.Outcome == Updated && s.Restarter != nil {
			s.Logger.Info("ota: restarting into %s", res.Partition.Label)
			if err := s.Restarter.Restart(); err != nil {
				s.Logger.Error("ota: restart: %v", err)
			}
		}
	}
}

type listenError struct{ err error }

func (e *listenError) Error() string { return e.err.Error() }
func (e *listenError) Unwrap() error { return e.err }

// ListenOnce binds addr, accepts a single connection, closes the
// listener and hands the connection to rc.  It returns when the request
// has been answered or ctx is cancelled.
func ListenOnce(ctx context.Context, addr string, rc *Receiver, logger *util.Logger) (Result, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Result{}, &listenError{fmt.Errorf("listen on %s: %w", addr, err)}
	}
	logger.Verbose("ota: listening on %s", ln.Addr())

	conn, err := util.AcceptOne(ctx, ln)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	logger.Info("ota: connection from %s", conn.RemoteAddr())
	if err := util.SetKeepAlive(conn, KeepAliveIdle, KeepAliveInterval, KeepAliveCount); err != nil {
		logger.Verbose("ota: keepalive: %v", err)
	}
	return rc.Receive(ctx, conn)
}
