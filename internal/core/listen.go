package core

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"ttybridge/internal/capability"
	"ttybridge/internal/command"
	"ttybridge/internal/errors"
	"ttybridge/internal/metrics"
	"ttybridge/internal/retry"
	"ttybridge/internal/session"
	"ttybridge/util"
)

var errWrongPassword = errors.New("wrong password")

// Supervisor owns the control port.  It serves exactly one session at a
// time: the listener is closed as soon as a connection is accepted and
// reopened once that session has been torn down, so a second client is
// refused at connect time.
type Supervisor struct {
	Addr string

	// Interpreter is copied for each session.
	Interpreter *command.Interpreter

	// Capabilities maps the directives that hand the connection on.
	// Directives without an entry simply close the session.
	Capabilities map[command.Directive]capability.Capability

	// Breaker, when set, counts consecutive wrong passwords across
	// sessions and refuses connections while it is open.
	Breaker *retry.CircuitBreaker

	Metrics *metrics.Collector
	Logger  *util.Logger

	nextID atomic.Uint64
}

// Run serves sessions until ctx is cancelled.  Only a failure to bind
// the control port is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		ln, err := net.Listen("tcp", s.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.Addr, err)
		}
		s.Logger.Verbose("listening on %s", ln.Addr())

		conn, err := util.AcceptOne(ctx, ln)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return nil
		}
		if err != nil {
			s.Logger.Warn("%v", err)
			s.Metrics.RecordError(err.Error())
			continue
		}

		s.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// serve runs one session end to end and always closes conn.
func (s *Supervisor) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if s.Breaker != nil {
		if err := s.Breaker.Allow(); err != nil {
			s.Logger.Warn("refusing %s: %v: %v", session.RemoteAddr(conn), errors.ErrAuthLocked, err)
			s.Metrics.SessionRefused()
			return
		}
	}

	sess := session.New(s.nextID.Add(1), conn, s.Logger)
	s.Metrics.SessionOpened()
	defer s.Metrics.SessionClosed()
	sess.Logger.Info("session opened")

	in := *s.Interpreter
	in.OnAuthFailure = func() {
		s.Metrics.AuthFailure()
		if s.Breaker == nil {
			return
		}
		s.Breaker.Record(errWrongPassword)
		if s.Breaker.CurrentState() == retry.StateOpen {
			sess.Logger.Warn("%v for %v", errors.ErrAuthLocked, s.Breaker.Remaining().Round(time.Second))
			conn.Close()
		}
	}
	in.OnAuthSuccess = func() {
		if s.Breaker != nil {
			s.Breaker.Record(nil)
		}
	}

	in.Greet(sess)
	d, err := in.Run(ctx, sess)
	if err != nil {
		s.report(ctx, sess, "command", err)
		return
	}
	s.Metrics.Directive(d.String())

	c, ok := s.Capabilities[d]
	if !ok {
		sess.Logger.Info("session closed (%s)", d)
		return
	}
	if err := c.Handle(ctx, sess); err != nil {
		s.report(ctx, sess, d.String(), err)
		return
	}
	sess.Logger.Info("session closed (%s)", d)
}

// report logs a session-level failure.  Shutdown noise is demoted to
// verbose output and not counted.
func (s *Supervisor) report(ctx context.Context, sess *session.Session, phase string, err error) {
	if ctx.Err() != nil || util.IsHarmless(err) {
		sess.Logger.Verbose("%s: %v", phase, err)
		return
	}
	sess.Logger.Error("%s: %v", phase, err)
	s.Metrics.RecordError(err.Error())
}
