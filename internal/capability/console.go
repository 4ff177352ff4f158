package capability

import (
	"context"
	"io"
	"time"

	"ttybridge/internal/errors"
	"ttybridge/internal/metrics"
	"ttybridge/internal/pump"
	"ttybridge/internal/session"
	"ttybridge/internal/telnet"
)

// SerialOpener opens the serial line for one console session.
type SerialOpener interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
}

// Console negotiates character mode with the client and then joins the
// connection to the serial line.
type Console struct {
	Serial           SerialOpener
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	Metrics          *metrics.Collector
}

// Handle runs the handshake, opens the serial port and pumps bytes until
// the session ends.  A failed handshake never opens the port.
func (c *Console) Handle(ctx context.Context, sess *session.Session) error {
	if err := telnet.Handshake(sess.Conn, sess, c.HandshakeTimeout); err != nil {
		return err
	}

	port, err := c.Serial.Open(ctx)
	if err != nil {
		return errors.Wrap("open serial", session.RemoteAddr(sess.Conn), err)
	}

	sess.Logger.Info("console attached")
	p := &pump.Pump{
		IdleTimeout: c.IdleTimeout,
		Metrics:     c.Metrics,
		Logger:      sess.Logger,
	}
	err = p.Run(ctx, sess.Conn, port)
	sess.Logger.Info("console detached")
	return err
}
