package capability

import (
	"context"

	"ttybridge/internal/ota"
	"ttybridge/internal/session"
)

// Update receives a firmware image after the ota command.
//
// With Inline set the request is read from the control connection
// itself.  Otherwise a one-shot listener is opened on Addr and the
// control connection stays idle until that transfer ends.
type Update struct {
	Receiver  *ota.Receiver
	Restarter ota.Restarter
	Inline    bool
	Addr      string
}

// Handle performs one transfer and restarts on success.
func (u *Update) Handle(ctx context.Context, sess *session.Session) error {
	var (
		res ota.Result
		err error
	)
	if u.Inline {
		sess.Logger.Info("ota: reading image from control connection")
		res, err = u.Receiver.Receive(ctx, sess.Conn)
	} else {
		sess.Logger.Info("ota: waiting for push on %s", u.Addr)
		res, err = ota.ListenOnce(ctx, u.Addr, u.Receiver, sess.Logger)
	}
	if err != nil {
		return err
	}
	if res.Outcome != ota.Updated || u.Restarter == nil {
		return nil
	}

	sess.Logger.Info("ota: restarting into %s", res.Partition.Label)
	return u.Restarter.Restart()
}
