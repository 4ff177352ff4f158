package session

import (
	"io"
	"net"
	"testing"
	"time"

	"ttybridge/util"
)

func pipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return New(7, server, util.NewLogger(0)), client
}

func readN(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	b := make([]byte, n)
	if _, err := io.ReadFull(conn, b); err != nil {
		t.Fatalf("read: %v (got %q)", err, b)
	}
	return string(b)
}

func TestUnread_ServedBeforeConnection(t *testing.T) {
	sess, client := pipeSession(t)
	sess.Unread([]byte("world"))
	sess.Unread([]byte("hello "))
	go client.Write([]byte("!"))

	if got := readN(t, sess.Conn, 12); got != "hello world!" {
		t.Errorf("got %q", got)
	}
}

func TestUnread_Empty(t *testing.T) {
	sess, _ := pipeSession(t)
	raw := sess.Conn
	sess.Unread(nil)
	if sess.Conn != raw {
		t.Error("empty unread wrapped the connection")
	}
}

func TestUnread_Copies(t *testing.T) {
	sess, _ := pipeSession(t)
	b := []byte("abc")
	sess.Unread(b)
	b[0] = 'x'
	if got := readN(t, sess.Conn, 3); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestSkipLineFeed(t *testing.T) {
	tests := []struct {
		name    string
		pending string
		sends   []string
		want    string
	}{
		{"lf from connection", "", []string{"\nok"}, "ok"},
		{"nul from connection", "", []string{"\x00ok"}, "ok"},
		{"lone lf then data", "", []string{"\n", "ok"}, "ok"},
		{"other byte kept", "", []string{"ok"}, "ok"},
		{"lf already pending", "\nok", nil, "ok"},
		{"only first lf dropped", "", []string{"\n\nok"}, "\nok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, client := pipeSession(t)
			sess.SkipLineFeed()
			sess.Unread([]byte(tt.pending))
			go func() {
				for _, s := range tt.sends {
					client.Write([]byte(s))
				}
			}()
			if got := readN(t, sess.Conn, len(tt.want)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRemoteAddr(t *testing.T) {
	if RemoteAddr(nil) != "unknown" {
		t.Error("nil conn")
	}
	sess, _ := pipeSession(t)
	sess.Unread([]byte("x"))
	if RemoteAddr(sess.Conn) != "pipe" {
		t.Errorf("RemoteAddr = %q", RemoteAddr(sess.Conn))
	}
}
