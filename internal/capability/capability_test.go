package capability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ttybridge/internal/errors"
	"ttybridge/internal/firmware"
	"ttybridge/internal/metrics"
	"ttybridge/internal/ota"
	"ttybridge/internal/session"
	"ttybridge/internal/telnet"
	"ttybridge/util"
)

// pipeSerial hands out one end of a pipe as the serial port and keeps
// the other as the device.
type pipeSerial struct {
	device net.Conn
	opens  atomic.Int32
}

func (p *pipeSerial) Open(context.Context) (io.ReadWriteCloser, error) {
	p.opens.Add(1)
	port, device := net.Pipe()
	p.device = device
	return port, nil
}

func newSession(conn net.Conn) *session.Session {
	return session.New(1, conn, util.NewLogger(0))
}

func TestConsole_HandshakeThenPump(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serial := &pipeSerial{}
	c := &Console{Serial: serial, HandshakeTimeout: time.Second, IdleTimeout: time.Minute, Metrics: metrics.New()}

	done := make(chan error, 1)
	go func() { done <- c.Handle(context.Background(), newSession(server)) }()

	if err := telnet.Respond(client, io.Discard, telnet.HandshakeRounds); err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	// Wait for the port to be opened by the capability.
	deadline := time.Now().Add(time.Second)
	for serial.opens.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if serial.opens.Load() != 1 {
		t.Fatal("serial port not opened after handshake")
	}

	go client.Write([]byte("ls\r"))
	buf := make([]byte, 3)
	serial.device.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(serial.device, buf); err != nil || string(buf) != "ls\r" {
		t.Fatalf("device read %q, %v", buf, err)
	}

	client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("console did not end after hang-up")
	}
}

func TestConsole_HandshakeFailureSkipsSerial(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serial := &pipeSerial{}
	c := &Console{Serial: serial, HandshakeTimeout: 100 * time.Millisecond}

	go func() {
		buf := make([]byte, 3)
		io.ReadFull(client, buf)
		client.Write([]byte{telnet.IAC, telnet.DO, telnet.SGA})
	}()

	err := c.Handle(context.Background(), newSession(server))
	if !errors.Is(err, errors.ErrHandshake) {
		t.Fatalf("expected handshake error, got %v", err)
	}
	if serial.opens.Load() != 0 {
		t.Error("serial opened despite failed handshake")
	}
}

type countingRestarter struct{ n atomic.Int32 }

func (r *countingRestarter) Restart() error {
	r.n.Add(1)
	return nil
}

func newReceiver(t *testing.T) (*ota.Receiver, *firmware.Store) {
	t.Helper()
	store, err := firmware.Open(t.TempDir(), firmware.Options{NoMagic: true})
	if err != nil {
		t.Fatal(err)
	}
	return &ota.Receiver{Target: store, Logger: util.NewLogger(0)}, store
}

func request(body string) []byte {
	return []byte(fmt.Sprintf("POST / HTTP/1.0\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
}

func TestUpdate_Inline(t *testing.T) {
	rc, store := newReceiver(t)
	restarter := &countingRestarter{}
	u := &Update{Receiver: rc, Restarter: restarter, Inline: true}

	server, client := net.Pipe()
	defer client.Close()
	go client.Write(request("new firmware"))

	respCh := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(client)
		respCh <- string(b)
	}()

	err := u.Handle(context.Background(), newSession(server))
	server.Close()
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp := <-respCh; !strings.Contains(resp, "Next boot partition: ota_1") {
		t.Errorf("response = %q", resp)
	}
	if restarter.n.Load() != 1 {
		t.Errorf("restarts = %d", restarter.n.Load())
	}
	if store.BootTarget() != "ota_1" {
		t.Errorf("boot target = %s", store.BootTarget())
	}
	img, _ := os.ReadFile(store.SlotPath("ota_1"))
	if !bytes.Equal(img, []byte("new firmware")) {
		t.Errorf("slot holds %q", img)
	}
}

func TestUpdate_InlineFailureNoRestart(t *testing.T) {
	rc, _ := newReceiver(t)
	restarter := &countingRestarter{}
	u := &Update{Receiver: rc, Restarter: restarter, Inline: true}

	server, client := net.Pipe()
	go func() {
		client.Write([]byte("POST / HTTP/1.0\r\nContent-Length: 100\r\n\r\nshort"))
		client.Close()
	}()

	err := u.Handle(context.Background(), newSession(server))
	server.Close()
	if !errors.Is(err, errors.ErrIncompleteTransfer) {
		t.Fatalf("expected incomplete transfer, got %v", err)
	}
	if restarter.n.Load() != 0 {
		t.Error("restarted after a failed transfer")
	}
}

func TestUpdate_DedicatedListener(t *testing.T) {
	rc, store := newReceiver(t)
	restarter := &countingRestarter{}
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	addr := util.FormatAddr("127.0.0.1", port)
	u := &Update{Receiver: rc, Restarter: restarter, Addr: addr}

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- u.Handle(context.Background(), newSession(server)) }()

	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err = net.Dial("tcp", addr)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial OTA port: %v", err)
	}
	conn.Write(request("img"))
	resp, _ := io.ReadAll(conn)
	conn.Close()

	if err := <-done; err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.HasPrefix(string(resp), "HTTP/1.0 200 OK") {
		t.Errorf("response = %q", resp)
	}
	if restarter.n.Load() != 1 || store.BootTarget() != "ota_1" {
		t.Errorf("restarts=%d boot=%s", restarter.n.Load(), store.BootTarget())
	}
}
