package pump

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"ttybridge/internal/metrics"
	"ttybridge/util"
)

type rig struct {
	server, client net.Conn // control connection
	port, device   net.Conn // serial handle and the far end of the line
	metrics        *metrics.Collector
	done           chan error
}

func startPump(t *testing.T, ctx context.Context, idle time.Duration) *rig {
	t.Helper()
	r := &rig{metrics: metrics.New(), done: make(chan error, 1)}
	r.server, r.client = net.Pipe()
	r.port, r.device = net.Pipe()
	t.Cleanup(func() {
		r.server.Close()
		r.client.Close()
		r.port.Close()
		r.device.Close()
	})

	p := &Pump{IdleTimeout: idle, Metrics: r.metrics, Logger: util.NewLogger(0)}
	go func() { r.done <- p.Run(ctx, r.server, r.port) }()
	return r
}

func (r *rig) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not return")
		return nil
	}
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(time.Second))
	defer c.SetReadDeadline(time.Time{})
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf
}

// assertPortClosed checks that the serial handle was closed by reading
// EOF from the device side of the line.
func assertPortClosed(t *testing.T, device net.Conn) {
	t.Helper()
	device.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := device.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("serial handle not closed: read err = %v", err)
	}
}

func TestPump_CopiesVerbatim(t *testing.T) {
	r := startPump(t, context.Background(), time.Minute)

	up := []byte{'h', 'i', 0xff, 0xfb, 0x01, 0x00, '\r', '\n'}
	if _, err := r.client.Write(up); err != nil {
		t.Fatal(err)
	}
	if got := readN(t, r.device, len(up)); !bytes.Equal(got, up) {
		t.Errorf("device got %v, want %v", got, up)
	}

	down := bytes.Repeat([]byte("boot log "), 300) // several chunks
	go r.device.Write(down)
	if got := readN(t, r.client, len(down)); !bytes.Equal(got, down) {
		t.Error("client did not receive serial output verbatim")
	}

	r.client.Close()
	if err := r.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.metrics.TotalToSerial() != int64(len(up)) || r.metrics.TotalFromSerial() != int64(len(down)) {
		t.Errorf("metrics = %d/%d", r.metrics.TotalToSerial(), r.metrics.TotalFromSerial())
	}
}

func TestPump_IdleExpiry(t *testing.T) {
	r := startPump(t, context.Background(), 50*time.Millisecond)

	start := time.Now()
	if err := r.wait(t); err != nil {
		t.Fatalf("idle expiry should return nil, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("returned before the idle window elapsed")
	}
	assertPortClosed(t, r.device)

	// The socket stays open and readable for the caller.
	go r.client.Write([]byte("x"))
	if got := readN(t, r.server, 1); got[0] != 'x' {
		t.Errorf("socket unusable after pump: %q", got)
	}
}

func TestPump_ActivityResetsIdle(t *testing.T) {
	r := startPump(t, context.Background(), 150*time.Millisecond)

	go func() {
		buf := make([]byte, 16)
		for {
			if _, err := r.device.Read(buf); err != nil {
				return
			}
		}
	}()
	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		if _, err := r.client.Write([]byte("k")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	select {
	case err := <-r.done:
		t.Fatalf("pump ended during activity: %v", err)
	default:
	}
	if err := r.wait(t); err != nil {
		t.Fatal(err)
	}
}

func TestPump_ClientHangUp(t *testing.T) {
	r := startPump(t, context.Background(), time.Minute)
	r.client.Close()
	if err := r.wait(t); err != nil {
		t.Fatalf("hang-up should return nil, got %v", err)
	}
	assertPortClosed(t, r.device)
}

func TestPump_SerialEOF(t *testing.T) {
	r := startPump(t, context.Background(), time.Minute)
	r.device.Close()
	if err := r.wait(t); err != nil {
		t.Fatalf("serial EOF should return nil, got %v", err)
	}
}

func TestPump_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := startPump(t, ctx, time.Minute)
	cancel()
	if err := r.wait(t); err != nil {
		t.Fatalf("cancel should return nil, got %v", err)
	}
	assertPortClosed(t, r.device)
}
