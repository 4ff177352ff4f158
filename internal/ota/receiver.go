package ota

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"ttybridge/internal/errors"
	"ttybridge/internal/metrics"
	"ttybridge/util"
)

// HeaderBufferSize bounds the request line plus headers.
const HeaderBufferSize = 1024

const (
	respNoContent = "HTTP/1.0 204 No Content\r\n\r\n"
	respOK        = "HTTP/1.0 200 OK\r\n\r\nNext boot partition: %s\n"
	respFailed    = "HTTP/1.0 500 Internal Server Error\r\n\r\nFailed (%s).\n"
)

var headerEnd = []byte("\r\n\r\n")

// Outcome is how a request ended.
type Outcome int

const (
	Failed Outcome = iota
	Cancelled
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Cancelled:
		return "cancelled"
	case Updated:
		return "updated"
	default:
		return "failed"
	}
}

// Result describes one handled request.
type Result struct {
	Outcome   Outcome
	Partition Partition
	Expected  uint32
	Written   uint32
}

// Receiver handles firmware push requests.  It serialises transfers: a
// request arriving while another one owns the target is refused.
type Receiver struct {
	Target  Target
	Logger  *util.Logger
	Metrics *metrics.Collector

	mu sync.Mutex
}

// Receive reads one request from conn, applies it and writes the
// response.  Only a result with Outcome Updated warrants a restart.
// The returned error carries a reason code (see errors.Code) for every
// failed request.
func (r *Receiver) Receive(ctx context.Context, conn net.Conn) (Result, error) {
	if !r.mu.TryLock() {
		err := errors.ErrTransferBusy
		r.Logger.Warn("ota: refusing request from %s: transfer in progress", conn.RemoteAddr())
		r.respond(conn, fmt.Sprintf(respFailed, "busy"))
		return Result{}, err
	}
	defer r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0)) //nolint:errcheck
	})
	defer stop()

	res, err := r.receive(conn)
	switch {
	case err != nil:
		r.Logger.Error("ota: %v", err)
		r.respond(conn, fmt.Sprintf(respFailed, strconv.Itoa(errors.Code(err))))
	case res.Outcome == Cancelled:
		r.Logger.Info("ota: cancelled by client")
		r.respond(conn, respNoContent)
	default:
		r.Logger.Info("ota: %d bytes written, next boot partition %s", res.Written, res.Partition.Label)
		r.respond(conn, fmt.Sprintf(respOK, res.Partition.Label))
	}
	if res.Outcome != Cancelled {
		r.Metrics.OTAResult(err == nil, int64(res.Written))
	}
	return res, err
}

func (r *Receiver) respond(conn net.Conn, s string) {
	if _, err := io.WriteString(conn, s); err != nil {
		r.Logger.Verbose("ota: write response: %v", err)
	}
}

func (r *Receiver) receive(conn net.Conn) (Result, error) {
	buf := make([]byte, HeaderBufferSize)
	header, body, err := readHeader(conn, buf)
	if err != nil {
		return Result{}, err
	}

	if bytes.HasPrefix(header, []byte("DELETE ")) {
		return Result{Outcome: Cancelled}, nil
	}
	if !bytes.HasPrefix(header, []byte("POST ")) {
		return Result{}, errors.Protocol("ota request",
			fmt.Errorf("%w: unsupported method in %q", errors.ErrMalformedRequest, firstLine(header)))
	}
	expected, err := contentLength(header)
	if err != nil {
		return Result{}, err
	}

	part, err := r.Target.NextPartition()
	if err != nil {
		return Result{}, errors.Integrity("select partition", errors.CodeGeneric, err)
	}
	res := Result{Partition: part, Expected: expected}
	if part.Capacity > 0 && expected > part.Capacity {
		return res, errors.Integrity("ota request", errors.CodeTooLarge,
			fmt.Errorf("image of %d bytes exceeds partition %s (%d bytes)", expected, part.Label, part.Capacity))
	}

	r.Logger.Info("ota: receiving %d bytes into %s", expected, part.Label)
	up, err := r.Target.Begin(part, expected)
	if err != nil {
		return res, errors.Integrity("begin", errors.CodeGeneric, err)
	}

	if err := r.stream(conn, up, body, buf, &res); err != nil {
		if aerr := up.Abort(); aerr != nil {
			r.Logger.Warn("ota: abort: %v", aerr)
		}
		return res, err
	}
	res.Outcome = Updated
	return res, nil
}

// stream writes the leftover body bytes and then the rest of the image,
// finalizes the update and selects the partition for boot.
func (r *Receiver) stream(conn net.Conn, up Update, body, buf []byte, res *Result) error {
	write := func(b []byte) error {
		if remaining := res.Expected - res.Written; uint32(len(b)) > remaining {
			b = b[:remaining]
		}
		if len(b) == 0 {
			return nil
		}
		n, err := up.Write(b)
		res.Written += uint32(n)
		if err != nil {
			return errors.Integrity("write", errors.CodeWrite, err)
		}
		return nil
	}

	if err := write(body); err != nil {
		return err
	}
	for res.Written < res.Expected {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap("ota read", conn.RemoteAddr().String(), err)
		}
	}
	if res.Written != res.Expected {
		return errors.Protocol("ota body", fmt.Errorf("%w: %d of %d bytes",
			errors.ErrIncompleteTransfer, res.Written, res.Expected))
	}

	if err := up.Finalize(); err != nil {
		return errors.Integrity("finalize", errors.CodeFinalize, err)
	}
	if err := r.Target.SetBootTarget(res.Partition); err != nil {
		return errors.Integrity("set boot target", errors.CodeBootTarget, err)
	}
	return nil
}

// readHeader reads into buf until the header terminator is seen.  It
// returns the header block (without the terminator) and whatever body
// bytes arrived with it.  Empty lines ahead of the request line, such
// as the end of the ota command line, are skipped.
func readHeader(conn net.Conn, buf []byte) (header, body []byte, err error) {
	n := 0
	for {
		if k := leadingNewlines(buf[:n]); k > 0 {
			n = copy(buf, buf[k:n])
		}
		if i := bytes.Index(buf[:n], headerEnd); i >= 0 {
			return buf[:i], buf[i+len(headerEnd) : n], nil
		}
		if n == len(buf) {
			return nil, nil, errors.Protocol("ota header",
				fmt.Errorf("%w: no header terminator within %d bytes", errors.ErrMalformedRequest, len(buf)))
		}
		m, rerr := conn.Read(buf[n:])
		n += m
		if rerr != nil {
			if bytes.Contains(buf[:n], headerEnd) {
				continue
			}
			if rerr == io.EOF {
				return nil, nil, errors.Protocol("ota header",
					fmt.Errorf("%w: connection closed before end of headers", errors.ErrMalformedRequest))
			}
			return nil, nil, errors.Wrap("ota read", conn.RemoteAddr().String(), rerr)
		}
	}
}

func leadingNewlines(b []byte) int {
	k := 0
	for k < len(b) && (b[k] == '\r' || b[k] == '\n') {
		k++
	}
	return k
}

// contentLength extracts a positive Content-Length from the header block.
func contentLength(header []byte) (uint32, error) {
	bad := func(format string, args ...any) error {
		return errors.Protocol("ota request",
			fmt.Errorf("%w: "+format, append([]any{errors.ErrMalformedRequest}, args...)...))
	}
	for _, line := range strings.Split(string(header), "\r\n")[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
		if err != nil {
			return 0, bad("invalid Content-Length %q", strings.TrimSpace(value))
		}
		if v == 0 {
			return 0, bad("zero Content-Length")
		}
		return uint32(v), nil
	}
	return 0, bad("missing Content-Length")
}

func firstLine(header []byte) string {
	if i := bytes.IndexByte(header, '\r'); i >= 0 {
		header = header[:i]
	}
	if len(header) > 64 {
		header = header[:64]
	}
	return string(header)
}
