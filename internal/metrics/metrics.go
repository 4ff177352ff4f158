// Package metrics tracks runtime statistics of the bridge and exposes
// them in the Prometheus text format.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks runtime metrics for the control and OTA ports.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	sessionsActive  atomic.Int64
	sessionsTotal   atomic.Int64
	sessionsRefused atomic.Int64
	authFailures    atomic.Int64
	bytesToSerial   atomic.Int64
	bytesFromSerial atomic.Int64
	otaSucceeded    atomic.Int64
	otaFailed       atomic.Int64
	otaBytes        atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	directives   map[string]int64
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now(), directives: map[string]int64{}}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// SessionRefused records a connection dropped while authentication is
// locked out.
func (c *Collector) SessionRefused() {
	if c == nil {
		return
	}
	c.sessionsRefused.Add(1)
}

// ActiveSessions returns the current number of open sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// AuthFailure records one rejected password.
func (c *Collector) AuthFailure() {
	if c == nil {
		return
	}
	c.authFailures.Add(1)
}

// AuthFailures returns the number of rejected passwords.
func (c *Collector) AuthFailures() int64 {
	if c == nil {
		return 0
	}
	return c.authFailures.Load()
}

// Directive counts a session ending with the named directive.
func (c *Collector) Directive(name string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.directives[name]++
	c.mu.Unlock()
}

// Directives returns how often each directive was produced.
func (c *Collector) Directives() map[string]int64 {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.directives))
	for k, v := range c.directives {
		out[k] = v
	}
	return out
}

// ── Console metrics ──────────────────────────────────────────────────

// BytesToSerial records n bytes copied from the client to the serial line.
func (c *Collector) BytesToSerial(n int64) {
	if c == nil {
		return
	}
	c.bytesToSerial.Add(n)
}

// BytesFromSerial records n bytes copied from the serial line to the client.
func (c *Collector) BytesFromSerial(n int64) {
	if c == nil {
		return
	}
	c.bytesFromSerial.Add(n)
}

// TotalToSerial returns total bytes written to the serial line.
func (c *Collector) TotalToSerial() int64 {
	if c == nil {
		return 0
	}
	return c.bytesToSerial.Load()
}

// TotalFromSerial returns total bytes read from the serial line.
func (c *Collector) TotalFromSerial() int64 {
	if c == nil {
		return 0
	}
	return c.bytesFromSerial.Load()
}

// ── OTA metrics ──────────────────────────────────────────────────────

// OTAResult records the outcome of one image transfer and the number of
// image bytes written.
func (c *Collector) OTAResult(ok bool, written int64) {
	if c == nil {
		return
	}
	if ok {
		c.otaSucceeded.Add(1)
	} else {
		c.otaFailed.Add(1)
	}
	c.otaBytes.Add(written)
}

// OTACounts returns the number of successful and failed transfers.
func (c *Collector) OTACounts() (succeeded, failed int64) {
	if c == nil {
		return 0, 0
	}
	return c.otaSucceeded.Load(), c.otaFailed.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of the headline metrics.
type Snapshot struct {
	Uptime           time.Duration
	SessionsTotal    int64
	AuthFailures     int64
	BytesToSerial    int64
	BytesFromSerial  int64
	OTASucceeded     int64
	OTAFailed        int64
	ErrorsTotal      int64
	LastErrorMessage string
}

// Snapshot returns a copy of the current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second),
		SessionsTotal:    c.sessionsTotal.Load(),
		AuthFailures:     c.authFailures.Load(),
		BytesToSerial:    c.bytesToSerial.Load(),
		BytesFromSerial:  c.bytesFromSerial.Load(),
		OTASucceeded:     c.otaSucceeded.Load(),
		OTAFailed:        c.otaFailed.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
		LastErrorMessage: c.lastErrorMsg,
	}
}

// ── Prometheus export ────────────────────────────────────────────────

const namespace = "ttybridge"

var (
	uptimeDesc          = prometheus.NewDesc(namespace+"_uptime_seconds", "Seconds since the bridge started.", nil, nil)
	sessionsActiveDesc  = prometheus.NewDesc(namespace+"_sessions_active", "Control sessions currently open.", nil, nil)
	sessionsTotalDesc   = prometheus.NewDesc(namespace+"_sessions_total", "Control sessions accepted.", nil, nil)
	sessionsRefusedDesc = prometheus.NewDesc(namespace+"_sessions_refused_total", "Connections dropped during auth lockout.", nil, nil)
	authFailuresDesc    = prometheus.NewDesc(namespace+"_auth_failures_total", "Rejected passwords.", nil, nil)
	directivesDesc      = prometheus.NewDesc(namespace+"_directives_total", "Sessions by terminal directive.", []string{"directive"}, nil)
	serialBytesDesc     = prometheus.NewDesc(namespace+"_serial_bytes_total", "Console bytes by direction.", []string{"direction"}, nil)
	otaTransfersDesc    = prometheus.NewDesc(namespace+"_ota_transfers_total", "Firmware transfers by result.", []string{"result"}, nil)
	otaBytesDesc        = prometheus.NewDesc(namespace+"_ota_bytes_total", "Firmware image bytes written.", nil, nil)
	errorsDesc          = prometheus.NewDesc(namespace+"_errors_total", "Session errors.", nil, nil)
)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		uptimeDesc, sessionsActiveDesc, sessionsTotalDesc, sessionsRefusedDesc,
		authFailuresDesc, directivesDesc, serialBytesDesc, otaTransfersDesc,
		otaBytesDesc, errorsDesc,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil {
		return
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(uptimeDesc, time.Since(c.startTime).Seconds())
	gauge(sessionsActiveDesc, float64(c.sessionsActive.Load()))
	counter(sessionsTotalDesc, c.sessionsTotal.Load())
	counter(sessionsRefusedDesc, c.sessionsRefused.Load())
	counter(authFailuresDesc, c.authFailures.Load())
	counter(serialBytesDesc, c.bytesToSerial.Load(), "to_serial")
	counter(serialBytesDesc, c.bytesFromSerial.Load(), "from_serial")
	counter(otaTransfersDesc, c.otaSucceeded.Load(), "success")
	counter(otaTransfersDesc, c.otaFailed.Load(), "failure")
	counter(otaBytesDesc, c.otaBytes.Load())
	counter(errorsDesc, c.errorsTotal.Load())

	d := c.Directives()
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		counter(directivesDesc, d[k], k)
	}
}

// Handler returns an HTTP handler serving the collector from a private
// registry.
func (c *Collector) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Serve exposes /metrics on ln until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
