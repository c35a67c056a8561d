package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/iptvrelay/iptv-relay/internal/metrics"
)

// relayResponseWriter tracks status and byte count for the access log.
type relayResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *relayResponseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *relayResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *relayResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// flushWriter flushes after every write so live segments reach the player
// instead of sitting in the server's buffer.
type flushWriter struct {
	w http.ResponseWriter
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	if n > 0 {
		metrics.UpstreamBytes.Add(float64(n))
	}
	return n, err
}

// deferredHeaderWriter delays the status line until the first payload byte.
// The transcode path uses it so a transcoder that dies before producing any
// output can still get a proper JSON 500 instead of a committed 200.
type deferredHeaderWriter struct {
	w       http.ResponseWriter
	status  int
	started bool
}

func (d *deferredHeaderWriter) Write(p []byte) (int, error) {
	if !d.started {
		d.started = true
		d.w.WriteHeader(d.status)
	}
	n, err := d.w.Write(p)
	if f, ok := d.w.(http.Flusher); ok {
		f.Flush()
	}
	if n > 0 {
		metrics.UpstreamBytes.Add(float64(n))
	}
	return n, err
}

// isClientDisconnect classifies write errors caused by the client going away
// mid-stream; those are normal session ends, not relay faults.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "use of closed network connection")
}
