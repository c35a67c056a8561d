// Package relay orchestrates classifier, fetcher, rewriter and transcode
// supervisor into the HTTP surface of the proxy: /relay, /health, /metrics.
package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/iptvrelay/iptv-relay/internal/classcache"
	"github.com/iptvrelay/iptv-relay/internal/fetch"
	"github.com/iptvrelay/iptv-relay/internal/metrics"
	"github.com/iptvrelay/iptv-relay/internal/transcode"
)

// Server is the relay pipeline. Fields are read-only once serving starts;
// every relay operation owns its own fetch call, buffers and subprocess.
type Server struct {
	// BaseURL is the public base URL used in rewritten playlist links.
	// Empty = derive from each request's Host header.
	BaseURL string
	// ForceHTTPS upgrades rewritten targets to https (off by default).
	ForceHTTPS bool

	// Transcode interposes ffmpeg on media relays.
	Transcode      bool
	FFmpegPath     string
	FFmpegArgs     []string
	TranscodeGrace time.Duration
	// TranscodeProcess overrides subprocess creation (test seam).
	TranscodeProcess func(path string, args []string) (transcode.Process, error)

	// Fetcher performs upstream requests. nil = zero-value fetcher with the
	// shared clients.
	Fetcher *fetch.Fetcher
	// Cache persists sniff verdicts across playlist refreshes. Optional.
	Cache *classcache.Cache
}

// Handler returns the relay's routes with the cross-origin policy applied to
// every response, errors included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveRoot)
	mux.HandleFunc("/relay", s.handleRelay)
	mux.HandleFunc("/health", s.serveHealth)
	mux.Handle("/metrics", metrics.Handler())
	return withCORS(mux)
}

func (s *Server) fetcher() *fetch.Fetcher {
	if s.Fetcher != nil {
		return s.Fetcher
	}
	return &fetch.Fetcher{}
}

// withCORS applies the permissive cross-origin header set unconditionally and
// short-circuits OPTIONS preflights with a bare 200.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS, POST, PUT, DELETE")
		h.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Range, Cache-Control, Authorization")
		h.Set("Access-Control-Expose-Headers", "Content-Range, Content-Length, Accept-Ranges, Content-Type")
		h.Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serveRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "IPTV relay ready")
}

// serveHealth is a liveness probe with no side effects.
func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body, _ := json.Marshal(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	_, _ = w.Write(body)
}

// writeJSONError emits the structured error body used for all pre-header
// failures. Callers must not use it after response headers have been sent.
func writeJSONError(w http.ResponseWriter, code int, msg, targetURL string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	payload := map[string]string{
		"error":     msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if targetURL != "" {
		payload["url"] = targetURL
	}
	body, _ := json.Marshal(payload)
	_, _ = w.Write(body)
}

// proxyBase returns the base URL rewritten links should point at: the
// configured public base, else the scheme+host the client used to reach us.
func (s *Server) proxyBase(r *http.Request) string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

// LogRequests is the access-log middleware for the relay's listener.
func LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &relayResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf(
			"http: %s %s status=%d bytes=%d dur=%s ua=%q remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.UserAgent(), r.RemoteAddr,
		)
	})
}

func shortURL(u string) string {
	if i := strings.Index(u, "?"); i > 0 {
		return u[:i] + "?..."
	}
	return u
}
