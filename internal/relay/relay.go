package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/iptvrelay/iptv-relay/internal/classify"
	"github.com/iptvrelay/iptv-relay/internal/fetch"
	"github.com/iptvrelay/iptv-relay/internal/metrics"
	"github.com/iptvrelay/iptv-relay/internal/rewrite"
	"github.com/iptvrelay/iptv-relay/internal/safeurl"
	"github.com/iptvrelay/iptv-relay/internal/transcode"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// handleRelay is the pipeline entry: validate, classify, then branch into
// channel-list passthrough, playlist rewrite, or media relay.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		metrics.RelayRequests.WithLabelValues("none", "client_error").Inc()
		writeJSONError(w, http.StatusBadRequest, "URL parameter required", "")
		return
	}
	if !safeurl.IsHTTPOrHTTPS(target) {
		metrics.RelayRequests.WithLabelValues("none", "client_error").Inc()
		writeJSONError(w, http.StatusBadRequest, "url must be an absolute http(s) URL", target)
		return
	}
	res := s.classifyTarget(r.Context(), target)
	log.Printf("relay: classification=%s rule=%s target=%s", res.Kind, res.Rule, shortURL(target))
	switch res.Kind {
	case classify.KindChannelList:
		s.serveChannelList(w, r, target)
	case classify.KindPlaylist:
		s.servePlaylist(w, r, target)
	default:
		s.serveMedia(w, r, target, string(res.Kind))
	}
}

// classifyTarget resolves the target's kind, sniffing a bounded body prefix
// when the URL alone is ambiguous. Sniff verdicts go through the optional
// cache so playlist refreshes don't re-probe every channel.
func (s *Server) classifyTarget(ctx context.Context, target string) classify.Result {
	res := classify.Classify(target, nil)
	if !classify.NeedsSniff(target) {
		return res
	}
	if s.Cache != nil {
		if cached, ok := s.Cache.Get(target); ok {
			return cached
		}
	}
	sniffed, err := s.fetcher().Fetch(ctx, fetch.Target{URL: target}, fetch.ModeSniff)
	if err != nil {
		// Fall back to the URL-only verdict; a persistent upstream failure
		// will surface on the real fetch.
		log.Printf("relay: sniff failed target=%s err=%v", shortURL(target), err)
		return res
	}
	res = classify.Classify(target, sniffed.Text)
	// An error body classifies this response only; a 4xx (expired account,
	// missing channel) must not pin the channel's verdict for the whole TTL.
	if s.Cache != nil && sniffed.StatusCode < 400 {
		if err := s.Cache.Put(target, res); err != nil {
			log.Printf("relay: class cache put: %v", err)
		}
	}
	return res
}

// serveChannelList passes a top-level channel listing through verbatim.
func (s *Server) serveChannelList(w http.ResponseWriter, r *http.Request, target string) {
	resp, err := s.fetcher().Fetch(r.Context(), fetch.Target{URL: target}, fetch.ModeText)
	if err != nil {
		s.upstreamError(w, target, err, "channel_list")
		return
	}
	if resp.StatusCode >= 400 {
		metrics.RelayRequests.WithLabelValues("channel_list", "upstream_error").Inc()
		writeJSONError(w, resp.StatusCode, "upstream error", target)
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(resp.Text)
	metrics.RelayRequests.WithLabelValues("channel_list", "ok").Inc()
}

// servePlaylist fetches the manifest, verifies the verdict against the body,
// and rewrites every reference through the relay. A body without playlist
// markers means the URL lied; such targets are relayed as media instead.
func (s *Server) servePlaylist(w http.ResponseWriter, r *http.Request, target string) {
	resp, err := s.fetcher().Fetch(r.Context(), fetch.Target{URL: target}, fetch.ModeText)
	if err != nil {
		s.upstreamError(w, target, err, "playlist")
		return
	}
	if resp.StatusCode >= 400 {
		metrics.RelayRequests.WithLabelValues("playlist", "upstream_error").Inc()
		writeJSONError(w, resp.StatusCode, "upstream error", target)
		return
	}
	if !classify.HasPlaylistMarkers(resp.Text) {
		log.Printf("relay: body lacks playlist markers, relaying as media target=%s", shortURL(target))
		s.serveMedia(w, r, target, "playlist")
		return
	}
	rw := &rewrite.Rewriter{ProxyBase: s.proxyBase(r), ForceHTTPS: s.ForceHTTPS}
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = io.WriteString(w, rw.Rewrite(string(resp.Text), target))
	metrics.RelayRequests.WithLabelValues("playlist", "ok").Inc()
}

// serveMedia opens the upstream byte-stream and pipes it to the client,
// directly or through the transcoder.
func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request, target, label string) {
	resp, err := s.fetcher().Fetch(r.Context(), fetch.Target{
		URL:         target,
		Method:      r.Method,
		RangeHeader: r.Header.Get("Range"),
	}, fetch.ModeStream)
	if err != nil {
		s.upstreamError(w, target, err, label)
		return
	}
	defer resp.Body.Close()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	if s.Transcode && resp.StatusCode < 300 {
		s.relayTranscoded(w, r, target, resp, label)
		return
	}

	h := w.Header()
	copyHeader(h, resp.Header, "Content-Type")
	copyHeader(h, resp.Header, "Content-Length")
	copyHeader(h, resp.Header, "Accept-Ranges")
	status := resp.StatusCode
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		h.Set("Content-Range", cr)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil {
		// Headers are out; nothing to rewrite. Disconnects are session ends,
		// anything else is a mid-transfer upstream fault.
		if isClientDisconnect(err) {
			log.Printf("relay: client closed stream target=%s", shortURL(target))
			metrics.RelayRequests.WithLabelValues(label, "ok").Inc()
		} else {
			log.Printf("relay: stream error target=%s err=%v", shortURL(target), err)
			metrics.RelayRequests.WithLabelValues(label, "stream_error").Inc()
		}
		return
	}
	metrics.RelayRequests.WithLabelValues(label, "ok").Inc()
}

// relayTranscoded runs the origin stream through ffmpeg. Headers are held
// back until the transcoder produces its first byte, so a start failure can
// still answer with a JSON 500.
func (s *Server) relayTranscoded(w http.ResponseWriter, r *http.Request, target string, resp *fetch.Response, label string) {
	w.Header().Set("Content-Type", "video/mp2t")
	args := s.FFmpegArgs
	if len(args) == 0 {
		args = transcode.DefaultArgs()
	}
	sup := &transcode.Supervisor{
		Path:       s.FFmpegPath,
		Args:       args,
		Grace:      s.TranscodeGrace,
		NewProcess: s.TranscodeProcess,
	}
	dw := &deferredHeaderWriter{w: w, status: http.StatusOK}
	err := sup.Run(r.Context(), resp.Body, dw)
	switch {
	case err == nil:
		metrics.RelayRequests.WithLabelValues(label, "ok").Inc()
	case errors.Is(err, context.Canceled):
		log.Printf("relay: client closed transcoded stream target=%s", shortURL(target))
		metrics.RelayRequests.WithLabelValues(label, "ok").Inc()
	case !dw.started:
		log.Printf("relay: transcoder failed before output target=%s err=%v", shortURL(target), err)
		writeJSONError(w, http.StatusInternalServerError, "transcoder failed", target)
		metrics.RelayRequests.WithLabelValues(label, "stream_error").Inc()
	default:
		log.Printf("relay: transcoded stream ended target=%s err=%v", shortURL(target), err)
		metrics.RelayRequests.WithLabelValues(label, "stream_error").Inc()
	}
}

// upstreamError answers a failed fetch with a structured 502 (or the
// origin's own 5xx when known).
func (s *Server) upstreamError(w http.ResponseWriter, target string, err error, label string) {
	metrics.RelayRequests.WithLabelValues(label, "upstream_error").Inc()
	code := http.StatusBadGateway
	var fe *fetch.Error
	if errors.As(err, &fe) && fe.StatusCode >= 500 {
		code = fe.StatusCode
	}
	log.Printf("relay: upstream fetch failed target=%s err=%v", shortURL(target), err)
	writeJSONError(w, code, err.Error(), target)
}

func copyHeader(dst, src http.Header, name string) {
	if v := src.Get(name); v != "" {
		dst.Set(name, v)
	}
}
