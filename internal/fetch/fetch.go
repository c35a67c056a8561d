// Package fetch performs upstream HTTP requests on behalf of the relay. It
// presents a fixed media-player identity to origins, forwards client range
// headers, and exposes either buffered text or a live byte-stream depending
// on the requested mode.
package fetch

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/iptvrelay/iptv-relay/internal/classify"
	"github.com/iptvrelay/iptv-relay/internal/httpclient"
	"github.com/iptvrelay/iptv-relay/internal/metrics"
)

// DefaultUserAgent is the stable media-player identity sent to origins.
// Many providers reject unrecognized clients outright.
const DefaultUserAgent = "VLC/3.0.17.4 LibVLC/3.0.17.4"

// maxTextBytes caps buffered fetches; channel lists can run to tens of MB.
const maxTextBytes = 64 << 20

// Mode selects how the response body is consumed.
type Mode int

const (
	// ModeText buffers the full (decompressed) body, for playlists and
	// channel lists.
	ModeText Mode = iota
	// ModeStream hands back a live body for piping to the client.
	ModeStream
	// ModeSniff fetches a bounded prefix for classification.
	ModeSniff
)

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeStream:
		return "stream"
	case ModeSniff:
		return "sniff"
	default:
		return "unknown"
	}
}

// Target describes one upstream request. Immutable per relay invocation.
type Target struct {
	URL string
	// Method defaults to GET.
	Method string
	// RangeHeader is the inbound client's Range header, forwarded verbatim
	// on stream fetches.
	RangeHeader string
}

// Response is the upstream result. Exactly one of Text and Body is set:
// Text for ModeText/ModeSniff, Body for ModeStream. Whoever pipes Body owns
// it and must close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Text       []byte
	Body       io.ReadCloser
}

// Error is a failed upstream fetch. StatusCode is 0 for transport-level
// failures, else the origin's 5xx status.
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: upstream HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher performs upstream requests. The zero value uses the shared tuned
// clients and the default identity.
type Fetcher struct {
	// Client serves text fetches. nil = httpclient.Default().
	Client *http.Client
	// SniffClient serves prefix fetches with a short timeout.
	// nil = shared client with httpclient.SniffTimeout.
	SniffClient *http.Client
	// StreamClient serves long-lived media fetches with no global timeout.
	// nil = httpclient.ForStreaming().
	StreamClient *http.Client
	// UserAgent overrides DefaultUserAgent when non-empty.
	UserAgent string
}

// Fetch performs the upstream request for target in the given mode.
// Non-2xx responses are returned to the caller for 3xx/4xx (some origins ship
// useful error bodies); 5xx and transport failures produce *Error.
func (f *Fetcher) Fetch(ctx context.Context, target Target, mode Mode) (*Response, error) {
	if target.URL == "" {
		return nil, &Error{URL: target.URL, Err: fmt.Errorf("empty target URL")}
	}
	switch mode {
	case ModeSniff:
		return f.sniff(ctx, target)
	case ModeText:
		return f.text(ctx, target)
	default:
		return f.stream(ctx, target)
	}
}

// sniff fetches the first classify.SniffBytes of the body via a range
// request. Origins that reject ranges (error or 416) get exactly one retry
// with a capped full read instead; that fallback is load-bearing, not an
// optimization.
func (f *Fetcher) sniff(ctx context.Context, target Target) (*Response, error) {
	if err := httpclient.SniffLimiter.Wait(ctx, target.URL); err != nil {
		return nil, &Error{URL: target.URL, Err: err}
	}
	req, err := f.newRequest(ctx, target)
	if err != nil {
		return nil, &Error{URL: target.URL, Err: err}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", classify.SniffBytes-1))
	result := "ranged"
	resp, doErr := f.do(f.sniffClient(), req, target.URL)
	if doErr != nil || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		if resp != nil {
			drainClose(resp.Body)
		}
		result = "fallback"
		req, err = f.newRequest(ctx, target)
		if err != nil {
			return nil, &Error{URL: target.URL, Err: err}
		}
		resp, doErr = f.do(f.sniffClient(), req, target.URL)
		if doErr != nil {
			metrics.SniffFetches.WithLabelValues("error").Inc()
			return nil, doErr
		}
	}
	defer drainClose(resp.Body)
	if resp.StatusCode >= 500 {
		metrics.SniffFetches.WithLabelValues("error").Inc()
		return nil, &Error{URL: target.URL, StatusCode: resp.StatusCode}
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, classify.SniffBytes))
	if err != nil {
		metrics.SniffFetches.WithLabelValues("error").Inc()
		return nil, &Error{URL: target.URL, Err: err}
	}
	metrics.SniffFetches.WithLabelValues(result).Inc()
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Text: buf}, nil
}

func (f *Fetcher) text(ctx context.Context, target Target) (*Response, error) {
	req, err := f.newRequest(ctx, target)
	if err != nil {
		return nil, &Error{URL: target.URL, Err: err}
	}
	// Explicit Accept-Encoding disables the transport's auto-gunzip, so both
	// encodings are decoded by hand below.
	req.Header.Set("Accept-Encoding", "gzip, br")
	resp, doErr := f.do(f.client(), req, target.URL)
	if doErr != nil {
		return nil, doErr
	}
	defer drainClose(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, &Error{URL: target.URL, StatusCode: resp.StatusCode}
	}
	body, err := decodeBody(resp)
	if err != nil {
		return nil, &Error{URL: target.URL, Err: err}
	}
	buf, err := io.ReadAll(io.LimitReader(body, maxTextBytes))
	if err != nil {
		return nil, &Error{URL: target.URL, Err: err}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Text: buf}, nil
}

func (f *Fetcher) stream(ctx context.Context, target Target) (*Response, error) {
	req, err := f.newRequest(ctx, target)
	if err != nil {
		return nil, &Error{URL: target.URL, Err: err}
	}
	if target.RangeHeader != "" {
		req.Header.Set("Range", target.RangeHeader)
	}
	resp, doErr := f.do(f.streamClient(), req, target.URL)
	if doErr != nil {
		return nil, doErr
	}
	if resp.StatusCode >= 500 {
		drainClose(resp.Body)
		return nil, &Error{URL: target.URL, StatusCode: resp.StatusCode}
	}
	// Ownership of resp.Body transfers to the caller.
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func (f *Fetcher) newRequest(ctx context.Context, target Target) (*http.Request, error) {
	method := target.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target.URL, nil)
	if err != nil {
		return nil, err
	}
	ua := f.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "*/*")
	return req, nil
}

// do sends req with the per-host semaphore held until headers arrive.
func (f *Fetcher) do(client *http.Client, req *http.Request, targetURL string) (*http.Response, error) {
	release := httpclient.GlobalHostSem.Acquire(targetURL)
	resp, err := client.Do(req)
	release()
	if err != nil {
		return nil, &Error{URL: targetURL, Err: err}
	}
	return resp, nil
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return httpclient.Default()
}

func (f *Fetcher) sniffClient() *http.Client {
	if f.SniffClient != nil {
		return f.SniffClient
	}
	return httpclient.WithTimeout(httpclient.SniffTimeout)
}

func (f *Fetcher) streamClient() *http.Client {
	if f.StreamClient != nil {
		return f.StreamClient
	}
	return httpclient.ForStreaming()
}

// decodeBody unwraps gzip and brotli content encodings.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

func drainClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	body.Close()
}
