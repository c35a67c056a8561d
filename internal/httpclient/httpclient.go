// Package httpclient provides the shared tuned HTTP clients used for all
// upstream fetches, plus per-host throttling so the relay never hammers a
// single origin.
package httpclient

import (
	"errors"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

const (
	// TextTimeout bounds full playlist / channel-list fetches.
	TextTimeout = 60 * time.Second
	// SniffTimeout bounds classification prefix fetches.
	SniffTimeout = 30 * time.Second

	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
	// MaxRedirects caps redirect chains on upstream fetches.
	MaxRedirects = 5
)

var (
	sharedTransport *http.Transport
	defaultClient   *http.Client
	streamClient    *http.Client
)

func init() {
	sharedTransport = &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
	}
	defaultClient = &http.Client{
		Timeout:       TextTimeout,
		Transport:     sharedTransport,
		CheckRedirect: limitRedirects,
	}
	// No global timeout: a live stream spans the whole viewing session.
	streamClient = &http.Client{
		Transport:     sharedTransport,
		CheckRedirect: limitRedirects,
	}
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= MaxRedirects {
		return errors.New("too many redirects")
	}
	return nil
}

// Default returns the shared client for text and sniff fetches.
func Default() *http.Client {
	return defaultClient
}

// ForStreaming returns the shared client without a global timeout, for
// long-lived media relays. Cancellation comes from the request context.
func ForStreaming() *http.Client {
	return streamClient
}

// WithTimeout returns a client with the given timeout on the shared transport.
func WithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		Transport:     sharedTransport,
		CheckRedirect: limitRedirects,
	}
}

// ConfigureOutboundProxy routes all upstream dials through a SOCKS5 proxy at
// addr ("host:port"). Must be called before the first fetch; subsequent
// requests on the shared transport pick it up.
func ConfigureOutboundProxy(addr string) error {
	d, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return errors.New("socks5 dialer does not support contexts")
	}
	sharedTransport.DialContext = cd.DialContext
	return nil
}
