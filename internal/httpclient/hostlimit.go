package httpclient

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter rate-limits requests per upstream host. It exists for sniff
// fetches: every ambiguous URL in a refreshed playlist triggers a prefix
// fetch, and without pacing a large channel list turns into a request storm
// against one origin.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// SniffLimiter paces classification sniffs: 5/s sustained, bursts of 10,
// per host.
var SniffLimiter = NewHostLimiter(rate.Limit(5), 10)

func NewHostLimiter(r rate.Limit, burst int) *HostLimiter {
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		burst:    burst,
	}
}

// Wait blocks until the host's limiter admits one request or ctx is done.
// host may be a full URL; only scheme+host are used as the key.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Scheme + "://" + u.Host
	}
	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.r, h.burst)
		h.limiters[host] = l
	}
	h.mu.Unlock()
	return l.Wait(ctx)
}
