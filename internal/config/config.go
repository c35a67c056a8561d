// Package config loads relay settings from RELAY_* environment variables.
// Call LoadEnvFile(".env") before Load() to use a .env file.
package config

import (
	"os"
	"strings"
	"time"
)

// Config holds relay settings.
type Config struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string
	// BaseURL is the public base URL embedded in rewritten playlist links
	// (e.g. "http://relay.example:8080"). Empty = derive from each request's
	// Host header.
	BaseURL string

	// ForceHTTPS upgrades http:// targets to https:// when rewriting
	// manifests. Off by default; forcing breaks plain-HTTP-only origins.
	ForceHTTPS bool

	// Transcode: when enabled, media relays run through ffmpeg.
	TranscodeEnabled bool
	FFmpegPath       string
	// FFmpegArgs are the codec/container args between input and output
	// (whitespace-separated). Default remuxes to MPEG-TS without re-encoding.
	FFmpegArgs string
	// TranscodeGrace is how long a signalled ffmpeg gets to exit before it
	// is force-killed.
	TranscodeGrace time.Duration

	// OutboundProxy is an optional SOCKS5 proxy ("host:port") for all
	// upstream fetches.
	OutboundProxy string

	// ClassCachePath enables the sqlite classification-verdict cache when
	// non-empty. ClassCacheTTL is how long a verdict stays fresh.
	ClassCachePath string
	ClassCacheTTL  time.Duration

	// UserAgent is the fixed client identity presented to origins.
	UserAgent string
}

// Load reads config from environment.
func Load() *Config {
	c := &Config{
		Addr:             getEnv("RELAY_ADDR", ":8080"),
		BaseURL:          strings.TrimRight(os.Getenv("RELAY_BASE_URL"), "/"),
		ForceHTTPS:       getEnvBool("RELAY_FORCE_HTTPS", false),
		TranscodeEnabled: getEnvBool("RELAY_TRANSCODE", false),
		FFmpegPath:       getEnv("RELAY_FFMPEG_PATH", "ffmpeg"),
		FFmpegArgs:       os.Getenv("RELAY_FFMPEG_ARGS"),
		TranscodeGrace:   getEnvDuration("RELAY_TRANSCODE_GRACE", 5*time.Second),
		OutboundProxy:    strings.TrimSpace(os.Getenv("RELAY_OUTBOUND_PROXY")),
		ClassCachePath:   os.Getenv("RELAY_CLASS_CACHE"),
		ClassCacheTTL:    getEnvDuration("RELAY_CLASS_CACHE_TTL", 4*time.Hour),
		UserAgent:        getEnv("RELAY_USER_AGENT", "VLC/3.0.17.4 LibVLC/3.0.17.4"),
	}
	if c.TranscodeGrace <= 0 {
		c.TranscodeGrace = 5 * time.Second
	}
	return c
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
