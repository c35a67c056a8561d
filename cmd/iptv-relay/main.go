// Command iptv-relay: streaming-media reverse proxy for IPTV providers.
//
// Point a player at /relay?url=<origin URL>; channel lists pass through,
// playlists are rewritten so every reference flows back through the relay,
// and media segments stream live. All settings come from RELAY_* environment
// variables (see internal/config), optionally via a .env file.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iptvrelay/iptv-relay/internal/classcache"
	"github.com/iptvrelay/iptv-relay/internal/config"
	"github.com/iptvrelay/iptv-relay/internal/fetch"
	"github.com/iptvrelay/iptv-relay/internal/httpclient"
	"github.com/iptvrelay/iptv-relay/internal/relay"
)

func main() {
	envFile := flag.String("env", ".env", "path to .env file (missing file is fine)")
	addrFlag := flag.String("addr", "", "listen address (overrides RELAY_ADDR)")
	flag.Parse()

	_ = config.LoadEnvFile(*envFile)
	cfg := config.Load()
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}

	if cfg.OutboundProxy != "" {
		if err := httpclient.ConfigureOutboundProxy(cfg.OutboundProxy); err != nil {
			log.Fatalf("main: outbound proxy %s: %v", cfg.OutboundProxy, err)
		}
		log.Printf("main: upstream fetches via SOCKS5 proxy %s", cfg.OutboundProxy)
	}

	srv := &relay.Server{
		BaseURL:        cfg.BaseURL,
		ForceHTTPS:     cfg.ForceHTTPS,
		Transcode:      cfg.TranscodeEnabled,
		FFmpegPath:     cfg.FFmpegPath,
		FFmpegArgs:     strings.Fields(cfg.FFmpegArgs),
		TranscodeGrace: cfg.TranscodeGrace,
		Fetcher:        &fetch.Fetcher{UserAgent: cfg.UserAgent},
	}

	if cfg.ClassCachePath != "" {
		cache, err := classcache.Open(cfg.ClassCachePath, cfg.ClassCacheTTL)
		if err != nil {
			log.Fatalf("main: open class cache %s: %v", cfg.ClassCachePath, err)
		}
		defer cache.Close()
		if err := cache.Prune(); err != nil {
			log.Printf("main: prune class cache: %v", err)
		}
		srv.Cache = cache
		log.Printf("main: classification cache at %s (ttl %s)", cfg.ClassCachePath, cfg.ClassCacheTTL)
	}

	if cfg.TranscodeEnabled {
		log.Printf("main: transcoding enabled path=%s args=%q grace=%s", cfg.FFmpegPath, cfg.FFmpegArgs, cfg.TranscodeGrace)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: relay.LogRequests(srv.Handler())}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("main: relay listening on %s", cfg.Addr)
		serverErr <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("main: serve: %v", err)
		}
	case <-ctx.Done():
		log.Print("main: shutting down ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("main: shutdown: %v", err)
		}
		<-serverErr
	}
}
