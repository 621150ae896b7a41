package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/time/rate"

	"pixsimrelay/internal/mapcatalog"
	"pixsimrelay/internal/pixelconv"
	"pixsimrelay/internal/scriptloader"
	"pixsimrelay/store"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		cliDB := "pixsimrelay.db"
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	addr := flag.String("addr", ":8443", "WebSocket/WebTransport listen address")
	apiAddr := flag.String("api-addr", ":8080", "REST API listen address (empty to disable)")
	dbPath := flag.String("db", "pixsimrelay.db", "SQLite database path")
	idleTimeout := flag.Duration("idle-timeout", defaultIdleTimeout, "connection idle timeout")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	maxMapsDir := flag.String("maps-dir", "", "directory of dialect map files to load (empty to disable)")
	lookupTablePath := flag.String("pixel-lookup-table", "", "CSV lookup table mapping canonical pixel ids to each dialect's string id (empty to disable translation)")
	scriptCacheDir := flag.String("script-cache-dir", "script-cache", "cache directory for fetched dialect extractor scripts")
	maxConnections := flag.Int("max-connections", 500, "ignored: admission is limited per source IP, with no cap on total connections")
	perIPLimit := flag.Float64("per-ip-limit", 1, "maximum new connections per second per source IP")
	perIPBurst := flag.Int("per-ip-burst", 10, "per-IP connection admission burst")
	flag.Parse()
	_ = maxConnections // admission is rate-based (ipLimiterSet), not a global connection cap

	st, err := store.New(*dbPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*addr); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
	if err != nil {
		slog.Error("generate tls config", "err", err)
		os.Exit(1)
	}
	slog.Info("tls certificate generated", "fingerprint", fingerprint)

	scripts, err := scriptloader.New(*scriptCacheDir)
	if err != nil {
		slog.Error("init script loader", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	converter, err := buildConverter(ctx, *lookupTablePath, st, scripts)
	if err != nil {
		slog.Error("build pixel converter", "err", err)
		os.Exit(1)
	}

	catalog := mapcatalog.NewCatalog(converter)
	if *maxMapsDir != "" {
		if err := catalog.LoadDir(*maxMapsDir); err != nil {
			slog.Warn("load map catalog", "dir", *maxMapsDir, "err", err)
		}
	}

	broker, err := NewBroker(converter, catalog, scripts)
	if err != nil {
		slog.Error("init broker", "err", err)
		os.Exit(1)
	}
	broker.SetAuditFunc(func(action, detail string) {
		if err := st.InsertAuditLog(action, detail); err != nil {
			slog.Warn("audit log insert", "err", err)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	go RunMetrics(ctx, broker, 5*time.Second)

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Optimize(); err != nil {
					slog.Warn("store optimize", "err", err)
				}
				if n, err := st.PruneAuditLog(auditRetention); err != nil {
					slog.Warn("prune audit log", "err", err)
				} else if n > 0 {
					slog.Info("pruned audit log", "rows", n)
				}
			}
		}
	}()

	if *apiAddr != "" {
		api := NewAPIServer(broker, st)
		go api.Run(ctx, *apiAddr)
		slog.Info("api listening", "addr", *apiAddr)
	}

	srv := NewServer(*addr, tlsConfig, broker, *idleTimeout, rate.Limit(*perIPLimit), *perIPBurst)
	srv.SetOnRejectedIP(func(ip string) {
		if err := st.InsertAuditLog("admission_rejected", ip); err != nil {
			slog.Warn("audit log insert", "err", err)
		}
	})
	if err := srv.Run(ctx); err != nil {
		slog.Error("server run", "err", err)
		os.Exit(1)
	}
}

// buildConverter runs the PixelConverter build phase (spec.md §4.2): parse
// the authoritative lookup table, fetch and evaluate every registered
// dialect's extractor script, and intersect the two to populate the
// Converter's translation tables. An empty lookupTablePath or no registered
// dialects yields an empty, translation-less Converter rather than an
// error — both are valid startup configurations during bring-up.
func buildConverter(ctx context.Context, lookupTablePath string, st *store.Store, scripts *scriptloader.Loader) (*pixelconv.Converter, error) {
	var rows []pixelconv.Row
	if lookupTablePath != "" {
		f, err := os.Open(lookupTablePath)
		if err != nil {
			return nil, fmt.Errorf("open pixel lookup table: %w", err)
		}
		defer f.Close()
		rows, err = pixelconv.ParseLookupTable(f)
		if err != nil {
			return nil, fmt.Errorf("parse pixel lookup table: %w", err)
		}
	}

	urls, err := st.GetDialectScriptURLs()
	if err != nil {
		return nil, fmt.Errorf("load registered dialect script urls: %w", err)
	}
	for dialect, url := range urls {
		slog.Info("registered dialect script", "dialect", dialect, "url", url)
	}

	extracts := scripts.LoadAll(ctx, urls)

	c := &pixelconv.Converter{}
	if err := c.Build(rows, extracts); err != nil {
		return nil, fmt.Errorf("build pixel converter tables: %w", err)
	}
	return c, nil
}
