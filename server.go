package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"golang.org/x/time/rate"
)

// Server accepts inbound connections on both the reliable WebSocket upgrade
// path and the WebTransport/HTTP3 path, wraps each in a Connection, and
// hands it to the Broker for admission and routing. It mirrors the
// ancestor's single-listener Run loop, generalized to two transports
// sharing one admission gate.
type Server struct {
	addr        string
	tlsConfig   *tls.Config
	broker      *Broker
	idleTimeout time.Duration

	perIPLimiters *ipLimiterSet
	onRejectedIP  func(ip string)
}

// NewServer builds a Server. perIPLimit and perIPBurst feed the per-IP
// admission gate described in the component design's connection-lifecycle
// section; there is no cap on total connections.
func NewServer(addr string, tlsConfig *tls.Config, broker *Broker, idleTimeout time.Duration, perIPLimit rate.Limit, perIPBurst int) *Server {
	return &Server{
		addr:          addr,
		tlsConfig:     tlsConfig,
		broker:        broker,
		idleTimeout:   idleTimeout,
		perIPLimiters: newIPLimiterSet(perIPLimit, perIPBurst),
	}
}

// SetOnRejectedIP wires a callback invoked whenever the per-IP admission
// gate turns away a new connection attempt, for the supplemented
// operational audit log (see SPEC_FULL.md §4).
func (s *Server) SetOnRejectedIP(fn func(ip string)) {
	s.onRejectedIP = fn
}

// Run starts the HTTPS+WebSocket listener and a WebTransport/HTTP3
// listener on the same address.
// It blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	wtServer := &webtransport.Server{
		H3: http3.Server{
			TLSConfig: s.tlsConfig,
			Addr:      s.addr,
		},
	}

	mux.HandleFunc("/relay", func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.admit(ip) {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "ip", ip, "err", err)
			return
		}
		id := uuid.NewString()
		wsc := newWSConnection(id, conn)
		go wsc.readLoop()
		go s.broker.HandleConnection(ctx, wsc, ip)
	})

	mux.HandleFunc("/relay-wt", func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.admit(ip) {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		sess, err := wtServer.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "ip", ip, "err", err)
			return
		}
		id := uuid.NewString()
		wtc, err := newWTConnection(ctx, id, sess)
		if err != nil {
			slog.Warn("webtransport control stream accept failed", "ip", ip, "err", err)
			return
		}
		go wtc.readDatagramLoop(ctx)
		go s.broker.HandleConnection(ctx, wtc, ip)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pixsim relay server"))
	})

	httpSrv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       s.idleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
		_ = wtServer.Close()
	}()

	go func() {
		if err := wtServer.ListenAndServe(); err != nil && ctx.Err() == nil {
			slog.Warn("webtransport listener stopped", "err", err)
		}
	}()

	slog.Info("relay server listening", "addr", s.addr)

	err := httpSrv.ListenAndServeTLS("", "")
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) admit(ip string) bool {
	if s.perIPLimiters.allow(ip) {
		return true
	}
	if s.onRejectedIP != nil {
		s.onRejectedIP(ip)
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func timeNowDeadline() time.Time {
	return time.Now().Add(2 * time.Second)
}
