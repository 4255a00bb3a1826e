// Package api provides the HTTP surface for ChatRelay.
//
// It exposes the platform webhook endpoints, health probes, and an operator
// send endpoint. Webhook processing is decoupled from the HTTP response: the
// handlers acknowledge immediately and hand events to the responder pipeline.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ChatRelay/internal/messaging"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
const DefaultReadHeaderTimeout = 10 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server hosts the ChatRelay HTTP endpoints.
type Server struct {
	addr       string
	msgService messaging.Service
	cloud      *messaging.CloudService
	twilio     *messaging.TwilioService
	httpServer *http.Server
}

// NewServer creates a Server over the given messaging service. The cloud and
// twilio arguments may be nil when the corresponding webhook transport is not
// configured; their routes then answer 404.
func NewServer(msgService messaging.Service, cloud *messaging.CloudService, twilio *messaging.TwilioService, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		addr:       cfg.Addr,
		msgService: msgService,
		cloud:      cloud,
		twilio:     twilio,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	return s
}

// routes builds the request mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.rootHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/webhook/whatsapp", s.whatsappWebhookHandler)
	mux.HandleFunc("/webhook/twilio", s.twilioWebhookHandler)
	mux.HandleFunc("/send", s.sendHandler)
	return mux
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in the background. The returned channel yields the
// terminal serve error, if any.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server shutting down")
	return s.httpServer.Shutdown(ctx)
}
