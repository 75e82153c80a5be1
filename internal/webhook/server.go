// ABOUTME: Webhook server orchestration handling listeners and lifecycle
// ABOUTME: Serves over plain TCP or a tsnet node with optional Funnel

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/whatsapp-hook/internal/auth"
	"github.com/2389/whatsapp-hook/internal/config"
	"github.com/2389/whatsapp-hook/internal/dedupe"
	"github.com/2389/whatsapp-hook/internal/session"
	"github.com/2389/whatsapp-hook/internal/store"
)

// Relay delivers one message to the agent gateway per call. Satisfied by
// *session.Client; narrowed to an interface so tests can inject a fake.
type Relay interface {
	Deliver(ctx context.Context, msg session.OutboundMessage) (session.Outcome, error)
}

// Server is the webhook adapter: it terminates Meta's callbacks and hands
// each inbound text to a background gateway session.
type Server struct {
	config      *config.Config
	relay       Relay
	attempts    store.AttemptStore
	dedupe      *dedupe.Cache
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// relayBudget bounds one background delivery, covering the session
	// timeout, the linger window, and teardown slack.
	relayBudget time.Duration

	// inflight tracks background relay goroutines so Shutdown can wait
	// for sessions that already acknowledged a webhook.
	inflight sync.WaitGroup
}

// New creates a webhook server. attempts may be nil, which disables the
// attempt log and the /api/attempts endpoint.
func New(cfg *config.Config, relay Relay, attempts store.AttemptStore, logger *slog.Logger) (*Server, error) {
	sessionTimeout := cfg.Relay.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = session.DefaultSessionTimeout
	}
	linger := cfg.Relay.Linger
	if linger <= 0 {
		linger = session.DefaultLinger
	}

	s := &Server{
		config:      cfg,
		relay:       relay,
		attempts:    attempts,
		dedupe:      dedupe.New(10*time.Minute, 50_000), // Meta redelivers for a while
		logger:      logger.With("component", "webhook"),
		relayBudget: sessionTimeout + linger + 3*time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)
	if err := s.registerAPIRoutes(mux, cfg, logger); err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// registerAPIRoutes registers the operator API with or without auth middleware.
func (s *Server) registerAPIRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating HTTP JWT verifier: %w", err)
		}
		authMiddleware := auth.HTTPAuthMiddleware(verifier)
		mux.Handle("/api/attempts", authMiddleware(http.HandlerFunc(s.handleAttempts)))
		mux.Handle("/api/send", authMiddleware(http.HandlerFunc(s.handleSend)))
		logger.Info("HTTP auth middleware enabled")
	} else {
		mux.HandleFunc("/api/attempts", s.handleAttempts)
		mux.HandleFunc("/api/send", s.handleSend)
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	return nil
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the webhook server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting webhooks, waits for in-flight relay sessions, and
// releases resources. Sessions that were already acknowledged to Meta get to
// finish; abandoning them would drop messages we claimed to have received.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down webhook server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with relay sessions in flight")
	}

	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	s.dedupe.Close()
	if s.attempts != nil {
		if err := s.attempts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("attempt store close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates the HTTP listener based on configuration.
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", s.config.Server.HTTPAddr,
			)
		}
		return s.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "whatsapp-hook", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns the HTTP listener.
// Funnel is what makes the webhook reachable from Meta's servers; without it
// the node only answers inside the tailnet.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	if tsCfg.Funnel {
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	}

	s.logger.Warn("funnel disabled - webhook only reachable inside the tailnet")
	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}
