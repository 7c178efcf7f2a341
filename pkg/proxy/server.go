package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juststayawake/chatuser/pkg/account"
	"github.com/juststayawake/chatuser/pkg/config"
	"github.com/juststayawake/chatuser/pkg/logstore"
	"github.com/juststayawake/chatuser/pkg/logutil"
	"github.com/juststayawake/chatuser/pkg/signature"
	"github.com/juststayawake/chatuser/pkg/upstream"
	"github.com/juststayawake/chatuser/pkg/usagedb"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/acme/autocert"
)

const (
	maintenanceInterval = time.Minute
	maxRequestBodyBytes = 8 << 20
)

type Server struct {
	store          *config.ServerConfigStore
	verifier       *signature.Verifier
	memoryGuard    *signature.MemoryReplayGuard
	redis          *redis.Client
	accounts       *account.Client
	upstream       *upstream.Client
	usage          *usagedb.Store
	events         *eventHub
	logs           *logstore.Store
	limiter        *ipRateLimiter
	trustedProxies []netip.Prefix
	handler        http.Handler
	httpServer     *http.Server
	activeRequests atomic.Int64
	draining       atomic.Bool
}

// NewServer wires every dependency described by cfg. configPath is where
// admin-side config updates are persisted; it may be empty.
func NewServer(ctx context.Context, configPath string, cfg *config.ServerConfig) (*Server, error) {
	store := config.NewServerConfigStore(configPath, cfg)
	s := &Server{
		store:  store,
		events: newEventHub(),
		logs:   logstore.NewStore(cfg.Logs.Path, cfg.Logs.MaxLines),
	}
	logutil.SetOutputTee(s.logs.Writer())

	trusted, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		s.closeResources()
		return nil, err
	}
	s.trustedProxies = trusted

	accounts, err := account.NewClient(account.Options{
		BaseURL:  cfg.Account.BaseURL,
		AppKey:   cfg.Account.AppKey,
		InfoPath: cfg.Account.InfoPath,
		Timeout:  time.Duration(cfg.Account.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("init account client: %w", err)
	}
	s.accounts = accounts

	up, err := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.ProxyURL, cfg.UpstreamTimeout())
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("init upstream client: %w", err)
	}
	s.upstream = up
	slog.Debug("upstream configured", "endpoint", up.Endpoint())

	if cfg.Signature.Enabled {
		opts := []signature.Option{signature.WithTolerance(cfg.SignatureTolerance())}
		switch cfg.Signature.Replay {
		case config.ReplayMemory:
			s.memoryGuard = signature.NewMemoryReplayGuard()
			opts = append(opts, signature.WithReplayGuard(s.memoryGuard))
		case config.ReplayRedis:
			client, err := signature.OpenRedis(ctx, cfg.Signature.RedisURL)
			if err != nil {
				s.closeResources()
				return nil, fmt.Errorf("init replay guard: %w", err)
			}
			s.redis = client
			opts = append(opts, signature.WithReplayGuard(signature.NewRedisReplayGuard(client, "")))
		}
		s.verifier = signature.NewVerifier(cfg.Signature.Secret, opts...)
		slog.Info("request signature verification enabled", "tolerance", s.verifier.Tolerance(), "replay", cfg.Signature.Replay)
	} else {
		slog.Warn("request signature verification disabled")
	}

	if cfg.Usage.Enabled {
		usage, err := usagedb.New(cfg.Usage.Dir, usagedb.Settings{})
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("init usage ledger: %w", err)
		}
		s.usage = usage
	}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		s.limiter = newIPRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.realIPMiddleware)
	r.Use(s.requestLifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api", func(api chi.Router) {
		api.Use(s.rateLimitMiddleware)
		api.Post("/generate", s.handleGenerate)
		api.Post("/paynotice", s.handlePayNotice)
		api.Post("/info", s.handleInfo)
	})
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Get("/usage", s.handleUsageSummary)
		admin.Get("/usage/events", s.handleUsageEvents)
		admin.Get("/ws", s.events.serveWS)
		admin.Get("/logs", s.handleLogs)
		admin.Delete("/logs", s.handleLogs)
	})
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 2)
	go s.runMaintenance(ctx)

	servers := []*http.Server{s.httpServer}
	if cfg.TLS.Enabled {
		httpsSrv, challenge, err := s.tlsServers(cfg)
		if err != nil {
			return err
		}
		servers = []*http.Server{httpsSrv}
		if challenge != nil {
			servers = append(servers, challenge)
			go func() {
				slog.Info("http challenge/redirect listening", "addr", challenge.Addr)
				if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("http challenge server: %w", err)
				}
			}()
		}
		go func() {
			slog.Info("https listening", "addr", httpsSrv.Addr, "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	} else {
		go func() {
			slog.Info("relay listening", "addr", cfg.ListenAddr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("relay server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.closeResources()
		return err
	}
	s.draining.Store(true)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	s.waitForIdle(drainCtx)
	cancelDrain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	s.closeResources()
	return firstErr(errCh)
}

func (s *Server) tlsServers(cfg config.ServerConfig) (*http.Server, *http.Server, error) {
	httpsSrv := &http.Server{
		Addr:              cfg.TLS.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
		ReadTimeout:       s.httpServer.ReadTimeout,
		IdleTimeout:       s.httpServer.IdleTimeout,
	}
	if cfg.TLS.Mode == config.TLSModePEM {
		cert, err := tls.X509KeyPair([]byte(cfg.TLS.CertPEM), []byte(cfg.TLS.KeyPEM))
		if err != nil {
			return nil, nil, fmt.Errorf("load tls key pair: %w", err)
		}
		httpsSrv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		return httpsSrv, nil, nil
	}
	mgr := &autocert.Manager{
		Cache:      autocert.DirCache(cfg.TLS.CacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
		Email:      cfg.TLS.Email,
	}
	httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}
	challenge := &http.Server{
		Addr:              ":80",
		Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return httpsSrv, challenge, nil
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) runMaintenance(ctx context.Context) {
	t := time.NewTicker(maintenanceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.maintain(nowUTC())
		}
	}
}

func (s *Server) maintain(now time.Time) {
	if s.memoryGuard != nil {
		if n := s.memoryGuard.Prune(); n > 0 {
			slog.Debug("replay guard pruned", "entries", n)
		}
	}
	if s.limiter != nil {
		s.limiter.prune(now)
	}
	if s.usage != nil {
		if err := s.usage.Flush(); err != nil {
			slog.Warn("usage ledger flush failed", "error", err)
		}
		if _, err := s.usage.Prune(now); err != nil {
			slog.Warn("usage ledger prune failed", "error", err)
		}
	}
	if err := s.logs.Flush(); err != nil {
		slog.Warn("log ring flush failed", "error", err)
	}
}

func (s *Server) closeResources() {
	logutil.SetOutputTee(nil)
	_ = s.logs.Flush()
	if s.usage != nil {
		if err := s.usage.Close(); err != nil {
			slog.Warn("usage ledger close failed", "error", err)
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	s.events.closeAll()
}

// Close releases ledgers and connections for servers that were never Run.
func (s *Server) Close() {
	s.closeResources()
}

func (s *Server) requestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAPIReq := strings.HasPrefix(r.URL.Path, "/api/")
		if isAPIReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, "shutting_down", "server shutting down")
			return
		}
		if isAPIReq {
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			slog.Info("shutdown: relay idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			slog.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			slog.Warn("shutdown: drain timeout", "active", active)
			return
		case <-t.C:
		}
	}
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
