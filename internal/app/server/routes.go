package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"

	"ipsentry/internal/auth"
	jobruntime "ipsentry/internal/jobs/runtime"
)

const shutdownTimeout = 15 * time.Second

type BlockChecker interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

// Ingester runs a locked fetch+reload; jobruntime.RefreshRoutine implements it.
type Ingester interface {
	RunOnce(ctx context.Context, reason string) (*jobruntime.RefreshResult, error)
}

type CountryLookup interface {
	Country(ip string) (string, bool)
}

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

type Options struct {
	Port       int
	Lookup     BlockChecker
	Ingester   Ingester
	Countries  CountryLookup
	JWTSecret  []byte
	TokenTTL   time.Duration
	AdminToken string
	// Checks are reported by name on GET /health.
	Checks map[string]HealthCheck
	// Instances optionally counts live service instances.
	Instances func(ctx context.Context) (int, error)
	Logger *log.Logger
}

type Server struct {
	opts     Options
	validate *validator.Validate
	logger   *log.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.WithPrefix("http"),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.AdminTokenHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	requireBearer := auth.RequireBearer(s.opts.JWTSecret)
	requireAdmin := auth.RequireAdminToken(s.opts.AdminToken)

	router := http.NewServeMux()
	router.Handle("GET /ips/{ip}", requireBearer(http.HandlerFunc(s.getIPStatus)))

	router.Handle("POST /admin/token", requireAdmin(http.HandlerFunc(s.issueToken)))
	router.Handle("POST /admin/ingest", requireAdmin(http.HandlerFunc(s.ingest)))

	router.HandleFunc("GET /health", s.health)
	router.HandleFunc("GET /status", s.health)
	router.HandleFunc("GET /version", getVersion)

	return enableCORS(router)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting ipsentry API on port :%d", s.opts.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}
