package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helios-ems/helios/pkg/config"
	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/state"
	"github.com/helios-ems/helios/pkg/storage"
)

// tokenVerifier is a function that validates a Google or Apple ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server exposes the controller status and accepts pause, resume and
// settings changes over HTTP.
type Server struct {
	config  *config.Store
	shared  *state.Shared
	storage storage.Database
	now     func() time.Time

	listenAddr string
	httpServer *http.Server

	adminEmails   []string
	oidcVerifiers map[string]tokenVerifier
	serverName    string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(cfg *config.Store, shared *state.Shared, db storage.Database) *Server {
	srv := &Server{
		config:     cfg,
		shared:     shared,
		storage:    db,
		now:        time.Now,
		serverName: "helios",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to pause, resume and change settings")
	oidcAudience := lflag.String("oidc-audience", "", "Google client ID to validate id tokens against")
	oidcAudiences := map[string]string{}
	lflag.JSON(&oidcAudiences, "oidc-audiences", oidcAudiences, "JSON map of provider (google/apple) to audience/client ID")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if len(oidcAudiences) == 0 && *oidcAudience != "" {
			oidcAudiences["google"] = *oidcAudience
		}
		if len(oidcAudiences) > 0 {
			srv.oidcVerifiers = make(map[string]tokenVerifier, len(oidcAudiences))
		}
		for n, a := range oidcAudiences {
			var issuer string
			switch n {
			case "google":
				issuer = "https://accounts.google.com"
			case "apple":
				issuer = "https://appleid.apple.com"
			default:
				panic(fmt.Sprintf("unsupported oidc audience client: %s", n))
			}
			provider, err := oidc.NewProvider(context.Background(), issuer)
			if err != nil {
				panic(fmt.Sprintf("failed to initialize %s OIDC provider: %v", n, err))
			}
			srv.oidcVerifiers[n] = provider.Verifier(&oidc.Config{ClientID: a}).Verify
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/plan", s.handlePlan)
	apiMux.HandleFunc("POST /api/pause", s.requireAdmin(s.handlePause))
	apiMux.HandleFunc("POST /api/resume", s.requireAdmin(s.handleResume))
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.requireAdmin(s.handleUpdateSettings))
	apiMux.HandleFunc("GET /api/history/transitions", s.handleHistoryTransitions)
	apiMux.HandleFunc("GET /api/history/energy", s.handleHistoryEnergy)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.requestLogMiddleware(apiMux))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, s.shared.Status(s.now()))
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan := s.shared.Plan()
	if plan == nil {
		writeJSONError(w, "plan not ready", http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, plan)
}

type pauseRes struct {
	Paused bool `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.shared.SetPaused(true) {
		log.Ctx(ctx).InfoContext(ctx, "automation pause requested")
	}
	writeJSON(w, pauseRes{Paused: true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.shared.SetPaused(false) {
		log.Ctx(ctx).InfoContext(ctx, "automation resume requested")
	}
	writeJSON(w, pauseRes{Paused: false})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func cacheHistory(w http.ResponseWriter, end time.Time) {
	// closed days never change
	today := time.Now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
}
