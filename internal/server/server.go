// Package server is the collector's HTTP and WebSocket front end.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/edge-telemetry/internal/hub"
	"github.com/shaunagostinho/edge-telemetry/internal/telemetry"
)

const (
	maxEventBytes   = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Config holds collector server settings.
type Config struct {
	ListenAddr string
	WebFS      fs.FS // dashboard assets served at /; nil disables
}

// Server exposes the hub over HTTP and WebSocket.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	logger   zerolog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
	router   chi.Router
}

// New creates a Server for h.
func New(cfg Config, h *hub.Hub, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		hub:      h,
		logger:   log.With().Str("module", "server").Logger(),
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	h.OnRemove(func(id uuid.UUID) {
		s.logger.Info().Str("subscriber", id.String()).Msg("slow subscriber dropped")
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", s.handlePostEvent)
		r.Get("/events", s.handleListEvents)
		r.Get("/stats", s.handleStats)
	})
	r.Get("/ws", s.handleWS)
	if cfg.WebFS != nil {
		r.Handle("/*", http.FileServer(http.FS(cfg.WebFS)))
	}
	s.router = r
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on cfg.ListenAddr and serves until ctx is cancelled. A bind
// failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	ev, err := decodeEvent(s.validate, body)
	if err != nil {
		s.logger.Debug().Err(err).Msg("rejected event")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.hub.AcceptEvent(ev)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.ListRecent())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

// decodeEvent parses and validates one JSON event from any transport.
func decodeEvent(v *validator.Validate, data []byte) (telemetry.Event, error) {
	var ev telemetry.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return telemetry.Event{}, fmt.Errorf("invalid event json: %w", err)
	}
	if err := v.Struct(ev); err != nil {
		return telemetry.Event{}, fmt.Errorf("invalid event: %w", err)
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	return ev, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
