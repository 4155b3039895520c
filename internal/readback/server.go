// Package readback serves the measurement log and live rows over HTTP.
// It only reads; it never takes part in the poll cycle.
package readback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"modbus_logger/internal/logging"
	"modbus_logger/internal/poller"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatsSource is implemented by the poll loop.
type StatsSource interface {
	Stats() poller.Stats
}

// Handler bundles the read-only endpoints.
type Handler struct {
	logPath string
	stats   StatsSource
	hub     *Hub
	logger  zerolog.Logger
}

func NewHandler(logPath string, stats StatsSource, hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{logPath: logPath, stats: stats, hub: hub, logger: logger}
}

// Router wires the endpoints onto a chi mux.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  logging.StdLogger(h.logger, ""),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/logs", h.ServeLogs)
	if h.stats != nil {
		r.Get("/status", h.ServeStatus)
	}
	if h.hub != nil {
		r.Get("/ws", h.ServeWS)
	}
	return r
}

// ServeLogs returns the log file verbatim.
func (h *Handler) ServeLogs(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(h.logPath)
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "log not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("path", h.logPath).Msg("cannot open log for readback")
		http.Error(w, "cannot read log", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Debug().Err(err).Msg("log readback interrupted")
	}
}

func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.stats.Stats()); err != nil {
		h.logger.Debug().Err(err).Msg("status encode failed")
	}
}

// ServeWS upgrades the connection and registers it with the hub.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{hub: h.hub, conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.hub.add(c) {
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// Server owns the HTTP listener.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger zerolog.Logger
}

func NewServer(listen string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start binds the listener synchronously and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("readback server started")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("readback server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
