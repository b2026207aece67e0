// Package server provides the HTTP API of the import daemon.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"import-desk/delivery"
	"import-desk/manager"
	"import-desk/session"
	"import-desk/validate"
)

const (
	maxBodyBytes = 1 << 20
	// DefaultStatusInterval is how often the websocket stream samples a session.
	DefaultStatusInterval = 500 * time.Millisecond
)

// Server serves the session API over HTTP/1.1 and cleartext HTTP/2.
type Server struct {
	logger         *logrus.Entry
	manager        *manager.Manager
	server         *http.Server
	upgrader       websocket.Upgrader
	statusInterval time.Duration
}

// New creates a Server backed by m.
func New(m *manager.Manager, logger *logrus.Entry) *Server {
	return &Server{
		logger:         logger,
		manager:        m,
		statusInterval: DefaultStatusInterval,
	}
}

// SetStatusInterval changes the websocket sampling interval.
func (s *Server) SetStatusInterval(d time.Duration) {
	if d > 0 {
		s.statusInterval = d
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /2fa", s.handleTwoFactor)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /resume", s.handleResume)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("GET /status/{id}", s.handleStatus)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /download/{id}/{token}", s.handleDownload)
	mux.HandleFunc("GET /download-zip/{id}", s.handleDownloadZip)
	mux.HandleFunc("GET /ws/status/{id}", s.handleStatusStream)

	return h2c.NewHandler(mux, &http2.Server{})
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve serves on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("addr", listener.Addr().String()).Info("API listening")
	err := s.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	entry := s.logger.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path, "status": status})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, delivery.ErrExpired):
		return http.StatusGone
	case errors.Is(err, delivery.ErrTooManyItems):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, manager.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, manager.ErrCredentialRequired), isValidation(err):
		return http.StatusBadRequest
	}
	switch session.KindOf(err) {
	case session.KindConfig:
		return http.StatusBadRequest
	case session.KindAuth:
		return http.StatusUnauthorized
	case session.KindDelivery:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func isValidation(err error) bool {
	for _, target := range []error{
		validate.ErrInvalidSessionID,
		validate.ErrInvalidToken,
		validate.ErrInvalidAccount,
		validate.ErrInvalidDestination,
		validate.ErrInvalidLimit,
		validate.ErrInvalidCode,
		errBadRequest,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
