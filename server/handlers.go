package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"import-desk/session"
	"import-desk/validate"
)

var errBadRequest = errors.New("bad request")

type startRequest struct {
	Account     string `json:"account"`
	Credential  string `json:"credential"`
	Destination string `json:"destination"`
	Limit       *int   `json:"limit,omitempty"`
}

type twoFactorRequest struct {
	startRequest
	Code string `json:"code"`
}

type sessionRequest struct {
	SessionID  string `json:"session_id"`
	Credential string `json:"credential,omitempty"`
}

type startResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func decodeBody(r *http.Request, w http.ResponseWriter, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func (req startRequest) config(code string) session.Config {
	cfg := session.Config{
		Account:     req.Account,
		Credential:  req.Credential,
		Code:        code,
		Destination: req.Destination,
	}
	if req.Limit != nil {
		cfg.Limit = *req.Limit
	}
	return cfg
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.createAndStart(w, r, req.config(""))
}

func (s *Server) handleTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req twoFactorRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validate.ValidateCode(req.Code); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg := req.config(req.Code)
	if err := s.manager.Confirm(r.Context(), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.createAndStart(w, r, cfg)
}

func (s *Server) createAndStart(w http.ResponseWriter, r *http.Request, cfg session.Config) {
	id, err := s.manager.Create(r.Context(), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.manager.Start(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.WithField("session_id", id).Info("import started")
	writeJSON(w, http.StatusOK, startResponse{Message: "import started", SessionID: id})
}

func (s *Server) sessionBody(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return req, false
	}
	if err := validate.ValidateSessionID(req.SessionID); err != nil {
		s.writeError(w, r, err)
		return req, false
	}
	return req, true
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionBody(w, r)
	if !ok {
		return
	}
	if err := s.manager.Pause(req.SessionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "import paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionBody(w, r)
	if !ok {
		return
	}
	if err := s.manager.Resume(r.Context(), req.SessionID, req.Credential); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "import resumed"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionBody(w, r)
	if !ok {
		return
	}
	if err := s.manager.Stop(req.SessionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "stop requested"})
}

func (s *Server) pathSessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := validate.ValidateSessionID(id); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return id, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathSessionID(w, r)
	if !ok {
		return
	}
	view, err := s.manager.Status(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathSessionID(w, r)
	if !ok {
		return
	}
	token := r.PathValue("token")
	if err := validate.ValidateToken(token); err != nil {
		s.writeError(w, r, err)
		return
	}

	tok, err := s.manager.Delivery().Fetch(id, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rc, err := tok.Payload.Open(r.Context())
	if err != nil {
		s.writeError(w, r, fmt.Errorf("failed to open payload: %w", err))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": tok.Filename}))
	if tok.Size > 0 {
		w.Header().Set("Content-Length", fmt.Sprint(tok.Size))
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.WithError(err).WithField("session_id", id).Warn("download interrupted")
	}
}

func (s *Server) handleDownloadZip(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathSessionID(w, r)
	if !ok {
		return
	}
	d := s.manager.Delivery()
	if err := d.CheckArchive(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": id + ".zip"}))
	if err := d.WriteArchive(r.Context(), id, w); err != nil {
		// headers are gone; the client sees a truncated archive
		s.logger.WithError(err).WithField("session_id", id).Warn("archive stream aborted")
	}
}

// handleStatusStream pushes the status view over a websocket whenever it
// changes, until the session reaches a terminal status or the client leaves.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathSessionID(w, r)
	if !ok {
		return
	}
	view, err := s.manager.Status(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// reader goroutine notices client close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	var last []byte
	for {
		payload, err := json.Marshal(view)
		if err != nil {
			return
		}
		if string(payload) != string(last) {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			last = payload
		}
		if view.Status.Terminal() {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(view.Status)))
			return
		}

		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		if view, err = s.manager.Status(id); err != nil {
			return
		}
	}
}
