package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"threaddeck/internal/protocol"
	"threaddeck/internal/session"
	"threaddeck/internal/threads"
)

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Clients: s.ClientCount()})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	list, err := s.threads.List()
	if err != nil {
		s.log.Error("list threads failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRunningThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.RunningThreads())
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.threads.Read(id)
	switch {
	case errors.Is(err, threads.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "invalid thread id")
	case errors.Is(err, threads.ErrNotFound):
		writeError(w, http.StatusNotFound, "thread not found")
	case err != nil:
		s.log.Error("read thread failed", zap.String("thread_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read thread")
	default:
		writeJSON(w, http.StatusOK, t)
	}
}

// handleThreadHistory returns the recorded messages of a thread so a client
// that reconnects can backfill what it missed. Unknown threads have an empty
// history.
func (s *Server) handleThreadHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.threads.ReadTranscript(id)
	switch {
	case errors.Is(err, threads.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "invalid thread id")
	case err != nil:
		s.log.Error("read thread history failed", zap.String("thread_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read thread history")
	default:
		writeJSON(w, http.StatusOK, msgs)
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !threads.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid thread id")
		return
	}

	var req protocol.MessageCommand
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := protocol.ValidateMessage(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	handle := s.coord.HandleMessage
	if r.URL.Query().Get("force") == "true" {
		handle = s.coord.HandleForceSend
	}
	if err := handle(id, req.Content, req.Image, req.Mode); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, statusResponse{Status: "accepted"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !threads.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid thread id")
		return
	}

	s.coord.HandleCancel(id)
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "accepted"})
}
