// Package api is the operator surface: message injection, event
// management, transcript reads, and a websocket feed of resolved actions.
// Channel adapters integrate through it rather than importing the engine.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/conversekit/converse/internal/engine"
	"github.com/conversekit/converse/internal/outbound"
	"github.com/conversekit/converse/internal/sched"
	"github.com/conversekit/converse/internal/session"
)

type Server struct {
	Engine    *engine.Engine
	Sched     sched.Store
	Sessions  *session.Store
	Ledger    outbound.Log
	Hub       *Hub
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/message", s.handleMessage)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/sessions/", s.handleSessions)
	mux.HandleFunc("/api/outbound/", s.handleOutbound)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/ws/actions", s.handleActionsWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// handleMessage runs one turn synchronously and returns the resolved
// action. Debounced callers whose input was absorbed by another turn get
// a silence action, not an error.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var msg engine.IncomingMessage
	if err := decodeJSON(r.Body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	action, err := s.Engine.HandleIncomingMessage(r.Context(), msg)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		window, err := parseDuration(r.URL.Query().Get("window"), time.Minute)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		events, err := s.Sched.GetPendingEvents(r.Context(), window)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	case http.MethodPost:
		var input sched.EventInput
		if err := decodeJSON(r.Body, &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		evt, err := s.Sched.AddEvent(r.Context(), input)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, sched.ErrInvalidEvent) || errors.Is(err, sched.ErrInvalidRecur) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, evt)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "messages" {
		writeError(w, http.StatusNotFound, errNotFound("session resource"))
		return
	}
	chatID := segments[0]
	limit := parseInt(r.URL.Query().Get("limit"), 50)

	messages, err := s.Sessions.Messages(r.Context(), chatID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleOutbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	chatID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/outbound/"), "/")
	if chatID == "" {
		writeError(w, http.StatusNotFound, errNotFound("chat"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 20)

	entries, err := s.Ledger.ListRecent(r.Context(), chatID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	payload := map[string]any{
		"uptime_seconds": int(time.Since(s.StartedAt).Seconds()),
	}
	if s.Engine != nil {
		payload["active_chats"] = s.Engine.ActiveChats()
	}
	if s.Hub != nil {
		payload["action_subscribers"] = s.Hub.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, payload)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
