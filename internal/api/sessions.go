package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/profilecoach/internal/coach"
)

// MessageRequest is the body of POST /sessions/{id}/messages.
type MessageRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

func session(deps Deps, w http.ResponseWriter, r *http.Request) (*coach.Session, bool) {
	s, err := deps.Coach.Session(chi.URLParam(r, "id"))
	if err != nil {
		coachError(w, err)
		return nil, false
	}
	return s, true
}

// coachError maps coach errors onto HTTP statuses.
func coachError(w http.ResponseWriter, err error) {
	code, errType := coachStatus(err)
	httpError(w, code, errType, "%v", err)
}

func coachStatus(err error) (int, string) {
	switch {
	case errors.Is(err, coach.ErrTurnNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, coach.ErrNoPendingUpdate):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, coach.ErrInvalidSession), errors.Is(err, coach.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, coach.ErrTransport):
		return http.StatusBadGateway, "api_error"
	}
	return http.StatusInternalServerError, "api_error"
}

func handleSendMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}
		s, ok := session(deps, w, r)
		if !ok {
			return
		}

		if req.Stream {
			streamTurn(r.Context(), w, s, req.Message)
			return
		}

		turn, err := s.Send(r.Context(), req.Message, nil)
		if err != nil {
			code, errType := coachStatus(err)
			body := errorBody(errType, err.Error())
			if turn.ID != "" {
				body["turn"] = turn
			}
			writeJSON(w, code, body)
			return
		}
		writeJSON(w, http.StatusOK, turn)
	}
}

// streamTurn relays the reply as server-sent events: a "delta" event per
// content delta, then a "turn" event with the classified turn (or an "error"
// event), then [DONE].
func streamTurn(ctx context.Context, w http.ResponseWriter, s *coach.Session, message string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event string, v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			slog.Error("failed to marshal stream event", "event", event, "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
	}

	turn, err := s.Send(ctx, message, func(delta, _ string) {
		send("delta", map[string]string{"delta": delta})
	})
	if err != nil {
		_, errType := coachStatus(err)
		body := errorBody(errType, err.Error())
		if turn.ID != "" {
			body["turn"] = turn
		}
		send("error", body)
	} else {
		send("turn", turn)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func handleListTurns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := session(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, s.Turns())
	}
}

func handlePreview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := session(deps, w, r)
		if !ok {
			return
		}
		preview, err := s.Preview()
		if err != nil {
			coachError(w, err)
			return
		}
		if preview == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, preview)
	}
}

func handleApply(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := session(deps, w, r)
		if !ok {
			return
		}
		p, err := s.Apply(chi.URLParam(r, "turnID"))
		if err != nil {
			coachError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleDecline(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := session(deps, w, r)
		if !ok {
			return
		}
		if err := s.Decline(chi.URLParam(r, "turnID")); err != nil {
			coachError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Store.DeleteSession(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete session: %v", err)
			return
		}
		deps.Coach.Forget(id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
