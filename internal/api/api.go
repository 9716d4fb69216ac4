// Package api exposes the profile coach over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/profilecoach/internal/coach"
	"github.com/kalambet/profilecoach/internal/profile"
	"github.com/kalambet/profilecoach/internal/proxy"
	"github.com/kalambet/profilecoach/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ModelLister lists chat models. Implemented by *proxy.Client.
type ModelLister interface {
	ListModels(ctx context.Context) ([]proxy.Model, error)
}

// Deps holds what the HTTP handlers need. Models may be nil, in which case
// GET /models returns 503.
type Deps struct {
	Store   *storage.Store
	Profile *profile.Manager
	Coach   *coach.Hub
	Models  ModelLister
	Token   string
}

// NewHandler returns the HTTP API. /health and /metrics are open; every other
// route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/models", handleModels(deps.Models))

		r.Get("/profile", handleGetProfile(deps))
		r.Patch("/profile", handlePatchProfile(deps))

		r.Post("/footprint", handleAddFootprint(deps))
		r.Get("/footprint", handleListFootprint(deps))
		r.Get("/footprint/{id}", handleGetFootprint(deps))
		r.Delete("/footprint/{id}", handleDeleteFootprint(deps))

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/messages", handleSendMessage(deps))
			r.Get("/turns", handleListTurns(deps))
			r.Get("/preview", handlePreview(deps))
			r.Post("/turns/{turnID}/apply", handleApply(deps))
			r.Post("/turns/{turnID}/decline", handleDecline(deps))
			r.Delete("/", handleDeleteSession(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(models ModelLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if models == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "model listing not configured")
			return
		}
		list, err := models.ListModels(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to list models: %v", err)
			return
		}
		if list == nil {
			list = []proxy.Model{}
		}
		writeJSON(w, http.StatusOK, proxy.ModelList{Data: list})
	}
}

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Profile.GetProfile()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePatchProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Profile.SetFields(fields)
		if errors.Is(err, profile.ErrUnknownKey) || errors.Is(err, profile.ErrInvalidValue) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update profile: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, errorBody(errType, fmt.Sprintf(format, args...)))
}

func errorBody(errType, msg string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
