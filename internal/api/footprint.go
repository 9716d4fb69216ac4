package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/profilecoach/internal/footprint"
	"github.com/kalambet/profilecoach/internal/ingest"
	"github.com/kalambet/profilecoach/internal/storage"
)

const maxFootprintBodySize = 10 << 20 // 10MB

var errInvalidFootprint = errors.New("invalid footprint document")

// FootprintRequest is already-gathered material about the user. Content is
// plain text, HTML, or base64 PDF depending on Kind.
type FootprintRequest struct {
	Source  string `json:"source"`
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// FootprintQueue stores footprint documents and queues their extraction.
// Implemented by *storage.Store.
type FootprintQueue interface {
	SaveFootprintDoc(doc storage.FootprintDoc) error
	EnqueueJob(job storage.Job) error
}

// footprintView is the API shape of a stored document. Raw is omitted.
type footprintView struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title,omitempty"`
	Status    string    `json:"status"`
	Content   string    `json:"content,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOf(d storage.FootprintDoc, withContent bool) footprintView {
	v := footprintView{
		ID:        d.ID,
		Source:    d.Source,
		Kind:      d.Kind,
		Title:     d.Title,
		Status:    d.Status,
		Error:     d.Error,
		CreatedAt: d.CreatedAt,
	}
	if withContent {
		v.Content = d.Content
	}
	return v
}

// submitFootprint validates req, stores it as queued and enqueues text
// extraction. It returns the new document ID.
func submitFootprint(q FootprintQueue, req FootprintRequest) (string, error) {
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		return "", fmt.Errorf("%w: source is required", errInvalidFootprint)
	}
	if req.Content == "" {
		return "", fmt.Errorf("%w: content is required", errInvalidFootprint)
	}
	if req.Kind == "" {
		req.Kind = footprint.KindText
	}
	if !footprint.ValidKind(req.Kind) {
		return "", fmt.Errorf("%w: kind must be text, html or pdf", errInvalidFootprint)
	}
	if req.Kind == footprint.KindPDF {
		if _, err := base64.StdEncoding.DecodeString(req.Content); err != nil {
			return "", fmt.Errorf("%w: pdf content must be base64", errInvalidFootprint)
		}
	}

	docID := uuid.New().String()
	doc := storage.FootprintDoc{
		ID:        docID,
		Source:    req.Source,
		Kind:      req.Kind,
		Title:     req.Title,
		Raw:       req.Content,
		Status:    storage.FootprintQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.SaveFootprintDoc(doc); err != nil {
		return "", fmt.Errorf("saving document: %w", err)
	}

	job, err := ingest.NewJob(uuid.New().String(), docID)
	if err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	if err := q.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("saved document but failed to queue extraction: %w", err)
	}
	return docID, nil
}

func handleAddFootprint(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxFootprintBodySize)
		defer r.Body.Close()

		var req FootprintRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id, err := submitFootprint(deps.Store, req)
		if errors.Is(err, errInvalidFootprint) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": storage.FootprintQueued,
		})
	}
}

func handleListFootprint(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Store.ListFootprintDocs(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list footprint: %v", err)
			return
		}

		views := make([]footprintView, len(docs))
		for i, d := range docs {
			views[i] = viewOf(d, false)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetFootprint(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Store.GetFootprintDoc(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "footprint document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get footprint document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(doc, true))
	}
}

func handleDeleteFootprint(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteFootprintDoc(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "footprint document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete footprint document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
