package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/profilecoach/internal/footprint"
	"github.com/kalambet/profilecoach/internal/storage"
)

// JobType is the queue type for footprint text extraction.
const JobType = "footprint_extract"

// JobStore abstracts the job queue and footprint document operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetFootprintDoc(id string) (storage.FootprintDoc, error)
	SetFootprintResult(id, content, status, errMsg string) error
}

// ExtractFunc converts raw document bytes of a kind into plain text.
type ExtractFunc func(kind, raw string) (string, error)

// Worker processes footprint_extract jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	extract ExtractFunc
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		extract: footprint.Extract,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Payload is the JSON body of a footprint_extract job.
type Payload struct {
	DocID string `json:"footprint_doc_id"`
}

// NewJob builds the queue entry that extracts doc docID.
func NewJob(jobID, docID string) (storage.Job, error) {
	b, err := json.Marshal(Payload{DocID: docID})
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding job payload: %w", err)
	}
	return storage.Job{ID: jobID, Type: JobType, PayloadJSON: string(b)}, nil
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. It returns true if a job was
// processed, regardless of outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob returns an error only for conditions worth retrying. A document
// whose content cannot be extracted is marked failed and the job completes.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetFootprintDoc(payload.DocID)
	if err != nil {
		return fmt.Errorf("loading footprint doc %s: %w", payload.DocID, err)
	}

	text, err := w.extract(doc.Kind, doc.Raw)
	if err != nil {
		w.logger.Warn("footprint extraction failed", "doc_id", doc.ID, "kind", doc.Kind, "error", err)
		if err := w.store.SetFootprintResult(doc.ID, "", storage.FootprintFailed, err.Error()); err != nil {
			return fmt.Errorf("recording extraction failure: %w", err)
		}
		return nil
	}

	if err := w.store.SetFootprintResult(doc.ID, text, storage.FootprintReady, ""); err != nil {
		return fmt.Errorf("saving extracted text: %w", err)
	}
	return nil
}
