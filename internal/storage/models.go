package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Turn is one persisted chat turn. Update payloads are stored as JSON text;
// PendingUpdate is empty once the turn leaves the pending state.
type Turn struct {
	ID            string
	SessionID     string
	Seq           int
	Role          string // "user" or "assistant"
	Text          string
	State         string
	UpdateValid   *bool // nil when the reply carried no update block
	PendingUpdate string
	RawUpdate     string
	CoercedUpdate string
	Error         string
	CreatedAt     time.Time
}

// Footprint document statuses.
const (
	FootprintQueued = "queued"
	FootprintReady  = "ready"
	FootprintFailed = "failed"
)

// FootprintDoc is externally gathered material about the user. Raw holds the
// submitted bytes (base64 for pdf); Content the extracted plain text.
type FootprintDoc struct {
	ID        string
	Source    string
	Kind      string // "text", "html" or "pdf"
	Title     string
	Raw       string
	Content   string
	Status    string
	Error     string
	CreatedAt time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
