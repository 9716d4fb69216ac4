// Package coach runs chat sessions with the profile coach: it streams each
// reply, pulls any proposed profile edit out of it and holds that edit until
// the user applies or declines it.
package coach

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/profilecoach/internal/composer"
	"github.com/kalambet/profilecoach/internal/stream"
)

// ErrInvalidSession is returned for empty or oversized session IDs.
var ErrInvalidSession = errors.New("invalid session id")

const (
	maxSessionIDLen      = 128
	defaultFootprintDocs = 10
)

// Config wires a Hub to its collaborators. Chat, Profile and Composer are
// required; Turns and Footprint may be nil.
type Config struct {
	Chat      Chatter
	Profile   ProfileService
	Composer  *composer.Composer
	Turns     TurnStore
	Footprint FootprintSource

	MaxTurnBytes  int
	IdleTimeout   time.Duration
	FootprintDocs int

	Metrics *Metrics
	Logger  *slog.Logger
}

// Hub owns the live sessions. Sessions are created on first use and, when a
// turn store is configured, restored from it.
type Hub struct {
	cfg *Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewHub(cfg Config) *Hub {
	if cfg.MaxTurnBytes <= 0 {
		cfg.MaxTurnBytes = stream.DefaultMaxBytes
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = stream.DefaultIdleTimeout
	}
	if cfg.FootprintDocs == 0 {
		cfg.FootprintDocs = defaultFootprintDocs
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{cfg: &cfg, sessions: make(map[string]*Session)}
}

// Session returns the session with the given ID, creating or restoring it.
func (h *Hub) Session(id string) (*Session, error) {
	if id == "" || len(id) > maxSessionIDLen {
		return nil, ErrInvalidSession
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[id]; ok {
		return s, nil
	}
	restored, err := h.restore(id)
	if err != nil {
		return nil, err
	}
	s := newSession(id, h.cfg, restored)
	h.sessions[id] = s
	return s, nil
}

func (h *Hub) restore(id string) ([]*Turn, error) {
	if h.cfg.Turns == nil {
		return nil, nil
	}
	recs, err := h.cfg.Turns.ListTurns(id)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	turns := make([]*Turn, 0, len(recs))
	for _, rec := range recs {
		t, err := fromRecord(rec)
		if err != nil {
			h.cfg.Logger.Warn("skipping unreadable turn", "session", id, "error", err)
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Forget drops a session from memory. Persisted turns are left alone.
func (h *Hub) Forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}
