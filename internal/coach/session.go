package coach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/profilecoach/internal/composer"
	"github.com/kalambet/profilecoach/internal/profile"
	"github.com/kalambet/profilecoach/internal/proxy"
	"github.com/kalambet/profilecoach/internal/storage"
	"github.com/kalambet/profilecoach/internal/stream"
	"github.com/kalambet/profilecoach/internal/update"
)

var ErrEmptyMessage = errors.New("empty message")

// Chatter opens a streamed chat completion. Implemented by *proxy.Client.
type Chatter interface {
	Chat(ctx context.Context, req proxy.ChatRequest) (io.ReadCloser, error)
}

// ProfileService reads and commits the profile. Implemented by *profile.Manager.
type ProfileService interface {
	GetProfile() (profile.Profile, error)
	ApplyUpdate(next profile.Profile) error
}

// FootprintSource lists extracted footprint documents. Implemented by *storage.Store.
type FootprintSource interface {
	ReadyFootprintDocs(limit int) ([]storage.FootprintDoc, error)
}

// Preview is the profile as it would look if the pending update were applied.
type Preview struct {
	TurnID  string          `json:"turnId"`
	Update  update.Raw      `json:"update"`
	Profile profile.Profile `json:"profile"`
}

// Session is one chat conversation. At most one reply streams at a time;
// Send waits for the previous one to finish.
type Session struct {
	id     string
	cfg    *Config
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu    sync.Mutex
	turns []*Turn
	seq   int
}

func newSession(id string, cfg *Config, restored []*Turn) *Session {
	s := &Session{
		id:     id,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(1),
		logger: cfg.Logger.With("session", id),
		turns:  restored,
	}
	for _, t := range restored {
		s.seq = max(s.seq, t.seq)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Send posts a user message, streams the coach's reply and classifies any
// update block in it. onDelta, if set, receives each content delta and the
// text so far. The returned turn is the assistant reply; on a transport
// failure it is returned in StateFailed together with an error wrapping
// ErrTransport.
func (s *Session) Send(ctx context.Context, message string, onDelta stream.DeltaFunc) (Turn, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Turn{}, ErrEmptyMessage
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Turn{}, err
	}
	defer s.sem.Release(1)

	history := s.history()
	reply := s.begin(message)

	text, err := s.stream(ctx, message, history, reply, onDelta)
	if err != nil {
		s.fail(reply, err)
		return s.snapshot(reply), err
	}
	s.complete(reply, text)
	return s.snapshot(reply), nil
}

// history returns prior completed messages in chat form.
func (s *Session) history() []proxy.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]proxy.Message, 0, len(s.turns))
	for _, t := range s.turns {
		if t.Text == "" || t.State == StateFailed || t.State == StateStreaming {
			continue
		}
		msgs = append(msgs, proxy.Message{Role: string(t.Role), Content: t.Text})
	}
	return msgs
}

// begin records the user turn and an empty streaming reply. Any update still
// pending from an earlier reply is superseded.
func (s *Session) begin(message string) *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.turns {
		if t.HasPending() {
			t.settle(StateSuperseded)
			s.cfg.Metrics.DecisionsTotal.WithLabelValues(string(StateSuperseded)).Inc()
			s.persist(t, false)
		}
	}

	now := time.Now().UTC()
	user := s.appendTurn(RoleUser, StateAssembled, now)
	user.Text = message
	reply := s.appendTurn(RoleAssistant, StateStreaming, now)
	s.persist(user, true)
	s.persist(reply, true)
	return reply
}

func (s *Session) appendTurn(role Role, state State, at time.Time) *Turn {
	s.seq++
	t := &Turn{ID: uuid.NewString(), Role: role, State: state, CreatedAt: at, seq: s.seq}
	s.turns = append(s.turns, t)
	return t
}

func (s *Session) stream(ctx context.Context, message string, history []proxy.Message, reply *Turn, onDelta stream.DeltaFunc) (string, error) {
	current, err := s.cfg.Profile.GetProfile()
	if err != nil {
		return "", fmt.Errorf("loading profile: %w", err)
	}
	req, err := s.cfg.Composer.Compose(composer.Input{
		Profile:   current,
		Footprint: s.footprint(),
		History:   history,
		Message:   message,
	})
	if err != nil {
		return "", fmt.Errorf("composing request: %w", err)
	}

	m := s.cfg.Metrics
	m.ActiveStreams.Inc()
	defer m.ActiveStreams.Dec()
	start := time.Now()

	body, err := s.cfg.Chat.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer body.Close()

	res, err := stream.Read(ctx, body, stream.Options{
		MaxBytes:    s.cfg.MaxTurnBytes,
		IdleTimeout: s.cfg.IdleTimeout,
		OnDelta: func(delta, text string) {
			s.mu.Lock()
			reply.Text = text
			s.mu.Unlock()
			if onDelta != nil {
				onDelta(delta, text)
			}
		},
	})
	m.StreamDuration.Observe(time.Since(start).Seconds())
	if res.Dropped > 0 {
		m.DroppedFramesTotal.Add(float64(res.Dropped))
		s.logger.Warn("dropped unparseable stream frames", "turn_id", reply.ID, "count", res.Dropped)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return res.Text, nil
}

func (s *Session) footprint() []composer.Document {
	if s.cfg.Footprint == nil || s.cfg.FootprintDocs <= 0 {
		return nil
	}
	docs, err := s.cfg.Footprint.ReadyFootprintDocs(s.cfg.FootprintDocs)
	if err != nil {
		s.logger.Warn("loading footprint failed, continuing without it", "error", err)
		return nil
	}
	out := make([]composer.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, composer.Document{Source: d.Source, Title: d.Title, Text: d.Content})
	}
	return out
}

func (s *Session) fail(reply *Turn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply.State = StateFailed
	reply.Text = ""
	reply.Error = err.Error()
	s.cfg.Metrics.TurnsTotal.WithLabelValues(string(StateFailed)).Inc()
	s.logger.Warn("coach turn failed", "turn_id", reply.ID, "error", err)
	s.persist(reply, false)
}

func (s *Session) complete(reply *Turn, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply.State = StateAssembled
	ex := reply.finish(text)

	m := s.cfg.Metrics
	m.TurnsTotal.WithLabelValues(string(reply.State)).Inc()
	switch {
	case ex.Status == update.StatusMalformed:
		m.UpdatesTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("malformed profile_update block", "turn_id", reply.ID, "error", ex.Err)
	case ex.Status == update.StatusParsed && reply.State == StateInvalid:
		m.UpdatesTotal.WithLabelValues("invalid").Inc()
		s.logger.Debug("invalid profile_update block", "turn_id", reply.ID,
			"raw", encodeRaw(*reply.RawUpdate), "coerced", reply.CoercedUpdate != nil)
	case ex.Status == update.StatusParsed:
		outcome := "valid"
		if reply.CoercedUpdate != nil {
			outcome = "coerced"
			s.logger.Debug("coerced profile_update block", "turn_id", reply.ID,
				"raw", encodeRaw(*reply.RawUpdate), "coerced", encodeRaw(*reply.CoercedUpdate))
		}
		m.UpdatesTotal.WithLabelValues(outcome).Inc()
	}
	s.persist(reply, false)
}

// persist writes t through the turn store, if any. Storage failures are
// logged; the in-memory session stays authoritative.
func (s *Session) persist(t *Turn, insert bool) {
	if s.cfg.Turns == nil {
		return
	}
	rec := toRecord(s.id, t)
	var err error
	if insert {
		err = s.cfg.Turns.SaveTurn(rec)
	} else {
		err = s.cfg.Turns.UpdateTurn(rec)
	}
	if err != nil {
		s.logger.Error("persisting turn failed", "turn_id", t.ID, "error", err)
	}
}

func (s *Session) snapshot(t *Turn) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *t
}

// Turns returns a copy of the conversation in order.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = *t
	}
	return out
}

func (s *Session) find(turnID string) *Turn {
	for _, t := range s.turns {
		if t.ID == turnID {
			return t
		}
	}
	return nil
}

func (s *Session) latestPending() *Turn {
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].HasPending() {
			return s.turns[i]
		}
	}
	return nil
}

// Preview materializes the pending update against the current profile. It
// returns nil, nil when nothing is pending.
func (s *Session) Preview() (*Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.latestPending()
	if t == nil {
		return nil, nil
	}
	current, err := s.cfg.Profile.GetProfile()
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	next := update.Materialize(&current, t.Pending)
	if next == nil {
		return nil, nil
	}
	return &Preview{TurnID: t.ID, Update: update.ToRaw(t.Pending), Profile: *next}, nil
}

// Apply commits the pending update of turnID to the profile store and
// returns the committed profile. The turn stays pending if the commit fails.
func (s *Session) Apply(turnID string) (profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.find(turnID)
	if t == nil {
		return profile.Profile{}, ErrTurnNotFound
	}
	if !t.HasPending() {
		return profile.Profile{}, ErrNoPendingUpdate
	}

	current, err := s.cfg.Profile.GetProfile()
	if err != nil {
		return profile.Profile{}, fmt.Errorf("loading profile: %w", err)
	}
	next := update.Materialize(&current, t.Pending)
	if err := s.cfg.Profile.ApplyUpdate(*next); err != nil {
		return profile.Profile{}, fmt.Errorf("applying update: %w", err)
	}

	t.settle(StateApplied)
	s.cfg.Metrics.DecisionsTotal.WithLabelValues(string(StateApplied)).Inc()
	s.logger.Info("profile update applied", "turn_id", t.ID)
	s.persist(t, false)
	return *next, nil
}

// Decline drops the pending update of turnID without touching the profile.
// Declining an already declined turn is a no-op.
func (s *Session) Decline(turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.find(turnID)
	if t == nil {
		return ErrTurnNotFound
	}
	if t.State == StateDeclined {
		return nil
	}
	if !t.HasPending() {
		return ErrNoPendingUpdate
	}

	t.settle(StateDeclined)
	s.cfg.Metrics.DecisionsTotal.WithLabelValues(string(StateDeclined)).Inc()
	s.persist(t, false)
	return nil
}
