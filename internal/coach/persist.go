package coach

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kalambet/profilecoach/internal/storage"
	"github.com/kalambet/profilecoach/internal/update"
)

// TurnStore persists turns. Implemented by *storage.Store.
type TurnStore interface {
	SaveTurn(t storage.Turn) error
	UpdateTurn(t storage.Turn) error
	ListTurns(sessionID string) ([]storage.Turn, error)
}

func toRecord(sessionID string, t *Turn) storage.Turn {
	rec := storage.Turn{
		ID:          t.ID,
		SessionID:   sessionID,
		Seq:         t.seq,
		Role:        string(t.Role),
		Text:        t.Text,
		State:       string(t.State),
		UpdateValid: t.UpdateValid,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
	}
	if t.Pending != nil {
		rec.PendingUpdate = encodeRaw(update.ToRaw(t.Pending))
	}
	if t.RawUpdate != nil {
		rec.RawUpdate = encodeRaw(*t.RawUpdate)
	}
	if t.CoercedUpdate != nil {
		rec.CoercedUpdate = encodeRaw(*t.CoercedUpdate)
	}
	return rec
}

func encodeRaw(r update.Raw) string {
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}

func fromRecord(rec storage.Turn) (*Turn, error) {
	t := &Turn{
		ID:          rec.ID,
		Role:        Role(rec.Role),
		Text:        rec.Text,
		State:       State(rec.State),
		UpdateValid: rec.UpdateValid,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		seq:         rec.Seq,
	}
	if t.UpdateValid != nil && !*t.UpdateValid {
		t.Notice = FormattingIssue
	}
	t.RawUpdate = decodeDiagnostic(rec.RawUpdate)
	t.CoercedUpdate = decodeDiagnostic(rec.CoercedUpdate)

	if rec.PendingUpdate != "" {
		raw, err := update.ParseRaw([]byte(rec.PendingUpdate))
		if err != nil {
			return nil, fmt.Errorf("turn %s: decoding pending update: %w", rec.ID, err)
		}
		res := update.Resolve(*raw)
		if !res.Valid() {
			return nil, fmt.Errorf("turn %s: stored pending update no longer validates", rec.ID)
		}
		t.Pending = res.Update
	}

	// A reply still streaming when the process stopped cannot resume.
	if t.State == StateStreaming {
		t.State = StateFailed
		t.Error = "interrupted"
	}
	return t, nil
}

func decodeDiagnostic(s string) *update.Raw {
	if s == "" {
		return nil
	}
	raw, err := update.ParseRaw([]byte(s))
	if err != nil {
		slog.Debug("discarding unreadable update diagnostic", "error", err)
		return nil
	}
	return raw
}
