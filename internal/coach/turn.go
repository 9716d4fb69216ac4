package coach

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/kalambet/profilecoach/internal/update"
)

var (
	ErrTurnNotFound    = errors.New("turn not found")
	ErrNoPendingUpdate = errors.New("no pending update")
	ErrTransport       = errors.New("chat backend unavailable")
)

// FormattingIssue is the notice shown when a reply carries an update block
// that is malformed or of the wrong shape.
const FormattingIssue = "Formatting Issue"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// State is the lifecycle position of a turn. User turns are created
// assembled. Assistant turns move
//
//	streaming -> assembled -> no_update | invalid | pending
//	pending   -> applied | declined | superseded
//
// or to failed when the stream cannot be read.
type State string

const (
	StateStreaming  State = "streaming"
	StateAssembled  State = "assembled"
	StateNoUpdate   State = "no_update"
	StateInvalid    State = "invalid"
	StatePending    State = "pending"
	StateApplied    State = "applied"
	StateDeclined   State = "declined"
	StateSuperseded State = "superseded"
	StateFailed     State = "failed"
)

// Turn is one chat message. Pending is set only while State is StatePending.
type Turn struct {
	ID          string
	Role        Role
	Text        string
	State       State
	Pending     update.Update
	UpdateValid *bool
	Notice      string
	Error       string
	CreatedAt   time.Time

	// Diagnostics only, never displayed.
	RawUpdate     *update.Raw
	CoercedUpdate *update.Raw

	seq int
}

// HasPending reports whether the turn holds an update awaiting a decision.
func (t *Turn) HasPending() bool {
	return t.State == StatePending && t.Pending != nil
}

type turnJSON struct {
	ID            string      `json:"id"`
	Role          Role        `json:"role"`
	Text          string      `json:"text"`
	State         State       `json:"state"`
	PendingUpdate *update.Raw `json:"pendingUpdate,omitempty"`
	UpdateValid   *bool       `json:"updateValid,omitempty"`
	Notice        string      `json:"notice,omitempty"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

func (t Turn) MarshalJSON() ([]byte, error) {
	out := turnJSON{
		ID:          t.ID,
		Role:        t.Role,
		Text:        t.Text,
		State:       t.State,
		UpdateValid: t.UpdateValid,
		Notice:      t.Notice,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
	}
	if t.Pending != nil {
		raw := update.ToRaw(t.Pending)
		out.PendingUpdate = &raw
	}
	return json.Marshal(out)
}

// finish classifies the assembled reply text. It sets the display text, the
// pending update and the resulting state.
func (t *Turn) finish(text string) update.Extraction {
	ex := update.Extract(text)
	t.Text = ex.DisplayText

	switch ex.Status {
	case update.StatusNone:
		t.State = StateNoUpdate

	case update.StatusMalformed:
		t.markInvalid()

	case update.StatusParsed:
		res := update.Resolve(*ex.Raw)
		t.RawUpdate = &res.Original
		if res.WasCoerced {
			t.CoercedUpdate = &res.Coerced
		}
		if !res.Valid() {
			t.markInvalid()
			break
		}
		valid := true
		t.UpdateValid = &valid
		t.Pending = res.Update
		t.State = StatePending
	}
	return ex
}

func (t *Turn) markInvalid() {
	valid := false
	t.UpdateValid = &valid
	t.Notice = FormattingIssue
	t.State = StateInvalid
}

// settle ends a pending update in a terminal state.
func (t *Turn) settle(s State) {
	t.State = s
	t.Pending = nil
}
