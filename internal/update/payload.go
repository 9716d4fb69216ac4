// Package update turns the profile_update block a coach model embeds in its
// reply into a typed, validated profile edit and a preview of its effect.
package update

// Field names a profile collection the coach may edit.
type Field string

const (
	FieldBio           Field = "bio"
	FieldPromptAnswers Field = "promptAnswers"
	FieldFunFacts      Field = "funFacts"
)

// Action is the kind of edit requested for a Field.
type Action string

const (
	ActionReplace Action = "replace"
	ActionAdd     Action = "add"
)

// Raw is the loosely-shaped payload exactly as the model wrote it. Data holds
// whatever encoding/json produced: string, float64, bool, nil, []any or
// map[string]any.
type Raw struct {
	Field  string `json:"field"`
	Action string `json:"action"`
	Data   any    `json:"data"`
}

// Update is a validated edit. The concrete type fixes the (field, action)
// pair and carries a payload of the matching shape.
type Update interface {
	Field() Field
	Action() Action
	isUpdate()
}

// PromptAnswerDraft is a prompt answer proposed by the model. Empty ID and
// PromptID are synthesized when materialized.
type PromptAnswerDraft struct {
	ID         string `json:"id,omitempty"`
	PromptID   string `json:"promptId,omitempty"`
	PromptText string `json:"promptText"`
	AnswerText string `json:"answerText"`
}

// FunFactDraft is a fun fact proposed by the model.
type FunFactDraft struct {
	ID     string `json:"id,omitempty"`
	Label  string `json:"label"`
	Value  string `json:"value"`
	Source string `json:"source,omitempty"`
}

type BioReplace struct {
	Bio string
}

type PromptAnswersReplace struct {
	Items []PromptAnswerDraft
}

type PromptAnswerAdd struct {
	Item PromptAnswerDraft
}

type FunFactsReplace struct {
	Items []FunFactDraft
}

type FunFactAdd struct {
	Item FunFactDraft
}

func (BioReplace) Field() Field { return FieldBio }
func (BioReplace) Action() Action { return ActionReplace }
func (PromptAnswersReplace) Field() Field { return FieldPromptAnswers }
func (PromptAnswersReplace) Action() Action { return ActionReplace }
func (PromptAnswerAdd) Field() Field { return FieldPromptAnswers }
func (PromptAnswerAdd) Action() Action { return ActionAdd }
func (FunFactsReplace) Field() Field { return FieldFunFacts }
func (FunFactsReplace) Action() Action { return ActionReplace }
func (FunFactAdd) Field() Field { return FieldFunFacts }
func (FunFactAdd) Action() Action { return ActionAdd }

func (BioReplace) isUpdate() {}
func (PromptAnswersReplace) isUpdate() {}
func (PromptAnswerAdd) isUpdate() {}
func (FunFactsReplace) isUpdate() {}
func (FunFactAdd) isUpdate() {}

// ToRaw renders u back into wire shape, for API responses and storage.
func ToRaw(u Update) Raw {
	r := Raw{Field: string(u.Field()), Action: string(u.Action())}
	switch v := u.(type) {
	case BioReplace:
		r.Data = v.Bio
	case PromptAnswersReplace:
		r.Data = v.Items
	case PromptAnswerAdd:
		r.Data = v.Item
	case FunFactsReplace:
		r.Data = v.Items
	case FunFactAdd:
		r.Data = v.Item
	}
	return r
}
