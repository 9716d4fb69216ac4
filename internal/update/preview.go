package update

import (
	"github.com/google/uuid"

	"github.com/kalambet/profilecoach/internal/profile"
)

// newID is swapped in tests for deterministic ids.
var newID = func() string { return uuid.NewString() }

// Materialize returns the profile that would result from applying u to p.
// It returns nil when u is nil, so callers can tell "no preview" apart from
// "preview equals current". p is never modified: the touched collection is
// rebuilt into a fresh slice and every other field is copied as is.
func Materialize(p *profile.Profile, u Update) *profile.Profile {
	if u == nil || p == nil {
		return nil
	}
	next := *p

	switch v := u.(type) {
	case BioReplace:
		next.Bio = v.Bio

	case PromptAnswersReplace:
		answers := make([]profile.PromptAnswer, len(v.Items))
		for i, d := range v.Items {
			answers[i] = promptAnswer(d, i)
		}
		next.PromptAnswers = answers

	case PromptAnswerAdd:
		answers := make([]profile.PromptAnswer, len(p.PromptAnswers), len(p.PromptAnswers)+1)
		copy(answers, p.PromptAnswers)
		next.PromptAnswers = append(answers, promptAnswer(v.Item, len(p.PromptAnswers)))

	case FunFactsReplace:
		facts := make([]profile.FunFact, len(v.Items))
		for i, d := range v.Items {
			facts[i] = funFact(d, i, sourceOr(d.Source, profile.SourceLLM))
		}
		next.FunFacts = facts

	case FunFactAdd:
		facts := make([]profile.FunFact, len(p.FunFacts), len(p.FunFacts)+1)
		copy(facts, p.FunFacts)
		next.FunFacts = append(facts, funFact(v.Item, len(p.FunFacts), profile.SourceLLM))

	default:
		return nil
	}

	return &next
}

func promptAnswer(d PromptAnswerDraft, pos int) profile.PromptAnswer {
	a := profile.PromptAnswer{
		ID:         d.ID,
		PromptID:   d.PromptID,
		PromptText: d.PromptText,
		AnswerText: d.AnswerText,
		Source:     profile.SourceLLM,
		SortOrder:  pos,
	}
	if a.ID == "" {
		a.ID = newID()
	}
	if a.PromptID == "" {
		a.PromptID = "custom-" + newID()
	}
	return a
}

func funFact(d FunFactDraft, pos int, src profile.Source) profile.FunFact {
	f := profile.FunFact{
		ID:        d.ID,
		Label:     d.Label,
		Value:     d.Value,
		Source:    src,
		SortOrder: pos,
	}
	if f.ID == "" {
		f.ID = newID()
	}
	return f
}

func sourceOr(s string, fallback profile.Source) profile.Source {
	if s == "" {
		return fallback
	}
	return profile.Source(s)
}
