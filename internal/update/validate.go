package update

// Validate reports whether raw has the exact shape required for its
// (field, action) pair. It never modifies raw and never guesses: unknown
// pairs are invalid.
func Validate(raw Raw) bool {
	if raw.Field == "" || raw.Action == "" {
		return false
	}

	switch Field(raw.Field) {
	case FieldPromptAnswers:
		switch Action(raw.Action) {
		case ActionReplace:
			_, ok := raw.Data.([]any)
			return ok
		case ActionAdd:
			obj, ok := raw.Data.(map[string]any)
			return ok && hasStrings(obj, "promptText", "answerText")
		}

	case FieldBio:
		if Action(raw.Action) != ActionReplace {
			return false
		}
		switch v := raw.Data.(type) {
		case string:
			return true
		case map[string]any:
			_, ok := stringProp(v, "bio")
			return ok
		}

	case FieldFunFacts:
		switch Action(raw.Action) {
		case ActionReplace:
			list, ok := raw.Data.([]any)
			if !ok {
				return false
			}
			for _, el := range list {
				obj, ok := el.(map[string]any)
				if !ok || !hasStrings(obj, "label", "value") {
					return false
				}
			}
			return true
		case ActionAdd:
			obj, ok := raw.Data.(map[string]any)
			return ok && hasStrings(obj, "label", "value")
		}
	}

	return false
}

func hasStrings(obj map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := stringProp(obj, k); !ok {
			return false
		}
	}
	return true
}

// Resolution records every stage a payload went through. Original and
// Coerced are kept for diagnostics only.
type Resolution struct {
	Original   Raw
	Coerced    Raw
	WasCoerced bool
	Update     Update // nil when the payload is invalid
}

// Valid reports whether the payload produced a typed Update.
func (r Resolution) Valid() bool { return r.Update != nil }

// Resolve runs coercion then validation, and builds the typed Update when the
// coerced payload is valid.
func Resolve(raw Raw) Resolution {
	coerced, changed := Coerce(raw)
	res := Resolution{Original: raw, Coerced: coerced, WasCoerced: changed}
	if !Validate(coerced) {
		return res
	}
	res.Update = build(coerced)
	return res
}

// build assumes raw already passed Validate.
func build(raw Raw) Update {
	switch Field(raw.Field) {
	case FieldBio:
		if s, ok := raw.Data.(string); ok {
			return BioReplace{Bio: s}
		}
		s, _ := stringProp(raw.Data.(map[string]any), "bio")
		return BioReplace{Bio: s}

	case FieldPromptAnswers:
		if Action(raw.Action) == ActionAdd {
			return PromptAnswerAdd{Item: promptDraft(raw.Data.(map[string]any))}
		}
		list := raw.Data.([]any)
		items := make([]PromptAnswerDraft, 0, len(list))
		for _, el := range list {
			switch v := el.(type) {
			case map[string]any:
				items = append(items, promptDraft(v))
			case string:
				items = append(items, PromptAnswerDraft{AnswerText: v})
			}
		}
		return PromptAnswersReplace{Items: items}

	case FieldFunFacts:
		if Action(raw.Action) == ActionAdd {
			return FunFactAdd{Item: factDraft(raw.Data.(map[string]any))}
		}
		list := raw.Data.([]any)
		items := make([]FunFactDraft, 0, len(list))
		for _, el := range list {
			items = append(items, factDraft(el.(map[string]any)))
		}
		return FunFactsReplace{Items: items}
	}
	return nil
}

func promptDraft(obj map[string]any) PromptAnswerDraft {
	var d PromptAnswerDraft
	d.ID, _ = stringProp(obj, "id")
	d.PromptID, _ = stringProp(obj, "promptId")
	d.PromptText, _ = stringProp(obj, "promptText")
	d.AnswerText, _ = stringProp(obj, "answerText")
	return d
}

func factDraft(obj map[string]any) FunFactDraft {
	var d FunFactDraft
	d.ID, _ = stringProp(obj, "id")
	d.Label, _ = stringProp(obj, "label")
	d.Value, _ = stringProp(obj, "value")
	d.Source, _ = stringProp(obj, "source")
	return d
}
