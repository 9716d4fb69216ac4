package update

// Coerce applies the fixed set of shape repairs for the few (field, action)
// pairs models commonly get wrong. It returns a new Raw and whether a rule
// fired; raw itself is never modified. At most one rule applies, once.
//
//	promptAnswers/replace  single prompt object    -> one-element list
//	promptAnswers/add      non-empty list          -> first element
//	bio/replace            {text|content: string}  -> that string
//	funFacts/replace       single fact object      -> one-element list
func Coerce(raw Raw) (Raw, bool) {
	out := raw

	switch Field(raw.Field) {
	case FieldPromptAnswers:
		switch Action(raw.Action) {
		case ActionReplace:
			if obj, ok := raw.Data.(map[string]any); ok && looksLikePromptItem(obj) {
				out.Data = []any{obj}
				return out, true
			}
		case ActionAdd:
			if list, ok := raw.Data.([]any); ok && len(list) > 0 {
				out.Data = list[0]
				return out, true
			}
		}

	case FieldBio:
		if Action(raw.Action) != ActionReplace {
			break
		}
		obj, ok := raw.Data.(map[string]any)
		if !ok {
			break
		}
		if _, hasBio := stringProp(obj, "bio"); hasBio {
			break
		}
		if s, ok := stringProp(obj, "text"); ok {
			out.Data = s
			return out, true
		}
		if s, ok := stringProp(obj, "content"); ok {
			out.Data = s
			return out, true
		}

	case FieldFunFacts:
		if Action(raw.Action) != ActionReplace {
			break
		}
		if obj, ok := raw.Data.(map[string]any); ok && looksLikeFactItem(obj) {
			out.Data = []any{obj}
			return out, true
		}
	}

	return raw, false
}

func looksLikePromptItem(obj map[string]any) bool {
	_, q := stringProp(obj, "promptText")
	_, a := stringProp(obj, "answerText")
	return q || a
}

func looksLikeFactItem(obj map[string]any) bool {
	_, l := stringProp(obj, "label")
	_, v := stringProp(obj, "value")
	return l || v
}

func stringProp(obj map[string]any, key string) (string, bool) {
	s, ok := obj[key].(string)
	return s, ok
}
