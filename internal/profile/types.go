package profile

// Source records who produced a profile item.
type Source string

const (
	SourceUser Source = "user"
	SourceLLM  Source = "llm"
)

// Profile is the dating profile owned by the profile store. The coach only
// ever touches Bio, PromptAnswers and FunFacts.
type Profile struct {
	DisplayName   string         `json:"displayName"`
	Age           int            `json:"age,omitempty"`
	Location      string         `json:"location,omitempty"`
	Photos        []string       `json:"photos,omitempty"`
	Bio           string         `json:"bio"`
	PromptAnswers []PromptAnswer `json:"promptAnswers"`
	FunFacts      []FunFact      `json:"funFacts"`
}

// PromptAnswer is one answered profile prompt.
type PromptAnswer struct {
	ID         string `json:"id"`
	PromptID   string `json:"promptId"`
	PromptText string `json:"promptText"`
	AnswerText string `json:"answerText"`
	Source     Source `json:"source"`
	SortOrder  int    `json:"sortOrder"`
}

// FunFact is a short label/value pair such as "Pets: Dog".
type FunFact struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Value     string `json:"value"`
	Source    Source `json:"source"`
	SortOrder int    `json:"sortOrder"`
}
