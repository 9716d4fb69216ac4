package composer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/profilecoach/internal/profile"
	"github.com/kalambet/profilecoach/internal/proxy"
)

const (
	defaultMaxContextTokens = 4000
	defaultHistoryTurns     = 20
)

// Instructions is the coach persona and the contract for proposing edits.
const Instructions = `You are a warm, candid dating-profile coach. Help the user improve their profile: the bio, their prompt answers and their fun facts. Keep suggestions specific to what you know about them.

When, and only when, you want to propose a concrete edit, end your reply with exactly one fenced block tagged json:profile_update containing a single JSON object {"field", "action", "data"}. Allowed combinations:

- {"field":"bio","action":"replace","data":"<new bio text>"}
- {"field":"promptAnswers","action":"replace","data":[{"promptText":"...","answerText":"..."}]}
- {"field":"promptAnswers","action":"add","data":{"promptText":"...","answerText":"..."}}
- {"field":"funFacts","action":"replace","data":[{"label":"...","value":"..."}]}
- {"field":"funFacts","action":"add","data":{"label":"...","value":"..."}}

Example:
` + "```json:profile_update\n" + `{"field":"bio","action":"replace","data":"Weekend bike mechanic, weekday product designer."}
` + "```" + `

Never mention the block in your prose. The user sees a preview and decides whether to apply it.`

// Document is a piece of the user's digital footprint included as context.
type Document struct {
	Source string
	Title  string
	Text   string
}

// Input is everything a coach turn is composed from.
type Input struct {
	// SystemPrompt replaces Instructions when set.
	SystemPrompt string
	Profile      profile.Profile
	Footprint    []Document // newest first
	History      []proxy.Message
	Message      string
}

// Composer builds the chat request for one coach turn.
type Composer struct {
	Model            string
	MaxContextTokens int
	HistoryTurns     int
}

// New creates a Composer. Non-positive limits fall back to defaults.
func New(model string, maxContextTokens, historyTurns int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}
	return &Composer{Model: model, MaxContextTokens: maxContextTokens, HistoryTurns: historyTurns}
}

// Compose returns a streaming ChatRequest: one system message carrying the
// instructions, the current profile and as much footprint as fits the token
// budget, then the most recent history, then the new user message.
func (c *Composer) Compose(in Input) (proxy.ChatRequest, error) {
	if strings.TrimSpace(in.Message) == "" {
		return proxy.ChatRequest{}, fmt.Errorf("empty user message")
	}

	system, err := c.buildSystem(in)
	if err != nil {
		return proxy.ChatRequest{}, err
	}

	history := in.History
	if len(history) > c.HistoryTurns {
		history = history[len(history)-c.HistoryTurns:]
	}

	msgs := make([]proxy.Message, 0, len(history)+2)
	msgs = append(msgs, proxy.Message{Role: "system", Content: system})
	for _, m := range history {
		if m.Role == "system" || m.Content == "" {
			continue
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, proxy.Message{Role: "user", Content: in.Message})

	return proxy.ChatRequest{Model: c.Model, Messages: msgs, Stream: true}, nil
}

func (c *Composer) buildSystem(in Input) (string, error) {
	var sb strings.Builder

	instructions := in.SystemPrompt
	if instructions == "" {
		instructions = Instructions
	}
	sb.WriteString(instructions)

	current, err := json.MarshalIndent(profileView(in.Profile), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding profile: %w", err)
	}
	sb.WriteString("\n\n[Current Profile]\n")
	sb.Write(current)

	if len(in.Footprint) == 0 {
		return sb.String(), nil
	}

	// The footprint gets whatever budget the instructions and profile leave.
	const header = "\n\n[Digital Footprint]\n"
	remaining := c.MaxContextTokens - EstimateTokens(sb.String()) - EstimateTokens(header)

	var selected []string
	for _, d := range in.Footprint {
		entry := formatDocument(d)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= tokens
	}

	if len(selected) > 0 {
		sb.WriteString(header)
		for _, entry := range selected {
			sb.WriteString(entry)
		}
	}
	return sb.String(), nil
}

// profileView is the subset of the profile shown to the model. Photos are
// counted, not listed.
func profileView(p profile.Profile) map[string]any {
	view := map[string]any{
		"displayName":   p.DisplayName,
		"bio":           p.Bio,
		"promptAnswers": nonNil(p.PromptAnswers),
		"funFacts":      nonNil(p.FunFacts),
		"photoCount":    len(p.Photos),
	}
	if p.Age > 0 {
		view["age"] = p.Age
	}
	if p.Location != "" {
		view["location"] = p.Location
	}
	return view
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func formatDocument(d Document) string {
	title := d.Title
	if title == "" {
		title = "untitled"
	}
	return fmt.Sprintf("(Source: %s, %s)\n%s\n\n", d.Source, title, d.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
