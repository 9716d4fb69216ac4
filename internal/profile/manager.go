package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Profile keys as stored in the user_profile table. List values are JSON.
const (
	KeyDisplayName   = "display_name"
	KeyAge           = "age"
	KeyLocation      = "location"
	KeyPhotos        = "photos"
	KeyBio           = "bio"
	KeyPromptAnswers = "prompt_answers"
	KeyFunFacts      = "fun_facts"
)

var knownKeys = map[string]bool{
	KeyDisplayName:   true,
	KeyAge:           true,
	KeyLocation:      true,
	KeyPhotos:        true,
	KeyBio:           true,
	KeyPromptAnswers: true,
	KeyFunFacts:      true,
}

var (
	// ErrUnknownKey is returned by SetFields for keys outside the profile schema.
	ErrUnknownKey = errors.New("unknown profile key")
	// ErrInvalidValue is returned by SetFields when a value has the wrong shape.
	ErrInvalidValue = errors.New("invalid profile value")
)

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	SetProfileKeys(values map[string]string) error
	GetAllProfileKeys() (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached, structured access to the profile stored in SQLite.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *Profile
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return &Manager{
		store: store,
		clock: realClock{},
		ttl:   60 * time.Second,
	}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
	}
}

// GetProfile reads all profile keys from storage (or cache) and assembles
// a structured Profile. Returns a zero-value Profile on empty store.
func (m *Manager) GetProfile() (Profile, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		p := deepCopyProfile(m.cached)
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return deepCopyProfile(m.cached), nil
	}

	keys, err := m.store.GetAllProfileKeys()
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile keys: %w", err)
	}

	p := buildProfile(keys)
	m.cached = &p
	m.cachedAt = m.clock.Now()
	return deepCopyProfile(&p), nil
}

// SetField persists a single profile key and invalidates the cache.
func (m *Manager) SetField(key string, value any) error {
	return m.SetFields(map[string]any{key: value})
}

// SetFields validates every value before writing any of them, then persists
// all keys in a single write. Keys may use the stored snake_case names or
// the JSON names GetProfile returns. List values are renumbered so sortOrder
// matches list position.
func (m *Manager) SetFields(fields map[string]any) error {
	values := make(map[string]string, len(fields))
	for name, value := range fields {
		key := canonicalKey(name)
		if !knownKeys[key] {
			return fmt.Errorf("%w: %q", ErrUnknownKey, name)
		}
		if _, dup := values[key]; dup {
			return fmt.Errorf("%w: %q given twice", ErrInvalidValue, key)
		}
		str, err := encodeField(key, value)
		if err != nil {
			return err
		}
		values[key] = str
	}
	if len(values) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetProfileKeys(values); err != nil {
		return fmt.Errorf("setting profile keys: %w", err)
	}

	m.cached = nil
	return nil
}

// jsonKeys maps the Profile JSON names onto storage keys.
var jsonKeys = map[string]string{
	"displayName":   KeyDisplayName,
	"promptAnswers": KeyPromptAnswers,
	"funFacts":      KeyFunFacts,
}

func canonicalKey(name string) string {
	if k, ok := jsonKeys[name]; ok {
		return k
	}
	return name
}

// encodeField renders value in its stored form. Strings are stored as given
// except for list keys, where a string is taken as JSON.
func encodeField(key string, value any) (string, error) {
	var raw []byte
	switch v := value.(type) {
	case string:
		switch key {
		case KeyPhotos, KeyPromptAnswers, KeyFunFacts:
			raw = []byte(v)
		case KeyAge:
			if _, err := strconv.Atoi(v); err != nil && v != "" {
				return "", fmt.Errorf("%w: %s must be a number", ErrInvalidValue, key)
			}
			return v, nil
		default:
			return v, nil
		}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshalling value for key %q: %w", key, err)
		}
		raw = b
	}

	var out any
	switch key {
	case KeyPromptAnswers:
		var answers []PromptAnswer
		if err := json.Unmarshal(raw, &answers); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
		out = withUserSource(Renumber(answers))
	case KeyFunFacts:
		var facts []FunFact
		if err := json.Unmarshal(raw, &facts); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
		out = withUserFactSource(RenumberFacts(facts))
	case KeyPhotos:
		var photos []string
		if err := json.Unmarshal(raw, &photos); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
		out = photos
	case KeyAge:
		var age int
		if err := json.Unmarshal(raw, &age); err != nil {
			return "", fmt.Errorf("%w: %s must be a number", ErrInvalidValue, key)
		}
		return strconv.Itoa(age), nil
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %s must be a string", ErrInvalidValue, key)
		}
		return s, nil
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshalling value for key %q: %w", key, err)
	}
	return string(b), nil
}

// Items written directly through the profile store default to the user.
func withUserSource(answers []PromptAnswer) []PromptAnswer {
	for i := range answers {
		if answers[i].Source == "" {
			answers[i].Source = SourceUser
		}
	}
	return answers
}

func withUserFactSource(facts []FunFact) []FunFact {
	for i := range facts {
		if facts[i].Source == "" {
			facts[i].Source = SourceUser
		}
	}
	return facts
}

// ApplyUpdate commits the coach-managed fields of next (bio, prompt answers,
// fun facts) in a single write. Sort orders are renumbered to match list
// position before persisting.
func (m *Manager) ApplyUpdate(next Profile) error {
	answers := Renumber(next.PromptAnswers)
	facts := RenumberFacts(next.FunFacts)

	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("marshalling prompt answers: %w", err)
	}
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("marshalling fun facts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.store.SetProfileKeys(map[string]string{
		KeyBio:           next.Bio,
		KeyPromptAnswers: string(answersJSON),
		KeyFunFacts:      string(factsJSON),
	})
	if err != nil {
		return fmt.Errorf("applying profile update: %w", err)
	}

	m.cached = nil
	return nil
}

// Renumber returns a copy of answers with SortOrder equal to list position.
func Renumber(answers []PromptAnswer) []PromptAnswer {
	out := make([]PromptAnswer, len(answers))
	for i, a := range answers {
		a.SortOrder = i
		out[i] = a
	}
	return out
}

// RenumberFacts returns a copy of facts with SortOrder equal to list position.
func RenumberFacts(facts []FunFact) []FunFact {
	out := make([]FunFact, len(facts))
	for i, f := range facts {
		f.SortOrder = i
		out[i] = f
	}
	return out
}

// maxSummaryChars caps the summary to stay under ~500 tokens (4 chars/token).
const maxSummaryChars = 2000

// Summarize renders p as a few plain-text lines for readers that do not want
// the JSON form.
func Summarize(p Profile) string {
	var parts []string

	var who []string
	if p.DisplayName != "" {
		who = append(who, p.DisplayName)
	}
	if p.Age > 0 {
		who = append(who, strconv.Itoa(p.Age))
	}
	if p.Location != "" {
		who = append(who, p.Location)
	}
	if len(who) > 0 {
		parts = append(parts, fmt.Sprintf("Name: %s.", strings.Join(who, ", ")))
	}

	if p.Bio != "" {
		parts = append(parts, fmt.Sprintf("Bio: %s", p.Bio))
	}

	for _, a := range p.PromptAnswers {
		parts = append(parts, fmt.Sprintf("Prompt %q: %s", a.PromptText, a.AnswerText))
	}

	if len(p.FunFacts) > 0 {
		facts := make([]string, 0, len(p.FunFacts))
		for _, f := range p.FunFacts {
			facts = append(facts, fmt.Sprintf("%s: %s", f.Label, f.Value))
		}
		parts = append(parts, fmt.Sprintf("Fun facts: %s.", strings.Join(facts, "; ")))
	}

	if len(parts) == 0 {
		return "Profile: not yet filled in."
	}

	summary := strings.Join(parts, "\n")
	if len(summary) > maxSummaryChars {
		// Ensure we don't split a multi-byte UTF-8 character.
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], " "); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}

func deepCopyProfile(p *Profile) Profile {
	if p == nil {
		return Profile{}
	}
	cp := *p

	if p.Photos != nil {
		cp.Photos = make([]string, len(p.Photos))
		copy(cp.Photos, p.Photos)
	}
	if p.PromptAnswers != nil {
		cp.PromptAnswers = make([]PromptAnswer, len(p.PromptAnswers))
		copy(cp.PromptAnswers, p.PromptAnswers)
	}
	if p.FunFacts != nil {
		cp.FunFacts = make([]FunFact, len(p.FunFacts))
		copy(cp.FunFacts, p.FunFacts)
	}
	return cp
}

// buildProfile assembles a Profile from flat key-value pairs.
// List values are stored as JSON arrays.
func buildProfile(keys map[string]string) Profile {
	var p Profile

	p.DisplayName = keys[KeyDisplayName]
	p.Location = keys[KeyLocation]
	p.Bio = keys[KeyBio]
	if v, ok := keys[KeyAge]; ok && v != "" {
		if age, err := strconv.Atoi(v); err == nil {
			p.Age = age
		} else {
			slog.Warn("malformed profile key, skipping", "key", KeyAge, "error", err)
		}
	}

	unmarshalProfileKey(keys, KeyPhotos, &p.Photos)
	unmarshalProfileKey(keys, KeyPromptAnswers, &p.PromptAnswers)
	unmarshalProfileKey(keys, KeyFunFacts, &p.FunFacts)

	return p
}

// unmarshalProfileKey unmarshals a JSON value from keys into target, logging
// a warning if the value is present but malformed.
func unmarshalProfileKey(keys map[string]string, key string, target any) {
	v, ok := keys[key]
	if !ok {
		return
	}
	if err := json.Unmarshal([]byte(v), target); err != nil {
		slog.Warn("malformed profile key, skipping", "key", key, "error", err)
	}
}
