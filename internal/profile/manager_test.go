package profile

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- Mock store ---

type mockStore struct {
	mu   sync.Mutex
	data map[string]string

	getAllCalls int
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string]string)}
}

func (m *mockStore) SetProfileKeys(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.data[k] = v
	}
	return nil
}

func (m *mockStore) GetAllProfileKeys() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getAllCalls++
	cp := make(map[string]string, len(m.data))
	for k, v := range m.data {
		cp[k] = v
	}
	return cp, nil
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Tests ---

func TestGetProfile_Empty(t *testing.T) {
	mgr := NewManager(newMockStore())

	p, err := mgr.GetProfile()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Bio != "" {
		t.Errorf("expected empty bio, got %q", p.Bio)
	}
	if len(p.PromptAnswers) != 0 {
		t.Errorf("expected no prompt answers, got %v", p.PromptAnswers)
	}
}

func TestSetAndGetField(t *testing.T) {
	mgr := NewManager(newMockStore())

	if err := mgr.SetField(KeyBio, "Climbs rocks, bakes bread."); err != nil {
		t.Fatalf("SetField error: %v", err)
	}
	if err := mgr.SetField(KeyAge, "31"); err != nil {
		t.Fatalf("SetField error: %v", err)
	}

	p, err := mgr.GetProfile()
	if err != nil {
		t.Fatalf("GetProfile error: %v", err)
	}
	if p.Bio != "Climbs rocks, bakes bread." {
		t.Errorf("Bio = %q", p.Bio)
	}
	if p.Age != 31 {
		t.Errorf("Age = %d, want 31", p.Age)
	}
}

func TestSetField_UnknownKey(t *testing.T) {
	mgr := NewManager(newMockStore())

	err := mgr.SetField("identity.role", "engineer")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}

func TestApplyUpdate_RenumbersAndPersists(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store)

	next := Profile{
		Bio: "Loves bikes.",
		PromptAnswers: []PromptAnswer{
			{ID: "a", PromptText: "Sunday", AnswerText: "Farmers market", SortOrder: 7},
			{ID: "b", PromptText: "Green flag", AnswerText: "Curiosity", SortOrder: 2},
		},
		FunFacts: []FunFact{{ID: "f", Label: "Pets", Value: "Dog", Source: SourceLLM, SortOrder: 4}},
	}
	if err := mgr.ApplyUpdate(next); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	p, err := mgr.GetProfile()
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Bio != "Loves bikes." {
		t.Errorf("Bio = %q", p.Bio)
	}
	for i, a := range p.PromptAnswers {
		if a.SortOrder != i {
			t.Errorf("PromptAnswers[%d].SortOrder = %d", i, a.SortOrder)
		}
	}
	if p.FunFacts[0].SortOrder != 0 {
		t.Errorf("FunFacts[0].SortOrder = %d, want 0", p.FunFacts[0].SortOrder)
	}
	// Input must not be renumbered in place.
	if next.PromptAnswers[0].SortOrder != 7 {
		t.Errorf("input mutated: SortOrder = %d", next.PromptAnswers[0].SortOrder)
	}
}

func TestGetProfile_ReturnsCopy(t *testing.T) {
	mgr := NewManager(newMockStore())
	mgr.ApplyUpdate(Profile{FunFacts: []FunFact{{ID: "f", Label: "Pets", Value: "Cat"}}})

	p1, _ := mgr.GetProfile()
	p1.FunFacts[0].Value = "Snake"

	p2, _ := mgr.GetProfile()
	if p2.FunFacts[0].Value != "Cat" {
		t.Errorf("cached profile mutated through returned copy: %q", p2.FunFacts[0].Value)
	}
}

func TestSetField_RenumbersLists(t *testing.T) {
	mgr := NewManager(newMockStore())

	err := mgr.SetField(KeyPromptAnswers, []PromptAnswer{
		{ID: "a", PromptText: "Sunday", AnswerText: "Market", SortOrder: 7},
		{ID: "b", PromptText: "Green flag", AnswerText: "Curiosity", SortOrder: 7},
	})
	if err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if err := mgr.SetField(KeyFunFacts, `[{"label":"Pets","value":"Dog","sortOrder":3}]`); err != nil {
		t.Fatalf("SetField: %v", err)
	}

	p, _ := mgr.GetProfile()
	if len(p.PromptAnswers) != 2 {
		t.Fatalf("got %d prompt answers", len(p.PromptAnswers))
	}
	for i, a := range p.PromptAnswers {
		if a.SortOrder != i {
			t.Errorf("PromptAnswers[%d].SortOrder = %d", i, a.SortOrder)
		}
		if a.Source != SourceUser {
			t.Errorf("PromptAnswers[%d].Source = %q, want user", i, a.Source)
		}
	}
	if p.FunFacts[0].SortOrder != 0 {
		t.Errorf("FunFacts[0].SortOrder = %d, want 0", p.FunFacts[0].SortOrder)
	}
}

func TestSetField_KeepsExplicitSource(t *testing.T) {
	mgr := NewManager(newMockStore())

	mgr.SetField(KeyFunFacts, []FunFact{{Label: "Pets", Value: "Dog", Source: SourceLLM}})

	p, _ := mgr.GetProfile()
	if p.FunFacts[0].Source != SourceLLM {
		t.Errorf("Source = %q, want llm", p.FunFacts[0].Source)
	}
}

func TestSetField_RejectsMalformedValues(t *testing.T) {
	tests := []struct {
		key   string
		value any
	}{
		{KeyPromptAnswers, "not json"},
		{KeyPromptAnswers, map[string]any{"promptText": "x"}},
		{KeyFunFacts, []any{"Pets: Dog"}},
		{KeyPhotos, 3.0},
		{KeyAge, "thirty"},
		{KeyAge, 30.5},
		{KeyBio, []any{"a"}},
	}
	for _, tt := range tests {
		mgr := NewManager(newMockStore())
		if err := mgr.SetField(tt.key, tt.value); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("SetField(%s, %v) err = %v, want ErrInvalidValue", tt.key, tt.value, err)
		}
	}
}

func TestSetFields_AllOrNothing(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store)
	mgr.SetField(KeyBio, "Old bio.")

	err := mgr.SetFields(map[string]any{
		KeyBio: "New bio.",
		KeyAge: "thirty",
	})
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("err = %v, want ErrInvalidValue", err)
	}

	err = mgr.SetFields(map[string]any{
		KeyBio:      "New bio.",
		"job_title": "chef",
	})
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}

	p, _ := mgr.GetProfile()
	if p.Bio != "Old bio." {
		t.Errorf("Bio = %q, partial write leaked", p.Bio)
	}
}

func TestSetFields_AcceptsJSONNames(t *testing.T) {
	mgr := NewManager(newMockStore())

	err := mgr.SetFields(map[string]any{
		"displayName": "Sam",
		"age":         31.0,
		"funFacts":    []any{map[string]any{"label": "Pets", "value": "Cat"}},
	})
	if err != nil {
		t.Fatalf("SetFields: %v", err)
	}

	p, _ := mgr.GetProfile()
	if p.DisplayName != "Sam" || p.Age != 31 || len(p.FunFacts) != 1 {
		t.Errorf("profile = %+v", p)
	}

	err = mgr.SetFields(map[string]any{"displayName": "Sam", KeyDisplayName: "Alex"})
	if !errors.Is(err, ErrInvalidValue) {
		t.Errorf("duplicate key err = %v, want ErrInvalidValue", err)
	}
}

func TestSummarize_Empty(t *testing.T) {
	if got := Summarize(Profile{}); got != "Profile: not yet filled in." {
		t.Errorf("Summarize = %q", got)
	}
}

func TestSummarize_Full(t *testing.T) {
	summary := Summarize(Profile{
		DisplayName: "Sam",
		Location:    "Lisbon",
		Bio:         "Surfer and amateur chef.",
		FunFacts:    []FunFact{{Label: "Pets", Value: "Dog"}},
	})

	for _, want := range []string{"Sam", "Lisbon", "Surfer", "Pets: Dog"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q: %s", want, summary)
		}
	}
}

func TestSummarize_TokenBudget(t *testing.T) {
	answers := make([]PromptAnswer, 50)
	for i := range answers {
		answers[i] = PromptAnswer{PromptText: "A long prompt", AnswerText: "Something very specific and detailed for testing the token budget"}
	}

	summary := Summarize(Profile{PromptAnswers: answers})
	if tokens := len(summary) / 4; tokens >= 500 {
		t.Errorf("summary too long: %d estimated tokens (len=%d)", tokens, len(summary))
	}
}

func TestCacheTTL(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Now()}
	mgr := NewManagerWithClock(store, clock, 60*time.Second)

	mgr.SetField(KeyBio, "hi")

	mgr.GetProfile()
	mgr.GetProfile()

	store.mu.Lock()
	calls := store.getAllCalls
	store.mu.Unlock()

	if calls != 1 {
		t.Errorf("expected 1 store call (cache hit on second), got %d", calls)
	}
}

func TestCacheInvalidation(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Now()}
	ttl := 60 * time.Second
	mgr := NewManagerWithClock(store, clock, ttl)

	mgr.SetField(KeyBio, "hi")
	mgr.GetProfile()

	// Advance past TTL
	clock.Advance(ttl + time.Second)

	mgr.GetProfile()

	store.mu.Lock()
	calls := store.getAllCalls
	store.mu.Unlock()

	if calls != 2 {
		t.Errorf("expected 2 store calls (cache expired), got %d", calls)
	}
}
