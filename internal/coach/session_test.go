package coach

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kalambet/profilecoach/internal/composer"
	"github.com/kalambet/profilecoach/internal/profile"
	"github.com/kalambet/profilecoach/internal/proxy"
	"github.com/kalambet/profilecoach/internal/storage"
	"github.com/kalambet/profilecoach/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sse renders text as an OpenAI-style event stream, 16 bytes per delta.
func sse(text string) string {
	var b strings.Builder
	for len(text) > 0 {
		n := min(16, len(text))
		content, _ := json.Marshal(text[:n])
		b.WriteString(`data: {"choices":[{"delta":{"content":` + string(content) + `}}]}` + "\n\n")
		text = text[n:]
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

type fakeChat struct {
	mu     sync.Mutex
	bodies []string
	err    error
	reqs   []proxy.ChatRequest
}

func (f *fakeChat) Chat(ctx context.Context, req proxy.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	if len(f.bodies) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no scripted reply")
	}
	body := f.bodies[0]
	f.bodies = f.bodies[1:]
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeChat) reply(texts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range texts {
		f.bodies = append(f.bodies, sse(t))
	}
}

func (f *fakeChat) requests() []proxy.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proxy.ChatRequest(nil), f.reqs...)
}

type testEnv struct {
	store    *storage.Store
	profiles *profile.Manager
	chat     *fakeChat
	hub      *Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	profiles := profile.NewManager(store)
	require.NoError(t, profiles.SetField(profile.KeyDisplayName, "Sam"))
	require.NoError(t, profiles.SetField(profile.KeyBio, "Old bio."))
	require.NoError(t, profiles.SetField(profile.KeyFunFacts, []profile.FunFact{
		{ID: "f1", Label: "Pets", Value: "Cat", Source: profile.SourceUser},
	}))

	env := &testEnv{store: store, profiles: profiles, chat: &fakeChat{}}
	env.hub = env.newHub()
	return env
}

func (e *testEnv) newHub() *Hub {
	return NewHub(Config{
		Chat:      e.chat,
		Profile:   e.profiles,
		Composer:  composer.New("test-model", 4000, 0),
		Turns:     e.store,
		Footprint: e.store,
		Logger:    slog.New(slog.DiscardHandler),
	})
}

func (e *testEnv) session(t *testing.T, id string) *Session {
	t.Helper()
	s, err := e.hub.Session(id)
	require.NoError(t, err)
	return s
}

func (e *testEnv) profile(t *testing.T) profile.Profile {
	t.Helper()
	p, err := e.profiles.GetProfile()
	require.NoError(t, err)
	return p
}

const bioReply = "Here's a tweak ```json:profile_update\n" +
	`{"field":"bio","action":"replace","data":"Loves bikes."}` + "\n```"

func TestSend_NoUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply("Nice photos! Maybe add one outdoors.")
	s := env.session(t, "s1")

	turn, err := s.Send(context.Background(), "What do you think?", nil)
	require.NoError(t, err)

	assert.Equal(t, StateNoUpdate, turn.State)
	assert.Equal(t, RoleAssistant, turn.Role)
	assert.Equal(t, "Nice photos! Maybe add one outdoors.", turn.Text)
	assert.Nil(t, turn.UpdateValid)
	assert.Empty(t, turn.Notice)

	preview, err := s.Preview()
	require.NoError(t, err)
	assert.Nil(t, preview)
}

func TestSend_StreamsDeltas(t *testing.T) {
	env := newTestEnv(t)
	reply := strings.Repeat("coffee and bikes ", 5)
	env.chat.reply(reply)
	s := env.session(t, "s1")

	var deltas []string
	var last string
	turn, err := s.Send(context.Background(), "hi", func(delta, text string) {
		deltas = append(deltas, delta)
		last = text
	})
	require.NoError(t, err)

	assert.Greater(t, len(deltas), 1)
	assert.Equal(t, reply, strings.Join(deltas, ""))
	assert.Equal(t, reply, last)
	assert.Equal(t, strings.TrimSpace(reply), turn.Text)
}

func TestSend_ScenarioA_BioPreviewAndApply(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply(bioReply)
	s := env.session(t, "s1")

	turn, err := s.Send(context.Background(), "Fix my bio", nil)
	require.NoError(t, err)

	assert.Equal(t, StatePending, turn.State)
	assert.Equal(t, "Here's a tweak", turn.Text)
	assert.NotContains(t, turn.Text, "profile_update")
	require.NotNil(t, turn.UpdateValid)
	assert.True(t, *turn.UpdateValid)
	assert.True(t, turn.HasPending())

	preview, err := s.Preview()
	require.NoError(t, err)
	require.NotNil(t, preview)
	assert.Equal(t, turn.ID, preview.TurnID)
	assert.Equal(t, "Loves bikes.", preview.Profile.Bio)
	assert.Equal(t, "Old bio.", env.profile(t).Bio, "preview must not touch the store")

	applied, err := s.Apply(turn.ID)
	require.NoError(t, err)
	assert.Equal(t, "Loves bikes.", applied.Bio)
	assert.Equal(t, "Loves bikes.", env.profile(t).Bio)

	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, StateApplied, turns[1].State)
	assert.Nil(t, turns[1].Pending)

	_, err = s.Apply(turn.ID)
	assert.ErrorIs(t, err, ErrNoPendingUpdate)
}

func TestSend_ScenarioB_SingleFactBecomesList(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply("Try this.\n```json:profile_update\n" +
		`{"field":"funFacts","action":"replace","data":{"label":"Pets","value":"Dog"}}` + "\n```")
	s := env.session(t, "s1")

	turn, err := s.Send(context.Background(), "fun facts?", nil)
	require.NoError(t, err)
	require.Equal(t, StatePending, turn.State)

	got, err := s.Apply(turn.ID)
	require.NoError(t, err)

	type fact struct{ Label, Value string }
	var facts []fact
	for _, f := range got.FunFacts {
		facts = append(facts, fact{f.Label, f.Value})
	}
	if diff := cmp.Diff([]fact{{"Pets", "Dog"}}, facts); diff != "" {
		t.Errorf("fun facts mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Old bio.", got.Bio)
	assert.Len(t, env.profile(t).FunFacts, 1)
}

func TestSend_ScenarioC_UnknownShapeIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply("Hmm.\n```json:profile_update\n" +
		`{"field":"funFacts","action":"replace","data":{"foo":1}}` + "\n```")
	s := env.session(t, "s1")

	turn, err := s.Send(context.Background(), "fun facts?", nil)
	require.NoError(t, err)

	assert.Equal(t, StateInvalid, turn.State)
	assert.Equal(t, FormattingIssue, turn.Notice)
	require.NotNil(t, turn.UpdateValid)
	assert.False(t, *turn.UpdateValid)
	assert.Nil(t, turn.Pending)
	assert.NotNil(t, turn.RawUpdate)

	preview, err := s.Preview()
	require.NoError(t, err)
	assert.Nil(t, preview)

	_, err = s.Apply(turn.ID)
	assert.ErrorIs(t, err, ErrNoPendingUpdate)
	assert.Equal(t, "Cat", env.profile(t).FunFacts[0].Value)
}

func TestSend_ScenarioD_MalformedBlock(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply("Here you go\n```json:profile_update\n{\"field\": \"bio\", \"action\": \n```\nThanks!")
	s := env.session(t, "s1")

	turn, err := s.Send(context.Background(), "bio?", nil)
	require.NoError(t, err)

	assert.Equal(t, StateInvalid, turn.State)
	assert.Equal(t, FormattingIssue, turn.Notice)
	assert.Contains(t, turn.Text, "Here you go")
	assert.Contains(t, turn.Text, "Thanks!")
	assert.NotContains(t, turn.Text, "profile_update")
	assert.Nil(t, turn.RawUpdate)
}

func TestSend_TransportFailure(t *testing.T) {
	env := newTestEnv(t)
	env.chat.err = errors.New("connection refused")
	s := env.session(t, "s1")

	turn, err := s.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateFailed, turn.State)
	assert.Contains(t, turn.Error, "connection refused")
	assert.Empty(t, turn.Text)

	env.chat.err = nil
	env.chat.reply("Back online.")
	turn, err = s.Send(context.Background(), "hello again", nil)
	require.NoError(t, err)
	assert.Equal(t, StateNoUpdate, turn.State)

	// The failed reply is not sent back as history.
	reqs := env.chat.requests()
	for _, m := range reqs[len(reqs)-1].Messages {
		assert.NotContains(t, m.Content, "connection refused")
	}
}

func TestSend_UpstreamErrorFrame(t *testing.T) {
	env := newTestEnv(t)
	env.chat.bodies = []string{
		`data: {"choices":[{"delta":{"content":"partial "}}]}` + "\n\n" +
			`data: {"error":{"message":"overloaded","code":502}}` + "\n\n",
	}
	s := env.session(t, "s1")

	turn, err := s.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)

	var upstream *stream.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "overloaded", upstream.Message)
	assert.Equal(t, StateFailed, turn.State)
	assert.Empty(t, turn.Text, "partial text from an aborted stream is discarded")
	assert.Equal(t, "Old bio.", env.profile(t).Bio)
}

func TestSend_CanceledContext(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply("never read")
	s := env.session(t, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Send(ctx, "hello", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSend_NewReplySupersedesPending(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply(bioReply, "Anything else?")
	s := env.session(t, "s1")

	first, err := s.Send(context.Background(), "bio", nil)
	require.NoError(t, err)
	require.Equal(t, StatePending, first.State)

	_, err = s.Send(context.Background(), "never mind", nil)
	require.NoError(t, err)

	turns := s.Turns()
	require.Len(t, turns, 4)
	assert.Equal(t, StateSuperseded, turns[1].State)
	assert.Nil(t, turns[1].Pending)

	_, err = s.Apply(first.ID)
	assert.ErrorIs(t, err, ErrNoPendingUpdate)
	assert.Equal(t, "Old bio.", env.profile(t).Bio)

	preview, err := s.Preview()
	require.NoError(t, err)
	assert.Nil(t, preview)
}

func TestDecline(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply(bioReply)
	s := env.session(t, "s1")

	turn, err := s.Send(context.Background(), "bio", nil)
	require.NoError(t, err)

	require.NoError(t, s.Decline(turn.ID))
	require.NoError(t, s.Decline(turn.ID), "declining twice is a no-op")

	assert.Equal(t, "Old bio.", env.profile(t).Bio)
	assert.Equal(t, StateDeclined, s.Turns()[1].State)

	_, err = s.Apply(turn.ID)
	assert.ErrorIs(t, err, ErrNoPendingUpdate)
}

func TestDecline_WithoutPending(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply("No changes needed.")
	s := env.session(t, "s1")

	turn, err := s.Send(context.Background(), "hi", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Decline(turn.ID), ErrNoPendingUpdate)
}

func TestUnknownTurn(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "s1")

	_, err := s.Apply("missing")
	assert.ErrorIs(t, err, ErrTurnNotFound)
	assert.ErrorIs(t, s.Decline("missing"), ErrTurnNotFound)
}

func TestSend_EmptyMessage(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "s1")

	_, err := s.Send(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, s.Turns())
	assert.Empty(t, env.chat.requests())
}

func TestSend_RequestCarriesHistoryAndFootprint(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveFootprintDoc(storage.FootprintDoc{
		ID: "d1", Source: "blog", Kind: "text", Raw: "raw",
	}))
	require.NoError(t, env.store.SetFootprintResult("d1", "I race gravel bikes.", storage.FootprintReady, ""))

	env.chat.reply(bioReply, "Sure.")
	s := env.session(t, "s1")

	_, err := s.Send(context.Background(), "bio please", nil)
	require.NoError(t, err)
	_, err = s.Send(context.Background(), "thanks", nil)
	require.NoError(t, err)

	reqs := env.chat.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "test-model", reqs[0].Model)
	assert.True(t, reqs[0].Stream)

	sys := reqs[1].Messages[0].Content
	assert.Contains(t, sys, "[Current Profile]")
	assert.Contains(t, sys, "Old bio.")
	assert.Contains(t, sys, "I race gravel bikes.")

	var got []string
	for _, m := range reqs[1].Messages[1:] {
		got = append(got, m.Role+": "+m.Content)
	}
	want := []string{"user: bio please", "assistant: Here's a tweak", "user: thanks"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestSend_ConcurrentSendsAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply("one", "two", "three")
	s := env.session(t, "s1")

	var wg sync.WaitGroup
	for _, msg := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Send(context.Background(), msg, nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	turns := s.Turns()
	require.Len(t, turns, 6)
	for i, turn := range turns {
		want := RoleUser
		if i%2 == 1 {
			want = RoleAssistant
		}
		assert.Equal(t, want, turn.Role, "turn %d", i)
		assert.Equal(t, i+1, turn.seq)
	}
}

func TestHub_RestoresPendingFromStore(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply(bioReply)

	turn, err := env.session(t, "s1").Send(context.Background(), "bio", nil)
	require.NoError(t, err)

	restarted := env.newHub()
	s, err := restarted.Session("s1")
	require.NoError(t, err)

	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "bio", turns[0].Text)
	assert.Equal(t, turn.ID, turns[1].ID)
	assert.Equal(t, StatePending, turns[1].State)
	require.NotNil(t, turns[1].Pending)

	_, err = s.Apply(turn.ID)
	require.NoError(t, err)
	assert.Equal(t, "Loves bikes.", env.profile(t).Bio)

	recs, err := env.store.ListTurns("s1")
	require.NoError(t, err)
	assert.Equal(t, string(StateApplied), recs[1].State)
	assert.Empty(t, recs[1].PendingUpdate)
}

func TestHub_InterruptedStreamRestoredAsFailed(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveTurn(storage.Turn{
		ID: "t1", SessionID: "s1", Seq: 1, Role: "assistant", Text: "half", State: string(StateStreaming),
	}))

	s := env.session(t, "s1")
	turns := s.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, StateFailed, turns[0].State)
	assert.Equal(t, "interrupted", turns[0].Error)
}

func TestHub_InvalidSessionID(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.hub.Session("")
	assert.ErrorIs(t, err, ErrInvalidSession)
	_, err = env.hub.Session(strings.Repeat("x", 129))
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestHub_SameSessionReturned(t *testing.T) {
	env := newTestEnv(t)
	a := env.session(t, "s1")
	b := env.session(t, "s1")
	assert.Same(t, a, b)

	env.hub.Forget("s1")
	assert.NotSame(t, a, env.session(t, "s1"))
}

func TestTurn_MarshalJSON(t *testing.T) {
	env := newTestEnv(t)
	env.chat.reply(bioReply)
	s := env.session(t, "s1")

	turn, err := s.Send(context.Background(), "bio", nil)
	require.NoError(t, err)

	b, err := json.Marshal(turn)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "pending", got["state"])
	assert.Equal(t, true, got["updateValid"])
	assert.Equal(t, map[string]any{"field": "bio", "action": "replace", "data": "Loves bikes."}, got["pendingUpdate"])
	assert.NotContains(t, got, "RawUpdate")
}
