package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/persona/internal/llm"
	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/pkg/types"
)

const engineDim = 64

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func newEngine(t *testing.T, gen llm.TextGenerator) (*Engine, *faultyStore, *eventLog) {
	t.Helper()
	s := newStore(t, engineDim)
	events := &eventLog{}
	e, err := New(s, gen, llm.NewHashEmbedder(engineDim), DefaultConfig(), WithEventHandler(events.handle))
	require.NoError(t, err)
	return e, s, events
}

func TestNew_Validation(t *testing.T) {
	s := newStore(t, engineDim)
	gen := &scriptedGenerator{}
	emb := llm.NewHashEmbedder(engineDim)

	_, err := New(nil, gen, emb, DefaultConfig())
	assert.Error(t, err)
	_, err = New(s, nil, emb, DefaultConfig())
	assert.Error(t, err)
	_, err = New(s, gen, nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.TopK = 0
	_, err = New(s, gen, emb, cfg)
	assert.Error(t, err)
}

func TestEngine_QueryFlow(t *testing.T) {
	gen := &scriptedGenerator{
		extraction: "user is interested in planes\tplanes,aviation\n\nplanes,aviation",
		response:   "The Wright brothers.",
	}
	e, s, events := newEngine(t, gen)
	ctx := context.Background()

	resp, err := e.Query(ctx, "u", "s1", "who built the first plane?")
	require.NoError(t, err)
	assert.Equal(t, "The Wright brothers.", resp)

	// The fact extracted from this very query is retrieved into the prompt.
	prompt := gen.lastPrompt()
	assert.Contains(t, prompt, "user is interested in planes")
	assert.NotContains(t, prompt, "Past Queries and Responses")

	rec, err := s.GetSession(ctx, "u", "s1")
	require.NoError(t, err)
	assert.Equal(t, "Query: who built the first plane?\nResponse: The Wright brothers.", rec.History)
	assert.Equal(t, []EventType{EventEntriesCreated}, events.kinds())

	gen.response = "In 1903."
	resp, err = e.Query(ctx, "u", "s1", "when?")
	require.NoError(t, err)
	assert.Equal(t, "In 1903.", resp)
	assert.True(t, strings.HasPrefix(gen.lastPrompt(),
		"Past Queries and Responses: Query: who built the first plane?\nResponse: The Wright brothers.\n"))

	rec, err = s.GetSession(ctx, "u", "s1")
	require.NoError(t, err)
	assert.Equal(t,
		"Query: who built the first plane?\nResponse: The Wright brothers. Query: when?\nResponse: In 1903.",
		rec.History)
}

func TestEngine_QueryFallsBackWithoutExtraction(t *testing.T) {
	gen := &scriptedGenerator{extraction: "no tab anywhere\nsummary", response: "ok"}
	e, s, events := newEngine(t, gen)
	ctx := context.Background()

	resp, err := e.Query(ctx, "u", "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Contains(t, gen.lastPrompt(), llm.NoPersonalInfo)

	n, err := s.Count(ctx, storage.Filter{UserID: "u"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, events.kinds())
}

func TestEngine_QueryGenerationFailure(t *testing.T) {
	ctx := context.Background()
	for name, gen := range map[string]*scriptedGenerator{
		"error": {extraction: "summary\ttag", responseErr: errors.New("model overloaded")},
		"blank": {extraction: "summary\ttag", response: "  \n"},
	} {
		t.Run(name, func(t *testing.T) {
			e, s, _ := newEngine(t, gen)

			resp, err := e.Query(ctx, "u", "s1", "hello")
			assert.ErrorIs(t, err, ErrGenerationFailure)
			assert.Empty(t, resp)

			_, err = s.GetSession(ctx, "u", "s1")
			assert.ErrorIs(t, err, storage.ErrNotFound, "no session write on failure")
		})
	}
}

func TestEngine_QuerySessionStoreFailure(t *testing.T) {
	gen := &scriptedGenerator{extraction: "summary\ttag", response: "ok"}
	e, s, _ := newEngine(t, gen)
	s.getErr = errors.New("locked")

	_, err := e.Query(context.Background(), "u", "s1", "hello")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestEngine_SaveProfileReplaces(t *testing.T) {
	e, _, events := newEngine(t, &scriptedGenerator{})
	ctx := context.Background()

	p := types.Profile{Name: "Ada", Email: "ada@example.com", Occupation: "engineer", Interests: []string{"planes", "chess"}}
	first, err := e.SaveProfile(ctx, "u", p)
	require.NoError(t, err)
	assert.Equal(t, types.SourceProfile, first.Source)
	assert.Equal(t, []string{"planes", "chess"}, first.Tags)

	p.Location = "London"
	_, err = e.SaveProfile(ctx, "u", p)
	require.NoError(t, err)

	entries, err := e.Entries(ctx, "u", types.SourceProfile)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Ada, ada@example.com, , London, engineer, planes, chess", entries[0].Text)
	assert.Equal(t, []EventType{EventEntriesCreated, EventEntriesCreated}, events.kinds())
}

func TestEngine_SaveAnswer(t *testing.T) {
	e, _, _ := newEngine(t, &scriptedGenerator{})
	ctx := context.Background()

	_, err := e.SaveAnswer(ctx, "u", "I prefer short answers")
	require.NoError(t, err)
	_, err = e.SaveAnswer(ctx, "u", "I live near an airfield")
	require.NoError(t, err)

	answers, err := e.Entries(ctx, "u", types.SourceAnswer)
	require.NoError(t, err)
	assert.Len(t, answers, 2)

	_, err = e.SaveAnswer(ctx, "u", "   ")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	_, err = e.SaveAnswer(ctx, "", "hi")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestEngine_EntriesAndSessionsNotFound(t *testing.T) {
	e, _, _ := newEngine(t, &scriptedGenerator{})
	ctx := context.Background()

	_, err := e.Entries(ctx, "nobody", types.SourceProfile)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.Sessions(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_Sessions(t *testing.T) {
	gen := &scriptedGenerator{extraction: "summary\ttag", response: "ok"}
	e, _, _ := newEngine(t, gen)
	ctx := context.Background()

	_, err := e.Query(ctx, "u", "s1", "a")
	require.NoError(t, err)
	_, err = e.Query(ctx, "u", "s2", "b")
	require.NoError(t, err)

	sessions, err := e.Sessions(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestEngine_SwitchSessionCompacts(t *testing.T) {
	e, s, events := newEngine(t, &scriptedGenerator{})

	require.NoError(t, e.SwitchSession(context.Background(), "u", "s1"))
	assert.Equal(t, 1, s.compacts)
	assert.Equal(t, []EventType{EventSessionCompacted}, events.kinds())
}

func TestEngine_MaintainBoundEmitsOnRemoval(t *testing.T) {
	e, s, events := newEngine(t, &scriptedGenerator{})
	ctx := context.Background()
	emb := llm.NewHashEmbedder(engineDim)
	for i := 0; i < 95; i++ {
		vec, err := emb.Embed(ctx, strings.Repeat("x", i+1))
		require.NoError(t, err)
		insert(t, s, &types.MemoryEntry{UserID: "u", Text: "fact", Vector: vec})
	}

	r, err := e.MaintainBound(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 20, r.Removed)
	require.Equal(t, []EventType{EventEntriesEvicted}, events.kinds())
	assert.Equal(t, 20, events.events[0].Count)

	r, err = e.MaintainBound(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, NothingToRemove, r.Status)
	assert.Len(t, events.kinds(), 1)
}

func TestEngine_SetEventHandler(t *testing.T) {
	e, _, first := newEngine(t, &scriptedGenerator{})
	second := &eventLog{}
	e.SetEventHandler(second.handle)

	require.NoError(t, e.SwitchSession(context.Background(), "u", "s"))
	assert.Empty(t, first.kinds())
	assert.Len(t, second.kinds(), 1)

	e.SetEventHandler(nil)
	require.NoError(t, e.SwitchSession(context.Background(), "u", "s"))
}

func TestEngine_Ping(t *testing.T) {
	e, _, _ := newEngine(t, &scriptedGenerator{})
	assert.NoError(t, e.Ping(context.Background()))
}
