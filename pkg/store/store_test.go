package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return fs
}

func TestNextIDMonotonic(t *testing.T) {
	fs := newTestStore(t)

	first, err := fs.NextID()
	require.NoError(t, err)
	second, err := fs.NextID()
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
}

func TestNextIDConcurrent(t *testing.T) {
	fs := newTestStore(t)

	const n = 50
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := fs.NextID()
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestCreateWithPromptIsPending(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{Template: "coder", Model: "m", Provider: "anthropic"}, "do the thing")
	require.NoError(t, err)

	sess, err := fs.Load(id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, sess.State)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "user", sess.Messages[0].Role)
	assert.Equal(t, "do the thing", sess.Messages[0].Content)
}

func TestCreateWithoutPromptIsSuccess(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{Template: "coder", Model: "m", Provider: "anthropic"}, "")
	require.NoError(t, err)

	sess, err := fs.Load(id)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, sess.State)
	assert.Empty(t, sess.Messages)
}

func TestRecordShape(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{
		Template: "coder",
		Model:    "claude-sonnet-4",
		Provider: "anthropic",
		Labels:   []string{"team:infra"},
		Timeout:  90 * time.Second,
	}, "hello")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(fs.Dir(), "sessions", "1.json"))
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "v1", raw["apiVersion"])
	assert.Equal(t, "Agent", raw["kind"])

	meta := raw["metadata"].(map[string]interface{})
	assert.Equal(t, "coder", meta["name"])
	assert.Equal(t, "claude-sonnet-4", meta["model"])
	assert.Equal(t, "anthropic", meta["provider"])
	assert.Equal(t, float64(90), meta["timeout"])
	assert.NotEmpty(t, meta["startTime"])
	usage := meta["usage"].(map[string]interface{})
	assert.Contains(t, usage, "totalTokens")
	assert.Contains(t, usage, "totalCost")

	spec := raw["spec"].(map[string]interface{})
	assert.Contains(t, spec, "systemPrompt")
	messages := spec["messages"].([]interface{})
	require.Len(t, messages, 1)

	_ = id
}

func TestStateLockFileContent(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "p")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(fs.StateDir(), "1"))
	require.NoError(t, err)
	assert.Equal(t, "pending", string(data))

	require.NoError(t, fs.SetState(id, StateRunning))
	data, err = os.ReadFile(filepath.Join(fs.StateDir(), "1"))
	require.NoError(t, err)
	assert.Equal(t, "running", string(data))
}

func TestSetStateRejectsInvalid(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "p")
	require.NoError(t, err)

	err = fs.SetState(id, State("paused"))
	assert.ErrorIs(t, err, ErrInvalidState)

	state, err := fs.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)
}

func TestSetStateUnknownSession(t *testing.T) {
	fs := newTestStore(t)
	err := fs.SetState(42, StateRunning)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLoadNotFound(t *testing.T) {
	fs := newTestStore(t)
	_, err := fs.Load(99)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLoadCorruptRecord(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "p")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), "sessions", "1.json"), []byte("{not json"), 0600))
	_, err = fs.Load(id)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestLoadWrongKind(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "p")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), "sessions", "1.json"),
		[]byte(`{"apiVersion":"v1","kind":"Pod","metadata":{},"spec":{}}`), 0600))
	_, err = fs.Load(id)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestPushReopensFinishedSession(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "")
	require.NoError(t, err)

	state, err := fs.GetState(id)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, state)

	require.NoError(t, fs.Push(id, "follow-up"))

	sess, err := fs.Load(id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, sess.State)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "follow-up", sess.Messages[0].Content)
}

func TestForkCopiesHistoryAndMergesLabels(t *testing.T) {
	fs := newTestStore(t)

	srcID, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai", Labels: []string{"base"}}, "original")
	require.NoError(t, err)

	forkID, err := fs.Fork(srcID, "branch", []string{"fork"})
	require.NoError(t, err)
	require.NotEqual(t, srcID, forkID)

	fork, err := fs.Load(forkID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, fork.State)
	assert.ElementsMatch(t, []string{"base", "fork"}, fork.Labels)
	require.Len(t, fork.Messages, 2)
	assert.Equal(t, "original", fork.Messages[0].Content)
	assert.Equal(t, "branch", fork.Messages[1].Content)

	// The source is untouched.
	src, err := fs.Load(srcID)
	require.NoError(t, err)
	assert.Len(t, src.Messages, 1)
}

func TestForkWithoutPromptIsSuccess(t *testing.T) {
	fs := newTestStore(t)

	srcID, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "original")
	require.NoError(t, err)

	forkID, err := fs.Fork(srcID, "", nil)
	require.NoError(t, err)

	state, err := fs.GetState(forkID)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, state)
}

func TestKillForcesFail(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "p")
	require.NoError(t, err)

	require.NoError(t, fs.Kill(id))
	state, err := fs.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, StateFail, state)
}

func TestListFilters(t *testing.T) {
	fs := newTestStore(t)

	a, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai", Labels: []string{"x", "y"}}, "p")
	require.NoError(t, err)
	b, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai", Labels: []string{"x"}}, "p")
	require.NoError(t, err)
	c, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai", Labels: []string{"z"}}, "")
	require.NoError(t, err)

	both, err := fs.List(Filter{Labels: []string{"x", "y"}})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, a, both[0].ID)

	without, err := fs.List(Filter{Labels: []string{"x"}, NotLabels: []string{"y"}})
	require.NoError(t, err)
	require.Len(t, without, 1)
	assert.Equal(t, b, without[0].ID)

	finished, err := fs.List(Filter{States: []State{StateSuccess}})
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, c, finished[0].ID)

	all, err := fs.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListSkipsCorrupt(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "p")
	require.NoError(t, err)
	_, err = fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "p")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), "sessions", "1.json"), []byte("junk"), 0600))

	sessions, err := fs.List(Filter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(2), sessions[0].ID)
}

func TestEvalLockExcludesSecondHolder(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "p")
	require.NoError(t, err)

	ok, err := fs.AcquireEvalLock(id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = fs.AcquireEvalLock(id)
	require.NoError(t, err)
	assert.False(t, ok, "second acquisition must be refused while held")

	fs.ReleaseEvalLock(id)
	ok, err = fs.AcquireEvalLock(id)
	require.NoError(t, err)
	assert.True(t, ok)
	fs.ReleaseEvalLock(id)
}

func TestEvalLockStealsFromDeadProcess(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "p")
	require.NoError(t, err)

	// A lock owned by a pid that cannot exist is stale.
	require.NoError(t, os.WriteFile(fs.evalLockPath(id), []byte("999999999"), 0600))

	ok, err := fs.AcquireEvalLock(id)
	require.NoError(t, err)
	assert.True(t, ok)
	fs.ReleaseEvalLock(id)
}

func TestLabelsNormalized(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{
		Template: "t", Model: "m", Provider: "openai",
		Labels: []string{"  b ", "a", "a", ""},
	}, "p")
	require.NoError(t, err)

	sess, err := fs.Load(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sess.Labels)
}

func TestSaveRoundTripsLastRead(t *testing.T) {
	fs := newTestStore(t)

	id, err := fs.Create(CreateSpec{Template: "t", Model: "m", Provider: "openai"}, "p")
	require.NoError(t, err)

	sess, err := fs.Load(id)
	require.NoError(t, err)
	mark := time.Now().Add(-time.Minute).Round(time.Millisecond)
	sess.LastRead = mark
	require.NoError(t, fs.Save(id, sess))

	loaded, err := fs.Load(id)
	require.NoError(t, err)
	assert.True(t, loaded.LastRead.Equal(mark))
}
