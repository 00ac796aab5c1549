package swarm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev-core/internal/parser"
	"github.com/kandev/kandev-core/internal/registry"
	"github.com/kandev/kandev-core/internal/sandbox"
	"github.com/kandev/kandev-core/internal/session"
	"github.com/kandev/kandev-core/internal/storage"
)

// --- minimal in-memory sandbox/storage fakes, mirroring session_test.go's,
// duplicated here since they are unexported there. ---

type fakeHandle struct {
	result sandbox.WaitResult
}

func (h *fakeHandle) ProcessID() string                      { return "p" }
func (h *fakeHandle) Stdin() io.WriteCloser                   { return nil }
func (h *fakeHandle) Kill(ctx context.Context) (bool, error)  { return true, nil }
func (h *fakeHandle) Wait(ctx context.Context) (sandbox.WaitResult, error) {
	return h.result, nil
}

type fakeInstance struct {
	id          string
	resultJSON  []byte
	failPrompts bool
}

func (f *fakeInstance) SandboxID() string { return f.id }
func (f *fakeInstance) Spawn(ctx context.Context, cmd []string, opts sandbox.SpawnOptions) (sandbox.Handle, error) {
	if len(cmd) > 0 && cmd[0] == "tar" {
		return &fakeHandle{result: sandbox.WaitResult{ExitCode: 0}}, nil
	}
	if opts.OnStdout != nil {
		opts.OnStdout([]byte(`{"kind":"message_chunk","text":"ok"}` + "\n"))
	}
	if f.failPrompts {
		return &fakeHandle{result: sandbox.WaitResult{ExitCode: 1, Stderr: "boom"}}, nil
	}
	return &fakeHandle{result: sandbox.WaitResult{ExitCode: 0}}, nil
}
func (f *fakeInstance) Kill(ctx context.Context, processID string) (bool, error) { return true, nil }
func (f *fakeInstance) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return []byte("archive"), nil
}
func (f *fakeInstance) WriteFile(ctx context.Context, path string, data []byte, mode int) error {
	return nil
}
func (f *fakeInstance) WriteFiles(ctx context.Context, entries []sandbox.FileEntry) error { return nil }
func (f *fakeInstance) MakeDir(ctx context.Context, path string) error                    { return nil }
func (f *fakeInstance) GetOutputFiles(ctx context.Context, root string, sinceUnixSec int64) (map[string][]byte, error) {
	return map[string][]byte{"result.json": f.resultJSON}, nil
}
func (f *fakeInstance) GetHost(ctx context.Context, port int) (string, error) { return "localhost", nil }
func (f *fakeInstance) Pause(ctx context.Context) error                      { return nil }
func (f *fakeInstance) Resume(ctx context.Context) error                     { return nil }
func (f *fakeInstance) Terminate(ctx context.Context) error                  { return nil }
func (f *fakeInstance) Capabilities() sandbox.Capabilities                   { return sandbox.Capabilities{} }

type fakeProvider struct {
	counter     int64
	resultJSON  []byte
	failPrompts bool
}

func (p *fakeProvider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Instance, error) {
	n := atomic.AddInt64(&p.counter, 1)
	return &fakeInstance{id: fmt.Sprintf("sandbox-%d", n), resultJSON: p.resultJSON, failPrompts: p.failPrompts}, nil
}
func (p *fakeProvider) Connect(ctx context.Context, sandboxID string) (sandbox.Instance, error) {
	return &fakeInstance{id: sandboxID, resultJSON: p.resultJSON}, nil
}

type fakeStore struct{}

func (s *fakeStore) PutBlob(ctx context.Context, hash string, r io.Reader, size int64) error {
	_, err := io.Copy(io.Discard, r)
	return err
}
func (s *fakeStore) GetBlob(ctx context.Context, hash string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}
func (s *fakeStore) PutMetadata(ctx context.Context, info storage.CheckpointInfo) error { return nil }
func (s *fakeStore) GetMetadata(ctx context.Context, id string) (storage.CheckpointInfo, error) {
	return storage.CheckpointInfo{}, storage.ErrNotFound
}
func (s *fakeStore) ListCheckpoints(ctx context.Context, tag string) ([]storage.CheckpointInfo, error) {
	return nil, nil
}
func (s *fakeStore) Latest(ctx context.Context, tag string) (storage.CheckpointInfo, error) {
	return storage.CheckpointInfo{}, storage.ErrNotFound
}

func testEntry() *registry.Entry {
	return &registry.Entry{
		ID:               "mock",
		SystemPromptFile: "SYSTEM.md",
		Command:          registry.CommandSpec{Binary: "mock-agent", PromptIsPositional: true},
		Env:              registry.EnvKeys{APIKey: "MOCK_API_KEY"},
		ParserID:         "mock",
		WorkspaceMode:    "knowledge",
		Protocol:         "claude-code",
	}
}

func builderFor(provider sandbox.Provider, store storage.Client) Builder {
	return func(ctx context.Context, meta Meta) (*session.Session, error) {
		cfg := session.Config{Auth: session.NewGatewayAuth("sk-test"), SessionTag: meta.sessionTag("swarm-test")}
		return session.New(testEntry(), cfg, provider, parser.NewSet(), store, nil, nil), nil
	}
}

func TestMapReturnsResultsIndexedByPosition(t *testing.T) {
	provider := &fakeProvider{resultJSON: []byte(`{"score":1}`)}
	store := &fakeStore{}
	sw := New(2, nil)

	items := []Item{{Prompt: "a"}, {Prompt: "b"}, {Prompt: "c"}}
	results, err := sw.Map(context.Background(), "swarm-1", items, builderFor(provider, store), OpOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, StatusSuccess, r.Status)
		assert.JSONEq(t, `{"score":1}`, string(r.Data))
	}
}

// peakProvider records the largest number of its sandboxes alive at once
// (created and not yet terminated).
type peakProvider struct {
	*fakeProvider
	live, peak int64
}

type peakInstance struct {
	*fakeInstance
	p *peakProvider
}

func (p *peakProvider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Instance, error) {
	inst, err := p.fakeProvider.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	n := atomic.AddInt64(&p.live, 1)
	for {
		m := atomic.LoadInt64(&p.peak)
		if n <= m || atomic.CompareAndSwapInt64(&p.peak, m, n) {
			break
		}
	}
	return &peakInstance{fakeInstance: inst.(*fakeInstance), p: p}, nil
}

func (i *peakInstance) Terminate(ctx context.Context) error {
	atomic.AddInt64(&i.p.live, -1)
	return i.fakeInstance.Terminate(ctx)
}

func TestMapSemaphoreNeverExceedsCapacity(t *testing.T) {
	provider := &peakProvider{fakeProvider: &fakeProvider{resultJSON: []byte(`{}`)}}
	store := &fakeStore{}
	sw := New(2, nil)

	items := make([]Item, 8)
	for i := range items {
		items[i] = Item{Prompt: "x"}
	}
	results, err := sw.Map(context.Background(), "swarm-2", items, builderFor(provider, store), OpOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 8)
	assert.LessOrEqual(t, atomic.LoadInt64(&provider.peak), int64(2))
}

func TestFilterPassesOriginalFilesNotWorkerOutput(t *testing.T) {
	provider := &fakeProvider{resultJSON: []byte(`{"keep":true}`)}
	store := &fakeStore{}
	sw := New(2, nil)

	items := []Item{
		{Prompt: "a", Files: map[string][]byte{"in.txt": []byte("original-a")}},
		{Prompt: "b", Files: map[string][]byte{"in.txt": []byte("original-b")}},
	}
	predicate := func(r ItemResult) bool { return true }

	results, err := sw.Filter(context.Background(), "swarm-3", items, builderFor(provider, store), predicate, OpOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, r := range results {
		assert.Equal(t, StatusSuccess, r.Status)
		assert.Equal(t, items[i].Files, r.Files)
	}
}

func TestFilterMarksNonMatchesFiltered(t *testing.T) {
	provider := &fakeProvider{resultJSON: []byte(`{"keep":false}`)}
	store := &fakeStore{}
	sw := New(2, nil)

	items := []Item{{Prompt: "a"}}
	predicate := func(r ItemResult) bool { return false }

	results, err := sw.Filter(context.Background(), "swarm-4", items, builderFor(provider, store), predicate, OpOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFiltered, results[0].Status)
}

func TestFilterInvariantCountsSumToInputLength(t *testing.T) {
	provider := &fakeProvider{resultJSON: []byte(`{}`)}
	store := &fakeStore{}
	sw := New(2, nil)

	items := []Item{{Prompt: "a"}, {Prompt: "b"}, {Prompt: "c"}}
	calls := 0
	predicate := func(r ItemResult) bool {
		calls++
		return calls%2 == 0
	}

	results, err := sw.Filter(context.Background(), "swarm-5", items, builderFor(provider, store), predicate, OpOptions{})
	require.NoError(t, err)

	var success, filtered, errored int
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			success++
		case StatusFiltered:
			filtered++
		case StatusError:
			errored++
		}
	}
	assert.Equal(t, len(items), success+filtered+errored)
}

func TestReduceMountsItemsUnderIndexedPrefixes(t *testing.T) {
	provider := &fakeProvider{resultJSON: []byte(`{"summary":"done"}`)}
	store := &fakeStore{}
	sw := New(2, nil)

	items := []Item{
		{Files: map[string][]byte{"data.json": []byte(`{"a":1}`)}},
		{Files: map[string][]byte{"data.json": []byte(`{"b":2}`)}},
	}

	result, err := sw.Reduce(context.Background(), "swarm-6", "summarize all items", items, builderFor(provider, store), OpOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.JSONEq(t, `{"summary":"done"}`, string(result.Data))
}

func TestWorkerFailureSurfacesAsErrorStatus(t *testing.T) {
	provider := &fakeProvider{resultJSON: []byte(`{}`), failPrompts: true}
	store := &fakeStore{}
	sw := New(2, nil)

	results, err := sw.Map(context.Background(), "swarm-7", []Item{{Prompt: "a"}}, builderFor(provider, store), OpOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusError, results[0].Status)
	assert.NotEmpty(t, results[0].Error)
}

func TestBestOfPicksJudgeWinnerWithinRange(t *testing.T) {
	provider := &fakeProvider{resultJSON: []byte(`{"candidate":true}`)}
	store := &fakeStore{}
	sw := New(3, nil)

	candidateBuilder := builderFor(provider, store)

	judgeProvider := &fakeProvider{resultJSON: []byte(`{"winner":1,"reasoning":"candidate 1 was best"}`)}
	judgeBuilder := builderFor(judgeProvider, store)

	cfg := BestOfConfig{N: 3, CandidateBuilder: candidateBuilder, JudgeBuilder: judgeBuilder}
	result, err := sw.BestOf(context.Background(), "swarm-8", Item{Prompt: "solve it"}, cfg, OpOptions{})
	require.NoError(t, err)

	assert.Len(t, result.Candidates, 3)
	assert.True(t, result.WinnerIndex >= 0 && result.WinnerIndex < 3)
	assert.Equal(t, 1, result.WinnerIndex)
	assert.Equal(t, "candidate 1 was best", result.JudgeReasoning)
}

func TestBestOfDefaultsWinnerWhenJudgeReturnsOutOfRange(t *testing.T) {
	provider := &fakeProvider{resultJSON: []byte(`{"candidate":true}`)}
	store := &fakeStore{}
	sw := New(3, nil)

	judgeProvider := &fakeProvider{resultJSON: []byte(`{"winner":99,"reasoning":"out of range"}`)}

	cfg := BestOfConfig{N: 2, CandidateBuilder: builderFor(provider, store), JudgeBuilder: builderFor(judgeProvider, store)}
	result, err := sw.BestOf(context.Background(), "swarm-9", Item{Prompt: "solve it"}, cfg, OpOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, result.WinnerIndex)
}

func TestVerifyRetriesUntilPassed(t *testing.T) {
	store := &fakeStore{}
	workerProvider := &fakeProvider{resultJSON: []byte(`{"value":"x"}`)}

	// Verifier fails once, then passes.
	var verifierCalls int64
	verifierBuilder := func(ctx context.Context, meta Meta) (*session.Session, error) {
		n := atomic.AddInt64(&verifierCalls, 1)
		verdict := `{"passed":true,"reasoning":"ok"}`
		if n == 1 {
			verdict = `{"passed":false,"reasoning":"needs fix","feedback":"explain X"}`
		}
		provider := &fakeProvider{resultJSON: []byte(verdict)}
		cfg := session.Config{Auth: session.NewGatewayAuth("sk-test"), SessionTag: meta.sessionTag("verifier")}
		return session.New(testEntry(), cfg, provider, parser.NewSet(), store, nil, nil), nil
	}

	sw := New(2, nil)
	verifyCfg := &VerifyConfig{MaxAttempts: 3, Verifier: verifierBuilder}
	results, err := sw.Map(context.Background(), "swarm-10", []Item{{Prompt: "a"}}, builderFor(workerProvider, store), OpOptions{Verify: verifyCfg})
	require.NoError(t, err)
	require.Len(t, results, 1)

	require.NotNil(t, results[0].Verify)
	assert.Equal(t, 2, results[0].Verify.Attempts)
	assert.True(t, results[0].Verify.Passed)
	assert.Equal(t, StatusSuccess, results[0].Status)
}
