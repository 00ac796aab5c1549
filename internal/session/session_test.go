package session

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev-core/internal/parser"
	"github.com/kandev/kandev-core/internal/registry"
	"github.com/kandev/kandev-core/internal/sandbox"
	"github.com/kandev/kandev-core/internal/storage"
)

// --- fakes ---------------------------------------------------------------

type fakeHandle struct {
	pid    string
	result sandbox.WaitResult
}

func (h *fakeHandle) ProcessID() string          { return h.pid }
func (h *fakeHandle) Stdin() io.WriteCloser       { return nil }
func (h *fakeHandle) Kill(ctx context.Context) (bool, error) { return true, nil }
func (h *fakeHandle) Wait(ctx context.Context) (sandbox.WaitResult, error) {
	return h.result, nil
}

type fakeInstance struct {
	id    string
	files map[string][]byte

	// stdoutChunks, if non-nil, overrides the default single-chunk
	// OnStdout write with a sequence of raw byte chunks delivered in
	// order — used to prove a line survives being split mid-line across
	// chunk boundaries.
	stdoutChunks [][]byte
}

func newFakeInstance(id string) *fakeInstance {
	return &fakeInstance{id: id, files: make(map[string][]byte)}
}

func (f *fakeInstance) SandboxID() string { return f.id }

func (f *fakeInstance) Spawn(ctx context.Context, cmd []string, opts sandbox.SpawnOptions) (sandbox.Handle, error) {
	if len(cmd) > 0 && cmd[0] == "tar" {
		if opts.OnStdout != nil {
			opts.OnStdout([]byte("tar ok\n"))
		}
		return &fakeHandle{pid: "tar-1", result: sandbox.WaitResult{ExitCode: 0}}, nil
	}
	if f.stdoutChunks != nil {
		if opts.OnStdout != nil {
			for _, chunk := range f.stdoutChunks {
				opts.OnStdout(chunk)
			}
		}
		return &fakeHandle{pid: "proc-1", result: sandbox.WaitResult{ExitCode: 0}}, nil
	}
	if opts.OnStdout != nil {
		opts.OnStdout([]byte(`{"kind":"message_chunk","text":"hi"}` + "\n"))
	}
	return &fakeHandle{pid: "proc-1", result: sandbox.WaitResult{ExitCode: 0, Stdout: "hi"}}, nil
}

func (f *fakeInstance) Kill(ctx context.Context, processID string) (bool, error) { return true, nil }

func (f *fakeInstance) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if data, ok := f.files[path]; ok {
		return data, nil
	}
	return []byte("fake-archive"), nil
}

func (f *fakeInstance) WriteFile(ctx context.Context, path string, data []byte, mode int) error {
	f.files[path] = data
	return nil
}

func (f *fakeInstance) WriteFiles(ctx context.Context, entries []sandbox.FileEntry) error {
	for _, e := range entries {
		f.files[e.Path] = e.Content
	}
	return nil
}

func (f *fakeInstance) MakeDir(ctx context.Context, path string) error { return nil }

func (f *fakeInstance) GetOutputFiles(ctx context.Context, root string, sinceUnixSec int64) (map[string][]byte, error) {
	return map[string][]byte{"result.json": []byte(`{"ok":true}`)}, nil
}

func (f *fakeInstance) GetHost(ctx context.Context, port int) (string, error) { return "localhost", nil }
func (f *fakeInstance) Pause(ctx context.Context) error                      { return nil }
func (f *fakeInstance) Resume(ctx context.Context) error                     { return nil }
func (f *fakeInstance) Terminate(ctx context.Context) error                  { return nil }
func (f *fakeInstance) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{SupportsPause: true}
}

type fakeProvider struct {
	created int

	// nextInstance, if set, is returned by the next Create call instead
	// of a freshly-minted default fakeInstance.
	nextInstance *fakeInstance
}

func (p *fakeProvider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Instance, error) {
	p.created++
	if p.nextInstance != nil {
		return p.nextInstance, nil
	}
	return newFakeInstance("sandbox-1"), nil
}

func (p *fakeProvider) Connect(ctx context.Context, sandboxID string) (sandbox.Instance, error) {
	return newFakeInstance(sandboxID), nil
}

type fakeStore struct {
	blobs map[string][]byte
	meta  map[string]storage.CheckpointInfo
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: make(map[string][]byte), meta: make(map[string]storage.CheckpointInfo)}
}

func (s *fakeStore) PutBlob(ctx context.Context, hash string, r io.Reader, size int64) error {
	if _, ok := s.blobs[hash]; ok {
		return nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.blobs[hash] = data
	return nil
}

func (s *fakeStore) GetBlob(ctx context.Context, hash string) (io.ReadCloser, error) {
	data, ok := s.blobs[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) PutMetadata(ctx context.Context, info storage.CheckpointInfo) error {
	s.meta[info.ID] = info
	return nil
}

func (s *fakeStore) GetMetadata(ctx context.Context, id string) (storage.CheckpointInfo, error) {
	info, ok := s.meta[id]
	if !ok {
		return storage.CheckpointInfo{}, storage.ErrNotFound
	}
	return info, nil
}

func (s *fakeStore) ListCheckpoints(ctx context.Context, tag string) ([]storage.CheckpointInfo, error) {
	var out []storage.CheckpointInfo
	for _, info := range s.meta {
		if tag == "" || info.Tag == tag {
			out = append(out, info)
		}
	}
	return out, nil
}

func (s *fakeStore) Latest(ctx context.Context, tag string) (storage.CheckpointInfo, error) {
	rows, _ := s.ListCheckpoints(ctx, tag)
	if len(rows) == 0 {
		return storage.CheckpointInfo{}, storage.ErrNotFound
	}
	latest := rows[0]
	for _, r := range rows[1:] {
		if r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	return latest, nil
}

// --- helpers ---------------------------------------------------------------

func testEntry() *registry.Entry {
	return &registry.Entry{
		ID:               "mock",
		SystemPromptFile: "SYSTEM.md",
		Command: registry.CommandSpec{
			Binary:             "mock-agent",
			PromptIsPositional: true,
		},
		Env: registry.EnvKeys{
			APIKey: "MOCK_API_KEY",
		},
		ParserID:      "mock",
		WorkspaceMode: "knowledge",
		Protocol:      "claude-code",
	}
}

func newTestSession(t *testing.T) (*Session, *fakeProvider, *fakeStore) {
	t.Helper()
	provider := &fakeProvider{}
	store := newFakeStore()
	s := New(testEntry(), Config{Auth: NewGatewayAuth("sk-test"), SessionTag: "tag-1"}, provider, parser.NewSet(), store, nil, nil)
	return s, provider, store
}

// --- tests -----------------------------------------------------------------

func TestRunBringsUpSandboxAndChecksOut(t *testing.T) {
	s, provider, _ := newTestSession(t)
	ctx := context.Background()

	var contentEvents []parser.Event
	s.On(EventContent, func(p Payload) { contentEvents = append(contentEvents, p.Content) })

	result, err := s.Run(ctx, RunOptions{Prompt: "do the thing"})
	require.NoError(t, err)
	assert.Equal(t, "sandbox-1", result.SandboxID)
	assert.Equal(t, 1, provider.created)
	assert.NotEmpty(t, result.Checkpoint)
	assert.Equal(t, AgentIdle, s.Status().AgentState)
}

func TestSecondRunReusesSandbox(t *testing.T) {
	s, provider, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Run(ctx, RunOptions{Prompt: "first"})
	require.NoError(t, err)
	_, err = s.Run(ctx, RunOptions{Prompt: "second"})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.created)
}

func TestRunFromMutuallyExclusiveWithBoundSandbox(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Run(ctx, RunOptions{Prompt: "first"})
	require.NoError(t, err)

	_, err = s.Run(ctx, RunOptions{Prompt: "second", From: "latest"})
	assert.Error(t, err)
}

func TestKillRotatesSessionTagAndAllowsFreshSandbox(t *testing.T) {
	s, provider, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Run(ctx, RunOptions{Prompt: "first"})
	require.NoError(t, err)
	firstTag := s.sessionTag

	require.NoError(t, s.Kill(ctx))
	assert.NotEqual(t, firstTag, s.sessionTag)
	assert.Equal(t, SandboxStopped, s.Status().SandboxState)

	_, err = s.Run(ctx, RunOptions{Prompt: "again"})
	require.NoError(t, err)
	assert.Equal(t, 2, provider.created)
}

func TestInterruptWithNoActiveOperationReturnsFalse(t *testing.T) {
	s, _, _ := newTestSession(t)
	killed, err := s.Interrupt(context.Background())
	require.NoError(t, err)
	assert.False(t, killed)
}

func TestCheckpointBeforeAnyRunFails(t *testing.T) {
	s, _, _ := newTestSession(t)
	_, err := s.Checkpoint(context.Background(), "too early")
	assert.Error(t, err)
}

func TestListCheckpointsRespectsLimit(t *testing.T) {
	s, _, store := newTestSession(t)
	ctx := context.Background()

	_, err := s.Run(ctx, RunOptions{Prompt: "one"})
	require.NoError(t, err)

	_ = store // checkpoint written via s.store already

	rows, err := s.ListCheckpoints(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestGetOutputFilesReturnsResultJSON(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Run(ctx, RunOptions{Prompt: "one"})
	require.NoError(t, err)

	out, err := s.GetOutputFiles(ctx, time.Now())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out.Data))
}

func TestRestoreFromRejectsAgentTypeMismatch(t *testing.T) {
	s, _, store := newTestSession(t)
	ctx := context.Background()

	store.meta["cp-1"] = storage.CheckpointInfo{
		ID:            "cp-1",
		Hash:          "deadbeef",
		AgentType:     "other-agent",
		WorkspaceMode: "knowledge",
		Timestamp:     time.Now(),
	}
	store.blobs["deadbeef"] = []byte("archive")

	_, err := s.Run(ctx, RunOptions{Prompt: "restore", From: "cp-1"})
	assert.Error(t, err)
}

func TestExecuteReassemblesLineSplitAcrossStdoutChunks(t *testing.T) {
	provider := &fakeProvider{nextInstance: newFakeInstance("sandbox-split")}
	provider.nextInstance.stdoutChunks = [][]byte{
		[]byte(`{"kind":"message_chu`),
		[]byte("nk\",\"text\":\"hi\"}\n"),
	}
	store := newFakeStore()
	s := New(testEntry(), Config{Auth: NewGatewayAuth("sk-test"), SessionTag: "tag-split"}, provider, parser.NewSet(), store, nil, nil)

	var contentEvents []parser.Event
	s.On(EventContent, func(p Payload) { contentEvents = append(contentEvents, p.Content) })

	_, err := s.Run(context.Background(), RunOptions{Prompt: "go"})
	require.NoError(t, err)

	require.Len(t, contentEvents, 1, "a line split mid-JSON across two stdout chunks must parse as exactly one event")
	assert.Equal(t, "hi", contentEvents[0].Text)
}

func TestGetOutputFilesValidatesAgainstResultSchema(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"required": ["ok"],
		"properties": {"ok": {"type": "boolean"}}
	}`)
	s, _, _ := newTestSession(t)
	s.cfg.ResultSchema = schema
	ctx := context.Background()

	_, err := s.Run(ctx, RunOptions{Prompt: "one"})
	require.NoError(t, err)

	out, err := s.GetOutputFiles(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, out.Error)
	assert.JSONEq(t, `{"ok":true}`, string(out.Data))
}

func TestGetOutputFilesReportsSchemaMismatchWithoutData(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"required": ["missingField"],
		"properties": {"missingField": {"type": "string"}}
	}`)
	s, _, _ := newTestSession(t)
	s.cfg.ResultSchema = schema
	ctx := context.Background()

	_, err := s.Run(ctx, RunOptions{Prompt: "one"})
	require.NoError(t, err)

	out, err := s.GetOutputFiles(ctx, time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, out.Error)
	assert.Nil(t, out.Data)
	assert.NotEmpty(t, out.RawData, "the raw result is still reported alongside the validation error")
}

func TestBringUpWorkspaceWritesMCPConfigAndSkills(t *testing.T) {
	skillsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(skillsDir, "writer.md"), []byte("# writer skill"), 0o644))

	entry := testEntry()
	entry.MCPConfig = registry.MCPConfigLayout{
		SettingsDir: "/home/agent/.mock",
		FileName:    "mcp_settings.json",
		KeyShape:    "stdio-servers",
	}
	entry.Skills = registry.SkillsLayout{
		SourcePath: skillsDir,
		TargetPath: "/home/agent/.mock/skills",
	}

	provider := &fakeProvider{}
	store := newFakeStore()
	cfg := Config{
		Auth:       NewGatewayAuth("sk-test"),
		SessionTag: "tag-mcp",
		Skills:     []string{"writer.md"},
		MCPServers: map[string]MCPServerConfig{
			"fs": {Transport: "stdio", Command: "mcp-fs", Args: []string{"--root", "/workspace"}},
		},
		ComposioURL:     "https://composio.example/mcp",
		ComposioHeaders: map[string]string{"Authorization": "Bearer token"},
	}
	s := New(entry, cfg, provider, parser.NewSet(), store, nil, nil)

	_, err := s.Run(context.Background(), RunOptions{Prompt: "go"})
	require.NoError(t, err)

	inst := s.instance.(*fakeInstance)

	mcpData, ok := inst.files["/home/agent/.mock/mcp_settings.json"]
	require.True(t, ok, "mcp config file must be written at the registry-declared path")
	assert.Contains(t, string(mcpData), `"mcpServers"`)
	assert.Contains(t, string(mcpData), `"mcp-fs"`)
	assert.Contains(t, string(mcpData), `"composio"`)
	assert.Contains(t, string(mcpData), `"https://composio.example/mcp"`)

	skillData, ok := inst.files["/home/agent/.mock/skills/writer.md"]
	require.True(t, ok, "skill file must be copied to the registry-declared target path")
	assert.Equal(t, "# writer skill", string(skillData))
}
