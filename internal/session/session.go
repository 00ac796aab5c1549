// Package session implements the Session Engine (spec.md §4.1): a single
// agent run against a single sandbox, with streaming, interrupt/pause/
// resume/kill, and content-addressed checkpointing. Grounded on the
// teacher's per-agent lifecycle managers (internal/agent/lifecycle,
// internal/agentctl) for the shape of the state machine and lifecycle
// event emission, rebuilt here against the sandbox.Provider/
// storage.Client/parser.Set contracts instead of the teacher's
// kanban-task-coupled orchestrator.
package session

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev-core/internal/logging"
	"github.com/kandev/kandev-core/internal/observability"
	"github.com/kandev/kandev-core/internal/parser"
	"github.com/kandev/kandev-core/internal/registry"
	"github.com/kandev/kandev-core/internal/sandbox"
	"github.com/kandev/kandev-core/internal/storage"
	"github.com/kandev/kandev-core/internal/stream"
)

// stallCheckInterval/stallThreshold ground execute's stall-detection
// heartbeat on the teacher's waitForPromptDone ticker: check every 30s,
// warn once activity has been quiet for 5 minutes.
const (
	stallCheckInterval = 30 * time.Second
	stallThreshold     = 5 * time.Minute
)

// RunOptions configures one Run call.
type RunOptions struct {
	Prompt            string
	TimeoutMs         int64
	Background        bool
	From              string // checkpoint id, or "latest"; mutually exclusive with a preconfigured sandbox
	CheckpointComment string
}

// RunResult is returned from Run and ExecuteCommand.
type RunResult struct {
	SandboxID  string
	RunID      string
	ExitCode   int
	Stdout     string
	Stderr     string
	Checkpoint *storage.CheckpointInfo
}

// OutputResult is returned from GetOutputFiles.
type OutputResult struct {
	Files   map[string][]byte
	Data    []byte
	Error   string
	RawData []byte
}

// Session drives one agent CLI against one sandbox over its lifetime. A
// Session exclusively owns its sandbox (spec.md's "ownership over
// sharing" design note) — it must not be shared across goroutines without
// external synchronization beyond what its own mutex provides for state
// reads.
type Session struct {
	*emitter

	provider sandbox.Provider
	parsers  *parser.Set
	store    storage.Client
	hub      *stream.Hub
	logger   *logging.Logger

	entry *registry.Entry
	cfg   Config

	mu               sync.Mutex
	instance         sandbox.Instance
	sandboxState     SandboxState
	agentState       AgentState
	sessionTag       string
	hasRun           bool
	lastCheckpointID string
	activeHandle     sandbox.Handle
	activeOpID       int64
	interruptedOps   map[int64]bool
	obs              *observability.SessionLogger

	opCounter int64
}

// New constructs a Session for entry, not yet bound to a sandbox. The
// sandbox is acquired lazily on first Run/ExecuteCommand.
func New(entry *registry.Entry, cfg Config, provider sandbox.Provider, parsers *parser.Set, store storage.Client, hub *stream.Hub, log *logging.Logger) *Session {
	if log == nil {
		log = logging.Default()
	}
	tag := cfg.SessionTag
	if tag == "" {
		tag = uuid.NewString()
	}
	return &Session{
		emitter:        newEmitter(),
		provider:       provider,
		parsers:        parsers,
		store:          store,
		hub:            hub,
		logger:         log.WithFields(zap.String("session_tag", tag), zap.String("agent_kind", entry.ID)),
		entry:          entry,
		cfg:            cfg,
		sandboxState:   SandboxStopped,
		agentState:     AgentIdle,
		sessionTag:     tag,
		interruptedOps: make(map[int64]bool),
	}
}

// AttachObservability wires an NDJSON session logger (spec.md §6): every
// Run's prompt and every raw line the agent CLI emits on stdout is
// recorded to it. Safe to call at most once, before the first Run.
func (s *Session) AttachObservability(obs *observability.SessionLogger) {
	s.mu.Lock()
	s.obs = obs
	s.mu.Unlock()
}

func (s *Session) nextOpID() int64 {
	return atomic.AddInt64(&s.opCounter, 1)
}

func (s *Session) transitionSandbox(state SandboxState, reason LifecycleReason, opID int64) {
	s.mu.Lock()
	s.sandboxState = state
	s.mu.Unlock()
	s.emitLifecycle(reason, opID)
}

func (s *Session) transitionAgent(state AgentState, reason LifecycleReason, opID int64) {
	s.mu.Lock()
	s.agentState = state
	s.mu.Unlock()
	s.emitLifecycle(reason, opID)
}

func (s *Session) emitLifecycle(reason LifecycleReason, opID int64) {
	s.mu.Lock()
	evt := LifecycleEvent{
		Reason:       reason,
		SandboxState: s.sandboxState,
		AgentState:   s.agentState,
		SessionTag:   s.sessionTag,
		OpID:         opID,
	}
	s.mu.Unlock()
	s.emitter.emit(EventLifecycle, Payload{Lifecycle: evt})
}

// Status returns a snapshot of both state machines.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := ""
	if s.activeHandle != nil {
		pid = s.activeHandle.ProcessID()
	}
	sandboxID := ""
	if s.instance != nil {
		sandboxID = s.instance.SandboxID()
	}
	return Status{
		SandboxID:       sandboxID,
		SandboxState:    s.sandboxState,
		AgentState:      s.agentState,
		ActiveProcessID: pid,
		SessionTag:      s.sessionTag,
		TimestampUnix:   time.Now().Unix(),
	}
}

// ensureSandbox acquires (or restores) a sandbox if one is not already
// bound. It is the sandbox bring-up path of spec.md §4.1.2.
func (s *Session) ensureSandbox(ctx context.Context, from string) error {
	s.mu.Lock()
	alreadyBound := s.instance != nil
	s.mu.Unlock()

	if alreadyBound {
		if from != "" {
			return fmt.Errorf("session: from is mutually exclusive with an already-bound sandbox")
		}
		return nil
	}

	s.transitionSandbox(SandboxBooting, ReasonSandboxBoot, 0)

	runID := uuid.NewString()
	// Spend tracking follows the current (possibly rotated) session tag.
	s.mu.Lock()
	envCfg := s.cfg
	envCfg.SessionTag = s.sessionTag
	s.mu.Unlock()
	env, err := BuildEnv(s.entry, envCfg, runID)
	if err != nil {
		s.transitionSandbox(SandboxError, ReasonSandboxError, 0)
		return fmt.Errorf("session: build env: %w", err)
	}

	var instance sandbox.Instance
	if from != "" {
		instance, err = s.restoreFrom(ctx, from, env)
	} else {
		instance, err = s.provider.Create(ctx, sandbox.CreateOptions{
			Envs:             env,
			WorkingDirectory: s.workdir(),
			Image:            s.entry.ID, // agent-kind-named image
		})
	}
	if err != nil {
		s.transitionSandbox(SandboxError, ReasonSandboxError, 0)
		return err
	}

	s.mu.Lock()
	s.instance = instance
	s.mu.Unlock()

	if err := s.bringUpWorkspace(ctx, from == ""); err != nil {
		s.transitionSandbox(SandboxError, ReasonSandboxError, 0)
		return err
	}

	s.transitionSandbox(SandboxReady, ReasonSandboxReady, 0)
	return nil
}

func (s *Session) workdir() string {
	if s.entry.WorkspaceMode == "swe" {
		return "/workspace/repo"
	}
	return "/workspace"
}

// bringUpWorkspace creates the directory skeleton, writes the system
// prompt (unless this is a restore that didn't explicitly configure one),
// and copies context/workspace files and skills into place.
func (s *Session) bringUpWorkspace(ctx context.Context, writeSystemPrompt bool) error {
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()

	for _, dir := range WorkspaceDirs(s.entry.WorkspaceMode) {
		if err := inst.MakeDir(ctx, "/workspace/"+dir); err != nil {
			return fmt.Errorf("session: make workspace dir %s: %w", dir, err)
		}
	}

	skipPrompt := !writeSystemPrompt && s.cfg.SystemPromptIntro == "" && len(s.cfg.ResultSchema) == 0
	if !skipPrompt {
		prompt := BuildSystemPrompt(s.entry.WorkspaceMode, s.cfg.SystemPromptIntro, s.cfg.ResultSchema)
		if err := inst.WriteFile(ctx, s.entry.SystemPromptFile, []byte(prompt), 0o644); err != nil {
			return fmt.Errorf("session: write system prompt: %w", err)
		}
	}

	if s.cfg.Auth.IsFileOAuth() {
		path := s.entry.MCPConfig.SettingsDir + "/oauth.json"
		if err := inst.WriteFile(ctx, path, []byte(s.cfg.Auth.OAuthFileContent), 0o600); err != nil {
			return fmt.Errorf("session: write oauth file: %w", err)
		}
	}

	// MCP config is rewritten on every bring-up, restore included, since
	// MCP tokens are session-scoped and would otherwise be stale in a
	// restored archive (spec.md §4.1.2).
	if err := s.writeMCPConfig(ctx, inst); err != nil {
		return err
	}
	if err := s.copySkills(ctx, inst); err != nil {
		return err
	}

	if err := s.UploadContext(ctx, s.cfg.ContextFiles); err != nil {
		return err
	}
	if err := s.UploadFiles(ctx, s.cfg.WorkspaceFiles); err != nil {
		return err
	}
	return nil
}

// writeMCPConfig renders s.cfg.MCPServers (plus a Composio HTTP-transport
// entry, if configured) into the registry's declared MCP config file and
// key shape (spec.md §4.1.2, §5). A no-op if the registry entry declares
// no config file or no servers are configured.
func (s *Session) writeMCPConfig(ctx context.Context, inst sandbox.Instance) error {
	layout := s.entry.MCPConfig
	if layout.FileName == "" {
		return nil
	}

	servers := make(map[string]map[string]any, len(s.cfg.MCPServers)+1)
	for name, sc := range s.cfg.MCPServers {
		servers[name] = renderMCPServerEntry(sc)
	}
	if s.cfg.ComposioURL != "" {
		servers["composio"] = renderMCPServerEntry(MCPServerConfig{
			Transport: "http",
			URL:       s.cfg.ComposioURL,
			Headers:   s.cfg.ComposioHeaders,
		})
	}
	if len(servers) == 0 {
		return nil
	}

	var payload any
	switch layout.KeyShape {
	case "flat-servers":
		payload = servers
	default: // "stdio-servers"
		payload = map[string]any{"mcpServers": servers}
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal mcp config: %w", err)
	}

	path := strings.TrimSuffix(layout.SettingsDir, "/") + "/" + layout.FileName
	if err := inst.WriteFile(ctx, path, data, 0o644); err != nil {
		return fmt.Errorf("session: write mcp config: %w", err)
	}
	return nil
}

// renderMCPServerEntry renders one server entry per spec.md §4.1.2's
// supported transports: stdio (command+args+env), HTTP (type:"http" +
// url + headers), SSE (url only).
func renderMCPServerEntry(sc MCPServerConfig) map[string]any {
	entry := map[string]any{}
	switch sc.Transport {
	case "http":
		entry["type"] = "http"
		entry["url"] = sc.URL
		if len(sc.Headers) > 0 {
			entry["headers"] = sc.Headers
		}
	case "sse":
		entry["url"] = sc.URL
	default: // "stdio"
		entry["command"] = sc.Command
		if len(sc.Args) > 0 {
			entry["args"] = sc.Args
		}
		if len(sc.Env) > 0 {
			entry["env"] = sc.Env
		}
	}
	return entry
}

// copySkills copies each requested skill from the registry's host-side
// SourcePath into its sandbox-side TargetPath (spec.md §4.1.2). A no-op
// if the registry entry declares no skills layout or none are requested.
func (s *Session) copySkills(ctx context.Context, inst sandbox.Instance) error {
	layout := s.entry.Skills
	if layout.SourcePath == "" || layout.TargetPath == "" || len(s.cfg.Skills) == 0 {
		return nil
	}

	entries := make([]sandbox.FileEntry, 0, len(s.cfg.Skills))
	for _, skill := range s.cfg.Skills {
		src := strings.TrimSuffix(layout.SourcePath, "/") + "/" + skill
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("session: read skill %s: %w", skill, err)
		}
		dst := strings.TrimSuffix(layout.TargetPath, "/") + "/" + skill
		entries = append(entries, sandbox.FileEntry{Path: dst, Content: data})
	}
	return inst.WriteFiles(ctx, entries)
}

// UploadContext copies files into context/.
func (s *Session) UploadContext(ctx context.Context, files map[string][]byte) error {
	return s.uploadTo(ctx, "context/", files)
}

// UploadFiles copies files into the working directory.
func (s *Session) UploadFiles(ctx context.Context, files map[string][]byte) error {
	return s.uploadTo(ctx, "", files)
}

func (s *Session) uploadTo(ctx context.Context, prefix string, files map[string][]byte) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()
	if inst == nil {
		// No sandbox yet: acquire one first, as Run/ExecuteCommand would.
		if err := s.ensureSandbox(ctx, ""); err != nil {
			return err
		}
		s.mu.Lock()
		inst = s.instance
		s.mu.Unlock()
	}

	entries := make([]sandbox.FileEntry, 0, len(files))
	for path, content := range files {
		entries = append(entries, sandbox.FileEntry{Path: s.workdir() + "/" + prefix + path, Content: content})
	}
	return inst.WriteFiles(ctx, entries)
}

// Run drives one agent CLI invocation end to end: sandbox bring-up (on
// first use), command spawn, streaming, completion, and auto-checkpoint.
func (s *Session) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	if opts.From != "" {
		s.mu.Lock()
		bound := s.instance != nil
		s.mu.Unlock()
		if bound {
			return RunResult{}, fmt.Errorf("session: from is mutually exclusive with a preconfigured sandbox")
		}
	}

	if err := s.ensureSandbox(ctx, opts.From); err != nil {
		return RunResult{}, err
	}

	s.mu.Lock()
	isResume := s.hasRun
	s.mu.Unlock()

	args := registry.CommandArgs{
		Prompt:          opts.Prompt,
		Model:           s.cfg.Model,
		IsResume:        isResume,
		ReasoningEffort: s.cfg.ReasoningEffort,
		Skills:          s.cfg.Skills,
	}
	cmd := registry.RenderCommand(s.entry.Command, args)

	s.mu.Lock()
	obs := s.obs
	s.mu.Unlock()
	if obs != nil {
		obs.LogPrompt(opts.Prompt)
	}

	runID := uuid.NewString()
	result, err := s.execute(ctx, cmd, opts.TimeoutMs, opts.Background, ReasonRunStart, ReasonRunComplete, ReasonRunFailed, ReasonRunInterrupted, ReasonRunBackgroundComplete, ReasonRunBackgroundFailed)
	result.RunID = runID
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	s.hasRun = true
	sandboxID := s.instance.SandboxID()
	s.mu.Unlock()
	result.SandboxID = sandboxID

	if !opts.Background && err == nil {
		if cp, cpErr := s.Checkpoint(ctx, opts.CheckpointComment); cpErr != nil {
			s.logger.Warn("auto-checkpoint failed", zap.Error(cpErr))
		} else {
			result.Checkpoint = cp
		}
	}

	return result, nil
}

// ExecuteCommand bypasses the agent CLI, running an arbitrary command in
// the sandbox for inspection/manipulation purposes.
func (s *Session) ExecuteCommand(ctx context.Context, cmd []string, timeoutMs int64, background bool) (RunResult, error) {
	if err := s.ensureSandbox(ctx, ""); err != nil {
		return RunResult{}, err
	}
	result, err := s.execute(ctx, cmd, timeoutMs, background, ReasonCommandStart, ReasonCommandComplete, ReasonCommandFailed, ReasonCommandInterrupted, ReasonCommandBackgroundComplete, ReasonCommandBackgroundFailed)
	s.mu.Lock()
	result.SandboxID = s.instance.SandboxID()
	s.mu.Unlock()
	return result, err
}

func (s *Session) execute(ctx context.Context, cmd []string, timeoutMs int64, background bool, startReason, completeReason, failedReason, interruptedReason, bgCompleteReason, bgFailedReason LifecycleReason) (RunResult, error) {
	opID := s.nextOpID()
	s.transitionAgent(AgentRunning, startReason, opID)

	p, err := s.parsers.Get(s.entry.ParserID)
	if err != nil {
		s.transitionAgent(AgentIdle, failedReason, opID)
		return RunResult{}, fmt.Errorf("session: resolve parser: %w", err)
	}

	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()

	sink := &sessionEventSink{session: s}
	handler := stream.Demux(p, sink)

	// stdout is NDJSON but sandbox.SpawnOptions delivers it as arbitrary
	// byte chunks (dockersandbox's stdcopy.StdCopy demux is not
	// line-aligned), so a JSON line split across two chunks must be
	// reassembled before it reaches the parser (spec.md §4.1.3). Bridge
	// the chunk callback into stream.LineBuffer's io.Reader contract with
	// a pipe; the raw per-chunk stdout event still fires independently.
	lineR, lineW := io.Pipe()
	lineBuf := stream.NewLineBuffer(handler)
	lineBufDone := make(chan struct{})
	go func() {
		defer close(lineBufDone)
		_ = lineBuf.Consume(lineR)
	}()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	handle, err := inst.Spawn(ctx, cmd, sandbox.SpawnOptions{
		Cwd:       s.workdir(),
		TimeoutMs: timeoutMs,
		OnStdout: func(chunk []byte) {
			lastActivity.Store(time.Now().UnixNano())
			s.emitter.emit(EventStdout, Payload{Bytes: chunk})
			_, _ = lineW.Write(chunk)
		},
		OnStderr: func(chunk []byte) {
			lastActivity.Store(time.Now().UnixNano())
			s.emitter.emit(EventStderr, Payload{Bytes: chunk})
		},
	})
	if err != nil {
		_ = lineW.Close()
		<-lineBufDone
		s.transitionAgent(AgentIdle, failedReason, opID)
		return RunResult{}, fmt.Errorf("session: spawn: %w", err)
	}

	s.mu.Lock()
	s.activeHandle = handle
	s.activeOpID = opID
	s.mu.Unlock()

	stallDone := make(chan struct{})
	go s.watchForStall(opID, &lastActivity, stallDone)

	finishStreaming := func() {
		close(stallDone)
		_ = lineW.Close()
		<-lineBufDone
	}

	if background {
		go func() {
			s.awaitBackground(ctx, handle, opID, bgCompleteReason, bgFailedReason)
			finishStreaming()
		}()
		return RunResult{ExitCode: 0, Stdout: fmt.Sprintf("Background process started with ID %s", handle.ProcessID())}, nil
	}

	wait, err := handle.Wait(ctx)
	finishStreaming()
	s.mu.Lock()
	s.activeHandle = nil
	interrupted := s.interruptedOps[opID]
	delete(s.interruptedOps, opID)
	s.mu.Unlock()

	if err != nil {
		s.transitionAgent(AgentIdle, failedReason, opID)
		return RunResult{}, fmt.Errorf("session: wait: %w", err)
	}

	if interrupted || wait.ExitCode == 130 {
		s.transitionAgent(AgentInterrupted, interruptedReason, opID)
		s.transitionSandbox(SandboxReady, ReasonSandboxReady, opID)
		return RunResult{ExitCode: wait.ExitCode, Stdout: wait.Stdout, Stderr: wait.Stderr}, nil
	}

	s.transitionAgent(AgentIdle, completeReason, opID)
	return RunResult{ExitCode: wait.ExitCode, Stdout: wait.Stdout, Stderr: wait.Stderr}, nil
}

// watchForStall logs a warning if no stdout/stderr chunk has arrived for
// longer than stallThreshold, checked every stallCheckInterval. Grounded
// on the teacher's waitForPromptDone stallTicker, which only logs — it
// never transitions lifecycle state, since a slow agent is not
// necessarily a stuck one.
func (s *Session) watchForStall(opID int64, lastActivity *atomic.Int64, done <-chan struct{}) {
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			elapsed := time.Since(time.Unix(0, lastActivity.Load()))
			if elapsed > stallThreshold {
				s.logger.Warn("agent stall detected: no stdout/stderr activity",
					zap.Int64("op_id", opID),
					zap.Duration("elapsed_since_last_event", elapsed))
			}
		}
	}
}

func (s *Session) awaitBackground(ctx context.Context, handle sandbox.Handle, opID int64, completeReason, failedReason LifecycleReason) {
	wait, err := handle.Wait(ctx)
	s.mu.Lock()
	s.activeHandle = nil
	s.mu.Unlock()

	if err != nil || wait.ExitCode != 0 {
		s.transitionAgent(AgentIdle, failedReason, opID)
		return
	}
	s.transitionAgent(AgentIdle, completeReason, opID)
}

// Interrupt kills the active operation, if any. Returns whether the kill
// was effective.
func (s *Session) Interrupt(ctx context.Context) (bool, error) {
	s.mu.Lock()
	handle := s.activeHandle
	opID := s.activeOpID
	s.mu.Unlock()

	if handle == nil {
		return false, nil
	}

	killed, err := handle.Kill(ctx)
	if err != nil && err != sandbox.ErrUnsupported {
		return false, err
	}
	if killed {
		s.mu.Lock()
		s.interruptedOps[opID] = true
		s.mu.Unlock()
	}
	return killed, nil
}

// Pause suspends the sandbox, interrupting any active operation first.
func (s *Session) Pause(ctx context.Context) error {
	if _, err := s.Interrupt(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()
	if inst == nil {
		return fmt.Errorf("session: no sandbox bound")
	}
	if err := inst.Pause(ctx); err != nil {
		return err
	}
	s.transitionSandbox(SandboxPaused, ReasonSandboxPause, 0)
	return nil
}

// Resume reattaches to a paused sandbox.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()
	if inst == nil {
		return fmt.Errorf("session: no sandbox bound")
	}
	if err := inst.Resume(ctx); err != nil {
		return err
	}
	s.transitionSandbox(SandboxReady, ReasonSandboxResume, 0)
	return nil
}

// Kill terminates the sandbox, flushes the logger, and rotates the
// session tag so a subsequent Run acquires a fresh sandbox. Always safe
// to call repeatedly.
func (s *Session) Kill(ctx context.Context) error {
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()

	if inst != nil {
		if err := inst.Terminate(ctx); err != nil {
			s.logger.Warn("sandbox terminate failed", zap.Error(err))
		}
	}

	_ = s.logger.Sync()

	s.mu.Lock()
	s.instance = nil
	s.hasRun = false
	s.sessionTag = uuid.NewString()
	s.mu.Unlock()

	s.transitionSandbox(SandboxStopped, ReasonSandboxKilled, 0)
	return nil
}

// GetOutputFiles lists and reads files under output/ whose inode-change
// time is no earlier than sinceRunStart minus 2 s (spec.md §4.1.5).
func (s *Session) GetOutputFiles(ctx context.Context, sinceRunStart time.Time) (OutputResult, error) {
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()
	if inst == nil {
		return OutputResult{}, fmt.Errorf("session: no sandbox bound")
	}

	since := sinceRunStart.Add(-2 * time.Second).Unix()
	files, err := inst.GetOutputFiles(ctx, s.workdir()+"/output", since)
	if err != nil {
		return OutputResult{}, fmt.Errorf("session: get output files: %w", err)
	}

	result := OutputResult{Files: files}
	raw, ok := files["result.json"]
	if !ok {
		return result, nil
	}
	result.RawData = raw

	if len(s.cfg.ResultSchema) == 0 {
		result.Data = raw
		return result, nil
	}

	if err := validateJSONShape(s.cfg.ResultSchema, raw); err != nil {
		result.Error = err.Error()
		result.Data = nil
		return result, nil
	}
	result.Data = raw
	return result, nil
}

// Checkpoint creates a content-addressed checkpoint of the workspace
// (spec.md §4.1.6).
func (s *Session) Checkpoint(ctx context.Context, comment string) (*storage.CheckpointInfo, error) {
	s.mu.Lock()
	inst := s.instance
	parentID := s.lastCheckpointID
	s.mu.Unlock()
	if inst == nil {
		return nil, fmt.Errorf("session: checkpoint requires a prior run (no sandbox bound)")
	}

	archive, err := s.archiveWorkspace(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("session: archive workspace: %w", err)
	}

	hash, size, err := storage.HashReader(bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}

	if err := s.store.PutBlob(ctx, hash, bytes.NewReader(archive), size); err != nil {
		return nil, fmt.Errorf("session: put blob: %w", err)
	}

	info := storage.CheckpointInfo{
		ID:            uuid.NewString(),
		Hash:          hash,
		Tag:           s.sessionTag,
		Timestamp:     time.Now().UTC(),
		SizeBytes:     size,
		AgentType:     s.entry.ID,
		Model:         s.cfg.Model,
		WorkspaceMode: s.entry.WorkspaceMode,
		Comment:       comment,
		ParentID:      parentID,
	}
	if err := s.store.PutMetadata(ctx, info); err != nil {
		return nil, fmt.Errorf("session: put metadata: %w", err)
	}

	s.mu.Lock()
	s.lastCheckpointID = info.ID
	s.mu.Unlock()

	return &info, nil
}

// archiveWorkspace produces a gzipped tar of the working directory by
// shelling a tar command out in the sandbox and reading the resulting
// archive back through the file API, per spec.md §4.1.6 step 1.
func (s *Session) archiveWorkspace(ctx context.Context, inst sandbox.Instance) ([]byte, error) {
	const archivePath = "/tmp/session-checkpoint.tar.gz"
	h, err := inst.Spawn(ctx, []string{"tar", "czf", archivePath, "-C", s.workdir(), "."}, sandbox.SpawnOptions{})
	if err != nil {
		return nil, err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("tar exited %d: %s", res.ExitCode, res.Stderr)
	}
	return inst.ReadFile(ctx, archivePath)
}

// restoreFrom resolves id (or "latest"), creates a fresh sandbox, and
// extracts the archive in-place (spec.md §4.1.6 restore).
func (s *Session) restoreFrom(ctx context.Context, id string, env map[string]string) (sandbox.Instance, error) {
	var info storage.CheckpointInfo
	var err error
	if id == "latest" {
		info, err = s.store.Latest(ctx, "")
	} else {
		info, err = s.store.GetMetadata(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("session: resolve checkpoint %q: %w", id, err)
	}

	if info.AgentType != s.entry.ID {
		return nil, fmt.Errorf("session: checkpoint agentType %q incompatible with %q", info.AgentType, s.entry.ID)
	}
	if info.WorkspaceMode != s.entry.WorkspaceMode {
		return nil, fmt.Errorf("session: checkpoint workspaceMode %q incompatible with %q", info.WorkspaceMode, s.entry.WorkspaceMode)
	}

	blob, err := s.store.GetBlob(ctx, info.Hash)
	if err != nil {
		return nil, fmt.Errorf("session: fetch checkpoint blob: %w", err)
	}
	defer blob.Close()

	archive, err := readAllGunzipSafe(blob)
	if err != nil {
		return nil, err
	}

	instance, err := s.provider.Create(ctx, sandbox.CreateOptions{Envs: env, WorkingDirectory: s.workdir()})
	if err != nil {
		return nil, err
	}

	const archivePath = "/tmp/session-restore.tar.gz"
	if err := instance.WriteFile(ctx, archivePath, archive, 0o644); err != nil {
		return nil, fmt.Errorf("session: write restore archive: %w", err)
	}
	h, err := instance.Spawn(ctx, []string{"tar", "xzf", archivePath, "-C", s.workdir()}, sandbox.SpawnOptions{})
	if err != nil {
		return nil, err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("session: extract restore archive exited %d: %s", res.ExitCode, res.Stderr)
	}

	s.mu.Lock()
	s.hasRun = true
	s.lastCheckpointID = info.ID
	s.mu.Unlock()

	return instance, nil
}

// ListCheckpoints is a convenience accessor over the StorageClient scoped
// to this Session's tag.
func (s *Session) ListCheckpoints(ctx context.Context, limit int) ([]storage.CheckpointInfo, error) {
	rows, err := s.store.ListCheckpoints(ctx, s.sessionTag)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Storage exposes the underlying StorageClient for direct queries.
func (s *Session) Storage() storage.Client {
	return s.store
}

type sessionEventSink struct {
	session *Session
}

func (sink *sessionEventSink) HandleRawLine(line string) {
	sink.session.mu.Lock()
	obs := sink.session.obs
	sink.session.mu.Unlock()
	if obs != nil {
		obs.LogRaw(line)
	}
}

func (sink *sessionEventSink) HandleEvent(evt parser.Event) {
	sink.session.emitter.emit(EventContent, Payload{Content: evt})
	if sink.session.hub != nil {
		sink.session.hub.Broadcast(sink.session.sessionTag, evt)
	}
}

// validateJSONShape validates raw against schemaBytes, a JSON Schema
// document (spec.md §4.1.5's "JSON-Schema/Zod-style validation"). An
// empty or structurally invalid result, or one that fails schema
// validation, is reported as an error rather than panicking or silently
// passing the raw bytes through.
func validateJSONShape(schemaBytes, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("result.json is empty")
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(schemaBytes, &schema); err != nil {
		return fmt.Errorf("parse result schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve result schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("result.json is not valid json: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("result.json does not match result schema: %w", err)
	}
	return nil
}

func readAllGunzipSafe(r interface {
	Read(p []byte) (int, error)
}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	// Checkpoint blobs are already gzipped tars; this round-trips through
	// gzip only to fail fast on a corrupt blob before it reaches the
	// sandbox.
	gz, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint archive: %w", err)
	}
	gz.Close()
	return buf.Bytes(), nil
}
