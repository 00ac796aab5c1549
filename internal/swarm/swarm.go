// Package swarm implements the Swarm Engine (spec.md §4.2): running many
// Session operations in parallel under a shared concurrency budget, with
// structured output, quality loops (verify/bestOf), and retries. Grounded
// on the teacher's fan-out orchestration in the deleted
// internal/orchestrator tree, rebuilt here against internal/session's
// public contract and internal/concurrency's semaphore instead of the
// teacher's kanban-task coupling.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev-core/internal/concurrency"
	"github.com/kandev/kandev-core/internal/logging"
	"github.com/kandev/kandev-core/internal/session"
	"github.com/kandev/kandev-core/internal/storage"
)

// Role is the closed set of session roles a Swarm op can spawn (spec.md
// §4.2.7).
type Role string

const (
	RoleWorker    Role = "worker"
	RoleCandidate Role = "candidate"
	RoleJudge     Role = "judge"
	RoleVerifier  Role = "verifier"
)

// Status is the closed set of per-item outcomes (spec.md §4.2.1).
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFiltered Status = "filtered"
	StatusError    Status = "error"
)

// Meta carries the observability fields spec.md §4.2.7 requires attached
// to every Session a Swarm op executes, and to the returned result.
type Meta struct {
	SwarmTag          string `json:"swarmTag"`
	OperationID       string `json:"operationId"`
	Operation         string `json:"operation"`
	ItemIndex         int    `json:"itemIndex"`
	CandidateIndex    int    `json:"candidateIndex,omitempty"`
	Role              Role   `json:"role"`
	ErrorRetry        int    `json:"errorRetry,omitempty"`
	VerifyRetry       int    `json:"verifyRetry,omitempty"`
	PipelineRunID     string `json:"pipelineRunId,omitempty"`
	PipelineStepIndex int    `json:"pipelineStepIndex,omitempty"`
}

// sessionTag renders the tag suffix scheme from spec.md §4.2.6:
// "-er<n>" for error retries, "-vr<n>" for verify retries.
func (m Meta) sessionTag(base string) string {
	tag := base
	if m.ErrorRetry > 0 {
		tag = fmt.Sprintf("%s-er%d", tag, m.ErrorRetry)
	}
	if m.VerifyRetry > 0 {
		tag = fmt.Sprintf("%s-vr%d", tag, m.VerifyRetry)
	}
	return tag
}

// Item is one unit of work for map/filter, or one mounted sub-item for
// reduce. Files are attached under context/ (map/filter/bestOf) or
// item_<idx>/ (reduce), per spec.md §4.2.3.
type Item struct {
	Prompt string
	Files  map[string][]byte
}

// ItemResult is SwarmResult<T> from spec.md §4.2.1.
type ItemResult struct {
	Index      int
	Status     Status
	Data       json.RawMessage
	RawData    []byte
	Error      string
	Files      map[string][]byte
	Checkpoint *storage.CheckpointInfo
	Meta       Meta
	Verify     *VerifyInfo
}

// VerifyInfo is attached to an ItemResult that went through a verify
// loop (spec.md §4.2.4).
type VerifyInfo struct {
	Attempts int
	Passed   bool
	Feedback string
}

// RetryPolicy wraps the worker executions of Map and Filter and the
// Reduce execution. BestOf candidates, judges and verifiers are not
// retried. RetryOn defaults to "status == error" when nil.
type RetryPolicy struct {
	MaxAttempts int
	RetryOn     func(ItemResult) bool
}

func (p *RetryPolicy) maxAttempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p *RetryPolicy) shouldRetry(r ItemResult) bool {
	if p != nil && p.RetryOn != nil {
		return p.RetryOn(r)
	}
	return r.Status == StatusError
}

// Builder constructs a Session configured for one role/meta. The caller
// owns merging the base agent config with per-op overrides (model, MCP,
// skills, Composio); the Swarm engine only drives what the Builder
// returns.
type Builder func(ctx context.Context, meta Meta) (*session.Session, error)

// VerifyConfig configures the feedback-augmented retry loop of spec.md
// §4.2.4. Mutually exclusive with BestOfConfig per op.
type VerifyConfig struct {
	MaxAttempts int
	Verifier    Builder
	// RetryPrompt builds the next attempt's prompt from the original
	// prompt and the verifier's feedback (falling back to its reasoning
	// when feedback is empty).
	RetryPrompt func(originalPrompt, feedbackOrReasoning string) string
}

func (v *VerifyConfig) maxAttempts() int {
	if v == nil || v.MaxAttempts <= 0 {
		return 3
	}
	return v.MaxAttempts
}

// verifierOutput is the schema a verifier Session must produce:
// {passed, reasoning, feedback?}.
type verifierOutput struct {
	Passed    bool   `json:"passed"`
	Reasoning string `json:"reasoning"`
	Feedback  string `json:"feedback,omitempty"`
}

// OpOptions carries the per-call knobs common to every Swarm operation.
type OpOptions struct {
	Verify            *VerifyConfig
	Retry             *RetryPolicy
	PipelineRunID     string
	PipelineStepIndex int
}

// Swarm drives Session executions under one shared concurrency budget.
type Swarm struct {
	sem       *concurrency.Semaphore
	logger    *logging.Logger
	opCounter int64
}

// New builds a Swarm with the given capacity (spec.md §4.2.2's
// process-wide counting semaphore).
func New(capacity int, log *logging.Logger) *Swarm {
	if log == nil {
		log = logging.Default()
	}
	return &Swarm{sem: concurrency.New(capacity), logger: log.WithFields(zap.String("component", "swarm"))}
}

// Capacity returns the configured maximum number of simultaneous Session
// acquisitions this Swarm's semaphore admits.
func (s *Swarm) Capacity() int {
	return s.sem.Capacity()
}

func (s *Swarm) nextOperationID() string {
	n := atomic.AddInt64(&s.opCounter, 1)
	return fmt.Sprintf("op-%d-%s", n, uuid.NewString()[:8])
}

// Map runs one Session per item, in parallel under the semaphore, and
// returns a result list indexed by original input position (spec.md
// §4.2.1, §5 ordering guarantee).
func (s *Swarm) Map(ctx context.Context, swarmTag string, items []Item, builder Builder, opts OpOptions) ([]ItemResult, error) {
	opID := s.nextOperationID()
	return concurrency.RunIndexed(ctx, s.sem, items, func(ctx context.Context, idx int, item Item) (ItemResult, error) {
		meta := Meta{
			SwarmTag: swarmTag, OperationID: opID, Operation: "map", ItemIndex: idx, Role: RoleWorker,
			PipelineRunID: opts.PipelineRunID, PipelineStepIndex: opts.PipelineStepIndex,
		}
		return s.executeWithRetryAndVerify(ctx, item, builder, meta, opts), nil
	})
}

// Filter runs one Session per item and lets predicate decide pass/fail
// locally from each successful worker result, forwarding the *original input files*
// of passing items downstream rather than the worker's own output
// (spec.md §4.2.3's filter file rule).
func (s *Swarm) Filter(ctx context.Context, swarmTag string, items []Item, builder Builder, predicate func(ItemResult) bool, opts OpOptions) ([]ItemResult, error) {
	opID := s.nextOperationID()
	results, err := concurrency.RunIndexed(ctx, s.sem, items, func(ctx context.Context, idx int, item Item) (ItemResult, error) {
		meta := Meta{
			SwarmTag: swarmTag, OperationID: opID, Operation: "filter", ItemIndex: idx, Role: RoleWorker,
			PipelineRunID: opts.PipelineRunID, PipelineStepIndex: opts.PipelineStepIndex,
		}
		r := s.executeWithRetryAndVerify(ctx, item, builder, meta, opts) // holds RunIndexed's permit for the whole retry/verify loop
		if r.Status == StatusSuccess {
			if predicate(r) {
				r.Files = item.Files // forward original input files, not worker output
			} else {
				r.Status = StatusFiltered
			}
		}
		return r, nil
	})
	return results, err
}

// Reduce runs a single Session with every item mounted under
// item_<idx>/* (spec.md §4.2.1, §4.2.3).
func (s *Swarm) Reduce(ctx context.Context, swarmTag string, prompt string, items []Item, builder Builder, opts OpOptions) (ItemResult, error) {
	opID := s.nextOperationID()
	meta := Meta{
		SwarmTag: swarmTag, OperationID: opID, Operation: "reduce", Role: RoleWorker,
		PipelineRunID: opts.PipelineRunID, PipelineStepIndex: opts.PipelineStepIndex,
	}

	mounted := Item{Prompt: prompt, Files: make(map[string][]byte)}
	for i, item := range items {
		for path, content := range item.Files {
			mounted.Files[fmt.Sprintf("item_%d/%s", i, path)] = content
		}
	}

	if err := s.sem.Acquire(ctx); err != nil {
		return ItemResult{Status: StatusError, Error: err.Error(), Meta: meta}, nil
	}
	defer s.sem.Release()

	return s.executeWithRetryAndVerifyLocked(ctx, mounted, builder, meta, opts), nil
}

// executeWithRetryAndVerify is the entry point Map and Filter use. It
// acquires no permit itself (RunIndexed's wrapper already holds one) and
// runs executeWithRetryAndVerifyLocked.
func (s *Swarm) executeWithRetryAndVerify(ctx context.Context, item Item, builder Builder, meta Meta, opts OpOptions) ItemResult {
	return s.executeWithRetryAndVerifyLocked(ctx, item, builder, meta, opts)
}

// executeWithRetryAndVerifyLocked assumes the caller already holds
// whatever semaphore permit is appropriate for this execution (RunIndexed
// for Map/Filter, an explicit Acquire for Reduce) and runs the
// retry(verify(worker)) composition.
func (s *Swarm) executeWithRetryAndVerifyLocked(ctx context.Context, item Item, builder Builder, meta Meta, opts OpOptions) ItemResult {
	maxAttempts := opts.Retry.maxAttempts()
	var result ItemResult

	for attempt := 0; attempt < maxAttempts; attempt++ {
		attemptMeta := meta
		attemptMeta.ErrorRetry = attempt

		if opts.Verify != nil {
			result = s.runWithVerify(ctx, item, builder, attemptMeta, opts.Verify)
		} else {
			result = s.runWorker(ctx, item, builder, attemptMeta)
		}

		if !opts.Retry.shouldRetry(result) {
			return result
		}
	}
	return result
}

// runWorker builds a Session, uploads item context, runs the prompt, and
// collects output (spec.md §4.2.3).
func (s *Swarm) runWorker(ctx context.Context, item Item, builder Builder, meta Meta) ItemResult {
	sess, err := builder(ctx, meta)
	if err != nil {
		return ItemResult{Index: meta.ItemIndex, Status: StatusError, Error: err.Error(), Meta: meta}
	}
	defer func() {
		if killErr := sess.Kill(ctx); killErr != nil {
			s.logger.Warn("swarm worker sandbox kill failed", zap.Error(killErr))
		}
	}()

	if len(item.Files) > 0 {
		if err := sess.UploadContext(ctx, item.Files); err != nil {
			return ItemResult{Index: meta.ItemIndex, Status: StatusError, Error: err.Error(), Meta: meta}
		}
	}

	start := time.Now()
	runResult, err := sess.Run(ctx, session.RunOptions{Prompt: item.Prompt})
	if err != nil {
		return ItemResult{Index: meta.ItemIndex, Status: StatusError, Error: err.Error(), Meta: meta}
	}
	if runResult.ExitCode != 0 {
		return ItemResult{
			Index: meta.ItemIndex, Status: StatusError,
			Error:   fmt.Sprintf("agent exited %d: %s", runResult.ExitCode, runResult.Stderr),
			RawData: []byte(runResult.Stdout), Meta: meta,
		}
	}

	out, err := sess.GetOutputFiles(ctx, start)
	if err != nil {
		return ItemResult{Index: meta.ItemIndex, Status: StatusError, Error: err.Error(), Meta: meta}
	}
	if out.Error != "" {
		return ItemResult{Index: meta.ItemIndex, Status: StatusError, Error: out.Error, RawData: out.RawData, Meta: meta}
	}

	return ItemResult{
		Index: meta.ItemIndex, Status: StatusSuccess, Data: out.Data, RawData: out.RawData,
		Files: out.Files, Checkpoint: runResult.Checkpoint, Meta: meta,
	}
}
