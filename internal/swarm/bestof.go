package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev-core/internal/concurrency"
	"github.com/kandev/kandev-core/internal/session"
)

// BestOfConfig configures spec.md §4.2.5's N-candidates-plus-judge
// operation. Mutually exclusive with VerifyConfig per op.
type BestOfConfig struct {
	N                int
	CandidateBuilder Builder
	JudgeBuilder     Builder
}

func (c *BestOfConfig) n() int {
	if c == nil || c.N < 2 {
		return 2
	}
	return c.N
}

// BestOfResult is spec.md §4.2.1's BestOfResult<T>.
type BestOfResult struct {
	WinnerIndex    int
	Candidates     []ItemResult
	JudgeReasoning string
	Meta           Meta
}

type judgeOutput struct {
	Winner    int    `json:"winner"`
	Reasoning string `json:"reasoning"`
}

// BestOf runs cfg.n() candidates in parallel, then — only after every
// candidate has settled (spec.md §5's phase-barrier guarantee) — builds
// a single judge Session whose context contains worker_task/* and
// candidate_<i>/* (with a _failed.txt stub for any candidate that
// errored) and parses its {winner, reasoning} verdict.
func (s *Swarm) BestOf(ctx context.Context, swarmTag string, item Item, cfg BestOfConfig, opts OpOptions) (BestOfResult, error) {
	opID := s.nextOperationID()
	n := cfg.n()

	candidateIdx := make([]int, n)
	for i := range candidateIdx {
		candidateIdx[i] = i
	}

	candidates, err := concurrency.RunIndexed(ctx, s.sem, candidateIdx, func(ctx context.Context, idx int, _ int) (ItemResult, error) {
		meta := Meta{
			SwarmTag: swarmTag, OperationID: opID, Operation: "bestOf", CandidateIndex: idx, Role: RoleCandidate,
			PipelineRunID: opts.PipelineRunID, PipelineStepIndex: opts.PipelineStepIndex,
		}
		return s.runWorker(ctx, item, cfg.CandidateBuilder, meta), nil
	})
	if err != nil {
		return BestOfResult{}, err
	}

	judgeMeta := Meta{
		SwarmTag: swarmTag, OperationID: opID, Operation: "bestOf", Role: RoleJudge,
		PipelineRunID: opts.PipelineRunID, PipelineStepIndex: opts.PipelineStepIndex,
	}

	winner, reasoning, judgeErr := s.runJudge(ctx, item.Prompt, candidates, cfg.JudgeBuilder, judgeMeta)
	if judgeErr != nil {
		s.logger.Warn("judge execution failed, defaulting winner", zap.Error(judgeErr))
		winner = defaultWinner(candidates)
		reasoning = fmt.Sprintf("judge failed: %s", judgeErr.Error())
	}

	return BestOfResult{WinnerIndex: winner, Candidates: candidates, JudgeReasoning: reasoning, Meta: judgeMeta}, nil
}

// defaultWinner picks the first successful candidate, or index 0 if none
// succeeded, per spec.md §4.2.5's "judge utterly fails" fallback.
func defaultWinner(candidates []ItemResult) int {
	for i, c := range candidates {
		if c.Status == StatusSuccess {
			return i
		}
	}
	return 0
}

func (s *Swarm) runJudge(ctx context.Context, prompt string, candidates []ItemResult, builder Builder, meta Meta) (int, string, error) {
	if err := s.sem.Acquire(ctx); err != nil {
		return 0, "", err
	}
	defer s.sem.Release()

	sess, err := builder(ctx, meta)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		if killErr := sess.Kill(ctx); killErr != nil {
			s.logger.Warn("swarm judge sandbox kill failed", zap.Error(killErr))
		}
	}()

	files := map[string][]byte{"worker_task/prompt.txt": []byte(prompt)}
	for i, c := range candidates {
		prefix := fmt.Sprintf("candidate_%d/", i)
		if c.Status == StatusSuccess {
			for path, content := range c.Files {
				files[prefix+path] = content
			}
			if len(c.RawData) > 0 {
				files[prefix+"result.json"] = c.RawData
			}
		} else {
			files[prefix+"_failed.txt"] = []byte(c.Error)
		}
	}
	if err := sess.UploadContext(ctx, files); err != nil {
		return 0, "", err
	}

	start := time.Now()
	result, err := sess.Run(ctx, session.RunOptions{Prompt: "Judge which candidate best satisfies worker_task/prompt.txt. Write {winner, reasoning} to output/result.json."})
	if err != nil {
		return 0, "", err
	}
	if result.ExitCode != 0 {
		return 0, "", fmt.Errorf("judge exited %d: %s", result.ExitCode, result.Stderr)
	}

	out, err := sess.GetOutputFiles(ctx, start)
	if err != nil {
		return 0, "", err
	}
	if out.Error != "" {
		return 0, "", fmt.Errorf("judge output invalid: %s", out.Error)
	}

	var verdict judgeOutput
	if err := json.Unmarshal(bytes.TrimSpace(out.Data), &verdict); err != nil {
		return 0, "", fmt.Errorf("parse judge result: %w", err)
	}

	if verdict.Winner < 0 || verdict.Winner >= len(candidates) {
		return 0, verdict.Reasoning, nil
	}
	return verdict.Winner, verdict.Reasoning, nil
}
