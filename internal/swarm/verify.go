package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev-core/internal/session"
)

// runWithVerify implements spec.md §4.2.4's feedback-augmented retry:
//
//	repeat up to maxAttempts:
//	    run worker on currentPrompt
//	    if worker fails: return failure
//	    run verifier with context = {worker_task/*, worker_output/*}
//	    if verifier.passed: return success
//	    currentPrompt = retry-template(originalPrompt, feedback || reasoning)
//	return last worker result with status=error, verify.passed=false
func (s *Swarm) runWithVerify(ctx context.Context, item Item, builder Builder, meta Meta, cfg *VerifyConfig) ItemResult {
	maxAttempts := cfg.maxAttempts()
	originalPrompt := item.Prompt
	currentItem := item

	var lastWorker ItemResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		workerMeta := meta
		workerMeta.VerifyRetry = attempt - 1

		lastWorker = s.runWorker(ctx, currentItem, builder, workerMeta)
		if lastWorker.Status == StatusError {
			return lastWorker
		}

		verifierMeta := meta
		verifierMeta.Role = RoleVerifier
		verifierMeta.VerifyRetry = attempt - 1

		passed, verdict, err := s.runVerifier(ctx, originalPrompt, lastWorker, builder, verifierMeta, cfg.Verifier)
		if err != nil {
			s.logger.Warn("verifier execution failed, treating as not passed", zap.Error(err))
			passed = false
			verdict = verifierOutput{Passed: false, Reasoning: err.Error()}
		}

		lastWorker.Verify = &VerifyInfo{Attempts: attempt, Passed: passed, Feedback: verdict.Feedback}

		if passed {
			return lastWorker
		}
		if attempt == maxAttempts {
			break
		}

		feedback := verdict.Feedback
		if feedback == "" {
			feedback = verdict.Reasoning
		}
		nextPrompt := originalPrompt
		if cfg.RetryPrompt != nil {
			nextPrompt = cfg.RetryPrompt(originalPrompt, feedback)
		} else {
			nextPrompt = fmt.Sprintf("%s\n\nYour previous attempt did not pass verification: %s\nPlease address this and try again.", originalPrompt, feedback)
		}
		currentItem = Item{Prompt: nextPrompt, Files: item.Files}
	}

	lastWorker.Status = StatusError
	if lastWorker.Verify != nil {
		lastWorker.Verify.Passed = false
	}
	return lastWorker
}

// runVerifier builds a constrained verifier Session whose context
// contains the worker's task and output, and parses its
// {passed, reasoning, feedback?} result.
func (s *Swarm) runVerifier(ctx context.Context, originalPrompt string, worker ItemResult, builder Builder, meta Meta, verifierBuilder Builder) (bool, verifierOutput, error) {
	if verifierBuilder == nil {
		verifierBuilder = builder
	}

	sess, err := verifierBuilder(ctx, meta)
	if err != nil {
		return false, verifierOutput{}, err
	}
	defer func() {
		if killErr := sess.Kill(ctx); killErr != nil {
			s.logger.Warn("swarm verifier sandbox kill failed", zap.Error(killErr))
		}
	}()

	files := map[string][]byte{"worker_task/prompt.txt": []byte(originalPrompt)}
	for path, content := range worker.Files {
		files["worker_output/"+path] = content
	}
	if len(worker.RawData) > 0 {
		files["worker_output/result.json"] = worker.RawData
	}
	if err := sess.UploadContext(ctx, files); err != nil {
		return false, verifierOutput{}, err
	}

	start := time.Now()
	result, err := sess.Run(ctx, session.RunOptions{Prompt: "Evaluate whether the worker's output satisfies its task. Write {passed, reasoning, feedback?} to output/result.json."})
	if err != nil {
		return false, verifierOutput{}, err
	}
	if result.ExitCode != 0 {
		return false, verifierOutput{}, fmt.Errorf("verifier exited %d: %s", result.ExitCode, result.Stderr)
	}

	out, err := sess.GetOutputFiles(ctx, start)
	if err != nil {
		return false, verifierOutput{}, err
	}
	if out.Error != "" {
		return false, verifierOutput{}, fmt.Errorf("verifier output invalid: %s", out.Error)
	}

	var verdict verifierOutput
	if err := json.Unmarshal(out.Data, &verdict); err != nil {
		return false, verifierOutput{}, fmt.Errorf("parse verifier result: %w", err)
	}
	return verdict.Passed, verdict, nil
}
