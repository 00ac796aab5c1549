// Package observability implements the ObservabilityLogger (spec.md §6
// "Session log format"): a buffered NDJSON writer, one file
// per sandbox lifetime, with an optional NATS remote sync. Batching is
// grounded directly on the teacher's
// internal/task/service/log_batcher.go (interval + max-batch-size
// flush, a background flush goroutine, a final flush on Stop), adapted
// here from batched SQL inserts to batched NDJSON line writes.
package observability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev-core/internal/logging"
)

const (
	defaultFlushInterval = 500 * time.Millisecond
	defaultMaxBatch       = 100
	pendingQueueCap       = 4096 // bounds buffered writes per spec.md §5's "flush is non-blocking and bounded"
)

// Meta is the first line written to every session log file (spec.md §6:
// `{"_meta":{...}}`).
type Meta struct {
	SessionTag string    `json:"sessionTag"`
	Provider   string    `json:"provider"`
	SandboxID  string    `json:"sandboxId"`
	Agent      string    `json:"agent"`
	StartedAt  time.Time `json:"startedAt"`
}

// FilePath renders the session log path spec.md §6 names:
// `<obs-root>/sessions/<tag>_<provider>_<sandboxId>_<agent>_<isoTs>.jsonl`,
// with `:` and `.` replaced by `-` in the timestamp segment.
func FilePath(root string, meta Meta) string {
	ts := meta.StartedAt.UTC().Format(time.RFC3339Nano)
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	name := fmt.Sprintf("%s_%s_%s_%s_%s.jsonl", meta.SessionTag, meta.Provider, meta.SandboxID, meta.Agent, ts)
	return filepath.Join(root, "sessions", name)
}

// Publisher forwards each flushed NDJSON line to a remote sink, e.g. a
// NATS subject (see natspublisher.go). Publish must not block the
// SessionLogger's flush for long; a slow sink risks back-pressuring the
// whole batch.
type Publisher interface {
	Publish(line []byte)
}

// SessionLogger buffers NDJSON lines for one sandbox lifetime and flushes
// them to disk (and, if configured, to a Publisher) either when the
// pending batch reaches maxBatch or on a fixed interval. A full batch is
// flushed synchronously on the goroutine whose enqueue filled it; interval
// flushes run on a background goroutine.
type SessionLogger struct {
	mu       sync.Mutex
	pending  [][]byte
	file     *os.File
	path     string
	maxBatch int
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	logger   *logging.Logger
	pub      Publisher
}

// Open creates (truncating) the session log file for meta under root and
// starts its background flush loop. The first line written is
// `{"_meta":meta}`.
func Open(root string, meta Meta, log *logging.Logger, pub Publisher) (*SessionLogger, error) {
	if log == nil {
		log = logging.Default()
	}
	path := FilePath(root, meta)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("observability: make sessions dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("observability: open session log: %w", err)
	}

	sl := &SessionLogger{
		file:     f,
		path:     path,
		maxBatch: defaultMaxBatch,
		interval: defaultFlushInterval,
		done:     make(chan struct{}),
		logger:   log.WithFields(zap.String("component", "observability"), zap.String("session_tag", meta.SessionTag)),
		pub:      pub,
	}

	metaLine, err := json.Marshal(struct {
		Meta Meta `json:"_meta"`
	}{Meta: meta})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("observability: marshal session meta: %w", err)
	}
	sl.enqueue(metaLine)

	sl.wg.Add(1)
	go sl.flushLoop()

	return sl, nil
}

// LogPrompt records the `{"_prompt":{"text":...}}` line spec.md §6
// requires once per run call.
func (sl *SessionLogger) LogPrompt(text string) {
	line, err := json.Marshal(struct {
		Prompt struct {
			Text string `json:"text"`
		} `json:"_prompt"`
	}{Prompt: struct {
		Text string `json:"text"`
	}{Text: text}})
	if err != nil {
		sl.logger.Warn("failed to marshal prompt log line", zap.Error(err))
		return
	}
	sl.enqueue(line)
}

// LogRaw records one raw agent-emitted stdout line verbatim.
func (sl *SessionLogger) LogRaw(line string) {
	sl.enqueue([]byte(line))
}

func (sl *SessionLogger) enqueue(line []byte) {
	sl.mu.Lock()
	if len(sl.pending) >= pendingQueueCap {
		// Bounded: drop the oldest rather than growing unboundedly or
		// blocking the caller's stdout-handling goroutine.
		sl.pending = sl.pending[1:]
	}
	sl.pending = append(sl.pending, line)
	shouldFlush := len(sl.pending) >= sl.maxBatch
	sl.mu.Unlock()

	if shouldFlush {
		sl.flush()
	}
}

func (sl *SessionLogger) flushLoop() {
	defer sl.wg.Done()
	ticker := time.NewTicker(sl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sl.done:
			return
		case <-ticker.C:
			sl.flush()
		}
	}
}

func (sl *SessionLogger) flush() {
	sl.mu.Lock()
	if len(sl.pending) == 0 {
		sl.mu.Unlock()
		return
	}
	batch := sl.pending
	sl.pending = nil
	sl.mu.Unlock()

	for _, line := range batch {
		if _, err := sl.file.Write(append(line, '\n')); err != nil {
			sl.logger.Error("failed to write session log line", zap.Error(err))
			continue
		}
		if sl.pub != nil {
			sl.pub.Publish(line)
		}
	}
}

// Close flushes any remaining buffered lines and closes the file.
func (sl *SessionLogger) Close() error {
	close(sl.done)
	sl.wg.Wait()
	sl.flush()
	return sl.file.Close()
}

// Path returns the path this logger writes to, for tests/inspection.
func (sl *SessionLogger) Path() string {
	return sl.path
}
