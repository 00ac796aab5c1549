package observability

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev-core/internal/logging"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestFilePathReplacesColonsAndDotsInTimestamp(t *testing.T) {
	meta := Meta{
		SessionTag: "tag-1",
		Provider:   "docker",
		SandboxID:  "sbx-abc",
		Agent:      "claude-code",
		StartedAt:  time.Date(2026, 7, 31, 10, 20, 30, 123456789, time.UTC),
	}

	path := FilePath("/obs-root", meta)
	assert.Equal(t, filepath.Join("/obs-root", "sessions"), filepath.Dir(path))

	base := filepath.Base(path)
	assert.NotContains(t, base, ":")
	stem := base[:len(base)-len(".jsonl")]
	assert.NotContains(t, stem, ".")
}

func TestOpenWritesMetaLineFirst(t *testing.T) {
	root := t.TempDir()
	meta := Meta{SessionTag: "tag-1", Provider: "docker", SandboxID: "sbx-1", Agent: "claude-code", StartedAt: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)}

	sl, err := Open(root, meta, logging.Default(), nil)
	require.NoError(t, err)
	require.NoError(t, sl.Close())

	lines := readLines(t, sl.Path())
	require.Len(t, lines, 1)

	var decoded struct {
		Meta Meta `json:"_meta"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, meta.SessionTag, decoded.Meta.SessionTag)
	assert.Equal(t, meta.SandboxID, decoded.Meta.SandboxID)
}

func TestLogPromptAndLogRawAppendInOrder(t *testing.T) {
	root := t.TempDir()
	meta := Meta{SessionTag: "tag-2", Provider: "docker", SandboxID: "sbx-2", Agent: "codex", StartedAt: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)}

	sl, err := Open(root, meta, logging.Default(), nil)
	require.NoError(t, err)

	sl.LogPrompt("do the thing")
	sl.LogRaw(`{"kind":"message_chunk","text":"hi"}`)
	require.NoError(t, sl.Close())

	lines := readLines(t, sl.Path())
	require.Len(t, lines, 3)

	var prompt struct {
		Prompt struct {
			Text string `json:"text"`
		} `json:"_prompt"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &prompt))
	assert.Equal(t, "do the thing", prompt.Prompt.Text)
	assert.JSONEq(t, `{"kind":"message_chunk","text":"hi"}`, lines[2])
}

func TestCloseFlushesLinesBelowBatchThreshold(t *testing.T) {
	root := t.TempDir()
	meta := Meta{SessionTag: "tag-3", Provider: "docker", SandboxID: "sbx-3", Agent: "codex", StartedAt: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)}

	sl, err := Open(root, meta, logging.Default(), nil)
	require.NoError(t, err)
	sl.LogRaw(`{"a":1}`)
	sl.LogRaw(`{"a":2}`)

	// Below maxBatch and shorter than the flush interval: nothing is on
	// disk yet, not even the meta line, which Open only enqueues.
	lines := readLines(t, sl.Path())
	assert.Len(t, lines, 0)

	require.NoError(t, sl.Close())
	lines = readLines(t, sl.Path())
	assert.Len(t, lines, 3)
}

type recordingPublisher struct {
	lines [][]byte
}

func (r *recordingPublisher) Publish(line []byte) {
	r.lines = append(r.lines, append([]byte(nil), line...))
}

func TestPublisherReceivesEveryFlushedLine(t *testing.T) {
	root := t.TempDir()
	meta := Meta{SessionTag: "tag-4", Provider: "docker", SandboxID: "sbx-4", Agent: "codex", StartedAt: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}

	sl, err := Open(root, meta, logging.Default(), pub)
	require.NoError(t, err)
	sl.LogRaw(`{"a":1}`)
	require.NoError(t, sl.Close())

	require.Len(t, pub.lines, 2) // meta line + one raw line
}
