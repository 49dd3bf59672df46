package trace_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"delegate.run/engine/trace"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNew_OffLevelNeverTouchesDisk(t *testing.T) {
	l, err := trace.New(trace.Options{Level: trace.LevelOff})
	require.NoError(t, err)
	l.TaskStart("task_1", "READER")
	require.NoError(t, l.Close())
}

func TestLog_TruncatesLongFieldsAtBasicLevel(t *testing.T) {
	dir := t.TempDir()
	l, err := trace.New(trace.Options{Dir: dir, SessionID: "s1", Level: trace.LevelBasic, Truncate: 10, Now: fixedClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))})
	require.NoError(t, err)
	defer l.Close()

	l.LLMCall("task_1", "CODER", "model-a", "this is a very long prompt", "short")

	entries := readEntries(t, dir)
	require.Len(t, entries, 1)
	require.Equal(t, "task_1", entries[0].TaskID)
	require.Equal(t, "model-a", entries[0].ModelTag)
	require.Contains(t, entries[0].Data["prompt"], "…")
}

func TestLog_FullLevelKeepsEntireBody(t *testing.T) {
	dir := t.TempDir()
	l, err := trace.New(trace.Options{Dir: dir, SessionID: "s1", Level: trace.LevelFull, Now: fixedClock(time.Now())})
	require.NoError(t, err)
	defer l.Close()

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	l.LLMCall("task_1", "CODER", "model-a", string(long), "")

	entries := readEntries(t, dir)
	require.Len(t, entries, 1)
	require.Equal(t, string(long), entries[0].Data["prompt"])
}

func TestLog_AppendsOneJSONLinePerCall(t *testing.T) {
	dir := t.TempDir()
	l, err := trace.New(trace.Options{Dir: dir, SessionID: "s1", Level: trace.LevelBasic, Now: fixedClock(time.Now())})
	require.NoError(t, err)
	defer l.Close()

	l.TaskStart("task_1", "READER")
	l.ToolCall("task_1", "READER", "fs.read_file", map[string]string{"path": "/a"}, true, 12)
	l.TaskEnd("task_1", "READER", "DONE", 100)

	entries := readEntries(t, dir)
	require.Len(t, entries, 3)
	require.Equal(t, trace.EventTaskStart, entries[0].Type)
	require.Equal(t, trace.EventToolCall, entries[1].Type)
	require.Equal(t, trace.EventTaskEnd, entries[2].Type)
}

func readEntries(t *testing.T, dir string) []trace.Entry {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "trace_*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	var entries []trace.Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e trace.Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}
