// Package trace implements TraceLogger: a per-plan JSONL event stream
// recording every planning, scheduling, model, tool, and aggregation event
// for later audit or replay. Writes are serialized through a single writer
// per plan so concurrent tasks never interleave partial lines.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level controls how much of a prompt/response body a logger keeps.
type Level string

const (
	LevelOff     Level = "off"
	LevelSummary Level = "summary"
	LevelBasic   Level = "basic"
	LevelFull    Level = "full"
	LevelDebug   Level = "debug"
)

// EventType enumerates the entry kinds §4.11 names.
type EventType string

const (
	EventPlanningPhase    EventType = "planning_phase"
	EventPlanValidated    EventType = "plan_validated"
	EventPlanRejected     EventType = "plan_rejected"
	EventTaskStart        EventType = "task_start"
	EventLLMCall          EventType = "llm_call"
	EventToolCall         EventType = "tool_call"
	EventValidatorVerdict EventType = "validator_verdict"
	EventEscalation       EventType = "escalation"
	EventTaskEnd          EventType = "task_end"
	EventAggregation      EventType = "aggregation"
)

// Entry is one JSONL line. Fields beyond the common envelope are carried in
// Data, keyed per event type (e.g. "prompt"/"response" for llm_call,
// "name"/"args"/"success"/"duration_ms" for tool_call).
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Role      string         `json:"role,omitempty"`
	ModelTag  string         `json:"model_tag,omitempty"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Logger appends Entry values to one JSONL trace file per plan.
type Logger struct {
	mu       sync.Mutex
	f        *os.File
	enc      *json.Encoder
	level    Level
	truncate int

	sessionID string
	now       func() time.Time
}

// Options configures a Logger.
type Options struct {
	Dir       string
	SessionID string
	Level     Level
	Truncate  int
	// Now overrides the clock; defaults to time.Now. Tests inject a fixed clock.
	Now func() time.Time
}

// New opens (creating if needed) a trace file named
// trace_YYYYMMDD_HHMMSS.json under Dir, named from the open time. An
// Options with Level LevelOff returns a Logger whose every call is a cheap
// no-op; an empty Level means LevelBasic, which requires Dir.
func New(opts Options) (*Logger, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	level := opts.Level
	if level == "" {
		level = LevelBasic
	}
	truncate := opts.Truncate
	if truncate <= 0 {
		truncate = 500
	}
	l := &Logger{level: level, truncate: truncate, sessionID: opts.SessionID, now: now}
	if level == LevelOff {
		return l, nil
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("trace: dir is required unless level is off")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("trace: create dir %q: %w", opts.Dir, err)
	}
	name := fmt.Sprintf("trace_%s.json", now().Format("20060102_150405"))
	f, err := os.OpenFile(filepath.Join(opts.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: open %q: %w", name, err)
	}
	l.f = f
	l.enc = json.NewEncoder(f)
	return l, nil
}

// Close closes the underlying file, if one was opened.
func (l *Logger) Close() error {
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}

// Log appends one entry, stamping Timestamp and SessionID, truncating any
// "prompt"/"response" fields in Data to the configured length unless level
// is full or debug.
func (l *Logger) Log(typ EventType, taskID, role, modelTag string, data map[string]any) {
	if l.level == LevelOff || l.enc == nil {
		return
	}
	entry := Entry{
		Timestamp: l.now(),
		SessionID: l.sessionID,
		TaskID:    taskID,
		Role:      role,
		ModelTag:  modelTag,
		Type:      typ,
		Data:      l.truncateData(data),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(entry)
}

func (l *Logger) truncateData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	if l.level == LevelFull || l.level == LevelDebug {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok && (k == "prompt" || k == "response") {
			out[k] = truncateString(s, l.truncate)
			continue
		}
		out[k] = v
	}
	return out
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// TaskStart is a convenience wrapper for EventTaskStart.
func (l *Logger) TaskStart(taskID, role string) {
	l.Log(EventTaskStart, taskID, role, "", nil)
}

// TaskEnd is a convenience wrapper for EventTaskEnd.
func (l *Logger) TaskEnd(taskID, role, status string, durationMS int64) {
	l.Log(EventTaskEnd, taskID, role, "", map[string]any{"status": status, "duration_ms": durationMS})
}

// LLMCall is a convenience wrapper for EventLLMCall.
func (l *Logger) LLMCall(taskID, role, modelTag, prompt, response string) {
	l.Log(EventLLMCall, taskID, role, modelTag, map[string]any{"prompt": prompt, "response": response})
}

// ToolCall is a convenience wrapper for EventToolCall.
func (l *Logger) ToolCall(taskID, role, name string, args any, success bool, durationMS int64) {
	l.Log(EventToolCall, taskID, role, "", map[string]any{
		"name": name, "args": args, "success": success, "duration_ms": durationMS,
	})
}
