package toolgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MemoryState is the in-process store backing the builtin memory tools
// (add_goal, add_feature, update_feature_status, log_progress,
// get_memory_state). It honours caller-supplied ids rather than generating
// its own, so a MEMORY_EXECUTOR task can be retried without creating
// duplicate entries.
type MemoryState struct {
	mu       sync.Mutex
	Goals    map[string]string `json:"goals"`
	Features map[string]string `json:"features"`
	Progress []string          `json:"progress"`
}

// NewMemoryState constructs an empty MemoryState.
func NewMemoryState() *MemoryState {
	return &MemoryState{Goals: map[string]string{}, Features: map[string]string{}}
}

// BuiltinInvoker implements Invoker for the delegation engine's own builtin
// tools: path validation, a Python sandbox placeholder, artifact generators,
// and memory operations. It exists alongside, not instead of, an MCP-backed
// Invoker: a caller typically composes the two behind a Gateway that treats
// them as a single tool surface, or runs BuiltinInvoker standalone for tests.
type BuiltinInvoker struct {
	// WorkDir is the root every relative path is resolved against.
	WorkDir string
	// AllowCreate permits validate_file_path to succeed for paths that do
	// not yet exist (needed for write/create tasks).
	AllowCreate bool
	// PythonSandbox executes code submitted to execute_python_code. Required
	// for SHELL_EXECUTOR batch tasks; nil makes the tool always fail closed.
	PythonSandbox PythonSandbox

	memory *MemoryState
}

// PythonSandbox runs a short Python program with a tools.call(name, **kwargs)
// builtin bound to the caller's Invoker. The delegation engine treats its
// implementation as a replaceable detail (subprocess interpreter, WASM
// runtime, remote execution service); BuiltinInvoker only defines the
// contract.
type PythonSandbox interface {
	Run(ctx context.Context, code string) (string, error)
}

// NewBuiltinInvoker constructs a BuiltinInvoker rooted at workDir.
func NewBuiltinInvoker(workDir string, allowCreate bool, sandbox PythonSandbox, memory *MemoryState) *BuiltinInvoker {
	if memory == nil {
		memory = NewMemoryState()
	}
	return &BuiltinInvoker{WorkDir: workDir, AllowCreate: allowCreate, PythonSandbox: sandbox, memory: memory}
}

// ListTools returns the fixed builtin tool surface.
func (b *BuiltinInvoker) ListTools(context.Context) ([]ToolDescriptor, error) {
	return []ToolDescriptor{
		{
			Name:        "builtin.validate_file_path",
			Category:    "filesystem",
			Description: "Resolves a path relative to the working directory and returns its locked absolute form.",
			ArgSchema:   schemaValidatePath,
		},
		{
			Name:        "builtin.execute_python_code",
			Category:    "shell",
			Description: "Runs a short Python program with tools.call(name, **kwargs) bound to the active tool surface.",
			ArgSchema:   schemaExecutePython,
		},
		{Name: "builtin.generate_form", Category: "artifact", Description: "Returns a form artifact block.", ArgSchema: schemaArtifact, ProducesArtifact: true},
		{Name: "builtin.generate_chart", Category: "artifact", Description: "Returns a chart artifact block.", ArgSchema: schemaArtifact, ProducesArtifact: true},
		{Name: "builtin.generate_spreadsheet", Category: "artifact", Description: "Returns a spreadsheet artifact block.", ArgSchema: schemaArtifact, ProducesArtifact: true},
		{Name: "builtin.add_goal", Category: "memory", Description: "Records a goal under a caller-supplied id.", ArgSchema: schemaMemoryIDValue},
		{Name: "builtin.add_feature", Category: "memory", Description: "Records a feature under a caller-supplied id.", ArgSchema: schemaMemoryIDValue},
		{Name: "builtin.update_feature_status", Category: "memory", Description: "Updates the status of a previously recorded feature.", ArgSchema: schemaMemoryIDValue},
		{Name: "builtin.log_progress", Category: "memory", Description: "Appends a progress note.", ArgSchema: schemaProgress},
		{Name: "builtin.get_memory_state", Category: "memory", Description: "Returns the current memory snapshot.", ArgSchema: nil},
	}, nil
}

// Call dispatches to the named builtin tool.
func (b *BuiltinInvoker) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "builtin.validate_file_path":
		return b.validateFilePath(args)
	case "builtin.execute_python_code":
		return b.executePythonCode(ctx, args)
	case "builtin.generate_form", "builtin.generate_chart", "builtin.generate_spreadsheet":
		return b.generateArtifact(name, args)
	case "builtin.add_goal":
		return b.memoryPut(&b.memory.Goals, args)
	case "builtin.add_feature":
		return b.memoryPut(&b.memory.Features, args)
	case "builtin.update_feature_status":
		return b.memoryPut(&b.memory.Features, args)
	case "builtin.log_progress":
		return b.logProgress(args)
	case "builtin.get_memory_state":
		return b.getMemoryState()
	default:
		return nil, fmt.Errorf("builtin: unknown tool %q", name)
	}
}

type validatePathArgs struct {
	Path            string `json:"path"`
	TaskDescription string `json:"task_description"`
}

func (b *BuiltinInvoker) validateFilePath(args json.RawMessage) (json.RawMessage, error) {
	var a validatePathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("decode validate_file_path args: %w", err)
	}
	abs := a.Path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(b.WorkDir, abs)
	}
	abs = filepath.Clean(abs)
	if _, err := os.Stat(abs); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", abs, err)
		}
		if !b.AllowCreate {
			return nil, fmt.Errorf("path %s does not exist", abs)
		}
	}
	return json.Marshal(map[string]string{"locked_path": abs})
}

type executePythonArgs struct {
	Code string `json:"code"`
}

func (b *BuiltinInvoker) executePythonCode(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var a executePythonArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("decode execute_python_code args: %w", err)
	}
	if b.PythonSandbox == nil {
		return nil, fmt.Errorf("no python sandbox configured")
	}
	out, err := b.PythonSandbox.Run(ctx, a.Code)
	if err != nil {
		return nil, fmt.Errorf("python sandbox: %w", err)
	}
	return json.Marshal(map[string]string{"output": out})
}

// generateArtifact returns the fenced artifact block form
// ("```artifact:<kind>\n<json>\n```") directly, rather than a bare JSON
// payload, so the result can flow verbatim through the executor and into
// aggregator's artifact-passthrough path without any downstream caller
// having to know to fence it itself.
func (b *BuiltinInvoker) generateArtifact(name string, args json.RawMessage) (json.RawMessage, error) {
	kind := map[string]string{
		"builtin.generate_form":        "form",
		"builtin.generate_chart":       "chart",
		"builtin.generate_spreadsheet": "spreadsheet",
	}[name]
	var spec map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &spec); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", name, err)
		}
	}
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode %s spec: %w", name, err)
	}
	return json.RawMessage(fmt.Sprintf("```artifact:%s\n%s\n```", kind, body)), nil
}

type memoryIDValueArgs struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func (b *BuiltinInvoker) memoryPut(target *map[string]string, args json.RawMessage) (json.RawMessage, error) {
	var a memoryIDValueArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("decode memory args: %w", err)
	}
	if a.ID == "" {
		return nil, fmt.Errorf("memory op requires a caller-supplied id")
	}
	b.memory.mu.Lock()
	(*target)[a.ID] = a.Value
	b.memory.mu.Unlock()
	return json.Marshal(map[string]bool{"ok": true})
}

type logProgressArgs struct {
	Note string `json:"note"`
}

func (b *BuiltinInvoker) logProgress(args json.RawMessage) (json.RawMessage, error) {
	var a logProgressArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("decode log_progress args: %w", err)
	}
	b.memory.mu.Lock()
	b.memory.Progress = append(b.memory.Progress, a.Note)
	b.memory.mu.Unlock()
	return json.Marshal(map[string]bool{"ok": true})
}

func (b *BuiltinInvoker) getMemoryState() (json.RawMessage, error) {
	b.memory.mu.Lock()
	defer b.memory.mu.Unlock()
	return json.Marshal(b.memory)
}

var (
	schemaValidatePath = json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"task_description": {"type": "string"}
		},
		"required": ["path"]
	}`)
	schemaExecutePython = json.RawMessage(`{
		"type": "object",
		"properties": {"code": {"type": "string"}},
		"required": ["code"]
	}`)
	schemaArtifact = json.RawMessage(`{"type": "object"}`)
	schemaMemoryIDValue = json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"value": {"type": "string"}
		},
		"required": ["id", "value"]
	}`)
	schemaProgress = json.RawMessage(`{
		"type": "object",
		"properties": {"note": {"type": "string"}},
		"required": ["note"]
	}`)
)
