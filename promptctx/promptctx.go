// Package promptctx implements PromptContextBuilder: it assembles the
// message list an AgentExecutor sends to ModelRouter for one task attempt,
// combining the role's system prompt with environmental context, the task
// description, and the filtered tool catalogue — the only place in the
// engine these pieces are stitched together.
package promptctx

import (
	"fmt"
	"strings"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/modelrouter"
	"delegate.run/engine/plan"
	"delegate.run/engine/toolgateway"
)

// ChatMessage is one turn of the session-level chat history window, kept
// across plans within a session (query in, final answer out).
type ChatMessage struct {
	Role    string
	Content string
}

// Environment is the read-only context shared by every task in a plan:
// working directory, a snapshot of prior memory state, and the rolling
// chat-history window.
type Environment struct {
	Cwd             string
	MemorySnapshot  map[string]string
	ChatHistory     []ChatMessage
	MaxHistoryTurns int
}

// Builder turns (AgentDef, Task, Environment, tool list, extra notes) into a
// ModelRouter-ready message slice.
type Builder struct{}

// New constructs a Builder. It carries no state; all inputs are passed to
// Build per call.
func New() *Builder {
	return &Builder{}
}

// Build assembles the message list for one AgentExecutor attempt. extraNotes
// carries QualityValidator feedback or a PlanValidator error appended on
// retry; it is empty on a first attempt.
func (b *Builder) Build(def catalogue.AgentDef, task plan.Task, env Environment, tools []toolgateway.ToolDescriptor, extraNotes string) []modelrouter.Message {
	var sys strings.Builder
	sys.WriteString(def.SystemPrompt)
	sys.WriteString("\n\n## Environment\n")
	fmt.Fprintf(&sys, "Working directory: %s\n", env.Cwd)
	if len(env.MemorySnapshot) > 0 {
		sys.WriteString("Memory snapshot:\n")
		for k, v := range env.MemorySnapshot {
			fmt.Fprintf(&sys, "- %s: %s\n", k, v)
		}
	}
	if len(tools) > 0 {
		sys.WriteString("\n## Available tools\n")
		for _, t := range tools {
			fmt.Fprintf(&sys, "- %s (%s): %s\n", t.Name, t.Category, t.Description)
		}
	}
	if extraNotes != "" {
		sys.WriteString("\n## Additional note\n")
		sys.WriteString(extraNotes)
		sys.WriteString("\n")
	}

	messages := []modelrouter.Message{{Role: "system", Content: sys.String()}}
	messages = append(messages, historyWindow(env.ChatHistory, env.MaxHistoryTurns)...)
	messages = append(messages, modelrouter.Message{Role: "user", Content: task.Description})
	return messages
}

func historyWindow(history []ChatMessage, maxTurns int) []modelrouter.Message {
	if maxTurns <= 0 || len(history) == 0 {
		return nil
	}
	start := 0
	if len(history) > maxTurns {
		start = len(history) - maxTurns
	}
	out := make([]modelrouter.Message, 0, len(history)-start)
	for _, m := range history[start:] {
		out = append(out, modelrouter.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
