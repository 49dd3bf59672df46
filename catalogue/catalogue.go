// Package catalogue is the source of truth for agent role definitions
// (AgentCatalogue in the delegation engine design). It loads one YAML file
// per role from a directory at startup and exposes a read-only lookup; there
// is no runtime mutation once Load returns.
package catalogue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"delegate.run/engine/errs"
)

type (
	// OutputFormat constrains how an agent's final response is structured.
	OutputFormat string

	// AgentDef is the immutable identity, prompt, tool surface, and execution
	// limits for one role. Definitions are loaded once from disk and never
	// mutated afterward; AgentExecutor and PlanValidator both treat an
	// AgentDef as a value type.
	AgentDef struct {
		// AgentType is the role name, e.g. "PLANNER", "SHELL_EXECUTOR". Matches
		// Task.Role and is the catalogue lookup key.
		AgentType string `yaml:"agent_type"`
		// DisplayName is a human-readable label for UIs and traces.
		DisplayName string `yaml:"display_name"`
		// Description summarizes what the role is for.
		Description string `yaml:"description"`
		// SystemPrompt is the role's base prompt template, rendered by
		// PromptContextBuilder alongside environmental context.
		SystemPrompt string `yaml:"system_prompt"`
		// DefaultTools lists fully-qualified tool names ("server.tool") always
		// available to this role regardless of category membership.
		DefaultTools []string `yaml:"default_tools"`
		// AllowedToolCategories lists tool categories this role may invoke in
		// addition to DefaultTools.
		AllowedToolCategories []string `yaml:"allowed_tool_categories"`
		// ForbiddenTools lists fully-qualified tool names this role may never
		// invoke, overriding DefaultTools/AllowedToolCategories.
		ForbiddenTools []string `yaml:"forbidden_tools"`
		// MaxContextTokens bounds the prompt context assembled for this role.
		MaxContextTokens int `yaml:"max_context_tokens"`
		// LoopLimit is the hard upper bound on AgentExecutor loop iterations
		// for tasks assigned to this role.
		LoopLimit int `yaml:"loop_limit"`
		// Temperature is the sampling temperature used for model calls. Low
		// for rule-adherent roles (PLANNER uses 0.1), higher for creative ones.
		Temperature float64 `yaml:"temperature"`
		// OutputFormat is "text" or "json".
		OutputFormat OutputFormat `yaml:"output_format"`
		// PlanningHints carries free-text guidance the Planner uses when
		// deciding whether to route a task to this role.
		PlanningHints string `yaml:"planning_hints"`
		// PreferredModel is the model tag ModelRouter should prefer on attempt
		// zero for this role. Empty means use the router's default.
		PreferredModel string `yaml:"preferred_model"`
		// MinCapabilityScore is the minimum ModelRouter capability score a
		// model must have to serve this role.
		MinCapabilityScore float64 `yaml:"min_capability_score"`
	}

	// Catalogue is the read-only, load-once registry of AgentDefs.
	Catalogue struct {
		defs map[string]AgentDef
	}
)

// Load reads every *.yaml/*.yml file in dir as an AgentDef and returns a
// Catalogue. It fails if dir is unreadable, a file fails to parse, a
// required field (AgentType, LoopLimit) is missing, or two files declare the
// same AgentType.
func Load(dir string) (*Catalogue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknownRole, fmt.Errorf("read catalogue dir %q: %w", dir, err))
	}
	defs := make(map[string]AgentDef)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var def AgentDef
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := validateDef(def); err != nil {
			return nil, fmt.Errorf("invalid agent definition %s: %w", path, err)
		}
		if _, dup := defs[def.AgentType]; dup {
			return nil, fmt.Errorf("duplicate agent_type %q (in %s)", def.AgentType, path)
		}
		defs[def.AgentType] = def
	}
	return &Catalogue{defs: defs}, nil
}

// New builds a Catalogue directly from a slice of AgentDefs, useful for
// tests and for embedding a reference catalogue without touching disk.
func New(defs []AgentDef) (*Catalogue, error) {
	out := make(map[string]AgentDef, len(defs))
	for _, def := range defs {
		if err := validateDef(def); err != nil {
			return nil, err
		}
		if _, dup := out[def.AgentType]; dup {
			return nil, fmt.Errorf("duplicate agent_type %q", def.AgentType)
		}
		out[def.AgentType] = def
	}
	return &Catalogue{defs: out}, nil
}

func validateDef(def AgentDef) error {
	if strings.TrimSpace(def.AgentType) == "" {
		return fmt.Errorf("agent_type is required")
	}
	if def.LoopLimit <= 0 {
		return fmt.Errorf("agent %q: loop_limit must be > 0", def.AgentType)
	}
	return nil
}

// Get returns the AgentDef for role, or an *errs.Error of kind
// KindUnknownRole if the role is not in the catalogue.
func (c *Catalogue) Get(role string) (AgentDef, error) {
	def, ok := c.defs[role]
	if !ok {
		return AgentDef{}, errs.Errorf(errs.KindUnknownRole, "unknown role %q", role)
	}
	return def, nil
}

// Has reports whether role is a known catalogue entry.
func (c *Catalogue) Has(role string) bool {
	_, ok := c.defs[role]
	return ok
}

// All returns every AgentDef in the catalogue, sorted by AgentType for
// deterministic iteration (trace output, tests).
func (c *Catalogue) All() []AgentDef {
	out := make([]AgentDef, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	return out
}
