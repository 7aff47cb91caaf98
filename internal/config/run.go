package config

import (
	"fmt"
	"sort"
	"strings"
)

// RunConfig is the per-run selection handed to the orchestrator.
type RunConfig struct {
	AppName       string
	ToolNames     map[string]bool // empty means every constrained tool
	MaxIterations int
	ModelID       string
	ProviderID    string
}

// RunConfig derives the run selection from the loaded configuration.
// appName falls back to c.App; tools may be empty.
func (c *Config) RunConfig(appName string, tools []string) RunConfig {
	if appName == "" {
		appName = c.App
	}
	return RunConfig{
		AppName:       appName,
		ToolNames:     ToolSet(tools),
		MaxIterations: c.Pipeline.MaxIterations,
		ModelID:       c.LLM.Model,
		ProviderID:    c.LLM.Provider,
	}
}

// ToolSet builds a set from names, splitting comma separated entries.
func ToolSet(names []string) map[string]bool {
	set := make(map[string]bool)
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			if part = strings.TrimSpace(part); part != "" {
				set[part] = true
			}
		}
	}
	return set
}

// Selected reports whether tool is part of the run.
func (r RunConfig) Selected(tool string) bool {
	return len(r.ToolNames) == 0 || r.ToolNames[tool]
}

// SortedTools returns the selected tool names in order.
func (r RunConfig) SortedTools() []string {
	out := make([]string, 0, len(r.ToolNames))
	for n := range r.ToolNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate checks the run selection.
func (r RunConfig) Validate() error {
	if r.MaxIterations < MinIterations || r.MaxIterations > MaxIterationsLimit {
		return fmt.Errorf("max_iterations must be within %d..%d, got %d", MinIterations, MaxIterationsLimit, r.MaxIterations)
	}
	return nil
}
