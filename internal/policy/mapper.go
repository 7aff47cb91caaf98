// Package policy loads business policy documents and maps their clauses to
// the catalog tools they constrain.
//
// Mapping runs in two passes. The short pass shows the generator batches of
// tool summaries and asks which of them the document constrains. The resolve
// pass then asks, tool by tool, for the exact governing text, the verbatim
// references it came from, the other tools a guard would need to consult,
// and example compliant and violating calls.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"toolguard/internal/catalog"
	"toolguard/internal/codegen"
	"toolguard/internal/logging"
	"toolguard/pkg/guardrt"
)

// ErrNoTools is returned when Map is called without tools.
var ErrNoTools = errors.New("no tools to map")

// DefaultBatchSize is the number of tools shown per short-pass request.
const DefaultBatchSize = 12

// Item is the portion of a policy governing one tool.
type Item struct {
	ToolName           string   `yaml:"tool" json:"tool"`
	PolicyText         string   `yaml:"policy_text" json:"policy_text"`
	References         []string `yaml:"references,omitempty" json:"references,omitempty"`
	DependentToolNames []string `yaml:"dependent_tools,omitempty" json:"dependent_tools,omitempty"`
	ComplianceExamples []string `yaml:"compliance_examples,omitempty" json:"compliance_examples,omitempty"`
	ViolationExamples  []string `yaml:"violation_examples,omitempty" json:"violation_examples,omitempty"`
}

// Mapper turns a policy document into per-tool Items.
type Mapper struct {
	gen       codegen.Generator
	batchSize int
}

// NewMapper creates a mapper. batchSize <= 0 uses DefaultBatchSize.
func NewMapper(gen codegen.Generator, batchSize int) *Mapper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Mapper{gen: gen, batchSize: batchSize}
}

type mapOptions struct {
	targets map[string]bool
}

// Option customizes one Map call.
type Option func(*mapOptions)

// WithTargets restricts which tools may receive items. Every tool passed to
// Map stays a valid dependent.
func WithTargets(names ...string) Option {
	return func(o *mapOptions) {
		if len(names) == 0 {
			return
		}
		if o.targets == nil {
			o.targets = make(map[string]bool, len(names))
		}
		for _, n := range names {
			o.targets[n] = true
		}
	}
}

type shortResponse struct {
	Matches []struct {
		Tool    string   `json:"tool"`
		Clauses []string `json:"clauses"`
	} `json:"matches"`
}

type resolveResponse struct {
	Applies            *bool    `json:"applies"`
	PolicyText         string   `json:"policy_text"`
	Clauses            []string `json:"clauses"`
	References         []string `json:"references"`
	DependentTools     []string `json:"dependent_tools"`
	ComplianceExamples []string `json:"compliance_examples"`
	ViolationExamples  []string `json:"violation_examples"`
}

// Map returns one Item per tool the policy constrains, in tool order. Tools
// the policy does not mention, or whose text cannot be grounded in the
// document, get no item. Generator errors abort the whole mapping.
func (m *Mapper) Map(ctx context.Context, policyText string, tools []catalog.ToolInfo, opts ...Option) ([]Item, error) {
	if strings.TrimSpace(policyText) == "" {
		return nil, ErrEmptyPolicy
	}
	if len(tools) == 0 {
		return nil, ErrNoTools
	}
	var o mapOptions
	for _, opt := range opts {
		opt(&o)
	}

	timer := logging.StartTimer(logging.CategoryMapper, "Map")
	defer timer.Stop()

	known := make(map[string]catalog.ToolInfo, len(tools))
	var order, eligible []catalog.ToolInfo
	for _, t := range tools {
		if _, dup := known[t.Name]; dup {
			continue
		}
		known[t.Name] = t
		order = append(order, t)
		if o.targets == nil || o.targets[t.Name] {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		logging.MapperWarn("none of the requested targets are catalog tools")
		return nil, nil
	}

	candidates, err := m.shortPass(ctx, policyText, eligible, known)
	if err != nil {
		return nil, err
	}
	logging.Mapper("short pass: %d/%d tools are candidates", len(candidates), len(eligible))

	resolved := make([]*Item, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range eligible {
		clauses, ok := candidates[t.Name]
		if !ok {
			continue
		}
		g.Go(func() error {
			item, err := m.resolve(gctx, policyText, t, clauses, order)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", t.Name, err)
			}
			resolved[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var items []Item
	for _, it := range resolved {
		if it != nil {
			items = append(items, *it)
		}
	}
	logging.Mapper("mapped %d policy items", len(items))
	return items, nil
}

// shortPass returns candidate tool names with the clauses the generator
// associated with them.
func (m *Mapper) shortPass(ctx context.Context, policyText string, eligible []catalog.ToolInfo, known map[string]catalog.ToolInfo) (map[string][]string, error) {
	var (
		mu         sync.Mutex
		candidates = make(map[string][]string)
	)
	allowed := make(map[string]bool, len(eligible))
	for _, t := range eligible {
		allowed[t.Name] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	for start, n := 0, 0; start < len(eligible); start, n = start+m.batchSize, n+1 {
		batch := eligible[start:min(start+m.batchSize, len(eligible))]
		g.Go(func() error {
			text, err := m.gen.Generate(gctx, shortPrompt(policyText, batch))
			if err != nil {
				return fmt.Errorf("short pass batch %d: %w", n, err)
			}
			var resp shortResponse
			if err := codegen.DecodeJSON(text, &resp); err != nil {
				logging.MapperWarn("short pass batch %d: malformed response, treating as no match: %v", n, err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, match := range resp.Matches {
				name, ok := canonicalName(match.Tool, known)
				if !ok || !allowed[name] {
					logging.MapperDebug("short pass batch %d: dropping unknown tool %q", n, match.Tool)
					continue
				}
				candidates[name] = append(candidates[name], match.Clauses...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (m *Mapper) resolve(ctx context.Context, policyText string, tool catalog.ToolInfo, hints []string, all []catalog.ToolInfo) (*Item, error) {
	text, err := m.gen.Generate(ctx, resolvePrompt(policyText, tool, hints, all))
	if err != nil {
		return nil, err
	}
	var resp resolveResponse
	if err := codegen.DecodeJSON(text, &resp); err != nil {
		logging.MapperWarn("%s: malformed resolve response, treating as no match: %v", tool.Name, err)
		return nil, nil
	}
	if resp.Applies != nil && !*resp.Applies {
		logging.MapperDebug("%s: policy does not apply", tool.Name)
		return nil, nil
	}

	refs := groundReferences(policyText, resp.References)
	clauses := dedupe(append([]string{resp.PolicyText}, resp.Clauses...))
	if len(resp.References) > 0 && len(refs) == 0 {
		// None of the cited passages exist, so only verbatim text survives.
		clauses = groundReferences(policyText, clauses)
	}
	if len(clauses) == 0 {
		clauses = refs
	}
	if len(clauses) == 0 {
		logging.MapperDebug("%s: no policy text and no grounded reference", tool.Name)
		return nil, nil
	}

	known := make(map[string]catalog.ToolInfo, len(all))
	for _, t := range all {
		known[t.Name] = t
	}
	return &Item{
		ToolName:           tool.Name,
		PolicyText:         strings.Join(clauses, "\n\n"),
		References:         refs,
		DependentToolNames: dependents(tool.Name, resp.DependentTools, known),
		ComplianceExamples: dedupe(resp.ComplianceExamples),
		ViolationExamples:  dedupe(resp.ViolationExamples),
	}, nil
}

// canonicalName resolves a generator-supplied tool name against the
// catalog, accepting the Go method spelling as well.
func canonicalName(name string, known map[string]catalog.ToolInfo) (string, bool) {
	name = strings.TrimSpace(name)
	if _, ok := known[name]; ok {
		return name, true
	}
	if snake := guardrt.Snake(name); snake != name {
		if _, ok := known[snake]; ok {
			return snake, true
		}
	}
	return "", false
}

func dependents(self string, names []string, known map[string]catalog.ToolInfo) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		name, ok := canonicalName(n, known)
		if !ok || name == self || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// groundReferences keeps references that occur in the document, ignoring
// case and whitespace differences.
func groundReferences(doc string, refs []string) []string {
	normDoc := normalize(doc)
	var out []string
	for _, ref := range dedupe(refs) {
		trimmed := strings.Trim(ref, "\"'`")
		if trimmed == "" {
			continue
		}
		if !strings.Contains(normDoc, normalize(trimmed)) {
			logging.MapperDebug("dropping ungrounded reference %q", ref)
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// dedupe trims entries and drops empty and repeated ones, keeping the first
// appearance.
func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := normalize(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
