package repair

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"toolguard/internal/catalog"
	"toolguard/internal/config"
	"toolguard/internal/logging"
	"toolguard/internal/policy"
	"toolguard/internal/synth"
)

// Mapper maps a policy document to per-tool items.
type Mapper interface {
	Map(ctx context.Context, policyText string, tools []catalog.ToolInfo, opts ...policy.Option) ([]policy.Item, error)
}

// Recorder receives run results, typically the SQLite run log.
type Recorder interface {
	RecordOutcome(ctx context.Context, a *GuardArtifact) error
	FinishRun(ctx context.Context, r *Report) error
}

// Options configure an Orchestrator.
type Options struct {
	RunID           string
	Concurrency     int
	GenerateTimeout time.Duration
	VerifyTimeout   time.Duration
	SkipPassed      bool
}

// Orchestrator runs the whole pipeline for one catalog.
type Orchestrator struct {
	mapper   Mapper
	synth    Synthesizer
	verifier Verifier
	store    ArtifactStore
	recorder Recorder
	opts     Options
}

// NewOrchestrator wires the pipeline. store and recorder may be nil.
func NewOrchestrator(m Mapper, s Synthesizer, v Verifier, store ArtifactStore, recorder Recorder, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Orchestrator{mapper: m, synth: s, verifier: v, store: store, recorder: recorder, opts: opts}
}

// Run maps policyText onto the catalog and synthesizes a guard for every
// selected tool the policy constrains. It fails only when mapping fails or
// ctx ends before mapping completes; otherwise every tool gets an outcome.
func (o *Orchestrator) Run(ctx context.Context, rc config.RunConfig, policyText string, cat *catalog.Catalog) (*Report, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report := &Report{
		RunID:     o.opts.RunID,
		App:       rc.AppName,
		Provider:  rc.ProviderID,
		Model:     rc.ModelID,
		StartedAt: time.Now(),
	}
	logging.Repair("run %s: app=%s tools=%v max_iterations=%d", report.RunID, rc.AppName, rc.SortedTools(), rc.MaxIterations)

	for name := range rc.ToolNames {
		if !cat.Has(name) {
			return nil, fmt.Errorf("%w: %s", catalog.ErrUnknownTool, name)
		}
	}

	var mapOpts []policy.Option
	if len(rc.ToolNames) > 0 {
		mapOpts = append(mapOpts, policy.WithTargets(rc.SortedTools()...))
	}
	items, err := o.mapper.Map(ctx, policyText, cat.Tools, mapOpts...)
	if err != nil {
		return nil, fmt.Errorf("map policy: %w", err)
	}
	items = mergeItems(items)
	report.Items = len(items)

	var machines []*Machine
	for _, item := range items {
		if !rc.Selected(item.ToolName) || !cat.Has(item.ToolName) {
			continue
		}
		if reused := o.reuse(ctx, item); reused != nil {
			report.add(reused, "")
			continue
		}
		machines = append(machines, NewMachine(o.request(cat, item), Limits{
			MaxIterations:   rc.MaxIterations,
			GenerateTimeout: o.opts.GenerateTimeout,
			VerifyTimeout:   o.opts.VerifyTimeout,
		}, o.synth, o.verifier, o.store))
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, m := range machines {
		g.Go(func() error {
			a := m.Run(ctx)
			if o.recorder != nil && a.Status != StatusCancelled {
				if err := o.recorder.RecordOutcome(context.WithoutCancel(ctx), a); err != nil {
					logging.RepairWarn("%s: record outcome: %v", a.ToolName, err)
				}
			}
			mu.Lock()
			report.add(a, m.Path())
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.sort()
	report.FinishedAt = time.Now()
	report.Cancelled = ctx.Err() != nil
	if o.recorder != nil {
		if err := o.recorder.FinishRun(context.WithoutCancel(ctx), report); err != nil {
			logging.RepairWarn("run %s: finish: %v", report.RunID, err)
		}
	}
	logging.Repair("run %s: %s", report.RunID, report.Summary())
	return report, nil
}

// reuse returns the stored passed guard for item when it was synthesized
// from the same policy text and still passes verification.
func (o *Orchestrator) reuse(ctx context.Context, item policy.Item) *GuardArtifact {
	if !o.opts.SkipPassed || o.store == nil {
		return nil
	}
	tool := item.ToolName
	a, err := o.store.LoadPassed(tool)
	if err != nil || a == nil {
		return nil
	}
	if strings.TrimSpace(a.PolicyText) != strings.TrimSpace(item.PolicyText) {
		logging.Repair("%s: policy text changed since the stored guard, regenerating", tool)
		return nil
	}

	vctx := ctx
	if o.opts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, o.opts.VerifyTimeout)
		defer cancel()
	}
	if comments := o.verifier.Verify(vctx, a.SourceCode, tool); len(comments) > 0 {
		logging.Repair("%s: stored guard no longer verifies (%d comments), regenerating", tool, len(comments))
		return nil
	}
	a.Reused = true
	logging.Repair("%s: reusing passed artifact", tool)
	return a
}

func (o *Orchestrator) request(cat *catalog.Catalog, item policy.Item) synth.Request {
	tool, _ := cat.Lookup(item.ToolName)
	var deps []catalog.ToolInfo
	for _, name := range item.DependentToolNames {
		if d, err := cat.Lookup(name); err == nil {
			deps = append(deps, d)
		}
	}
	return synth.Request{
		Domain:         cat.Domain,
		PolicyText:     item.PolicyText,
		Tool:           tool,
		DependentTools: deps,
		Item:           item,
	}
}

// mergeItems folds several items for the same tool into one: policy text is
// concatenated, lists are unioned, first appearance order is kept.
func mergeItems(items []policy.Item) []policy.Item {
	index := make(map[string]int)
	var out []policy.Item
	for _, it := range items {
		i, ok := index[it.ToolName]
		if !ok {
			index[it.ToolName] = len(out)
			out = append(out, it)
			continue
		}
		m := &out[i]
		if text := strings.TrimSpace(it.PolicyText); text != "" && !strings.Contains(m.PolicyText, text) {
			m.PolicyText = strings.TrimSpace(m.PolicyText + "\n\n" + text)
		}
		m.References = union(m.References, it.References)
		m.DependentToolNames = union(m.DependentToolNames, it.DependentToolNames)
		sort.Strings(m.DependentToolNames)
		m.ComplianceExamples = union(m.ComplianceExamples, it.ComplianceExamples)
		m.ViolationExamples = union(m.ViolationExamples, it.ViolationExamples)
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			a = append(a, s)
		}
	}
	return a
}
