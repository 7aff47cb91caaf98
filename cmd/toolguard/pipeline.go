package main

import (
	"fmt"

	"toolguard/internal/catalog"
	"toolguard/internal/codegen"
	"toolguard/internal/config"
	"toolguard/internal/policy"
	"toolguard/internal/repair"
	"toolguard/internal/store"
	"toolguard/internal/synth"
	"toolguard/internal/verify"
)

// allowedImports is the built-in allowlist plus configured extras.
func allowedImports(c *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append(verify.DefaultAllowedImports(), c.Verify.AllowedImports...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func newVerifier(c *config.Config, cat *catalog.Catalog) (*verify.Verifier, error) {
	return verify.New(verify.Options{
		Catalog:        cat,
		FixturesDir:    c.Verify.FixturesDir,
		AllowedImports: allowedImports(c),
		TestTimeout:    c.GetTestTimeout(),
	})
}

// buildOrchestrator wires mapper, synthesizer, verifier and artifact tree
// around gen. recorder may be nil.
func buildOrchestrator(c *config.Config, cat *catalog.Catalog, gen codegen.Generator, recorder repair.Recorder, runID string) (*repair.Orchestrator, error) {
	v, err := newVerifier(c, cat)
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}
	mapper := policy.NewMapper(gen, c.Pipeline.BatchSize)
	s := synth.New(gen, synth.Options{
		AllowedImports: allowedImports(c),
		MaxTokens:      c.LLM.MaxTokens,
	})
	tree := store.NewArtifactTree(c.Output.Dir)
	return repair.NewOrchestrator(mapper, s, v, tree, recorder, repair.Options{
		RunID:           runID,
		Concurrency:     c.Pipeline.Concurrency,
		GenerateTimeout: c.GetGenerateTimeout(),
		VerifyTimeout:   c.GetVerifyTimeout(),
		SkipPassed:      c.Output.SkipPassed,
	}), nil
}
