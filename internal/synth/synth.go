// Package synth turns a policy item into candidate guard source by prompting
// the generator. A Synthesizer makes exactly one generator call per
// Synthesize; the repair loop decides whether to try again.
package synth

import (
	"context"
	"go/format"
	"regexp"
	"strings"

	"toolguard/internal/catalog"
	"toolguard/internal/codegen"
	"toolguard/internal/logging"
	"toolguard/internal/policy"
	"toolguard/internal/verify"
)


// DefaultHistoryRounds is how many earlier review rounds are summarized in a
// prompt besides the latest one.
const DefaultHistoryRounds = 3

// Request is everything needed to produce one candidate.
type Request struct {
	PriorSource    string
	Domain         catalog.Domain
	PolicyText     string
	Tool           catalog.ToolInfo
	DependentTools []catalog.ToolInfo
	Comments       []verify.ReviewComment
	Item           policy.Item
}

// Options tune prompt construction.
type Options struct {
	AllowedImports []string
	HistoryRounds  int
	MaxTokens      int
}

// Synthesizer produces guard candidates.
type Synthesizer struct {
	gen  codegen.Generator
	opts Options
}

// New creates a Synthesizer.
func New(gen codegen.Generator, opts Options) *Synthesizer {
	if len(opts.AllowedImports) == 0 {
		opts.AllowedImports = verify.DefaultAllowedImports()
	}
	if opts.HistoryRounds <= 0 {
		opts.HistoryRounds = DefaultHistoryRounds
	}
	return &Synthesizer{gen: gen, opts: opts}
}

// Synthesize asks the generator for a guard and returns normalized source.
// Generator errors are returned unchanged. A reply without usable code is
// still returned; the verifier reports what is missing.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (string, error) {
	prompt := s.BuildPrompt(req)
	text, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	out := Normalize(codegen.ExtractFenced(text, "go"), req.Domain.Package)
	logging.SynthDebug("%s: candidate of %d bytes", req.Tool.Name, len(out))
	return out, nil
}

var packageRe = regexp.MustCompile(`(?m)^package[ \t]+[A-Za-z_][A-Za-z0-9_]*`)

// Normalize forces the package clause to pkg and gofmt-formats the result.
// Unformattable source is returned with only the package fix applied.
func Normalize(code, pkg string) string {
	code = strings.TrimSpace(code)
	clause := "package " + pkg
	if loc := packageRe.FindStringIndex(code); loc != nil {
		code = code[:loc[0]] + clause + code[loc[1]:]
	} else {
		code = clause + "\n\n" + code
	}
	code += "\n"
	formatted, err := format.Source([]byte(code))
	if err != nil {
		logging.SynthDebug("format failed, keeping raw candidate: %v", err)
		return code
	}
	return string(formatted)
}
