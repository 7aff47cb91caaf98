package synth

import (
	"fmt"
	"strings"

	"toolguard/internal/codegen"
	"toolguard/internal/verify"
	"toolguard/pkg/guardrt"
)

const systemPrompt = `You write guard functions in Go for a tool-calling agent.
A guard receives the same arguments as a tool call, plus the read-only API handle, and
decides whether the call would violate the business policy. It returns nil when the call
is allowed and guardrt.Violation("...") explaining the breach otherwise.

Rules:
- Declare exactly the required signature in the given package.
- Only read-only API methods may be called. Never call the guarded tool or any mutating tool.
- Import only the allowed packages. Do not panic or start goroutines.
- If a needed fact cannot be fetched, return a violation that says so.
- Reply with a single fenced go code block containing the whole file.`

// BuildPrompt renders a deterministic prompt for req.
func (s *Synthesizer) BuildPrompt(req Request) codegen.Prompt {
	var b strings.Builder

	fmt.Fprintf(&b, "## Domain package %s\n\n```go\n%s```\n\n", req.Domain.Package, req.Domain.Source())

	t := req.Tool
	fmt.Fprintf(&b, "## Guarded tool: %s\n\n", t.Name)
	fmt.Fprintf(&b, "Method: %s.%s\n", req.Domain.APIType, t.Signature())
	if doc := strings.TrimSpace(t.Doc); doc != "" {
		fmt.Fprintf(&b, "Doc: %s\n", doc)
	}
	fmt.Fprintf(&b, "\nRequired guard signature:\n\n```go\n%s\n```\n", t.GuardSignature(req.Domain.APIType))

	fmt.Fprintf(&b, "\nViolations are built with guardrt.Violation from %q.\n", guardrt.ImportPath)
	fmt.Fprintf(&b, "Allowed imports: %s\n", strings.Join(s.opts.AllowedImports, ", "))

	if len(req.DependentTools) > 0 {
		b.WriteString("\n## Tools the guard may consult\n\n")
		for _, d := range req.DependentTools {
			kind := "read-only"
			if d.Mutating {
				kind = "mutating, DO NOT CALL"
			}
			fmt.Fprintf(&b, "- api.%s (%s)", d.Signature(), kind)
			if sum := d.Summary(); sum != "" {
				fmt.Fprintf(&b, ": %s", sum)
			}
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "\n## Policy\n\n%s\n", strings.TrimSpace(req.PolicyText))
	writeList(&b, "Policy references", req.Item.References)
	writeList(&b, "Compliant calls (must be allowed)", req.Item.ComplianceExamples)
	writeList(&b, "Violating calls (must be rejected)", req.Item.ViolationExamples)

	if prior := strings.TrimSpace(req.PriorSource); prior != "" {
		fmt.Fprintf(&b, "\n## Previous attempt\n\n```go\n%s\n```\n", prior)
	}
	s.writeReview(&b, req.Comments)

	return codegen.Prompt{
		Purpose:   "synth",
		Tool:      t.Name,
		System:    systemPrompt,
		User:      b.String(),
		MaxTokens: s.opts.MaxTokens,
	}
}

// writeReview includes the latest round in full and summarizes up to
// HistoryRounds earlier rounds.
func (s *Synthesizer) writeReview(b *strings.Builder, comments []verify.ReviewComment) {
	rounds := verify.Rounds(comments)
	if len(rounds) == 0 {
		return
	}
	latest := rounds[len(rounds)-1]
	earlier := rounds[:len(rounds)-1]

	if len(earlier) > 0 {
		b.WriteString("\n## Earlier review rounds\n\n")
		if skipped := len(earlier) - s.opts.HistoryRounds; skipped > 0 {
			fmt.Fprintf(b, "(%d older rounds omitted)\n", skipped)
			earlier = earlier[skipped:]
		}
		for _, round := range earlier {
			fmt.Fprintf(b, "- iteration %d: %s\n", round[0].Iteration, summarize(round))
		}
	}

	fmt.Fprintf(b, "\n## Review of the previous attempt (iteration %d): fix every item\n\n", latest[0].Iteration)
	for _, c := range latest {
		fmt.Fprintf(b, "- %s\n", c)
	}
}

func summarize(round []verify.ReviewComment) string {
	counts := make(map[verify.Source]int)
	var keys []string
	seen := make(map[string]bool)
	for _, c := range round {
		counts[c.Source]++
		key := c.Rule
		if key == "" {
			key = string(c.Source)
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return fmt.Sprintf("%d lint, %d test, %d generation (%s)",
		counts[verify.SourceLint], counts[verify.SourceTest], counts[verify.SourceGeneration], strings.Join(keys, ", "))
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
