package policy

import (
	"fmt"
	"strings"

	"toolguard/internal/catalog"
	"toolguard/internal/codegen"
)

const shortSystem = `You analyze business policy documents for a tool-calling agent.
Given a policy document and a list of tools, identify every tool whose invocation is
constrained by the policy: preconditions, limits, eligibility rules or prohibitions.
Ignore tools the document does not constrain. Reply with JSON only:
{"matches":[{"tool":"<tool name>","clauses":["<verbatim policy sentence>", ...]}]}`

const resolveSystem = `You extract the policy governing one tool of a tool-calling agent.
Quote the document; never invent rules. Reply with JSON only:
{
  "applies": true|false,
  "policy_text": "<the complete rules that decide whether a call to this tool is allowed>",
  "references": ["<verbatim sentence copied from the document>", ...],
  "dependent_tools": ["<read-only tool a guard must call to check the rules>", ...],
  "compliance_examples": ["<a call that respects the policy>", ...],
  "violation_examples": ["<a call that breaks the policy>", ...]
}`

func shortPrompt(policyText string, batch []catalog.ToolInfo) codegen.Prompt {
	var b strings.Builder
	b.WriteString("## Policy document\n\n")
	b.WriteString(strings.TrimSpace(policyText))
	b.WriteString("\n\n## Tools\n\n")
	for _, t := range batch {
		writeTool(&b, t)
	}
	return codegen.Prompt{Purpose: "map.short", System: shortSystem, User: b.String()}
}

func resolvePrompt(policyText string, tool catalog.ToolInfo, hints []string, all []catalog.ToolInfo) codegen.Prompt {
	var b strings.Builder
	b.WriteString("## Policy document\n\n")
	b.WriteString(strings.TrimSpace(policyText))
	fmt.Fprintf(&b, "\n\n## Target tool\n\n")
	writeTool(&b, tool)
	if hints = dedupe(hints); len(hints) > 0 {
		b.WriteString("\n## Clauses flagged for this tool\n\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	b.WriteString("\n## Other tools available to a guard\n\n")
	for _, t := range all {
		if t.Name == tool.Name {
			continue
		}
		writeTool(&b, t)
	}
	return codegen.Prompt{Purpose: "map.resolve", Tool: tool.Name, System: resolveSystem, User: b.String()}
}

func writeTool(b *strings.Builder, t catalog.ToolInfo) {
	kind := "read-only"
	if t.Mutating {
		kind = "mutating"
	}
	fmt.Fprintf(b, "- %s (%s): %s", t.Name, kind, t.Signature())
	if s := t.Summary(); s != "" {
		fmt.Fprintf(b, ". %s", s)
	}
	b.WriteString("\n")
}
