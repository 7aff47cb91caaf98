// Package catalog describes the target application: its Go domain sources
// (shared types plus the tool-facing API interface) and the static registry
// of tools that guards may be generated for.
package catalog

import (
	"errors"
	"fmt"
	"go/token"
	"regexp"
	"sort"
	"strings"

	"toolguard/pkg/guardrt"
)

var (
	ErrDuplicateTool = errors.New("duplicate tool name")
	ErrUnknownTool   = errors.New("unknown tool")
	ErrNoTools       = errors.New("catalog has no tools")

	ErrInvalidToolName = errors.New("invalid tool name")
)

// Param is one ordered tool parameter.
type Param struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required" json:"required"`
}

// ToolInfo is an immutable tool descriptor.
type ToolInfo struct {
	Name       string  `yaml:"name" json:"name"`
	Method     string  `yaml:"method,omitempty" json:"method,omitempty"`
	Params     []Param `yaml:"params,omitempty" json:"params,omitempty"`
	ReturnType string  `yaml:"returns,omitempty" json:"returns,omitempty"`
	Doc        string  `yaml:"doc,omitempty" json:"doc,omitempty"`
	Mutating   bool    `yaml:"mutating,omitempty" json:"mutating,omitempty"`
}

// MethodName returns the API method implementing the tool.
func (t ToolInfo) MethodName() string {
	if t.Method != "" {
		return t.Method
	}
	return guardrt.Camel(t.Name)
}

// GuardName returns the deterministic guard function name.
func (t ToolInfo) GuardName() string {
	return guardrt.FuncName(t.Name)
}

// Signature renders the tool as an API method signature.
func (t ToolInfo) Signature() string {
	sig := t.MethodName() + "(" + t.paramList() + ")"
	if t.ReturnType != "" {
		sig += " " + t.ReturnType
	}
	return sig
}

// GuardSignature renders the required guard declaration for apiType.
func (t ToolInfo) GuardSignature(apiType string) string {
	params := "api " + apiType
	if pl := t.paramList(); pl != "" {
		params += ", " + pl
	}
	return fmt.Sprintf("func %s(%s) error", t.GuardName(), params)
}

func (t ToolInfo) paramList() string {
	parts := make([]string, len(t.Params))
	for i, p := range t.Params {
		parts[i] = p.Name + " " + p.Type
	}
	return strings.Join(parts, ", ")
}

// Summary is the first sentence of the doc, for compact prompts.
func (t ToolInfo) Summary() string {
	doc := strings.TrimSpace(t.Doc)
	if i := strings.IndexAny(doc, ".\n"); i >= 0 {
		doc = doc[:i]
	}
	return strings.TrimSpace(doc)
}

// Domain is the immutable set of shared types and the API interface for one
// target application.
type Domain struct {
	App     string
	Package string
	APIType string
	// Files keeps source order; Sources maps file name to content.
	Files   []string
	Sources map[string]string
}

// Source concatenates all domain files in order, for prompts.
func (d Domain) Source() string {
	var b strings.Builder
	for _, f := range d.Files {
		fmt.Fprintf(&b, "// file: %s\n%s\n", f, strings.TrimSpace(d.Sources[f]))
	}
	return b.String()
}

// Catalog is the static tool registry for a domain.
type Catalog struct {
	Domain Domain
	Tools  []ToolInfo

	index map[string]int
}

// toolNameRe limits tool names to what is safe as a directory name and
// maps to a distinct guard function.
var toolNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// New builds a catalog, validating tool names.
func New(domain Domain, tools []ToolInfo) (*Catalog, error) {
	if len(tools) == 0 {
		return nil, ErrNoTools
	}
	c := &Catalog{Domain: domain, Tools: tools, index: make(map[string]int, len(tools))}
	guards := make(map[string]string, len(tools))
	for i, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("tool #%d: empty name", i)
		}
		if !toolNameRe.MatchString(t.Name) {
			return nil, fmt.Errorf("%w: %q must match %s", ErrInvalidToolName, t.Name, toolNameRe)
		}
		if _, dup := c.index[t.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
		}
		if other, ok := guards[t.GuardName()]; ok {
			return nil, fmt.Errorf("%w: %s and %s both map to %s", ErrInvalidToolName, other, t.Name, t.GuardName())
		}
		guards[t.GuardName()] = t.Name
		if !token.IsIdentifier(t.MethodName()) || !token.IsExported(t.MethodName()) {
			return nil, fmt.Errorf("tool %s: method %q is not an exported Go identifier", t.Name, t.MethodName())
		}
		if other, ok := c.ByMethod(t.MethodName()); ok && other.Name != t.Name {
			return nil, fmt.Errorf("tool %s: method %s already implements %s", t.Name, t.MethodName(), other.Name)
		}
		for _, p := range t.Params {
			if !token.IsIdentifier(p.Name) || p.Type == "" {
				return nil, fmt.Errorf("tool %s: invalid parameter %q %q", t.Name, p.Name, p.Type)
			}
		}
		c.index[t.Name] = i
	}
	return c, nil
}

// Lookup finds a tool by name.
func (c *Catalog) Lookup(name string) (ToolInfo, error) {
	i, ok := c.index[name]
	if !ok {
		return ToolInfo{}, fmt.Errorf("%w: %s (catalog has %s)", ErrUnknownTool, name, strings.Join(c.Names(), ", "))
	}
	return c.Tools[i], nil
}

// Has reports whether name is a catalog tool.
func (c *Catalog) Has(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Names returns all tool names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Tools))
	for _, t := range c.Tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Mutating returns the names of tools tagged as mutating.
func (c *Catalog) Mutating() []string {
	var out []string
	for _, t := range c.Tools {
		if t.Mutating {
			out = append(out, t.Name)
		}
	}
	sort.Strings(out)
	return out
}

// ByMethod finds a tool by its API method name.
func (c *Catalog) ByMethod(method string) (ToolInfo, bool) {
	for _, t := range c.Tools {
		if t.MethodName() == method {
			return t, true
		}
	}
	return ToolInfo{}, false
}
