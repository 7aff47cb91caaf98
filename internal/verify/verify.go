// Package verify checks a candidate guard in stages: syntax, lint, compile
// and behavioral fixtures. Findings are returned as ReviewComments; an empty
// result means the candidate passed.
//
// Lint combines Go checks over the syntax tree with Mangle rules
// (lint.mg) evaluated over facts extracted from it. Compilation and
// fixtures run in a fresh yaegi interpreter per call that only sees an
// allowlisted slice of the standard library and the guardrt package.
package verify

import (
	"context"
	_ "embed"
	"errors"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"sort"
	"time"

	"github.com/traefik/yaegi/interp"

	"toolguard/internal/catalog"
	"toolguard/internal/logging"
	"toolguard/internal/mangle"
	"toolguard/pkg/guardrt"
)

//go:embed lint.mg
var lintRules string

// DefaultTestTimeout bounds a single fixture.
const DefaultTestTimeout = 10 * time.Second

// maxSyntaxComments caps how many parse errors are reported.
const maxSyntaxComments = 10

// DefaultAllowedImports is the standard library subset a guard may import,
// besides guardrt.
func DefaultAllowedImports() []string {
	return []string{
		"bytes", "errors", "fmt", "math", "regexp", "sort",
		"strconv", "strings", "time", "unicode", "unicode/utf8",
	}
}

// Options configure a Verifier.
type Options struct {
	Catalog        *catalog.Catalog
	FixturesDir    string
	AllowedImports []string
	TestTimeout    time.Duration
}

// Verifier checks candidates for the tools of one catalog. It is safe for
// concurrent use.
type Verifier struct {
	opts       Options
	allowed    map[string]bool
	symbols    interp.Exports
	apiMethods map[string]bool
	mutating   []string
}

// New creates a Verifier.
func New(opts Options) (*Verifier, error) {
	if opts.Catalog == nil {
		return nil, errors.New("verify: catalog is required")
	}
	if len(opts.AllowedImports) == 0 {
		opts.AllowedImports = DefaultAllowedImports()
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = DefaultTestTimeout
	}
	v := &Verifier{
		opts:       opts,
		allowed:    make(map[string]bool, len(opts.AllowedImports)+1),
		apiMethods: make(map[string]bool, len(opts.Catalog.Tools)),
	}
	for _, p := range opts.AllowedImports {
		v.allowed[p] = true
	}
	v.symbols = restrictedSymbols(v.allowed)
	v.allowed[guardrt.ImportPath] = true

	for _, t := range opts.Catalog.Tools {
		v.apiMethods[t.MethodName()] = true
		if t.Mutating {
			v.mutating = append(v.mutating, t.MethodName())
		}
	}
	sort.Strings(v.mutating)
	return v, nil
}

func (v *Verifier) domainFiles() []sourceFile {
	d := v.opts.Catalog.Domain
	files := make([]sourceFile, 0, len(d.Files))
	for _, name := range d.Files {
		files = append(files, sourceFile{Name: name, Src: d.Sources[name]})
	}
	return files
}

// Verify runs every stage that applies to source as the guard for toolName.
func (v *Verifier) Verify(ctx context.Context, source, toolName string) (comments []ReviewComment) {
	defer func() {
		if r := recover(); r != nil {
			comments = append(comments, lintComment(RuleInternalError, 0, "verifier panic: %v", r))
		}
	}()

	timer := logging.StartTimer(logging.CategoryVerify, "Verify "+toolName)
	defer timer.Stop()

	tool, err := v.opts.Catalog.Lookup(toolName)
	if err != nil {
		return []ReviewComment{lintComment(RuleMissingGuard, 0, "%v", err)}
	}
	fileName := "guard_" + toolName + ".go"

	// Syntax.
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, fileName, source, parser.AllErrors|parser.ParseComments)
	if err != nil {
		return syntaxComments(err)
	}

	// Lint.
	comments, guardOK := goChecks(fset, file, source, tool, v.opts.Catalog.Domain)
	ruleComments, err := v.lintRules(fset, file, tool)
	if err != nil {
		comments = append(comments, lintComment(RuleInternalError, 0, "lint rules failed: %v", err))
	}
	comments = append(comments, ruleComments...)
	logging.VerifyDebug("%s: lint produced %d comments", toolName, len(comments))

	if !guardOK {
		return sortComments(comments)
	}

	// Compile.
	guardFile := sourceFile{Name: fileName, Src: source}
	if compile := v.compileGuard(ctx, guardFile); len(compile) > 0 {
		return sortComments(append(comments, compile...))
	}

	// Fixtures.
	fx, err := loadFixtures(v.opts.FixturesDir, toolName)
	if err != nil {
		return sortComments(append(comments, fixtureComment(RuleFixtures, "%v", err)))
	}
	if fx == nil {
		logging.Verify("%s: no fixtures, behavioral stage skipped", toolName)
		return sortComments(comments)
	}
	tests := v.runFixtures(ctx, guardFile, fx)
	logging.Verify("%s: %d fixtures, %d failures", toolName, len(fx.tests), len(tests))
	return sortComments(append(comments, tests...))
}

func syntaxComments(err error) []ReviewComment {
	var list scanner.ErrorList
	if !errors.As(err, &list) {
		return []ReviewComment{lintComment(RuleSyntax, 0, "%v", err)}
	}
	var out []ReviewComment
	for i, e := range list {
		if i == maxSyntaxComments {
			out = append(out, lintComment(RuleSyntax, 0, "%d more syntax errors", len(list)-i))
			break
		}
		out = append(out, lintComment(RuleSyntax, e.Pos.Line, "%s", e.Msg))
	}
	return out
}

var ruleMessages = map[string]string{
	RuleImport:       "import %q is not allowed",
	RuleGuardedCall:  "guard calls the guarded tool (api.%s); it must only decide whether the call is allowed",
	RuleMutatingCall: "guard calls mutating tool api.%s; only read-only API methods may be used",
	RulePanic:        "panic in %s; return a guardrt violation instead",
	RuleGoroutine:    "guard starts a goroutine (%s statement)",
	RuleReservedFunc: "guard declares func %s; init and main are not allowed in a guard file",
}

// lintRules evaluates lint.mg over facts from the candidate.
func (v *Verifier) lintRules(fset *token.FileSet, file *ast.File, tool catalog.ToolInfo) ([]ReviewComment, error) {
	cfg := mangle.DefaultConfig()
	cfg.AutoEval = false
	engine := mangle.NewEngine(cfg)
	if err := engine.LoadSchemaString(lintRules); err != nil {
		return nil, err
	}

	facts := extractFacts(fset, file, v.apiMethods)
	for p := range v.allowed {
		facts = append(facts, mangle.Fact{Predicate: "allowed_package", Args: []interface{}{p}})
	}
	for _, m := range v.mutating {
		facts = append(facts, mangle.Fact{Predicate: "mutating_method", Args: []interface{}{m}})
	}
	if err := engine.AddFacts(facts); err != nil {
		return nil, err
	}
	if err := engine.AddFact("guarded_method", tool.MethodName()); err != nil {
		return nil, err
	}
	if err := engine.Evaluate(); err != nil {
		return nil, err
	}
	logging.VerifyDebug("%s: lint rules evaluated over %d facts", tool.Name, engine.FactCount())

	derived, err := engine.GetFacts("lint_violation")
	if err != nil {
		return nil, err
	}
	out := make([]ReviewComment, 0, len(derived))
	for _, f := range derived {
		rule, _ := f.Args[0].(string)
		line, _ := f.Args[1].(int64)
		detail, _ := f.Args[2].(string)
		msg, ok := ruleMessages[rule]
		if !ok {
			msg = rule + ": %s"
		}
		out = append(out, lintComment(rule, int(line), msg, detail))
	}
	return out, nil
}

// sortComments orders comments by source, line and rule so results are
// stable across runs.
func sortComments(comments []ReviewComment) []ReviewComment {
	sort.SliceStable(comments, func(i, j int) bool {
		a, b := comments[i], comments[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Rule < b.Rule
	})
	return comments
}

// Passed reports whether a verification result has no findings.
func Passed(comments []ReviewComment) bool { return len(comments) == 0 }
