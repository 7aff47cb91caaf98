package verify

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/token"
	"go/types"
	"strconv"
	"strings"

	"toolguard/internal/catalog"
	"toolguard/pkg/guardrt"
)

// Lint rule identifiers.
const (
	RuleSyntax        = "syntax"
	RuleMissingGuard  = "GT001"
	RuleSignature     = "GT002"
	RuleImport        = "GT003"
	RuleGuardedCall   = "GT004"
	RuleMutatingCall  = "GT005"
	RulePanic         = "GT006"
	RuleGoroutine     = "GT007"
	RuleNoViolation   = "GT008"
	RuleFormat        = "GT009"
	RulePackage       = "GT010"
	RuleReservedFunc  = "GT011"
	RuleCompile       = "GT100"
	RuleFixtures      = "fixtures"
	RuleTimeout       = "timeout"
	RuleInternalError = "internal"
)

func lintComment(rule string, line int, format string, args ...interface{}) ReviewComment {
	return ReviewComment{Source: SourceLint, Rule: rule, Line: line, Message: fmt.Sprintf(format, args...)}
}

// findGuard returns the top-level function named name.
func findGuard(file *ast.File, name string) *ast.FuncDecl {
	for _, decl := range file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Recv == nil && fd.Name.Name == name {
			return fd
		}
	}
	return nil
}

type field struct {
	name, typ string
}

func flatten(fl *ast.FieldList) []field {
	if fl == nil {
		return nil
	}
	var out []field
	for _, f := range fl.List {
		typ := types.ExprString(f.Type)
		if len(f.Names) == 0 {
			out = append(out, field{typ: typ})
			continue
		}
		for _, n := range f.Names {
			out = append(out, field{name: n.Name, typ: typ})
		}
	}
	return out
}

// checkSignature compares the guard declaration with the tool's contract:
// the API handle first, then the tool parameters unchanged, returning error.
func checkSignature(fset *token.FileSet, fd *ast.FuncDecl, tool catalog.ToolInfo, apiType string) []ReviewComment {
	line := fset.Position(fd.Pos()).Line
	want := tool.GuardSignature(apiType)
	var problems []string

	if fd.Type.TypeParams != nil && len(fd.Type.TypeParams.List) > 0 {
		problems = append(problems, "must not have type parameters")
	}
	params := flatten(fd.Type.Params)
	if len(params) == 0 || params[0].typ != apiType {
		problems = append(problems, fmt.Sprintf("first parameter must be the %s handle", apiType))
	} else {
		rest := params[1:]
		if len(rest) != len(tool.Params) {
			problems = append(problems, fmt.Sprintf("expected %d tool parameters after the handle, got %d", len(tool.Params), len(rest)))
		} else {
			for i, p := range tool.Params {
				if rest[i].name != p.Name || rest[i].typ != p.Type {
					problems = append(problems, fmt.Sprintf("parameter %d is %q, want %q", i+1, strings.TrimSpace(rest[i].name+" "+rest[i].typ), p.Name+" "+p.Type))
				}
			}
		}
	}
	results := flatten(fd.Type.Results)
	if len(results) != 1 || results[0].typ != "error" {
		problems = append(problems, "must return exactly one error")
	}

	if len(problems) == 0 {
		return nil
	}
	return []ReviewComment{lintComment(RuleSignature, line, "%s has the wrong signature (%s); want %s",
		fd.Name.Name, strings.Join(problems, "; "), want)}
}

// raisesViolation reports whether the file ever builds a guardrt violation.
func raisesViolation(file *ast.File) bool {
	name := ""
	for _, imp := range file.Imports {
		if p, err := strconv.Unquote(imp.Path.Value); err == nil && p == guardrt.ImportPath {
			name = "guardrt"
			if imp.Name != nil {
				name = imp.Name.Name
			}
		}
	}
	if name == "" || name == "_" {
		return false
	}
	found := false
	ast.Inspect(file, func(n ast.Node) bool {
		if found {
			return false
		}
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		if id, ok := sel.X.(*ast.Ident); ok && id.Name == name {
			switch sel.Sel.Name {
			case "Violation", "PolicyViolation":
				found = true
			}
		}
		return true
	})
	return found
}

func goChecks(fset *token.FileSet, file *ast.File, src string, tool catalog.ToolInfo, domain catalog.Domain) (comments []ReviewComment, guardOK bool) {
	if file.Name.Name != domain.Package {
		comments = append(comments, lintComment(RulePackage, fset.Position(file.Package).Line,
			"package clause is %q, want %q", file.Name.Name, domain.Package))
	}

	guardOK = true
	fd := findGuard(file, tool.GuardName())
	if fd == nil {
		guardOK = false
		comments = append(comments, lintComment(RuleMissingGuard, 0,
			"guard function %s is missing; declare %s", tool.GuardName(), tool.GuardSignature(domain.APIType)))
	} else if sig := checkSignature(fset, fd, tool, domain.APIType); len(sig) > 0 {
		guardOK = false
		comments = append(comments, sig...)
	}

	if !raisesViolation(file) {
		comments = append(comments, lintComment(RuleNoViolation, 0,
			"guard never raises a policy violation; use guardrt.Violation from %q", guardrt.ImportPath))
	}

	if formatted, err := format.Source([]byte(src)); err == nil && !bytes.Equal(formatted, []byte(src)) {
		comments = append(comments, lintComment(RuleFormat, 0, "source is not gofmt-formatted"))
	}
	return comments, guardOK
}
