package verify

import (
	"go/ast"
	"go/token"
	"go/types"
	"path"
	"strconv"

	"toolguard/internal/mangle"
)

// extractFacts turns a parsed candidate into the EDB facts of lint.mg.
// apiMethods holds every API method name of the domain.
func extractFacts(fset *token.FileSet, file *ast.File, apiMethods map[string]bool) []mangle.Fact {
	var facts []mangle.Fact
	line := func(n ast.Node) int64 { return int64(fset.Position(n.Pos()).Line) }

	pkgNames := make(map[string]bool)
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		facts = append(facts, mangle.Fact{Predicate: "ast_import", Args: []interface{}{p, line(imp)}})
		name := path.Base(p)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		pkgNames[name] = true
	}

	for _, decl := range file.Decls {
		funcName := ""
		if fd, ok := decl.(*ast.FuncDecl); ok {
			funcName = fd.Name.Name
			if fd.Recv != nil && len(fd.Recv.List) > 0 {
				funcName = types.ExprString(fd.Recv.List[0].Type) + "." + funcName
			} else {
				facts = append(facts, mangle.Fact{Predicate: "ast_func_decl", Args: []interface{}{funcName, line(fd)}})
			}
		}
		ast.Inspect(decl, func(n ast.Node) bool {
			switch n := n.(type) {
			case *ast.CallExpr:
				facts = append(facts, mangle.Fact{
					Predicate: "ast_call",
					Args:      []interface{}{funcName, line(n), types.ExprString(n.Fun)},
				})
			case *ast.SelectorExpr:
				// Method values count as well as calls.
				if id, ok := n.X.(*ast.Ident); ok && pkgNames[id.Name] {
					return true
				}
				if apiMethods[n.Sel.Name] {
					facts = append(facts, mangle.Fact{Predicate: "api_call", Args: []interface{}{line(n), n.Sel.Name}})
				}
			case *ast.GoStmt:
				facts = append(facts, mangle.Fact{Predicate: "ast_goroutine", Args: []interface{}{line(n)}})
			}
			return true
		})
	}
	return facts
}
