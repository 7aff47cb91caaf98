package catalog

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"toolguard/internal/logging"
	"toolguard/pkg/guardrt"
)

// MutatingDirective marks an API method as side-effecting.
const MutatingDirective = "//toolguard:mutating"

// ParseDomain parses the domain sources and returns the package name plus
// the tool list declared by the apiType interface. This is the static
// registry: tools come from source declarations, never from reflection.
func ParseDomain(files []string, sources map[string]string, apiType string) (string, []ToolInfo, error) {
	fset := token.NewFileSet()
	var pkg string
	var iface *ast.InterfaceType
	for _, name := range files {
		f, err := parser.ParseFile(fset, name, sources[name], parser.ParseComments)
		if err != nil {
			return "", nil, fmt.Errorf("parse domain source: %w", err)
		}
		if pkg == "" {
			pkg = f.Name.Name
		} else if f.Name.Name != pkg {
			return "", nil, fmt.Errorf("domain sources mix packages %s and %s", pkg, f.Name.Name)
		}
		if it := findInterface(f, apiType); it != nil {
			iface = it
		}
	}
	if iface == nil {
		return "", nil, fmt.Errorf("interface %s not found in domain sources", apiType)
	}

	var tools []ToolInfo
	for _, field := range iface.Methods.List {
		ft, ok := field.Type.(*ast.FuncType)
		if !ok || len(field.Names) == 0 {
			logging.Catalog("skipping embedded element %s in %s", types.ExprString(field.Type), apiType)
			continue
		}
		for _, n := range field.Names {
			if !n.IsExported() {
				continue
			}
			tools = append(tools, ToolInfo{
				Name:       guardrt.Snake(n.Name),
				Method:     n.Name,
				Params:     params(ft),
				ReturnType: results(ft),
				Doc:        strings.TrimSpace(field.Doc.Text()),
				Mutating:   hasDirective(field.Doc),
			})
		}
	}
	if len(tools) == 0 {
		return "", nil, fmt.Errorf("interface %s declares no exported methods", apiType)
	}
	return pkg, tools, nil
}

// ExtractDir builds a catalog from every non-test .go file in dir.
func ExtractDir(dir, apiType, app string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read domain dir: %w", err)
	}
	var files []string
	sources := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read domain source: %w", err)
		}
		files = append(files, name)
		sources[name] = string(data)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no Go sources in %s", dir)
	}

	pkg, tools, err := ParseDomain(files, sources, apiType)
	if err != nil {
		return nil, err
	}
	if app == "" {
		app = pkg
	}
	logging.Catalog("extracted %d tools from %s.%s", len(tools), pkg, apiType)
	return New(Domain{App: app, Package: pkg, APIType: apiType, Files: files, Sources: sources}, tools)
}

func findInterface(f *ast.File, name string) *ast.InterfaceType {
	for _, decl := range f.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.TYPE {
			continue
		}
		for _, spec := range gd.Specs {
			ts := spec.(*ast.TypeSpec)
			if ts.Name.Name != name {
				continue
			}
			if it, ok := ts.Type.(*ast.InterfaceType); ok {
				return it
			}
		}
	}
	return nil
}

func params(ft *ast.FuncType) []Param {
	var out []Param
	if ft.Params == nil {
		return out
	}
	for _, field := range ft.Params.List {
		typ := types.ExprString(field.Type)
		_, isPtr := field.Type.(*ast.StarExpr)
		_, isVariadic := field.Type.(*ast.Ellipsis)
		required := !isPtr && !isVariadic
		if len(field.Names) == 0 {
			out = append(out, Param{Name: fmt.Sprintf("arg%d", len(out)), Type: typ, Required: required})
			continue
		}
		for _, n := range field.Names {
			out = append(out, Param{Name: n.Name, Type: typ, Required: required})
		}
	}
	return out
}

func results(ft *ast.FuncType) string {
	if ft.Results == nil || len(ft.Results.List) == 0 {
		return ""
	}
	var parts []string
	for _, field := range ft.Results.List {
		typ := types.ExprString(field.Type)
		n := len(field.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			parts = append(parts, typ)
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func hasDirective(doc *ast.CommentGroup) bool {
	if doc == nil {
		return false
	}
	for _, c := range doc.List {
		if strings.TrimSpace(c.Text) == MutatingDirective {
			return true
		}
	}
	return false
}
