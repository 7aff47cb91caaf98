package verify

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// fixtureSet is the behavioral test material for one tool.
type fixtureSet struct {
	files []sourceFile
	tests []string
}

// loadFixtures collects, for tool, the shared helpers in dir (non-test .go
// files), dir/<tool>_test.go, and every .go file under dir/<tool>/. It
// returns nil when the tool has no tests.
func loadFixtures(dir, tool string) (*fixtureSet, error) {
	if dir == "" {
		return nil, nil
	}
	var paths []string

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fixtures dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") {
			continue
		}
		if !strings.HasSuffix(name, "_test.go") || name == tool+"_test.go" {
			paths = append(paths, filepath.Join(dir, name))
		}
	}

	toolDir := filepath.Join(dir, tool)
	if sub, err := os.ReadDir(toolDir); err == nil {
		for _, e := range sub {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".go") {
				paths = append(paths, filepath.Join(toolDir, e.Name()))
			}
		}
	}
	sort.Strings(paths)

	fx := &fixtureSet{}
	fset := token.NewFileSet()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read fixture: %w", err)
		}
		fx.files = append(fx.files, sourceFile{Name: p, Src: string(data)})
		if !strings.HasSuffix(p, "_test.go") {
			continue
		}
		af, err := parser.ParseFile(fset, p, data, 0)
		if err != nil {
			return nil, fmt.Errorf("parse fixture: %w", err)
		}
		fx.tests = append(fx.tests, testFuncs(af)...)
	}
	if len(fx.tests) == 0 {
		return nil, nil
	}
	return fx, nil
}

// testFuncs lists func TestXxx(t *guardrt.T) declarations in source order.
func testFuncs(f *ast.File) []string {
	var out []string
	for _, decl := range f.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Recv != nil || !strings.HasPrefix(fd.Name.Name, "Test") {
			continue
		}
		params := fd.Type.Params.List
		if len(params) != 1 || len(params[0].Names) > 1 || fd.Type.Results != nil {
			continue
		}
		if types.ExprString(params[0].Type) != "*guardrt.T" {
			continue
		}
		out = append(out, fd.Name.Name)
	}
	return out
}
