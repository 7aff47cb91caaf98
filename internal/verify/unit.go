package verify

import (
	"fmt"
	"go/parser"
	"go/token"
	"regexp"
	"strconv"
	"strings"
)

type sourceFile struct {
	Name string
	Src  string
}

// segment maps a run of merged lines back to its original file.
type segment struct {
	name        string
	mergedStart int
	origStart   int
}

// unit is several files of one package merged into a single package main
// source, with deduplicated imports. The interpreter evaluates one unit at a
// time so file-scoped imports never collide.
type unit struct {
	src      string
	segments []segment
}

func mergeUnit(files []sourceFile) (*unit, error) {
	type spec struct{ name, path string }
	var (
		imports []spec
		seen    = make(map[spec]bool)
		bodies  []sourceFile
		starts  []int
	)
	fset := token.NewFileSet()
	for _, f := range files {
		af, err := parser.ParseFile(fset, f.Name, f.Src, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		end := af.Name.End()
		for _, decl := range af.Decls {
			if decl.End() > end {
				end = decl.End()
			}
		}
		for _, imp := range af.Imports {
			s := spec{path: imp.Path.Value}
			if imp.Name != nil {
				s.name = imp.Name.Name
			}
			if !seen[s] {
				seen[s] = true
				imports = append(imports, s)
			}
		}
		pos := fset.Position(end)
		bodies = append(bodies, sourceFile{Name: f.Name, Src: f.Src[pos.Offset:]})
		starts = append(starts, pos.Line)
	}

	var b strings.Builder
	b.WriteString("package main\n")
	if len(imports) > 0 {
		b.WriteString("\nimport (\n")
		for _, s := range imports {
			if s.name != "" {
				fmt.Fprintf(&b, "\t%s %s\n", s.name, s.path)
			} else {
				fmt.Fprintf(&b, "\t%s\n", s.path)
			}
		}
		b.WriteString(")\n")
	}

	u := &unit{}
	for i, body := range bodies {
		u.segments = append(u.segments, segment{
			name:        body.Name,
			mergedStart: strings.Count(b.String(), "\n") + 1,
			origStart:   starts[i],
		})
		b.WriteString(body.Src)
		if !strings.HasSuffix(body.Src, "\n") {
			b.WriteString("\n")
		}
	}
	u.src = b.String()
	return u, nil
}

// locate maps a merged line to its file and original line. Lines in the
// generated header map to no file.
func (u *unit) locate(line int) (string, int) {
	for i := len(u.segments) - 1; i >= 0; i-- {
		s := u.segments[i]
		if line >= s.mergedStart {
			return s.name, line - s.mergedStart + s.origStart
		}
	}
	return "", 0
}

var positionRe = regexp.MustCompile(`^(?:[^\s:]*:)?(\d+):(\d+):\s*`)

// splitPosition separates a leading "file:line:col:" or "line:col:" from an
// interpreter error message.
func splitPosition(msg string) (int, string) {
	first, _, _ := strings.Cut(msg, "\n")
	m := positionRe.FindStringSubmatch(first)
	if m == nil {
		return 0, first
	}
	line, _ := strconv.Atoi(m[1])
	return line, strings.TrimSpace(first[len(m[0]):])
}
