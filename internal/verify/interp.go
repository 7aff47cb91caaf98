package verify

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"toolguard/internal/logging"
	"toolguard/pkg/guardrt"
)

// noSource keeps the interpreter from loading any package from disk: every
// import must come from the registered symbol tables.
type noSource struct{}

func (noSource) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// restrictedSymbols returns the standard library exports limited to allowed
// import paths. Keys follow yaegi's "path/name" convention.
func restrictedSymbols(allowed map[string]bool) interp.Exports {
	out := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		i := strings.LastIndex(key, "/")
		if i < 0 {
			continue
		}
		if allowed[key[:i]] {
			out[key] = syms
		}
	}
	return out
}

func (v *Verifier) newInterpreter() (*interp.Interpreter, error) {
	i := interp.New(interp.Options{
		GoPath:               "/",
		SourcecodeFilesystem: noSource{},
		Stdout:               io.Discard,
		Stderr:               io.Discard,
	})
	if err := i.Use(v.symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := i.Use(guardrt.Symbols); err != nil {
		return nil, fmt.Errorf("load guardrt symbols: %w", err)
	}
	return i, nil
}

// eval evaluates a unit under ctx, converting interpreter panics to errors.
// Cancelling ctx stops the interpreted code, including package
// initializers.
func eval(ctx context.Context, i *interp.Interpreter, u *unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()
	_, err = i.EvalWithContext(ctx, u.src)
	return err
}

// compileGuard evaluates the domain plus the candidate in a fresh
// interpreter. Errors are reported against the candidate's own lines.
func (v *Verifier) compileGuard(ctx context.Context, guardFile sourceFile) []ReviewComment {
	files := append(v.domainFiles(), guardFile)
	u, err := mergeUnit(files)
	if err != nil {
		return []ReviewComment{lintComment(RuleCompile, 0, "cannot assemble compilation unit: %v", err)}
	}
	i, err := v.newInterpreter()
	if err != nil {
		return []ReviewComment{lintComment(RuleInternalError, 0, "%v", err)}
	}

	evalCtx, cancel := context.WithTimeout(ctx, v.opts.TestTimeout)
	defer cancel()
	if err := eval(evalCtx, i, u); err != nil {
		if evalCtx.Err() != nil {
			return []ReviewComment{lintComment(RuleTimeout, 0, "package initialization did not finish within %v: %v", v.opts.TestTimeout, evalCtx.Err())}
		}
		line, msg := splitPosition(err.Error())
		file, orig := u.locate(line)
		if file != guardFile.Name && file != "" {
			return []ReviewComment{lintComment(RuleCompile, 0, "compile error in domain file %s line %d: %s", file, orig, msg)}
		}
		return []ReviewComment{lintComment(RuleCompile, orig, "compile error: %s", msg)}
	}
	return nil
}

// runnerFunc dispatches a fixture by name inside the interpreter so each
// test runs as its own cancellable evaluation.
const runnerFunc = "toolguardRunFixture"

func runnerFile(tests []string) sourceFile {
	var b strings.Builder
	b.WriteString("package main\n\nimport \"" + guardrt.ImportPath + "\"\n\n")
	b.WriteString("func " + runnerFunc + "(name string) *guardrt.T {\n\tswitch name {\n")
	for _, name := range tests {
		fmt.Fprintf(&b, "\tcase %q:\n\t\treturn guardrt.RunTest(name, %s)\n", name, name)
	}
	b.WriteString("\t}\n\treturn nil\n}\n")
	return sourceFile{Name: "fixture_runner.go", Src: b.String()}
}

// runFixtures evaluates domain, candidate, fixture helpers and tests
// together and runs every test with its own timeout. A test that times out
// is stopped and the interpreter is rebuilt for the next one.
func (v *Verifier) runFixtures(ctx context.Context, guardFile sourceFile, fx *fixtureSet) []ReviewComment {
	files := append(v.domainFiles(), guardFile)
	files = append(files, fx.files...)
	files = append(files, runnerFile(fx.tests))
	u, err := mergeUnit(files)
	if err != nil {
		return []ReviewComment{fixtureComment(RuleFixtures, "cannot assemble fixtures: %v", err)}
	}

	load := func() (*interp.Interpreter, []ReviewComment) {
		i, err := v.newInterpreter()
		if err != nil {
			return nil, []ReviewComment{fixtureComment(RuleInternalError, "%v", err)}
		}
		evalCtx, cancel := context.WithTimeout(ctx, v.opts.TestTimeout)
		defer cancel()
		if err := eval(evalCtx, i, u); err != nil {
			if evalCtx.Err() != nil {
				return nil, []ReviewComment{fixtureComment(RuleTimeout, "fixture initialization did not finish within %v", v.opts.TestTimeout)}
			}
			line, msg := splitPosition(err.Error())
			file, orig := u.locate(line)
			return nil, []ReviewComment{fixtureComment(RuleFixtures, "fixtures do not compile against the guard (%s:%d): %s", file, orig, msg)}
		}
		return i, nil
	}

	var comments []ReviewComment
	var i *interp.Interpreter
	for _, name := range fx.tests {
		if ctx.Err() != nil {
			comments = append(comments, fixtureComment(RuleTimeout, "verification stopped before %s: %v", name, ctx.Err()))
			break
		}
		if i == nil {
			var failed []ReviewComment
			if i, failed = load(); failed != nil {
				return append(comments, failed...)
			}
		}
		start := time.Now()
		failures, stopped := v.runTest(ctx, i, name)
		if stopped {
			i = nil
		}
		logging.VerifyDebug("fixture %s: %d failures in %v", name, len(failures), time.Since(start))
		for _, f := range failures {
			comments = append(comments, fixtureComment(name, "%s: %s", name, f))
		}
	}
	return comments
}

func fixtureComment(rule, format string, args ...interface{}) ReviewComment {
	return ReviewComment{Source: SourceTest, Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// runTest runs one fixture under the per-test timeout. stopped reports
// that the evaluation was cancelled, after which i must not be reused.
func (v *Verifier) runTest(ctx context.Context, i *interp.Interpreter, name string) (failures []string, stopped bool) {
	testCtx, cancel := context.WithTimeout(ctx, v.opts.TestTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			failures = []string{fmt.Sprintf("fixture %s cannot be run: %v", name, r)}
		}
	}()

	val, err := i.EvalWithContext(testCtx, fmt.Sprintf("main.%s(%q)", runnerFunc, name))
	switch {
	case ctx.Err() != nil:
		return []string{fmt.Sprintf("interrupted: %v", ctx.Err())}, true
	case testCtx.Err() != nil:
		return []string{fmt.Sprintf("timed out after %v", v.opts.TestTimeout)}, true
	case err != nil:
		return []string{fmt.Sprintf("fixture %s cannot be run: %v", name, err)}, false
	}
	t, ok := val.Interface().(*guardrt.T)
	if !ok || t == nil {
		return []string{fmt.Sprintf("fixture %s must have signature func(t *guardrt.T)", name)}, false
	}
	return t.Failures(), false
}
