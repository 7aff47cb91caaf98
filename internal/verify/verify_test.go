package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"toolguard/internal/catalog"
)

const fixturesDir = "../../examples/airline/testdata/fixtures"

func airlineVerifier(t *testing.T, opts Options) *Verifier {
	t.Helper()
	cat, err := catalog.Load("../../examples/airline/catalog.yaml")
	require.NoError(t, err)
	opts.Catalog = cat
	v, err := New(opts)
	require.NoError(t, err)
	return v
}

func referenceGuard(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("../../examples/airline/testdata/guards/guard_cancel_reservation.go")
	require.NoError(t, err)
	return string(data)
}

func rules(comments []ReviewComment) []string {
	var out []string
	for _, c := range comments {
		out = append(out, c.Rule)
	}
	return out
}

func find(comments []ReviewComment, rule string) (ReviewComment, bool) {
	for _, c := range comments {
		if c.Rule == rule {
			return c, true
		}
	}
	return ReviewComment{}, false
}

func TestVerify_ReferenceGuardPasses(t *testing.T) {
	v := airlineVerifier(t, Options{FixturesDir: fixturesDir})
	comments := v.Verify(context.Background(), referenceGuard(t), "cancel_reservation")
	assert.Empty(t, comments)
	assert.True(t, Passed(comments))
}

// Allows every cancellation of a reservation that is not already cancelled.
const lenientGuard = `package airline

import "toolguard/pkg/guardrt"

func GuardCancelReservation(api API, reservationID string) error {
	r, err := api.GetReservationDetails(reservationID)
	if err != nil {
		return guardrt.Violation("reservation %s cannot be verified: %v", reservationID, err)
	}
	if r.Status == "cancelled" {
		return guardrt.Violation("already cancelled")
	}
	return nil
}
`

func TestVerify_FixtureFailureNamesTest(t *testing.T) {
	v := airlineVerifier(t, Options{FixturesDir: fixturesDir})
	comments := v.Verify(context.Background(), lenientGuard, "cancel_reservation")
	require.NotEmpty(t, comments)

	c, ok := find(comments, "TestCancelAfter24HoursIsViolation")
	require.True(t, ok, "got %v", comments)
	assert.Equal(t, SourceTest, c.Source)
	assert.Contains(t, c.Message, "expected a policy violation, but the guard allowed the call")

	_, ok = find(comments, "TestCancelWithin24HoursIsAllowed")
	assert.False(t, ok, "the 10 hour scenario is allowed by this guard")
	for _, c := range comments {
		assert.Equal(t, SourceTest, c.Source, "lint is clean: %v", c)
	}
}

const mutatingGuard = `package airline

import "toolguard/pkg/guardrt"

func GuardCancelReservation(api API, reservationID string) error {
	if _, err := api.SendCertificate("u1", 100); err != nil {
		return guardrt.Violation("no")
	}
	if _, err := api.CancelReservation(reservationID); err != nil {
		return guardrt.Violation("no")
	}
	return nil
}
`

func TestVerify_MutatingAndGuardedCalls(t *testing.T) {
	v := airlineVerifier(t, Options{})
	comments := v.Verify(context.Background(), mutatingGuard, "cancel_reservation")

	c, ok := find(comments, RuleMutatingCall)
	require.True(t, ok, "got %v", comments)
	assert.Equal(t, 6, c.Line)
	assert.Contains(t, c.Message, "SendCertificate")

	c, ok = find(comments, RuleGuardedCall)
	require.True(t, ok, "got %v", comments)
	assert.Equal(t, 9, c.Line)
	assert.Contains(t, c.Message, "CancelReservation")

	assert.Len(t, comments, 2, "the guarded tool is reported once, as GT004: %v", comments)
}

const forbiddenGuard = `package airline

import (
	"os"

	"toolguard/pkg/guardrt"
)

func GuardCancelReservation(api API, reservationID string) error {
	if os.Getenv("ALLOW") != "" {
		return nil
	}
	go func() {}()
	if reservationID == "" {
		panic("empty id")
	}
	return guardrt.Violation("denied")
}
`

func TestVerify_ForbiddenConstructs(t *testing.T) {
	v := airlineVerifier(t, Options{})
	comments := v.Verify(context.Background(), forbiddenGuard, "cancel_reservation")

	c, ok := find(comments, RuleImport)
	require.True(t, ok, "got %v", comments)
	assert.Equal(t, 4, c.Line)
	assert.Contains(t, c.Message, `"os"`)

	c, ok = find(comments, RuleGoroutine)
	require.True(t, ok)
	assert.Equal(t, 13, c.Line)

	c, ok = find(comments, RulePanic)
	require.True(t, ok)
	assert.Equal(t, 15, c.Line)
	assert.Contains(t, c.Message, "GuardCancelReservation")

	_, ok = find(comments, RuleCompile)
	assert.True(t, ok, "os is not available to the interpreter: %v", comments)
}

func TestVerify_SyntaxErrorStops(t *testing.T) {
	v := airlineVerifier(t, Options{FixturesDir: fixturesDir})
	comments := v.Verify(context.Background(), "package airline\n\nfunc GuardCancelReservation(api API, reservationID string) error {\n\treturn nil\n", "cancel_reservation")
	require.NotEmpty(t, comments)
	for _, c := range comments {
		assert.Equal(t, RuleSyntax, c.Rule)
		assert.Equal(t, SourceLint, c.Source)
	}
}

func TestVerify_SignatureAndStructure(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{
			name: "missing guard",
			src:  "package airline\n\nimport \"toolguard/pkg/guardrt\"\n\nfunc GuardSomethingElse(api API) error {\n\treturn guardrt.Violation(\"x\")\n}\n",
			want: []string{RuleMissingGuard},
		},
		{
			name: "renamed parameter",
			src:  "package airline\n\nimport \"toolguard/pkg/guardrt\"\n\nfunc GuardCancelReservation(api API, id string) error {\n\treturn guardrt.Violation(\"x\")\n}\n",
			want: []string{RuleSignature},
		},
		{
			name: "bool result",
			src:  "package airline\n\nimport \"toolguard/pkg/guardrt\"\n\nfunc GuardCancelReservation(api API, reservationID string) bool {\n\treturn guardrt.IsViolation(nil)\n}\n",
			want: []string{RuleNoViolation, RuleSignature},
		},
		{
			name: "wrong package and unformatted",
			src:  "package guards\n\nimport \"toolguard/pkg/guardrt\"\n\nfunc GuardCancelReservation(api API, reservationID string) error {\nreturn guardrt.Violation(\"x\")\n}\n",
			want: []string{RuleFormat, RulePackage},
		},
	}
	v := airlineVerifier(t, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rules(v.Verify(context.Background(), tt.src, "cancel_reservation"))
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestVerify_CompileErrorReportsGuardLine(t *testing.T) {
	src := "package airline\n\nimport \"toolguard/pkg/guardrt\"\n\nfunc GuardCancelReservation(api API, reservationID string) error {\n\tr, _ := api.GetReservationDetails(reservationID)\n\tif r.Refunded {\n\t\treturn nil\n\t}\n\treturn guardrt.Violation(\"x\")\n}\n"
	v := airlineVerifier(t, Options{FixturesDir: fixturesDir})
	comments := v.Verify(context.Background(), src, "cancel_reservation")
	require.Len(t, comments, 1, "compile failure skips fixtures: %v", comments)
	assert.Equal(t, RuleCompile, comments[0].Rule)
	assert.Equal(t, 7, comments[0].Line)
}

func TestVerify_FixtureTimeout(t *testing.T) {
	src := "package airline\n\nimport (\n\t\"time\"\n\n\t\"toolguard/pkg/guardrt\"\n)\n\nfunc GuardCancelReservation(api API, reservationID string) error {\n\ttime.Sleep(300 * time.Millisecond)\n\treturn guardrt.Violation(\"slow\")\n}\n"
	v := airlineVerifier(t, Options{FixturesDir: fixturesDir, TestTimeout: 20 * time.Millisecond})
	comments := v.Verify(context.Background(), src, "cancel_reservation")
	require.NotEmpty(t, comments)
	for _, c := range comments {
		assert.Equal(t, SourceTest, c.Source)
		assert.Contains(t, c.Message, "timed out after 20ms")
	}
}

func TestVerify_InitLoopIsStopped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := referenceGuard(t) + "\nfunc init() {\n\tfor {\n\t}\n}\n"
	v := airlineVerifier(t, Options{FixturesDir: fixturesDir, TestTimeout: 200 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	comments := v.Verify(ctx, src, "cancel_reservation")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NoError(t, ctx.Err(), "verification must finish before the caller's deadline")

	c, ok := find(comments, RuleReservedFunc)
	require.True(t, ok, "got %v", comments)
	assert.Contains(t, c.Message, "init")
	c, ok = find(comments, RuleTimeout)
	require.True(t, ok, "got %v", comments)
	assert.Contains(t, c.Message, "package initialization")
	for _, c := range comments {
		assert.Equal(t, SourceLint, c.Source, "fixtures must not run: %v", c)
	}
}

func TestVerify_SpinningInitializerIsStopped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := referenceGuard(t) + "\nvar warm = spin()\n\nfunc spin() int {\n\tfor {\n\t}\n}\n"
	v := airlineVerifier(t, Options{TestTimeout: 200 * time.Millisecond})
	comments := v.Verify(context.Background(), src, "cancel_reservation")
	assert.Equal(t, []string{RuleTimeout}, rules(comments))
}

func TestVerify_LoopingFixtureIsStopped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	stub, err := os.ReadFile(filepath.Join(fixturesDir, "stub_api.go"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stub_api.go"), stub, 0o644))
	tests := `package airline

import "toolguard/pkg/guardrt"

func TestSpins(t *guardrt.T) {
	for {
	}
}

func TestRunsAfterSpin(t *guardrt.T) {
	t.ExpectViolation(GuardCancelReservation(newStubAPI(), "MISSING"), "cannot be verified")
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cancel_reservation_test.go"), []byte(tests), 0o644))

	v := airlineVerifier(t, Options{FixturesDir: dir, TestTimeout: 100 * time.Millisecond})
	comments := v.Verify(context.Background(), referenceGuard(t), "cancel_reservation")
	require.Len(t, comments, 1, "got %v", comments)
	assert.Equal(t, "TestSpins", comments[0].Rule)
	assert.Contains(t, comments[0].Message, "timed out after 100ms")
}

func TestVerify_UnknownTool(t *testing.T) {
	v := airlineVerifier(t, Options{})
	comments := v.Verify(context.Background(), referenceGuard(t), "rebook")
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Message, "unknown tool")
}

func TestLoadFixtures(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("helpers.go", "package airline\n\nfunc helper() {}\n")
	write("other_tool_test.go", "package airline\n\nimport \"toolguard/pkg/guardrt\"\n\nfunc TestOther(t *guardrt.T) {}\n")
	write("cancel_reservation_test.go", "package airline\n\nimport \"toolguard/pkg/guardrt\"\n\nfunc TestA(t *guardrt.T) {}\n\nfunc TestNotAFixture(x int) {}\n\nfunc helperB(t *guardrt.T) {}\n")
	write("cancel_reservation/more_test.go", "package airline\n\nimport \"toolguard/pkg/guardrt\"\n\nfunc TestB(t *guardrt.T) {}\n")

	fx, err := loadFixtures(dir, "cancel_reservation")
	require.NoError(t, err)
	require.NotNil(t, fx)
	assert.Equal(t, []string{"TestB", "TestA"}, fx.tests)
	var names []string
	for _, f := range fx.files {
		names = append(names, filepath.Base(f.Name))
	}
	assert.ElementsMatch(t, []string{"helpers.go", "cancel_reservation_test.go", "more_test.go"}, names)

	fx, err = loadFixtures(dir, "book_reservation")
	require.NoError(t, err)
	assert.Nil(t, fx, "helpers alone are not fixtures")

	fx, err = loadFixtures(filepath.Join(dir, "missing"), "cancel_reservation")
	require.NoError(t, err)
	assert.Nil(t, fx)
}

func TestMergeUnit(t *testing.T) {
	u, err := mergeUnit([]sourceFile{
		{Name: "a.go", Src: "package airline\n\nimport \"fmt\"\n\nvar A = fmt.Sprint(1)\n"},
		{Name: "b.go", Src: "package airline\n\nimport (\n\t\"fmt\"\n\t\"strings\"\n)\n\nvar B = strings.ToUpper(fmt.Sprint(2))\n"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u.src, "package main\n\nimport (\n\t\"fmt\"\n\t\"strings\"\n)\n"))
	assert.Equal(t, 1, strings.Count(u.src, "\"fmt\""))

	lines := strings.Split(u.src, "\n")
	for i, l := range lines {
		switch l {
		case "var A = fmt.Sprint(1)":
			file, line := u.locate(i + 1)
			assert.Equal(t, "a.go", file)
			assert.Equal(t, 5, line)
		case "var B = strings.ToUpper(fmt.Sprint(2))":
			file, line := u.locate(i + 1)
			assert.Equal(t, "b.go", file)
			assert.Equal(t, 8, line)
		}
	}
}

func TestSplitPosition(t *testing.T) {
	line, msg := splitPosition("12:5: undefined: foo")
	assert.Equal(t, 12, line)
	assert.Equal(t, "undefined: foo", msg)

	line, msg = splitPosition("_.go:3:1: expected declaration\nmore")
	assert.Equal(t, 3, line)
	assert.Equal(t, "expected declaration", msg)

	line, msg = splitPosition("import \"os\" error: unable to find source")
	assert.Zero(t, line)
	assert.Equal(t, "import \"os\" error: unable to find source", msg)
}
