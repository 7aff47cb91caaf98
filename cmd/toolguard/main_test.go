package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolguard/internal/catalog"
	"toolguard/internal/codegen"
	"toolguard/internal/config"
	"toolguard/internal/repair"
	"toolguard/internal/store"
)

const (
	airlineCatalog  = "../../examples/airline/catalog.yaml"
	airlineFixtures = "../../examples/airline/testdata/fixtures"
	referenceGuard  = "../../examples/airline/testdata/guards/guard_cancel_reservation.go"
)

const lenientGuard = `package airline

import "toolguard/pkg/guardrt"

func GuardCancelReservation(api API, reservationID string) error {
	if _, err := api.GetReservationDetails(reservationID); err != nil {
		return guardrt.Violation("unknown reservation")
	}
	return nil
}
`

// testCommand returns a command with a context and captured output, and
// resets the globals the pre-run hook would set.
func testCommand(t *testing.T) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	cfg = config.DefaultConfig()
	cfg.Output.Dir = t.TempDir()
	cfg.Verify.FixturesDir = airlineFixtures
	catalogPath = airlineCatalog

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&out)
	return cmd, &out
}

func TestVerifyCmd_ReferenceGuardPasses(t *testing.T) {
	cmd, out := testCommand(t)
	verifyTool = "cancel_reservation"

	err := runVerify(cmd, []string{referenceGuard})
	require.NoError(t, err, out.String())
	assert.Equal(t, "PASS cancel_reservation\n", out.String())
}

func TestVerifyCmd_LenientGuardFails(t *testing.T) {
	cmd, out := testCommand(t)
	verifyTool = "cancel_reservation"
	path := filepath.Join(t.TempDir(), "guard.go")
	require.NoError(t, os.WriteFile(path, []byte(lenientGuard), 0o644))

	err := runVerify(cmd, []string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAIL cancel_reservation")
	assert.Contains(t, out.String(), "TestCancelAfter24HoursIsViolation")
}

func TestVerifyCmd_StopsAtVerifyTimeout(t *testing.T) {
	cmd, out := testCommand(t)
	verifyTool = "cancel_reservation"
	cfg.Pipeline.VerifyTimeout = "300ms"
	ref, err := os.ReadFile(referenceGuard)
	require.NoError(t, err)
	src := string(ref) + "\nvar warm = spin()\n\nfunc spin() int {\n\tfor {\n\t}\n}\n"
	path := filepath.Join(t.TempDir(), "guard.go")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	start := time.Now()
	err = runVerify(cmd, []string{path})
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, out.String(), "package initialization did not finish")
}

func TestCatalogCmd_WritesLoadableCatalog(t *testing.T) {
	cmd, out := testCommand(t)
	catalogOut = filepath.Join(t.TempDir(), "gen", "catalog.yaml")
	apiType = "API"
	appName = "airline"
	defer func() { catalogOut, appName = "", "" }()

	require.NoError(t, runCatalog(cmd, []string{"../../examples/airline/domain"}))
	assert.Contains(t, out.String(), "8 tools, 4 mutating")

	cat, err := catalog.Load(catalogOut)
	require.NoError(t, err)
	assert.Equal(t, "airline", cat.Domain.App)
	assert.Len(t, cat.Tools, 8)
	assert.True(t, cat.Has("cancel_reservation"))
	assert.ElementsMatch(t, []string{"book_reservation", "cancel_reservation", "send_certificate", "update_reservation_baggages"}, cat.Mutating())
}

func TestHistoryCmd_Artifacts(t *testing.T) {
	cmd, out := testCommand(t)
	historyArtifacts = true
	defer func() { historyArtifacts = false }()

	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, out.String(), "no stored guards")

	tree := store.NewArtifactTree(cfg.Output.Dir)
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := tree.Save(&repair.GuardArtifact{
		ToolName: "cancel_reservation", SourceCode: "package airline\n", Status: repair.StatusPassed,
		IterationCount: 2, MaxIterations: 5, FinishedAt: finished,
	})
	require.NoError(t, err)
	_, err = tree.Save(&repair.GuardArtifact{
		ToolName: "send_certificate", Status: repair.StatusExhausted, IterationCount: 5, MaxIterations: 5, FinishedAt: finished,
	})
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, runHistory(cmd, nil))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "cancel_reservation")
	assert.Contains(t, lines[0], "passed")
	assert.Contains(t, lines[0], "2/5")
	assert.Contains(t, lines[0], filepath.Join("cancel_reservation", "guard_cancel_reservation.go"))
	assert.Contains(t, lines[1], "send_certificate")
	assert.Contains(t, lines[1], "exhausted")
	assert.True(t, strings.HasSuffix(lines[1], " -"))
}

func TestGenerate_FailedRunIsFinished(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		tools    []string
		wantErr  error
	}{
		{name: "provider setup fails", provider: "unsupported"},
		{name: "orchestrator rejects tools", provider: "anthropic", tools: []string{"rebook"}, wantErr: catalog.ErrUnknownTool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, out := testCommand(t)
			policyPath = "../../examples/airline/policy.md"
			appName = ""
			toolNames = tt.tools
			defer func() { toolNames = nil }()
			cfg.LLM.Provider = tt.provider
			cfg.LLM.APIKey = "test-key"

			err := generateOnce(context.Background(), out)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			runLog, err := store.OpenRunLog(cfg.DBPath())
			require.NoError(t, err)
			defer runLog.Close()
			runs, err := runLog.Runs(context.Background(), 10)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.True(t, runs[0].Finished(), "run row must be closed")
			assert.Equal(t, "airline", runs[0].App)
		})
	}
}

func TestHistoryCmd(t *testing.T) {
	cmd, out := testCommand(t)

	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, out.String(), "no run log")

	ctx := context.Background()
	runLog, err := store.OpenRunLog(cfg.DBPath())
	require.NoError(t, err)
	run, err := runLog.Begin(ctx, "airline", "anthropic", "claude-sonnet-4-5")
	require.NoError(t, err)
	require.NoError(t, run.FinishRun(ctx, &repair.Report{
		Items:      1,
		FinishedAt: time.Now(),
		Outcomes:   []repair.Outcome{{Tool: "cancel_reservation", Status: repair.StatusExhausted, Iterations: 4, Comments: 3}},
	}))
	require.NoError(t, runLog.Close())

	out.Reset()
	historyLimit = 5
	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, out.String(), run.ID)
	assert.Contains(t, out.String(), "anthropic/claude-sonnet-4-5")

	out.Reset()
	require.NoError(t, runHistory(cmd, []string{run.ID}))
	assert.Contains(t, out.String(), "cancel_reservation")
	assert.Contains(t, out.String(), "exhausted")

	out.Reset()
	assert.ErrorIs(t, runHistory(cmd, []string{"missing"}), store.ErrUnknownRun)
}

func TestAllowedImportsAddsConfigured(t *testing.T) {
	c := config.DefaultConfig()
	c.Verify.AllowedImports = []string{"strings", "slices"}

	got := allowedImports(c)
	assert.Contains(t, got, "slices")
	n := 0
	for _, p := range got {
		if p == "strings" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestBuildOrchestrator_AirlineEndToEnd(t *testing.T) {
	testCommand(t)
	cat, err := catalog.Load(airlineCatalog)
	require.NoError(t, err)
	reference, err := os.ReadFile(referenceGuard)
	require.NoError(t, err)

	gen := codegen.GeneratorFunc(func(ctx context.Context, p codegen.Prompt) (string, error) {
		switch p.Purpose {
		case "map.short":
			return `{"matches":[{"tool":"cancel_reservation","clauses":["cancelled within 24 hours of booking"]}]}`, nil
		case "map.resolve":
			return `{"applies":true,"policy_text":"All reservations can be cancelled within 24 hours of booking.","dependent_tools":["get_reservation_details"]}`, nil
		default:
			return "```go\n" + string(reference) + "```", nil
		}
	})

	ctx := context.Background()
	runLog, err := store.OpenRunLog(cfg.DBPath())
	require.NoError(t, err)
	defer runLog.Close()
	run, err := runLog.Begin(ctx, "airline", "stub", "stub")
	require.NoError(t, err)

	stack := codegen.Wrap(gen, cfg, run)
	orch, err := buildOrchestrator(cfg, cat, stack.Generator, run, run.ID)
	require.NoError(t, err)

	policyText, err := os.ReadFile("../../examples/airline/policy.md")
	require.NoError(t, err)
	report, err := orch.Run(ctx, cfg.RunConfig("airline", []string{"cancel_reservation"}), string(policyText), cat)
	require.NoError(t, err)

	o, ok := report.Outcome("cancel_reservation")
	require.True(t, ok)
	assert.Equal(t, repair.StatusPassed, o.Status, o.Detail)
	assert.Equal(t, 1, o.Iterations)
	assert.FileExists(t, filepath.Join(cfg.Output.Dir, "cancel_reservation", "guard_cancel_reservation.go"))

	counts, err := runLog.TraceCount(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"map.short": 1, "map.resolve": 1, "synth": 1}, counts)

	calls, failures := stack.Tracing.Stats()
	assert.Equal(t, 3, calls)
	assert.Zero(t, failures)
}

func TestInputWatcher_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	policyFile := filepath.Join(dir, "policy.md")
	fixtures := filepath.Join(dir, "fixtures")
	require.NoError(t, os.WriteFile(policyFile, []byte("v1"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(fixtures, "cancel_reservation"), 0o755))

	w, err := newInputWatcher([]string{policyFile, fixtures}, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var batches [][]string
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(changed []string) {
			mu.Lock()
			batches = append(batches, changed)
			mu.Unlock()
		})
	}()

	require.NoError(t, os.WriteFile(policyFile, []byte("v2"), 0o644))
	require.NoError(t, os.WriteFile(policyFile, []byte("v3"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(fixtures, "cancel_reservation", "extra.go"), []byte("package airline\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var all []string
		for _, b := range batches {
			all = append(all, b...)
		}
		joined := strings.Join(all, " ")
		return strings.Contains(joined, "policy.md") && strings.Contains(joined, "extra.go")
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	for _, b := range batches {
		for _, p := range b {
			assert.NotContains(t, p, "notes.txt")
		}
	}
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
