package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"toolguard/internal/catalog"
	"toolguard/internal/codegen"
	"toolguard/internal/config"
	"toolguard/internal/logging"
	"toolguard/internal/policy"
	"toolguard/internal/repair"
	"toolguard/internal/store"
)

var (
	policyPath    string
	catalogPath   string
	fixturesDir   string
	outDir        string
	appName       string
	toolNames     []string
	maxIterations int
	skipPassed    bool
	watchInputs   bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Map a policy onto the catalog and synthesize guards",
	Long: `Runs the full pipeline: the policy is mapped to per-tool items, then one
repair loop per constrained tool generates and verifies a guard.

Guards and their records are written to <out>/<tool>/, the run is logged in
the SQLite run log, and the outcome table is printed.

Example:
  toolguard generate --policy examples/airline/policy.md \
    --catalog examples/airline/catalog.yaml \
    --fixtures examples/airline/testdata/fixtures --tools cancel_reservation`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&policyPath, "policy", "p", "", "Policy document (text, markdown or HTML)")
	generateCmd.Flags().StringVar(&catalogPath, "catalog", "catalog.yaml", "Domain catalog YAML")
	generateCmd.Flags().StringVar(&fixturesDir, "fixtures", "", "Fixture test directory (overrides verify.fixtures_dir)")
	generateCmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (overrides output.dir)")
	generateCmd.Flags().StringVar(&appName, "app", "", "Application name (defaults to the catalog app)")
	generateCmd.Flags().StringSliceVarP(&toolNames, "tools", "t", nil, "Restrict the run to these tools")
	generateCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Repair iterations per tool (1-10)")
	generateCmd.Flags().BoolVar(&skipPassed, "skip-passed", false, "Reuse guards that already passed")
	generateCmd.Flags().BoolVarP(&watchInputs, "watch", "w", false, "Re-run when the policy, catalog or fixtures change")
	generateCmd.MarkFlagRequired("policy")
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("fixtures") {
		cfg.Verify.FixturesDir = fixturesDir
	}
	if cmd.Flags().Changed("out") {
		cfg.Output.Dir = outDir
	}
	if cmd.Flags().Changed("max-iterations") {
		cfg.Pipeline.MaxIterations = maxIterations
	}
	if cmd.Flags().Changed("skip-passed") {
		cfg.Output.SkipPassed = skipPassed
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	applyFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !watchInputs {
		return generateOnce(ctx, cmd.OutOrStdout())
	}

	paths := []string{policyPath, catalogPath}
	if cfg.Verify.FixturesDir != "" {
		paths = append(paths, cfg.Verify.FixturesDir)
	}
	w, err := newInputWatcher(paths, defaultDebounce)
	if err != nil {
		return err
	}
	defer w.Close()

	out := cmd.OutOrStdout()
	runOnce := func() {
		if err := generateOnce(ctx, out); err != nil {
			fmt.Fprintf(out, "run failed: %v\n", err)
		}
		fmt.Fprintln(out, "watching for changes (Ctrl+C to stop)")
	}
	runOnce()
	err = w.Run(ctx, func(changed []string) {
		fmt.Fprintf(out, "\nchanged: %v\n", changed)
		runOnce()
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// generateOnce runs the pipeline once and prints the outcome table. It
// returns an error when any tool did not pass.
func generateOnce(ctx context.Context, out io.Writer) error {
	timer := logging.StartTimer(logging.CategoryBoot, "generate")
	defer timer.Stop()

	policyText, err := policy.LoadDocument(policyPath)
	if err != nil {
		return err
	}
	cat, err := catalog.Load(catalogPath)
	if err != nil {
		return err
	}
	rc := cfg.RunConfig(appName, toolNames)
	if rc.AppName == "" {
		rc.AppName = cat.Domain.App
	}

	runLog, err := store.OpenRunLog(cfg.DBPath())
	if err != nil {
		return err
	}
	defer runLog.Close()
	run, err := runLog.Begin(ctx, rc.AppName, rc.ProviderID, rc.ModelID)
	if err != nil {
		return err
	}

	report, stack, err := runPipeline(ctx, run, rc, policyText, cat)
	if err != nil {
		abandonRun(ctx, run, rc)
		return err
	}
	fmt.Fprintln(out, report.Table())
	calls, failures := stack.Tracing.Stats()
	fmt.Fprintf(out, "run %s: %d generator calls (%d failed), peak %d concurrent\n",
		run.ID, calls, failures, stack.Limited.Peak())

	if report.Cancelled {
		return ctx.Err()
	}
	if bad := len(report.Outcomes) - report.Count(repair.StatusPassed); bad > 0 {
		return fmt.Errorf("%d of %d guards did not pass", bad, len(report.Outcomes))
	}
	return nil
}

func runPipeline(ctx context.Context, run *store.Run, rc config.RunConfig, policyText string, cat *catalog.Catalog) (*repair.Report, *codegen.Stack, error) {
	provider, err := codegen.NewProvider(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	stack := codegen.Wrap(provider, cfg, run)
	orch, err := buildOrchestrator(cfg, cat, stack.Generator, run, run.ID)
	if err != nil {
		return nil, nil, err
	}
	report, err := orch.Run(ctx, rc, policyText, cat)
	if err != nil {
		return nil, nil, err
	}
	return report, stack, nil
}

// abandonRun closes the run row of a run that ended without a report.
func abandonRun(ctx context.Context, run *store.Run, rc config.RunConfig) {
	rep := &repair.Report{
		RunID:      run.ID,
		App:        rc.AppName,
		Provider:   rc.ProviderID,
		Model:      rc.ModelID,
		FinishedAt: time.Now(),
		Cancelled:  ctx.Err() != nil,
	}
	if err := run.FinishRun(context.WithoutCancel(ctx), rep); err != nil {
		logging.BootWarn("run %s: finish: %v", run.ID, err)
	}
}
