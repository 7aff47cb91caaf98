package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"toolguard/internal/catalog"
	"toolguard/internal/codegen"
	"toolguard/internal/policy"
	"toolguard/internal/repair"
	"toolguard/internal/store"
	"toolguard/internal/verify"
)

// mapCmd runs only the Policy-Tool Mapper.
var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Map a policy onto the catalog and print the items as YAML",
	RunE:  runMap,
}

// verifyCmd checks a hand-written guard.
var verifyCmd = &cobra.Command{
	Use:   "verify [guard.go]",
	Short: "Lint, compile and run fixtures against a guard file",
	Long: `Verifies a guard without calling a generator. Review comments are printed
one per line; the command fails if there are any.

Example:
  toolguard verify --catalog examples/airline/catalog.yaml \
    --fixtures examples/airline/testdata/fixtures --tool cancel_reservation \
    examples/airline/testdata/guards/guard_cancel_reservation.go`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

// catalogCmd generates a catalog from a Go domain package.
var catalogCmd = &cobra.Command{
	Use:   "catalog [domain-dir]",
	Short: "Generate a catalog YAML from a Go domain package",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalog,
}

// historyCmd reads the run log.
var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List past runs, the outcomes of one run, or the stored guards",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var (
	verifyTool   string
	apiType      string
	catalogOut   string
	historyLimit     int
	historyTool      string
	historyArtifacts bool
)

func init() {
	mapCmd.Flags().StringVarP(&policyPath, "policy", "p", "", "Policy document")
	mapCmd.Flags().StringVar(&catalogPath, "catalog", "catalog.yaml", "Domain catalog YAML")
	mapCmd.Flags().StringSliceVarP(&toolNames, "tools", "t", nil, "Restrict mapping to these tools")
	mapCmd.MarkFlagRequired("policy")

	verifyCmd.Flags().StringVar(&catalogPath, "catalog", "catalog.yaml", "Domain catalog YAML")
	verifyCmd.Flags().StringVar(&fixturesDir, "fixtures", "", "Fixture test directory (overrides verify.fixtures_dir)")
	verifyCmd.Flags().StringVar(&verifyTool, "tool", "", "Tool the guard protects")
	verifyCmd.MarkFlagRequired("tool")

	catalogCmd.Flags().StringVar(&apiType, "api", "API", "Name of the API interface")
	catalogCmd.Flags().StringVar(&appName, "app", "", "Application name (defaults to the package name)")
	catalogCmd.Flags().StringVarP(&catalogOut, "out", "o", "", "Write to this file instead of stdout")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
	historyCmd.Flags().StringVar(&historyTool, "tool", "", "Show the review history of one tool (needs a run id)")
	historyCmd.Flags().BoolVar(&historyArtifacts, "artifacts", false, "List the guards stored in the output directory")
}

func runMap(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}
	ctx := cmd.Context()

	policyText, err := policy.LoadDocument(policyPath)
	if err != nil {
		return err
	}
	cat, err := catalog.Load(catalogPath)
	if err != nil {
		return err
	}
	provider, err := codegen.NewProvider(ctx, cfg)
	if err != nil {
		return err
	}
	stack := codegen.Wrap(provider, cfg, nil)

	var opts []policy.Option
	if len(toolNames) > 0 {
		rc := cfg.RunConfig("", toolNames)
		for _, name := range rc.SortedTools() {
			if !cat.Has(name) {
				return fmt.Errorf("%w: %s", catalog.ErrUnknownTool, name)
			}
		}
		opts = append(opts, policy.WithTargets(rc.SortedTools()...))
	}
	items, err := policy.NewMapper(stack.Generator, cfg.Pipeline.BatchSize).Map(ctx, policyText, cat.Tools, opts...)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(items); err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	return enc.Close()
}

func runVerify(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("fixtures") {
		cfg.Verify.FixturesDir = fixturesDir
	}
	cat, err := catalog.Load(catalogPath)
	if err != nil {
		return err
	}
	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read guard: %w", err)
	}
	v, err := newVerifier(cfg, cat)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetVerifyTimeout())
	defer cancel()
	comments := v.Verify(ctx, string(src), verifyTool)
	out := cmd.OutOrStdout()
	if verify.Passed(comments) {
		fmt.Fprintf(out, "PASS %s\n", verifyTool)
		return nil
	}
	for _, c := range comments {
		fmt.Fprintln(out, c.String())
	}
	return fmt.Errorf("FAIL %s: %d review comments", verifyTool, len(comments))
}

func runCatalog(cmd *cobra.Command, args []string) error {
	dir := args[0]
	cat, err := catalog.ExtractDir(dir, apiType, appName)
	if err != nil {
		return err
	}

	base := "."
	if catalogOut != "" {
		base = filepath.Dir(catalogOut)
	}
	sources := make([]string, 0, len(cat.Domain.Files))
	for _, f := range cat.Domain.Files {
		p := filepath.Join(dir, f)
		if rel, err := relativeTo(base, p); err == nil {
			p = rel
		}
		sources = append(sources, filepath.ToSlash(p))
	}

	data, err := catalog.Marshal(cat, sources)
	if err != nil {
		return err
	}
	if err := catalog.ValidateDocument(data); err != nil {
		return fmt.Errorf("generated catalog is invalid: %w", err)
	}
	if catalogOut == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(catalogOut, data, 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d tools, %d mutating)\n", catalogOut, len(cat.Tools), len(cat.Mutating()))
	return nil
}

func relativeTo(base, path string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Rel(absBase, absPath)
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyArtifacts {
		return listArtifacts(cmd.OutOrStdout(), store.NewArtifactTree(cfg.Output.Dir))
	}
	path := cfg.DBPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(cmd.OutOrStdout(), "no run log at %s\n", path)
		return nil
	}
	runLog, err := store.OpenRunLog(path)
	if err != nil {
		return err
	}
	defer runLog.Close()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		runs, err := runLog.Runs(ctx, historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "no runs recorded")
			return nil
		}
		fmt.Fprint(out, runsTable(runs))
		return nil
	}

	run, err := runLog.Run(ctx, args[0])
	if err != nil {
		return err
	}
	if historyTool != "" {
		comments, err := runLog.Comments(ctx, run.ID, historyTool)
		if err != nil {
			return err
		}
		for _, round := range verify.Rounds(comments) {
			fmt.Fprintf(out, "iteration %d\n", round[0].Iteration)
			for _, c := range round {
				fmt.Fprintf(out, "  %s\n", c)
			}
		}
		if len(comments) == 0 {
			fmt.Fprintf(out, "no review comments for %s\n", historyTool)
		}
		return nil
	}

	outcomes, err := runLog.Outcomes(ctx, run.ID)
	if err != nil {
		return err
	}
	report := &repair.Report{
		RunID:      run.ID,
		App:        run.App,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Items:      run.Items,
		Cancelled:  run.Cancelled,
		Outcomes:   outcomes,
	}
	fmt.Fprintf(out, "run %s  %s  %s/%s  %s\n\n", run.ID, run.App, run.Provider, run.Model, run.StartedAt.Format(time.RFC3339))
	fmt.Fprint(out, report.Table())
	return nil
}

var (
	historyHeader = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	historyCell   = lipgloss.NewStyle().Padding(0, 1)
)

// listArtifacts prints one line per stored guard artifact.
func listArtifacts(out io.Writer, tree *store.ArtifactTree) error {
	tools, err := tree.Tools()
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		fmt.Fprintf(out, "no stored guards in %s\n", tree.Dir)
		return nil
	}
	for _, tool := range tools {
		a, err := tree.Load(tool)
		if err != nil {
			return err
		}
		if a == nil {
			continue
		}
		guard := "-"
		if a.SourceCode != "" {
			guard = filepath.Join(tree.Dir, tool, store.SourceName(tool))
		}
		fmt.Fprintf(out, "%-28s %-10s %d/%d  %s  %s\n", tool, a.Status, a.IterationCount, a.MaxIterations,
			a.FinishedAt.Format(time.RFC3339), guard)
	}
	return nil
}

func runsTable(runs []store.RunSummary) string {
	headers := []string{"RUN", "APP", "MODEL", "STARTED", "ITEMS", "PASSED", "EXHAUSTED", "FAILED", "STATE"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		state := "finished"
		switch {
		case r.Cancelled:
			state = "cancelled"
		case !r.Finished():
			state = "incomplete"
		}
		rows = append(rows, []string{
			r.ID,
			r.App,
			r.Provider + "/" + r.Model,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			strconv.Itoa(r.Items),
			strconv.Itoa(r.Passed),
			strconv.Itoa(r.Exhausted),
			strconv.Itoa(r.Failed),
			state,
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h) + 2
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell) + 2; w > widths[i] {
				widths[i] = w
			}
		}
	}
	var b strings.Builder
	for i, h := range headers {
		b.WriteString(historyHeader.Width(widths[i]).Render(h))
	}
	b.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			b.WriteString(historyCell.Width(widths[i]).Render(cell))
		}
		b.WriteString("\n")
	}
	return b.String()
}
