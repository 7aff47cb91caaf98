package repair

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Outcome is one row of the per-tool outcome table.
type Outcome struct {
	Tool       string        `json:"tool"`
	Status     Status        `json:"status"`
	Iterations int           `json:"iterations"`
	Comments   int           `json:"comments"`
	Duration   time.Duration `json:"duration"`
	Path       string        `json:"path,omitempty"`
	Reused     bool          `json:"reused,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// Report summarizes one run.
type Report struct {
	RunID      string
	App        string
	Provider   string
	Model      string
	StartedAt  time.Time
	FinishedAt time.Time
	Items      int
	Cancelled  bool
	Outcomes   []Outcome
	Artifacts  []*GuardArtifact
}

func (r *Report) add(a *GuardArtifact, path string) {
	o := Outcome{
		Tool:       a.ToolName,
		Status:     a.Status,
		Iterations: a.IterationCount,
		Comments:   len(a.ReviewHistory),
		Duration:   a.Duration(),
		Path:       path,
		Reused:     a.Reused,
		Detail:     a.Error,
	}
	if o.Detail == "" && a.Status == StatusExhausted {
		if latest := a.LatestComments(); len(latest) > 0 {
			o.Detail = latest[0].String()
		}
	}
	r.Outcomes = append(r.Outcomes, o)
	r.Artifacts = append(r.Artifacts, a)
}

func (r *Report) sort() {
	sort.SliceStable(r.Artifacts, func(i, j int) bool { return r.Artifacts[i].ToolName < r.Artifacts[j].ToolName })
	sort.SliceStable(r.Outcomes, func(i, j int) bool { return r.Outcomes[i].Tool < r.Outcomes[j].Tool })
}

// Count returns how many tools ended with status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Outcome returns the row for tool.
func (r *Report) Outcome(tool string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Tool == tool {
			return o, true
		}
	}
	return Outcome{}, false
}

// Summary is a one-line description of the run.
func (r *Report) Summary() string {
	s := fmt.Sprintf("%d items, %d passed, %d exhausted, %d failed",
		r.Items, r.Count(StatusPassed), r.Count(StatusExhausted), r.Count(StatusFailed))
	if n := r.Count(StatusCancelled); n > 0 || r.Cancelled {
		s += fmt.Sprintf(", %d cancelled", n)
	}
	if !r.FinishedAt.IsZero() {
		s += fmt.Sprintf(" in %v", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	return s
}

var (
	tableHeader = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCell   = lipgloss.NewStyle().Padding(0, 1)
	tableRule   = lipgloss.NewStyle().Faint(true)

	statusStyles = map[Status]lipgloss.Style{
		StatusPassed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A")),
		StatusExhausted: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107")),
		StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935")),
		StatusCancelled: lipgloss.NewStyle().Faint(true),
	}
)

// Table renders the per-tool outcome table.
func (r *Report) Table() string {
	headers := []string{"TOOL", "STATUS", "ITER", "COMMENTS", "TIME", "DETAIL"}
	rows := make([][]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		status := string(o.Status)
		if o.Reused {
			status += " (reused)"
		}
		rows = append(rows, []string{
			o.Tool,
			status,
			strconv.Itoa(o.Iterations),
			strconv.Itoa(o.Comments),
			o.Duration.Round(time.Millisecond).String(),
			truncate(o.Detail, 60),
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
		b.WriteString(tableHeader.Width(widths[i]).Render(h))
	}
	b.WriteString("\n")
	total := 0
	for _, w := range widths {
		total += w
	}
	b.WriteString(tableRule.Render(strings.Repeat("-", total)))
	b.WriteString("\n")
	for ri, row := range rows {
		for i, cell := range row {
			style := tableCell
			if i == 1 {
				if st, ok := statusStyles[r.Outcomes[ri].Status]; ok {
					style = st.Padding(0, 1)
				}
			}
			b.WriteString(style.Width(widths[i]).Render(cell))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(r.Summary())
	b.WriteString("\n")
	return b.String()
}

// truncate shortens s to n display cells.
func truncate(s string, n int) string {
	return ansi.Truncate(strings.ReplaceAll(s, "\n", " "), n, "...")
}
