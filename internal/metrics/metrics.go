// Package metrics defines the observer contract the orchestrator reports
// through, plus a styled console sink for interactive runs. Observation is
// best effort: the orchestrator invokes the sink at a bounded rate and
// never while holding the model lock.
package metrics

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/hexlattice/trellis/internal/worker"
)

// Snapshot is one observation of training progress.
type Snapshot struct {
	Epoch            int
	BatchesProcessed int
	TotalBatches     int
	BatchesPerSec    float64
	ETA              time.Duration
	MeanLoss         float64
	GradientNorm     float32

	QueuePending  uint64
	TotalPushed   uint64
	TotalPopped   uint64
	PrefetchDepth uint64
	FetchErrors   int
	Dropped       int

	OptimizerSteps int
	SkippedSteps   int

	// Workers is the hierarchy report: one row per live worker.
	Workers []worker.Info
}

// Sink receives progress snapshots. Implementations must be fast; the
// orchestrator calls Observe from its epoch loop.
type Sink interface {
	Observe(s Snapshot)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Snapshot)

func (f SinkFunc) Observe(s Snapshot) { f(s) }

// Console renders snapshots as a styled progress line, with the full
// hierarchy table when the terminal allows it.
type Console struct {
	out       io.Writer
	isTTY     bool
	width     int
	showTree  bool
	labelSty  lipgloss.Style
	valueSty  lipgloss.Style
	warnSty   lipgloss.Style
	headerSty lipgloss.Style
}

// NewConsole creates a console sink writing to out. When out is the
// process's stdout and it is a terminal, output is colored and sized to the
// terminal width.
func NewConsole(out io.Writer, showTree bool) *Console {
	c := &Console{out: out, width: 80, showTree: showTree}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.isTTY = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			c.width = w
		}
	}
	c.labelSty = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	c.valueSty = lipgloss.NewStyle().Bold(true)
	c.warnSty = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	c.headerSty = lipgloss.NewStyle().
		Background(lipgloss.Color("13")).
		Foreground(lipgloss.Color("0")).
		Padding(0, 1)
	if !c.isTTY {
		plain := lipgloss.NewStyle()
		c.labelSty, c.valueSty, c.warnSty, c.headerSty = plain, plain, plain, plain
	}
	return c
}

// Observe implements Sink.
func (c *Console) Observe(s Snapshot) {
	line := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		c.labelSty.Render("epoch"),
		c.valueSty.Render(fmt.Sprintf("%d", s.Epoch)),
		c.labelSty.Render("batches"),
		c.valueSty.Render(fmt.Sprintf("%d/%d", s.BatchesProcessed, s.TotalBatches)),
		c.labelSty.Render("loss"),
		c.valueSty.Render(fmt.Sprintf("%.4f", s.MeanLoss)),
		c.labelSty.Render("|grad|"),
		c.valueSty.Render(fmt.Sprintf("%.3g", s.GradientNorm)),
		c.labelSty.Render("rate"),
		c.valueSty.Render(fmt.Sprintf("%.1f/s eta %s", s.BatchesPerSec, formatETA(s.ETA))))
	if s.SkippedSteps > 0 || s.FetchErrors > 0 || s.Dropped > 0 {
		line += "  " + c.warnSty.Render(fmt.Sprintf("(skipped=%d fetchErrs=%d dropped=%d)",
			s.SkippedSteps, s.FetchErrors, s.Dropped))
	}
	if c.isTTY {
		line = truncate(line, c.width)
	}
	fmt.Fprintln(c.out, line)

	if c.showTree && len(s.Workers) > 0 {
		c.printTree(s.Workers)
	}
}

func (c *Console) printTree(workers []worker.Info) {
	fmt.Fprintln(c.out, c.headerSty.Render(fmt.Sprintf("worker hierarchy (%d live)", len(workers))))
	for _, w := range workers {
		indent := strings.Repeat("  ", w.Level)
		role := w.State.String()
		if w.Coordinator {
			role = fmt.Sprintf("coordinator of %d", len(w.Children))
		}
		fmt.Fprintf(c.out, "%s#%d sym=%d level=%d %s processed=%d/%s\n",
			indent, w.ID, w.Symmetry, w.Level, role, w.Processed, assignedLabel(w.Assigned))
	}
}

func assignedLabel(assigned int) string {
	if assigned < 0 {
		return "∞"
	}
	return fmt.Sprintf("%d", assigned)
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Second).String()
}

// truncate cuts a rendered line to the terminal width, counting only the
// visible characters.
func truncate(line string, width int) string {
	visible := 0
	inEscape := false
	for i, r := range line {
		switch {
		case inEscape:
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
		case r == '\x1b':
			inEscape = true
		default:
			visible++
			if visible > width {
				return line[:i]
			}
		}
	}
	return line
}

// Assert Console and SinkFunc implement Sink.
var (
	_ Sink = &Console{}
	_ Sink = SinkFunc(nil)
)
