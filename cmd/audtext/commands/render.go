package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	audtext "github.com/audtext/audtext-go"
)

const barWidth = 30

// renderer prints tracker output for humans. Logs go to stderr, this goes to stdout.
type renderer struct {
	out io.Writer

	title *color.Color
	ok    *color.Color
	bad   *color.Color
	dim   *color.Color
	bar   *color.Color
}

func newRenderer(out io.Writer, noColor bool) *renderer {
	r := &renderer{
		out:   out,
		title: color.New(color.Bold),
		ok:    color.New(color.FgGreen, color.Bold),
		bad:   color.New(color.FgRed, color.Bold),
		dim:   color.New(color.Faint),
		bar:   color.New(color.FgCyan),
	}
	if noColor {
		for _, c := range []*color.Color{r.title, r.ok, r.bad, r.dim, r.bar} {
			c.DisableColor()
		}
	}
	return r
}

// Event prints one lifecycle snapshot. Idle snapshots are not shown.
func (r *renderer) Event(ev audtext.Event) {
	switch ev.State {
	case audtext.StateSubmitting:
		fmt.Fprintf(r.out, "%s %s\n", r.dim.Sprint("»"), ev.Message)
	case audtext.StateActive:
		fmt.Fprintf(r.out, "%s %5.1f%% %s %s\n", r.progressBar(ev.Progress), ev.Progress, r.dim.Sprintf("[%s]", ev.TaskID), ev.Message)
	case audtext.StateCompleted:
		fmt.Fprintf(r.out, "%s %5.1f%% %s\n", r.progressBar(100), 100.0, r.ok.Sprint(ev.Message))
	case audtext.StateFailed:
		fmt.Fprintf(r.out, "%s %s\n", r.bad.Sprint("✗ failed:"), ev.FailureReason)
	}
}

func (r *renderer) progressBar(p float64) string {
	filled := int(p / 100 * barWidth)
	filled = max(0, min(filled, barWidth))
	return "[" + r.bar.Sprint(strings.Repeat("█", filled)) + strings.Repeat("░", barWidth-filled) + "]"
}

func (r *renderer) Result(res *audtext.Result) {
	if res == nil {
		return
	}
	r.title.Fprintln(r.out, "\nTranscript")
	meta := []string{"task " + res.TaskID}
	if res.Language != "" {
		meta = append(meta, "language "+res.Language)
	}
	if res.Duration != nil {
		meta = append(meta, "duration "+formatSeconds(*res.Duration))
	}
	meta = append(meta, fmt.Sprintf("%d segments", len(res.Segments)))
	fmt.Fprintln(r.out, r.dim.Sprint(strings.Join(meta, " · ")))
	for _, s := range res.Segments {
		fmt.Fprintf(r.out, "%s %s\n", r.dim.Sprintf("[%s → %s]", formatSeconds(s.Start), formatSeconds(s.End)), strings.TrimSpace(s.Text))
	}
	if len(res.Segments) == 0 && res.FullText != "" {
		fmt.Fprintln(r.out, res.FullText)
	}
}

func (r *renderer) Summary(s *audtext.Summary) {
	r.title.Fprintf(r.out, "\nSummary (%s)\n", s.Style)
	fmt.Fprintln(r.out, s.Summary)
}

func (r *renderer) Exported(path string, format audtext.ExportFormat) {
	fmt.Fprintf(r.out, "%s transcript saved as %s (%s)\n", r.ok.Sprint("✓"), path, format)
}

func (r *renderer) Health(h *audtext.Health) {
	mark := r.ok.Sprint("✓")
	if !h.Healthy() {
		mark = r.bad.Sprint("✗")
	}
	fmt.Fprintf(r.out, "%s %s model=%s %s\n", mark, h.Status, h.Model, r.dim.Sprint(h.Message))
}

func (r *renderer) History(evs []audtext.Event) {
	if len(evs) == 0 {
		fmt.Fprintln(r.out, "No transcriptions journaled.")
		return
	}
	fmt.Fprintln(r.out, r.title.Sprintf("%-10s %-10s %6s  %-20s %s", "TASK", "STATE", "PROG", "UPDATED", "FILE"))
	for _, ev := range evs {
		state := fmt.Sprintf("%-10s", ev.State)
		switch ev.State {
		case audtext.StateCompleted:
			state = r.ok.Sprint(state)
		case audtext.StateFailed:
			state = r.bad.Sprint(state)
		}
		fmt.Fprintf(r.out, "%-10s %s %5.1f%%  %-20s %s\n", ev.TaskID, state, ev.Progress, ev.UpdatedAt.Local().Format(time.DateTime), ev.Filename)
		if ev.State == audtext.StateFailed {
			fmt.Fprintf(r.out, "%10s %s\n", "", r.dim.Sprintf("%s: %s", ev.FailureKind, ev.FailureReason))
		}
	}
}

// formatSeconds renders seconds as M:SS.
func formatSeconds(sec float64) string {
	total := int(sec)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
