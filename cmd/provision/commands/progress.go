package commands

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/provision/pkg/telemetry"
)

// progressPrinter renders run events as one line each:
//
//	web1 [changed 0.004s] nginx install nginx
type progressPrinter struct {
	out    io.Writer
	target lipgloss.Style
	states map[string]lipgloss.Style
	failed lipgloss.Style
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	r := lipgloss.NewRenderer(out)
	return &progressPrinter{
		out:    out,
		target: r.NewStyle().Bold(true),
		states: map[string]lipgloss.Style{
			"changed":   r.NewStyle().Foreground(lipgloss.Color("3")),
			"unchanged": r.NewStyle().Foreground(lipgloss.Color("2")),
			"skipped":   r.NewStyle().Foreground(lipgloss.Color("8")),
			"failed":    r.NewStyle().Foreground(lipgloss.Color("1")),
			"done":      r.NewStyle().Foreground(lipgloss.Color("4")),
		},
		failed: r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

func (p *progressPrinter) state(s string) string {
	if st, ok := p.states[s]; ok {
		return st.Render(s)
	}
	return s
}

// Handle implements telemetry.EventSubscriber.
func (p *progressPrinter) Handle(e telemetry.Event) {
	target := p.target.Render(e.Target)
	switch e.Type {
	case telemetry.EventActionCompleted:
		fmt.Fprintf(p.out, "%s [%s %.3fs] %s %s\n", target, p.state(e.Result), e.Elapsed.Seconds(), e.Role, e.Summary)
	case telemetry.EventRoleClosed:
		fmt.Fprintf(p.out, "%s [%s] %s\n", target, p.state("done"), e.Role)
	case telemetry.EventBatchCompleted:
		fmt.Fprintf(p.out, "%s batch completed: %s\n", target, e.Summary)
	case telemetry.EventBatchFailed:
		fmt.Fprintf(p.out, "%s %s %s\n", target, p.failed.Render("batch failed:"), e.Error)
	}
}
