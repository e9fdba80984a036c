// Package report renders validation results for humans and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/polisai/plan-lint/pkg/domain"
)

// Format selects an output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat resolves a format name; empty selects text.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown format %q (want text or json)", name)
	}
}

// Write renders result to w in format.
func Write(w io.Writer, format Format, result domain.ValidationResult) error {
	if format == FormatJSON {
		return WriteJSON(w, result)
	}
	return WriteText(w, result)
}

// WriteJSON emits the canonical {status, risk_score, errors, warnings}
// document, indented.
func WriteJSON(w io.Writer, result domain.ValidationResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

type styles struct {
	pass    lipgloss.Style
	fail    lipgloss.Style
	heading lipgloss.Style
	code    lipgloss.Style
	warning lipgloss.Style
	dim     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		pass:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		fail:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		heading: r.NewStyle().Bold(true),
		code:    r.NewStyle().Foreground(lipgloss.Color("1")),
		warning: r.NewStyle().Foreground(lipgloss.Color("3")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// WriteText renders a terminal report. Colour is only used when w is a
// terminal that supports it.
func WriteText(w io.Writer, result domain.ValidationResult) error {
	s := newStyles(lipgloss.NewRenderer(w))

	var b strings.Builder
	verdict := s.pass.Render("PASS")
	if !result.Passed() {
		verdict = s.fail.Render("ERROR")
	}
	fmt.Fprintf(&b, "Plan validation: %s  risk score %.2f\n", verdict, result.RiskScore)

	writeSection(&b, s, "Errors", result.Errors, s.code)
	writeSection(&b, s, "Warnings", result.Warnings, s.warning)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeSection(b *strings.Builder, s styles, title string, findings []domain.Finding, codeStyle lipgloss.Style) {
	fmt.Fprintf(b, "\n%s (%d)\n", s.heading.Render(title), len(findings))
	if len(findings) == 0 {
		b.WriteString(s.dim.Render("  none") + "\n")
		return
	}
	for _, f := range findings {
		location := "plan"
		if f.Step != nil {
			location = fmt.Sprintf("step %d", *f.Step)
		}
		fmt.Fprintf(b, "  %s %s %s\n",
			s.dim.Render(fmt.Sprintf("%-8s", location)),
			codeStyle.Render(string(f.Kind)),
			f.Message)
	}
}
