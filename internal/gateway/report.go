// ABOUTME: Renders a task, its phase results and consensus as a Markdown report
// ABOUTME: HTML output is the same Markdown converted with goldmark

package gateway

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/conclave/internal/store"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var reportPage = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{.Content}}
</body>
</html>
`))

// renderReport returns a Markdown report for task.
func renderReport(task *store.Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %s\n\n", task.ID)
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Type | %s |\n", task.TaskType)
	fmt.Fprintf(&b, "| State | %s |\n", task.State)
	fmt.Fprintf(&b, "| Created | %s |\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "| Updated | %s |\n", task.UpdatedAt.Format(time.RFC3339))
	if task.Error != "" {
		fmt.Fprintf(&b, "| Error | %s |\n", tableCell(task.Error))
	}
	b.WriteString("\n## Description\n\n")
	b.WriteString(quote(task.Description))
	b.WriteString("\n")

	c := task.Consensus()
	b.WriteString("## Consensus\n\n")
	if c.Participants == 0 {
		b.WriteString("No phases have completed.\n\n")
	} else {
		reached := "no"
		if c.Reached {
			reached = "yes"
		}
		fmt.Fprintf(&b, "- Confidence: %.2f\n", c.Confidence)
		fmt.Fprintf(&b, "- Variance: %.4f\n", c.Variance)
		fmt.Fprintf(&b, "- Agreement: %s\n", c.Agreement)
		fmt.Fprintf(&b, "- Reached: %s\n", reached)
		fmt.Fprintf(&b, "- Phases: %d\n\n", c.Participants)
	}

	for _, r := range task.Results {
		fmt.Fprintf(&b, "## Phase: %s\n\n", r.Phase)
		source := fmt.Sprintf("%s (%s)", r.Provider, r.Model)
		if r.Fallback {
			source = "fallback responder"
		}
		fmt.Fprintf(&b, "Agent **%s** via %s, confidence %.2f, %s, %d attempt(s).\n\n",
			r.AgentID, source, r.Confidence, r.Latency.Round(time.Millisecond), r.Attempts)
		b.WriteString(strings.TrimSpace(r.Text))
		b.WriteString("\n\n")
	}

	return b.String()
}

// renderReportHTML converts the Markdown report to a standalone HTML page.
// Raw HTML in phase output is not passed through.
func renderReportHTML(task *store.Task) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(renderReport(task)), &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	var page bytes.Buffer
	err := reportPage.Execute(&page, struct {
		Title   string
		Content template.HTML
	}{
		Title:   "Task " + task.ID,
		Content: template.HTML(body.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return page.Bytes(), nil
}

func quote(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n") + "\n"
}

func tableCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
