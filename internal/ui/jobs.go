// Package ui renders the server's HTML pages as templ components.
package ui

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/a-h/templ"
)

// JobListItem is one row of the job table.
type JobListItem struct {
	ID           string
	State        string
	Transform    string
	Parameters   int
	Iterations   int
	MaxIters     int
	InitialValue float64
	Value        float64
	LearningRate float64
	StartTime    time.Time
	EndTime      *time.Time
	Error        string
}

// Elapsed returns the run time so far, or the total once finished.
func (j JobListItem) Elapsed(now time.Time) time.Duration {
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime).Round(time.Millisecond)
	}
	return now.Sub(j.StartTime).Round(time.Millisecond)
}

const pageHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>descentreg jobs</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; }
th, td { padding: 0.3rem 0.8rem; border-bottom: 1px solid #ddd; text-align: left; }
.state-completed { color: #1a7f37; }
.state-failed { color: #cf222e; }
.state-cancelled { color: #9a6700; }
</style>
</head>
<body>
<h1>Registration jobs</h1>
`

// JobList renders the index page listing jobs.
func JobList(jobs []JobListItem) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, pageHead); err != nil {
			return err
		}
		if len(jobs) == 0 {
			_, err := io.WriteString(w, "<p>No jobs yet. POST a spec to <code>/api/v1/jobs</code>.</p>\n</body>\n</html>\n")
			return err
		}
		if _, err := io.WriteString(w, "<table>\n<tr><th>ID</th><th>State</th><th>Transform</th><th>Parameters</th><th>Iterations</th><th>Initial value</th><th>Value</th><th>Learning rate</th><th>Elapsed</th><th></th></tr>\n"); err != nil {
			return err
		}
		now := time.Now()
		for _, j := range jobs {
			if err := jobRow(j, now).Render(ctx, w); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "</table>\n</body>\n</html>\n")
		return err
	})
}

func jobRow(j JobListItem, now time.Time) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		id := templ.EscapeString(j.ID)
		status := templ.EscapeString(j.State)
		if j.Error != "" {
			status = fmt.Sprintf(`%s <span title="%s">(error)</span>`, status, templ.EscapeString(j.Error))
		}
		_, err := fmt.Fprintf(w,
			"<tr><td><a href=\"/api/v1/jobs/%s\">%s</a></td><td class=\"state-%s\">%s</td><td>%s</td><td>%d</td><td>%d / %d</td><td>%.6g</td><td>%.6g</td><td>%.4g</td><td>%s</td><td><a href=\"/api/v1/jobs/%s/overlay.png\">overlay</a></td></tr>\n",
			id, id, templ.EscapeString(j.State), status, templ.EscapeString(j.Transform),
			j.Parameters, j.Iterations, j.MaxIters, j.InitialValue, j.Value, j.LearningRate,
			j.Elapsed(now), id)
		return err
	})
}
