package diag

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/go-analyze/charts"

	"github.com/PatchLens/go-introspect/introspect"
)

const chartMaxCallers = 12

// ReportMetrics summarizes the recorded call sites.
type ReportMetrics struct {
	GeneratedAt   time.Time       `json:"generated_at"`
	GoVersion     string          `json:"go_version"`
	Memory        MemoryMetrics   `json:"memory"`
	CallSiteCount int             `json:"call_site_count"`
	TotalHits     uint64          `json:"total_hits"`
	Callers       []CallerMetrics `json:"callers"`
}

// MemoryMetrics is the process memory at report time, in bytes.
type MemoryMetrics struct {
	Limit     uint64 `json:"limit"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
}

// CallerMetrics aggregates the call sites attributed to a single caller.
type CallerMetrics struct {
	Caller         string    `json:"caller"`
	File           string    `json:"file"`
	Line           uint32    `json:"line"`
	Hits           uint64    `json:"hits"`
	DistinctStacks int       `json:"distinct_stacks"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// BuildReport aggregates call sites by caller, ordered by descending hits.
func BuildReport(sites []CallSite) ReportMetrics {
	mem := introspect.AvailableMemory()
	report := ReportMetrics{
		GeneratedAt:   time.Now().UTC(),
		Memory:        MemoryMetrics{Limit: mem.Limit, Used: mem.Used, Available: mem.Available},
		CallSiteCount: len(sites),
	}
	if v, ok := introspect.GoVersion(); ok {
		report.GoVersion = v
	} else {
		report.GoVersion = "devel"
	}

	byCaller := bulk.SliceToGroupsBy(func(site CallSite) string {
		return site.Caller.ID()
	}, sites)
	report.Callers = make([]CallerMetrics, 0, len(byCaller))
	for _, group := range bulk.MapValuesSlice(byCaller) {
		caller := group[0].Caller
		cm := CallerMetrics{
			Caller:         callerName(caller),
			File:           caller.File,
			Line:           caller.Line,
			DistinctStacks: len(group),
			FirstSeen:      group[0].FirstSeen().UTC(),
			LastSeen:       group[0].LastSeen().UTC(),
		}
		for _, site := range group {
			cm.Hits += uint64(site.Hits)
			if site.FirstNS < cm.FirstSeen.UnixNano() {
				cm.FirstSeen = site.FirstSeen().UTC()
			}
			if site.LastNS > cm.LastSeen.UnixNano() {
				cm.LastSeen = site.LastSeen().UTC()
			}
		}
		report.TotalHits += cm.Hits
		report.Callers = append(report.Callers, cm)
	}
	slices.SortFunc(report.Callers, func(a, b CallerMetrics) int {
		if c := cmp.Compare(b.Hits, a.Hits); c != 0 {
			return c
		} else if c = cmp.Compare(a.Caller, b.Caller); c != 0 {
			return c
		}
		return cmp.Compare(a.Line, b.Line)
	})
	return report
}

// Limit keeps only the top n callers, n <= 0 keeps all.
func (r ReportMetrics) Limit(n int) ReportMetrics {
	if n > 0 && len(r.Callers) > n {
		r.Callers = r.Callers[:n:n]
	}
	return r
}

// WriteToFile writes the report as indented JSON.
func (r ReportMetrics) WriteToFile(path string) error {
	encoded, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report failed: %w", err)
	}
	return os.WriteFile(path, encoded, 0644)
}

func chartOutputFormat(path string) (string, error) {
	if strings.HasSuffix(path, ".png") {
		return charts.ChartOutputPNG, nil
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		return charts.ChartOutputJPG, nil
	} else if strings.HasSuffix(path, ".svg") {
		return charts.ChartOutputSVG, nil
	}
	return "", fmt.Errorf("unhandled chart file type: %s", path)
}

// RenderCallerChart renders a horizontal bar chart of the hits per caller. format is one of the charts output
// formats (ie charts.ChartOutputPNG).
func RenderCallerChart(report ReportMetrics, format string) ([]byte, error) {
	if len(report.Callers) == 0 {
		return nil, fmt.Errorf("no callers recorded")
	}
	callers := report.Limit(chartMaxCallers).Callers
	values := make([]float64, len(callers))
	labels := make([]string, len(callers))
	for i, c := range callers { // bars are drawn bottom up, reverse so the top caller is first
		j := len(callers) - 1 - i
		values[j] = float64(c.Hits)
		labels[j] = chartLabel(c)
	}

	opt := charts.NewHorizontalBarChartOptionWithData([][]float64{values})
	opt.Title.Text = "Hits per Caller"
	opt.YAxis.Labels = labels
	opt.SeriesList[0].Label.Show = charts.Ptr(true)

	p := charts.NewPainter(charts.PainterOptions{
		OutputFormat: format,
		Width:        1024,
		Height:       max(320, 80+48*len(callers)),
	})
	if err := p.HorizontalBarChart(opt); err != nil {
		return nil, fmt.Errorf("error rendering chart: %w", err)
	}
	return p.Bytes()
}

// WriteCallerChart renders the caller chart into path, the format is selected by the file extension.
func WriteCallerChart(report ReportMetrics, path string) error {
	format, err := chartOutputFormat(path)
	if err != nil {
		return err
	}
	buf, err := RenderCallerChart(report, format)
	if err != nil {
		return fmt.Errorf("render chart failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

// callerName joins the non-empty owner and member of a frame.
func callerName(f introspect.Frame) string {
	return strings.Join(bulk.SliceFilter(func(s string) bool {
		return s != ""
	}, []string{f.Owner, f.Member}), ".")
}

func chartLabel(c CallerMetrics) string {
	name := c.Caller
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	const maxLen = 40
	if len(name) > maxLen {
		name = "..." + name[len(name)-maxLen+3:]
	}
	return name
}
