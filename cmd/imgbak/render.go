package main

import (
	"fmt"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/olekukonko/tablewriter"

	"github.com/imgbak/imgbak/internal/backup"
	"github.com/imgbak/imgbak/internal/manifest"
	"github.com/imgbak/imgbak/internal/provider"
)

// progress renders one bar per provider segment. Tick is called from worker
// goroutines; pb increments atomically so no extra locking is needed here.
type progress struct {
	quiet bool
	bar   *pb.ProgressBar
}

func newProgress(quiet bool) *progress {
	return &progress{quiet: quiet}
}

// StartSegment closes the previous bar and opens a new one. The orchestrator
// calls it once per provider with the scheduled task count.
func (p *progress) StartSegment(provider string, total int) {
	if p.quiet {
		return
	}
	p.Finish()
	if total <= 0 {
		return
	}
	bar := pb.New(total)
	bar.SetTemplate(`{{string . "provider"}} {{counters . }} {{bar . }} {{percent . }}`)
	bar.Set("provider", provider)
	p.bar = bar.Start()
}

func (p *progress) Tick() {
	if p.bar != nil {
		p.bar.Increment()
	}
}

func (p *progress) Finish() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}

func renderSummaries(w io.Writer, sums []backup.Summary) {
	rows := make([][]string, 0, len(sums))
	for _, s := range sums {
		status := "ok"
		switch {
		case s.Err != nil:
			status = "error: " + s.Err.Error()
		case s.Failed > 0:
			status = fmt.Sprintf("%d failed", s.Failed)
		}
		rows = append(rows, []string{
			s.Provider,
			string(s.Operation),
			fmt.Sprintf("%d", s.Attempted),
			fmt.Sprintf("%d", s.Succeeded),
			fmt.Sprintf("%d", s.Skipped),
			fmt.Sprintf("%d", s.Failed),
			s.Elapsed.Round(time.Millisecond).String(),
			status,
		})
	}
	renderTable(w, []string{"PROVIDER", "OP", "SCHEDULED", "OK", "SKIPPED", "FAILED", "ELAPSED", "STATUS"}, rows)

	for _, s := range sums {
		for _, f := range s.Failures {
			fmt.Fprintf(w, "  %s %s: %s: %s (attempts: %d)\n",
				s.Provider, f.Key, f.Kind, f.Reason, f.Attempts)
		}
	}
}

func renderDescription(w io.Writer, d provider.Description, records int) {
	fmt.Fprintf(w, "Provider:     %s\n", d.Name)
	fmt.Fprintf(w, "Enabled:      %s\n", yesNo(d.Enabled))
	fmt.Fprintf(w, "Capabilities: %s\n", d.Capabilities)
	fmt.Fprintf(w, "Reachable:    %s\n", yesNo(d.Reachable))
	if d.Detail != "" {
		fmt.Fprintf(w, "Detail:       %s\n", d.Detail)
	}
	fmt.Fprintf(w, "Records:      %d\n", records)
}

func renderStats(w io.Writer, st manifest.Stats) {
	fmt.Fprintf(w, "Records:    %d\n", st.Records)
	fmt.Fprintf(w, "Total size: %s\n", formatSize(st.TotalBytes))
	fmt.Fprintf(w, "Outcomes:   %d success, %d failed\n",
		st.ByOutcome[manifest.OutcomeSuccess], st.ByOutcome[manifest.OutcomeFailed])
	fmt.Fprintf(w, "Operations: %d backup, %d upload\n",
		st.ByOperation[manifest.OpBackup], st.ByOperation[manifest.OpUpload])

	var rows [][]string
	for _, k := range provider.Kinds() {
		if n := st.ByProvider[k.String()]; n > 0 {
			rows = append(rows, []string{k.String(), fmt.Sprintf("%d", n)})
		}
	}
	if len(rows) > 0 {
		fmt.Fprintln(w)
		renderTable(w, []string{"PROVIDER", "RECORDS"}, rows)
	}
}

func renderHistory(w io.Writer, recs []manifest.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no records")
		return
	}
	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, []string{
			rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Provider,
			string(rec.Operation),
			string(rec.Outcome),
			truncate(rec.Key, 40),
			formatSize(rec.Size),
			truncate(rec.Error, 40),
		})
	}
	renderTable(w, []string{"UPDATED", "PROVIDER", "OP", "OUTCOME", "KEY", "SIZE", "ERROR"}, rows)
}

func renderDuplicates(w io.Writer, groups []manifest.Group) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "no duplicate content found")
		return
	}
	for _, g := range groups {
		fmt.Fprintf(w, "%s (%d copies)\n", shortDigest(g.Digest), len(g.Records))
		for _, rec := range g.Records {
			fmt.Fprintf(w, "  %s %s -> %s\n", rec.Provider, rec.Key, rec.LocalPath)
		}
	}
}

func renderCleanup(w io.Writer, orphans []manifest.Record, dryRun bool) {
	if len(orphans) == 0 {
		fmt.Fprintln(w, "no orphaned records")
		return
	}
	for _, rec := range orphans {
		fmt.Fprintf(w, "  %s %s (%s)\n", rec.Provider, rec.Key, rec.LocalPath)
	}
	if dryRun {
		fmt.Fprintf(w, "%d orphaned records found (dry run, nothing removed)\n", len(orphans))
		return
	}
	fmt.Fprintf(w, "%d orphaned records removed\n", len(orphans))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
