package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/policy"
	"github.com/progresso/progresso/pkg/stores"
	"github.com/progresso/progresso/pkg/targets"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func clock(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("15:04:05")
}

// printRecord writes the entries of a progress record as a table.
func printRecord(w io.Writer, record *engine.ProgressRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSERVICE\tSTART MODE\tEND MODE\tACTION\tSTARTED\tSTOPPED\tCPU OK\tENDED\tOUTCOME\tDETAIL")
	for _, e := range record.Entries {
		cpu := clock(e.CPUResponsiveTime)
		if e.CPUSample != nil {
			cpu = fmt.Sprintf("%s (%.0f%%)", cpu, *e.CPUSample)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Position,
			dash(e.Name),
			dash(string(e.StartMode)),
			dash(string(e.EndMode)),
			e.Action,
			clock(e.StartProcessingTime),
			clock(e.StopTime),
			cpu,
			clock(e.EndTime),
			e.Outcome,
			e.ErrorDetail,
		)
	}
	tw.Flush()
}

// printSummary writes the run result. Failures and skips are called out.
func printSummary(w io.Writer, record *engine.ProgressRecord, artifact string) {
	s := record.Summary()
	fmt.Fprintf(w, "\nRun %s: %s\n", record.RunID, record.Outcome)
	fmt.Fprintf(w, "  %d entries: %d succeeded, %d failed, %d skipped\n", s.Total, s.Succeeded, s.Failed, s.Skipped)
	if artifact != "" {
		fmt.Fprintf(w, "  progress: %s\n", artifact)
	}
	if s.Failed > 0 || s.Skipped > 0 {
		fmt.Fprintln(w, "\nAttention:")
		for _, e := range record.Entries {
			if e.Outcome == engine.OutcomeSuccess {
				continue
			}
			fmt.Fprintf(w, "  [%s] #%d %s: %s\n", strings.ToUpper(string(e.Outcome)), e.Position, dash(e.Name), e.ErrorDetail)
		}
	}
}

func printPlan(w io.Writer, plan []engine.PlannedEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSERVICE\tSTATUS\tCURRENT MODE\tEND MODE\tACTION\tNOTE")
	for _, p := range plan {
		note := p.Skip
		if p.Error != "" {
			note = p.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Position,
			dash(p.Name),
			dash(string(p.Observed.Status)),
			dash(string(p.Observed.StartMode)),
			dash(string(p.EndMode)),
			p.Action,
			note,
		)
	}
	tw.Flush()
}

func printTargets(w io.Writer, list *engine.TargetList) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSERVICE\tSTATUS\tSTART MODE\tEND MODE\tLOG ON AS\tDESCRIPTION")
	for i, e := range list.Entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i,
			dash(e.Name),
			dash(string(e.Status)),
			dash(string(e.StartMode)),
			dash(string(e.EndMode)),
			dash(e.LogOnAs),
			e.Description,
		)
	}
	tw.Flush()
}

func printWarnings(w io.Writer, warnings []targets.Warning) {
	for _, warn := range warnings {
		fmt.Fprintf(w, "warning: entry %d (%s): %s\n", warn.Position, dash(warn.Name), warn.Message)
	}
}

func printViolations(w io.Writer, violations []policy.Violation) {
	for _, v := range violations {
		fmt.Fprintf(w, "%s: entry %d (%s): %s [policy %s]\n", v.Severity, v.Position, dash(v.Service), v.Message, v.Policy)
	}
}

func printRuns(w io.Writer, runs []*stores.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tDURATION\tOUTCOME\tTOTAL\tFAILED\tSKIPPED\tARTIFACT")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			duration,
			dash(string(r.Outcome)),
			r.Total,
			r.Failed,
			r.Skipped,
			dash(r.ArtifactPath),
		)
	}
	tw.Flush()
}

func printServiceEntries(w io.Writer, entries []*stores.ServiceEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tRUN STARTED\tACTION\tOUTCOME\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.RunID,
			e.StartedAt.Local().Format(time.DateTime),
			e.Action,
			e.Outcome,
			e.ErrorDetail,
		)
	}
	tw.Flush()
}
