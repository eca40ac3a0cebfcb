package batch

import (
	"context"

	"arbatch/internal/store"
)

// Built-in job types. New types are added by registering new processors,
// not by changing the scheduler.
const (
	TypeMarkerOptimization    = "marker_optimization"
	TypeMindARGeneration      = "mindar_generation"
	TypeContentUpdate         = "content_update"
	TypeDataExport            = "data_export"
	TypeStatisticsAggregation = "statistics_aggregation"
)

// Result is returned by a processor on normal completion.
//
// Summary is opaque structured data owned by the processor; the executor
// serializes it into the job's history row.
type Result struct {
	Total     int
	Processed int
	Failed    int
	Summary   map[string]any
}

// ResultFromTally builds a Result from a RunItems tally, folding the tally's
// item errors and cancellation marker into the summary.
func ResultFromTally(t Tally, summary map[string]any) Result {
	if summary == nil {
		summary = map[string]any{}
	}
	if len(t.ItemErrors) > 0 {
		summary["item_errors"] = t.ItemErrors
	}
	if t.Cancelled {
		summary["cancelled"] = true
	}
	return Result{Total: t.Total, Processed: t.Processed, Failed: t.Failed, Summary: summary}
}

// Processor runs one job end to end.
//
// Contract:
//   - Config is resolved by the processor itself; the scheduler never
//     interprets it.
//   - A returned error is job-fatal and fails the whole job.
//   - Anything recoverable at item granularity must be caught and tallied
//     (Runtime.RunItems does this), never returned.
//   - Processors must honor ctx cancellation between items.
type Processor func(ctx context.Context, job *store.BatchJob, rt *Runtime) (Result, error)
