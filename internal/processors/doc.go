// Package processors holds the built-in batch job processors: marker image
// optimization, MindAR descriptor generation, bulk content updates, content
// export, and daily statistics aggregation.
//
// Each processor resolves its working set from the job's opaque config and
// delegates the per-item loop (queue items, counters, progress, cancellation)
// to batch.Runtime.RunItems.
package processors
