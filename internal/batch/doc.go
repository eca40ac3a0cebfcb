// Package batch defines the processor contract for batch jobs: the registry
// that maps job types to processors, the Result a processor returns, and the
// Runtime that centralizes per-item bookkeeping (queue-item rows, progress
// persistence, cooperative cancellation).
package batch
