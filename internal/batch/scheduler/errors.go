package scheduler

import "errors"

var (
	// ErrInvalidSpec is returned by ScheduleJob for specs that can never run
	// (missing type, scheduled without a time, unknown schedule type).
	ErrInvalidSpec = errors.New("scheduler: invalid job spec")

	// ErrUnknownJobType marks the configuration-error failure of a job whose
	// type has no registered processor. It is recorded on the job row; the
	// processor is never invoked.
	ErrUnknownJobType = errors.New("scheduler: no processor registered for job type")
)
