package fetchlib

import "errors"

var (
	// ErrAlreadyInProgress is returned by Submit when a transfer for the
	// same resource key is already queued or active.
	ErrAlreadyInProgress = errors.New("a transfer for this resource key is already in progress")

	// ErrCoordinatorStopped is returned by Submit after Stop has been called.
	ErrCoordinatorStopped = errors.New("download coordinator is stopped")

	// ErrTransferCancelled is the cooperative abort signal returned from the
	// progress callback of a cancelled job.
	ErrTransferCancelled = errors.New("transfer cancelled")

	// ErrTransferTimeout marks a job that exceeded the wall-clock transfer
	// timeout. Distinct from cancellation.
	ErrTransferTimeout = errors.New("transfer exceeded wall-clock timeout")

	ErrTaskAlreadyRunning = errors.New("task is already running")
	ErrTaskNotRunnable    = errors.New("task cannot be started from its current status")
	ErrTaskNotRunning     = errors.New("task is not running")
)
