// Package launcher adapts workload management systems (a local shell for
// development, HTCondor and Slurm for production) behind one submission
// interface, and provides the Butler data-registry client used for group
// queries and output collection chains.
package launcher

import "context"

// Report is the WMS view of one submitted job.
type Report struct {
	// Done is set once the job left the queue, successfully or not.
	Done bool
	// Success is meaningful only when Done is set.
	Success bool
	// Reason carries the WMS-side explanation of a failure.
	Reason string
}

// Launcher submits and tracks one job per call. Submit returns the WMS job
// id used by the later Check and Cancel calls; implementations wrap their
// failures in the launcher_submit and launcher_check error kinds so the
// FSM can record them without guessing at backend error shapes.
type Launcher interface {
	// Submit launches the script and returns the WMS job id.
	Submit(ctx context.Context, script string, env map[string]string) (string, error)
	// Check reports the job's current state. Polling an id the WMS no
	// longer knows yields a failed report, not an error.
	Check(ctx context.Context, id string) (Report, error)
	// Cancel removes the job from the queue. Cancelling a finished job is
	// a no-op.
	Cancel(ctx context.Context, id string) error
}
