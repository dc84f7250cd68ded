package supervisor

import "context"

// FaultKind classifies a worker fault report.
type FaultKind string

const (
	// FaultStartup covers failures while a worker brings up its resources.
	FaultStartup FaultKind = "startup"
	// FaultLink covers hardware or network link failures.
	FaultLink FaultKind = "link"
	// FaultRuntime covers unexpected faults inside a running worker.
	FaultRuntime FaultKind = "runtime"
	// FaultSafety marks designed safety-path notifications, not bugs.
	FaultSafety FaultKind = "safety"
)

// Report is a structured fault or safety notification passed from a worker
// to the supervising loop. The channel carries bookkeeping only, never
// hot-path commands.
type Report struct {
	Worker  string
	Kind    FaultKind
	Context string
	Message string
	Err     error
}

// Runner is an independently scheduled unit implementing one subsystem.
// Run blocks until the worker exits; a nil return is a normal exit, an
// error is a worker-fatal fault. Exit is the best-effort graceful teardown
// hook and may be called while Run is still in flight.
type Runner interface {
	Name() string
	Run(ctx context.Context, reports chan<- Report) error
	Exit() error
}

type worker struct {
	runner  Runner
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func (w *worker) alive() bool {
	if !w.started {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}
