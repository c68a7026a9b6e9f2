package jobs

import (
	"context"
	"fmt"
)

// Outcome classifies how a handler finished.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeCancelled
	OutcomeDependencyReschedule
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeDependencyReschedule:
		return "dependency_reschedule"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what a handler hands back to the claim loop.
type Result struct {
	Outcome Outcome
	Err     error
	// Reason is a short human note for cancelled and rescheduled results.
	Reason string
}

// Done reports normal success.
func Done() Result { return Result{Outcome: OutcomeDone} }

// Cancelled reports that the job's precondition disappeared or the row was
// cancelled concurrently. The job is dropped without retry.
func Cancelled(reason string) Result {
	return Result{Outcome: OutcomeCancelled, Reason: reason}
}

// Reschedule reports that another job has not finished yet.
func Reschedule(reason string) Result {
	return Result{Outcome: OutcomeDependencyReschedule, Reason: reason}
}

// Fail reports a retryable error.
func Fail(err error) Result {
	if err == nil {
		err = fmt.Errorf("handler failed without an error")
	}
	return Result{Outcome: OutcomeError, Err: err}
}

// Failf is Fail with fmt.Errorf formatting.
func Failf(format string, args ...any) Result {
	return Fail(fmt.Errorf(format, args...))
}

// Handler consumes one claimed job.
type Handler interface {
	Handle(ctx context.Context, job *Job) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) Result

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job *Job) Result { return f(ctx, job) }
