package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/events"
)

// DefaultMaxRetries bounds processing attempts for one task event.
const DefaultMaxRetries = 3

// DefaultBaseDelay is the unit for exponential backoff between attempts.
const DefaultBaseDelay = time.Second

// Publisher is the outbound half of the event bus the Runner needs to
// surface terminal failures.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload events.Payload) error
}

// ProcessFunc is the task-processing body guarded by a claim.
type ProcessFunc func(ctx context.Context) error

// TerminalError reports that processing failed after exhausting every
// retry. It is surfaced to the bus as a task.error event before being
// returned, so callers only ever log it.
type TerminalError struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempts: %v", e.TaskID, e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Runner wraps claim acquisition, bounded retry with exponential backoff,
// and terminal error reporting around a task-processing function.
//
// A claim conflict is not a failure and consumes no retry budget: the task
// belongs to another worker and the Runner steps aside immediately. Only
// transient claim transport errors and processing failures are retried.
type Runner struct {
	arbiter *Arbiter
	bus     Publisher

	maxRetries int
	baseDelay  time.Duration
	service    string
	log        *logrus.Entry

	// wait is swapped out by tests to observe backoff without sleeping.
	wait func(context.Context, time.Duration) error
	now  func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxRetries overrides the attempt budget.
func WithMaxRetries(n int) RunnerOption {
	return func(r *Runner) { r.maxRetries = n }
}

// WithBaseDelay overrides the backoff unit.
func WithBaseDelay(d time.Duration) RunnerOption {
	return func(r *Runner) { r.baseDelay = d }
}

// WithService names the publishing service in terminal error events.
func WithService(name string) RunnerOption {
	return func(r *Runner) { r.service = name }
}

// WithRunnerLogger replaces the default logger.
func WithRunnerLogger(log *logrus.Entry) RunnerOption {
	return func(r *Runner) { r.log = log }
}

func NewRunner(arbiter *Arbiter, bus Publisher, opts ...RunnerOption) *Runner {
	r := &Runner{
		arbiter:    arbiter,
		bus:        bus,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		service:    "taskmesh",
		log:        logrus.NewEntry(logrus.StandardLogger()),
		wait:       sleepCtx,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run claims taskID and executes fn under the claim, retrying transient
// failures up to the configured budget with 2^attempt backoff. The claim is
// held across retries and released exactly once, whether processing
// succeeds or fails terminally.
//
// Returns processed=false with a nil error when another worker holds the
// claim. After the final failed attempt it publishes exactly one task.error
// event carrying the task id, the last error, and goal, then returns a
// *TerminalError.
func (r *Runner) Run(ctx context.Context, taskID, goal string, fn ProcessFunc) (processed bool, err error) {
	log := r.log.WithField("task_id", taskID)

	var (
		token   string
		claimed bool
		lastErr error
	)

	defer func() {
		if claimed {
			if relErr := r.arbiter.Release(context.WithoutCancel(ctx), taskID, token); relErr != nil {
				log.WithField("error", relErr).Error("failed to release claim")
			}
		}
	}()

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt - 1)
			log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).
				Info("retrying after backoff")
			if werr := r.wait(ctx, delay); werr != nil {
				return false, werr
			}
		}

		if !claimed {
			tok, ok, cerr := r.arbiter.TryClaim(ctx, taskID)
			if cerr != nil {
				lastErr = cerr
				log.WithFields(logrus.Fields{"attempt": attempt, "error": cerr}).
					Error("claim attempt failed")
				continue
			}
			if !ok {
				// Another worker owns this task. Not our job, not an error.
				log.Debug("skipping task claimed elsewhere")
				return false, nil
			}
			token, claimed = tok, true
		}

		if perr := fn(ctx); perr != nil {
			lastErr = perr
			log.WithFields(logrus.Fields{"attempt": attempt, "error": perr}).
				Error("processing attempt failed")
			continue
		}

		return true, nil
	}

	terminal := &TerminalError{TaskID: taskID, Attempts: r.maxRetries, Err: lastErr}
	r.publishTerminal(ctx, taskID, goal, terminal)
	return false, terminal
}

func (r *Runner) backoff(attempt int) time.Duration {
	return r.baseDelay << uint(attempt)
}

func (r *Runner) publishTerminal(ctx context.Context, taskID, goal string, terr *TerminalError) {
	payload := events.Payload{
		"task_id":   taskID,
		"error":     terr.Err.Error(),
		"goal":      goal,
		"timestamp": events.Timestamp(r.now()),
		"service":   r.service,
	}
	if err := r.bus.Publish(context.WithoutCancel(ctx), events.TopicTaskError, payload); err != nil {
		r.log.WithFields(logrus.Fields{"task_id": taskID, "error": err}).
			Error("failed to publish terminal error event")
	}
}
