package checkout

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"tradepost/internal/deadletter"
	"tradepost/internal/guard"
)

// Sink receives compensations that exhausted their retry budget.
type Sink interface {
	Record(ctx context.Context, failed deadletter.FailedCompensation) error
}

// OrchestratorConfig tunes the saga run.
type OrchestratorConfig struct {
	// Timeout bounds the whole forward flow; exceeded budget triggers
	// compensation exactly like a step failure.
	Timeout time.Duration
	// CriticalRetries bounds retry attempts for critical compensations
	// (balance, inventory); best-effort compensations run once.
	CriticalRetries   int
	CriticalBaseDelay time.Duration
}

// Orchestrator drives steps forward in declared order and, on failure,
// backward in exact reverse of actual execution.
type Orchestrator struct {
	steps    []Step
	registry *Registry
	critical map[string]bool
	cfg      OrchestratorConfig
	sink     Sink
	sleep    func(context.Context, time.Duration) error
	logf     func(format string, args ...any)
	observer Observer
}

// Observer receives orchestration telemetry. All methods must be cheap.
type Observer interface {
	SagaSucceeded(steps int)
	SagaCompensated(executed int)
	CompensationFailed(step string)
	UnknownStepSkipped(step string)
}

type nopObserver struct{}

func (nopObserver) SagaSucceeded(int)         {}
func (nopObserver) SagaCompensated(int)       {}
func (nopObserver) CompensationFailed(string) {}
func (nopObserver) UnknownStepSkipped(string) {}

// NewOrchestrator builds an orchestrator over the given steps. Steps run
// in ascending Order(). Balance and inventory compensations are treated
// as critical: a residual mutation there has direct financial impact.
func NewOrchestrator(steps []Step, sink Sink, cfg OrchestratorConfig, logf func(format string, args ...any)) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CriticalRetries < 1 {
		cfg.CriticalRetries = 5
	}
	if cfg.CriticalBaseDelay <= 0 {
		cfg.CriticalBaseDelay = 100 * time.Millisecond
	}
	if logf == nil {
		logf = log.Printf
	}

	ordered := make([]Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order() < ordered[j].Order() })

	return &Orchestrator{
		steps:    ordered,
		registry: NewRegistry(steps...),
		critical: map[string]bool{
			StepDeductBalance:   true,
			StepDeductInventory: true,
		},
		cfg:      cfg,
		sink:     sink,
		sleep:    guard.SleepWithContext,
		logf:     logf,
		observer: nopObserver{},
	}
}

// SetObserver attaches orchestration telemetry.
func (o *Orchestrator) SetObserver(obs Observer) {
	if obs != nil {
		o.observer = obs
	}
}

// Run executes the saga forward; on any step failure or timeout it
// compensates executed steps in reverse and returns the original error.
// The caller never sees a nil error unless every forward step succeeded.
func (o *Orchestrator) Run(ctx context.Context, sc *Context) error {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	for _, step := range o.steps {
		// Cancellation is checked at step boundaries, never mid-step.
		if runCtx.Err() != nil {
			err := &TimeoutError{Completed: len(sc.Executed), Total: len(o.steps)}
			o.logf("saga timed out for user %s: %v", sc.UserID, err)
			o.compensate(ctx, sc)
			return err
		}
		if err := step.Execute(runCtx, sc); err != nil {
			// A deadline that expired mid-step is still a saga timeout,
			// not a step fault.
			if errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil {
				terr := &TimeoutError{Completed: len(sc.Executed), Total: len(o.steps)}
				o.logf("saga timed out for user %s in step %s: %v", sc.UserID, step.Name(), terr)
				o.compensate(ctx, sc)
				return terr
			}
			o.logf("saga step %s failed for user %s: %v", step.Name(), sc.UserID, err)
			o.compensate(ctx, sc)
			return &StepError{Step: step.Name(), Err: err}
		}
		sc.MarkExecuted(step.Name())
	}

	o.observer.SagaSucceeded(len(sc.Executed))
	return nil
}

// Compensate rolls back the executed steps of a saga whose forward flow
// already finished. It covers failures that happen after Run returned
// nil, such as the order completion transaction not committing.
func (o *Orchestrator) Compensate(ctx context.Context, sc *Context) {
	o.compensate(ctx, sc)
}

// compensate walks the executed list in reverse. It never aborts on a
// single failure: exhausted compensations go to the dead-letter sink and
// the loop continues with the remaining steps.
func (o *Orchestrator) compensate(ctx context.Context, sc *Context) {
	// Compensation must proceed even when the forward flow's context
	// already expired.
	ctx = context.WithoutCancel(ctx)

	for i := len(sc.Executed) - 1; i >= 0; i-- {
		name := sc.Executed[i]
		step, ok := o.registry.Lookup(name)
		if !ok {
			o.logf("compensation: no step registered for %q, skipping", name)
			o.observer.UnknownStepSkipped(name)
			continue
		}

		if err := o.compensateStep(ctx, step, sc); err != nil {
			o.logf("compensation of %s failed for order %s: %v", name, sc.OrderID, err)
			o.observer.CompensationFailed(name)
			o.report(ctx, step, sc, err)
		}
	}

	o.observer.SagaCompensated(len(sc.Executed))
}

func (o *Orchestrator) compensateStep(ctx context.Context, step Step, sc *Context) error {
	attempts := 1
	if o.critical[step.Name()] {
		attempts = o.cfg.CriticalRetries
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = step.Compensate(ctx, sc); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay := o.cfg.CriticalBaseDelay << (attempt - 1)
		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
	return err
}

func (o *Orchestrator) report(ctx context.Context, step Step, sc *Context, cause error) {
	if o.sink == nil {
		return
	}
	failed := deadletter.NewFailedCompensation(sc.OrderID, sc.UserID, step.Name(), step.Order(), cause, sc.Snapshot())
	if err := o.sink.Record(ctx, failed); err != nil {
		o.logf("dead-letter record for step %s failed: %v", step.Name(), err)
	}
}
