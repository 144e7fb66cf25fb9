package checkout

import "context"

// Step names. Recorded in the context's executed list and resolved back
// through the registry during compensation, so they must stay stable.
const (
	StepCreateOrder     = "create_order"
	StepDeductBalance   = "deduct_balance"
	StepDeductInventory = "deduct_inventory"
	StepUseCoupon       = "use_coupon"
)

// Step is one unit of saga work over a single resource. Execute is called
// at most once per run; Compensate must be a no-op when the corresponding
// context flag is unset.
type Step interface {
	Name() string
	Order() int
	Execute(ctx context.Context, sc *Context) error
	Compensate(ctx context.Context, sc *Context) error
}

// timedStep wraps a Step, reporting each forward execution's duration
// and outcome through the start hook.
type timedStep struct {
	Step
	start func(name string) func(error)
}

// InstrumentStep returns a Step whose Execute is timed. start is called
// with the step name and returns the closer invoked with the outcome.
func InstrumentStep(s Step, start func(name string) func(error)) Step {
	if start == nil {
		return s
	}
	return &timedStep{Step: s, start: start}
}

func (t *timedStep) Execute(ctx context.Context, sc *Context) error {
	done := t.start(t.Name())
	err := t.Step.Execute(ctx, sc)
	done(err)
	return err
}

// Registry resolves recorded step names back to implementations. It is
// built once at startup; compensation never resolves steps reflectively.
type Registry struct {
	byName map[string]Step
}

// NewRegistry indexes the given steps by name.
func NewRegistry(steps ...Step) *Registry {
	byName := make(map[string]Step, len(steps))
	for _, s := range steps {
		byName[s.Name()] = s
	}
	return &Registry{byName: byName}
}

// Lookup returns the step registered under name.
func (r *Registry) Lookup(name string) (Step, bool) {
	s, ok := r.byName[name]
	return s, ok
}
