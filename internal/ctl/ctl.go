// Package ctl coordinates concurrent calls to the same logical operation.
//
// An Action collapses calls that arrive while an execution is in flight
// into that execution, optionally remembers the first outcome forever
// (Once), or queues a single follow-up execution (Pending).
package ctl

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vdust/partage/internal/metrics"
)

// Mode selects how an Action treats calls arriving during an execution.
type Mode int

const (
	// Collapse joins the in-flight execution and shares its outcome.
	Collapse Mode = iota
	// Once runs at most one execution; later calls replay its outcome.
	Once
	// Pending schedules exactly one follow-up execution after the current
	// one, however many calls arrive meanwhile.
	Pending
)

func (m Mode) String() string {
	switch m {
	case Collapse:
		return "collapse"
	case Once:
		return "once"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Func is the work coordinated by an Action.
type Func[T any] func(ctx context.Context) (T, error)

// Option configures an Action.
type Option func(*options)

type options struct {
	mode  Mode
	modes int
	flags *Flags
	conds []string
}

// WithMode sets the coordination mode.
func WithMode(m Mode) Option {
	return func(o *options) {
		if o.modes > 0 && o.mode != m {
			panic("ctl: conflicting modes " + o.mode.String() + " and " + m.String())
		}
		o.mode = m
		o.modes++
	}
}

// WithCond ties the action to flags: names are set when an execution
// succeeds and cleared when it fails or a follow-up gets scheduled. While
// all of them are set, Do returns the last successful result without
// running.
func WithCond(flags *Flags, names ...string) Option {
	return func(o *options) {
		if flags == nil {
			panic("ctl: WithCond requires flags")
		}
		o.flags = flags
		o.conds = append(o.conds, names...)
	}
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error

	// set for pending follow-ups until they start
	fn  Func[T]
	ctx context.Context
}

func newCall[T any]() *call[T] {
	return &call[T]{done: make(chan struct{})}
}

// Action is the coordination state of one named operation.
type Action[T any] struct {
	name string
	opts options

	mu      sync.Mutex
	running *call[T]
	pending *call[T]
	settled *call[T] // Once outcome
	last    T        // last successful result

	executions atomic.Int64
}

// New creates an action. The name labels metrics.
func New[T any](name string, opts ...Option) *Action[T] {
	a := &Action[T]{name: name}
	for _, opt := range opts {
		opt(&a.opts)
	}
	return a
}

// Name returns the action name.
func (a *Action[T]) Name() string {
	return a.name
}

// Executions returns how many times the action actually ran.
func (a *Action[T]) Executions() int64 {
	return a.executions.Load()
}

// Do runs fn, or waits for an execution started by another caller,
// according to the action mode. Canceling ctx only stops the wait: a
// started execution always runs to completion with a context that is
// never canceled.
func (a *Action[T]) Do(ctx context.Context, fn Func[T]) (T, error) {
	if fn == nil {
		panic("ctl: nil func for action " + a.name)
	}

	a.mu.Lock()
	if c := a.settled; c != nil {
		a.mu.Unlock()
		metrics.RecordCtlJoined(a.name)
		return c.val, c.err
	}
	if a.running == nil && a.opts.flags != nil && a.opts.flags.All(a.opts.conds...) {
		last := a.last
		a.mu.Unlock()
		return last, nil
	}

	var c *call[T]
	switch {
	case a.running == nil:
		c = newCall[T]()
		a.start(c, ctx, fn)
	case a.opts.mode == Pending:
		if a.pending == nil {
			a.pending = newCall[T]()
			if a.opts.flags != nil {
				a.opts.flags.Clear(a.opts.conds...)
			}
		}
		// The follow-up runs the latest request.
		a.pending.fn, a.pending.ctx = fn, ctx
		c = a.pending
		metrics.RecordCtlJoined(a.name)
	default:
		c = a.running
		metrics.RecordCtlJoined(a.name)
	}
	a.mu.Unlock()

	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// start launches c. Must be called with a.mu held.
func (a *Action[T]) start(c *call[T], ctx context.Context, fn Func[T]) {
	a.running = c
	a.executions.Add(1)
	metrics.RecordCtlExecution(a.name)

	var gens []uint64
	if a.opts.flags != nil {
		gens = a.opts.flags.snapshot(a.opts.conds)
	}
	go a.run(c, context.WithoutCancel(ctx), fn, gens)
}

func (a *Action[T]) run(c *call[T], ctx context.Context, fn Func[T], gens []uint64) {
	val, err := fn(ctx)

	if flags := a.opts.flags; flags != nil {
		if err == nil {
			flags.setIf(a.opts.conds, gens)
		} else {
			flags.Clear(a.opts.conds...)
		}
	}

	a.mu.Lock()
	c.val, c.err = val, err
	if err == nil {
		a.last = val
	}
	a.running = nil
	if a.opts.mode == Once {
		a.settled = c
	}
	if next := a.pending; next != nil {
		a.pending = nil
		nextFn, nextCtx := next.fn, next.ctx
		next.fn, next.ctx = nil, nil
		a.start(next, nextCtx, nextFn)
	}
	a.mu.Unlock()

	close(c.done)
}

// Running reports whether an execution is in flight.
func (a *Action[T]) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running != nil
}
