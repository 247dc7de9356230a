// Package flow models the lifecycle of one logical request as an ordered
// stream of signals (zero or more values followed by exactly one completion
// or failure) and bridges those signals to contextual logging. Handlers
// built with OnSignal run their log action inside a diagnostic install/clear
// cycle so that every line emitted by the action carries the request context
// fields ambiently.
package flow

import (
	"context"
	"sync"

	"github.com/fluxlog/fluxlog/pkg/diagnostic"
	"github.com/fluxlog/fluxlog/pkg/infrastructure/logger"
	"github.com/fluxlog/fluxlog/pkg/reqcontext"
)

// SignalType discriminates the lifecycle events of a flow.
type SignalType int

const (
	// ValueEmitted marks an intermediate value produced by the flow.
	ValueEmitted SignalType = iota
	// Completed marks successful termination of the flow.
	Completed
	// Failed marks termination of the flow with an error.
	Failed
)

// String returns the wire name of the signal type.
func (t SignalType) String() string {
	switch t {
	case ValueEmitted:
		return "value"
	case Completed:
		return "complete"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Signal is one observable lifecycle event of a flow, together with the
// request context visible at the point it was observed.
type Signal struct {
	Type    SignalType
	Value   any
	Err     error
	Context *reqcontext.Context
}

// Handler consumes signals delivered by a flow.
type Handler func(Signal)

// OnSignal builds a Handler that, for every signal accepted by filter,
// installs the signal's context fields into the diagnostic store, runs
// action, and clears the store again. The clear runs even when action
// panics; the panic is logged and swallowed so that a failing log action
// never aborts the flow. A nil filter accepts every signal.
func OnSignal(filter func(Signal) bool, action func(Signal)) Handler {
	return func(s Signal) {
		if filter != nil && !filter(s) {
			return
		}
		diagnostic.WithFields(s.Context.Map(), func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Logger().WithField("panic", r).Error("log action panicked")
				}
			}()
			action(s)
		})
	}
}

// OnValue builds a Handler that fires only for emitted values.
func OnValue(action func(value any)) Handler {
	return OnSignal(
		func(s Signal) bool { return s.Type == ValueEmitted },
		func(s Signal) { action(s.Value) },
	)
}

// OnComplete builds a Handler that fires only on successful completion.
func OnComplete(action func()) Handler {
	return OnSignal(
		func(s Signal) bool { return s.Type == Completed },
		func(Signal) { action() },
	)
}

// OnError builds a Handler that fires only on failure.
func OnError(action func(err error)) Handler {
	return OnSignal(
		func(s Signal) bool { return s.Type == Failed },
		func(s Signal) { action(s.Err) },
	)
}

type flowState int32

const (
	stateRunning flowState = iota
	stateCompleted
	stateFailed
	stateCancelled
)

// Flow is the handle for one logical request. It carries the propagation
// context and delivers lifecycle signals, in order, to its subscribed
// handlers. A Flow is safe for concurrent use; signal delivery for one flow
// is serialized so handlers observe the flow's natural order.
type Flow struct {
	mu         sync.Mutex
	dispatchMu sync.Mutex
	ctx        context.Context
	handlers   []Handler
	state      flowState
}

// New creates a running flow bound to ctx. Cancelling ctx stops signal
// delivery at the next emission attempt. A nil ctx defaults to
// context.Background().
func New(ctx context.Context) *Flow {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Flow{ctx: ctx}
}

// Context returns the flow's current propagation context.
func (f *Flow) Context() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}

// Attach binds rc to the flow from this point on. Signals emitted after
// Attach carry rc; signals already delivered, and context references
// captured before the call, are unaffected.
func (f *Flow) Attach(rc *reqcontext.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctx = reqcontext.With(f.ctx, rc)
}

// Subscribe registers handlers for all subsequent signals of the flow. Each
// handler evaluates independently and performs its own diagnostic cycle.
func (f *Flow) Subscribe(handlers ...Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handlers...)
}

// Emit delivers a value signal. It is a no-op once the flow is terminated
// or its context is cancelled.
func (f *Flow) Emit(value any) {
	f.dispatch(Signal{Type: ValueEmitted, Value: value}, stateRunning)
}

// Complete delivers the completion signal and terminates the flow.
func (f *Flow) Complete() {
	f.dispatch(Signal{Type: Completed}, stateCompleted)
}

// Fail delivers the failure signal and terminates the flow.
func (f *Flow) Fail(err error) {
	f.dispatch(Signal{Type: Failed, Err: err}, stateFailed)
}

// Cancel stops the flow without a terminal signal. No signal is delivered
// past the cancellation point.
func (f *Flow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == stateRunning {
		f.state = stateCancelled
	}
}

// Terminated reports whether the flow has completed, failed or been
// cancelled.
func (f *Flow) Terminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != stateRunning
}

// dispatch validates the transition, snapshots context and handlers, and
// delivers the signal. Delivery holds dispatchMu only, so handlers may
// subscribe or attach without deadlocking; per-flow ordering is preserved
// because every delivery for this flow goes through the same lock.
func (f *Flow) dispatch(s Signal, next flowState) {
	f.dispatchMu.Lock()
	defer f.dispatchMu.Unlock()

	f.mu.Lock()
	if f.state != stateRunning {
		f.mu.Unlock()
		return
	}
	if f.ctx.Err() != nil {
		f.state = stateCancelled
		f.mu.Unlock()
		return
	}
	f.state = next
	s.Context = reqcontext.FromContext(f.ctx)
	handlers := make([]Handler, len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()

	for _, h := range handlers {
		h(s)
	}
}
