package flow

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fluxlog/fluxlog/pkg/diagnostic"
	"github.com/fluxlog/fluxlog/pkg/reqcontext"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// TestSignalOrder tests that one flow delivers its signals in natural order
// and delivers exactly one terminal signal.
func TestSignalOrder(t *testing.T) {
	fl := New(context.Background())

	var types []SignalType
	fl.Subscribe(OnSignal(nil, func(s Signal) {
		types = append(types, s.Type)
	}))

	fl.Emit("first")
	fl.Emit("second")
	fl.Complete()
	fl.Complete()
	fl.Fail(errors.New("late"))
	fl.Emit("after terminal")

	assert.Equal(t, []SignalType{ValueEmitted, ValueEmitted, Completed}, types)
}

// TestConvenienceHandlers tests that OnValue, OnComplete and OnError fire
// only for their signal type.
func TestConvenienceHandlers(t *testing.T) {
	fl := New(context.Background())

	var values []any
	var completed bool
	var failures []error
	fl.Subscribe(
		OnValue(func(v any) { values = append(values, v) }),
		OnComplete(func() { completed = true }),
		OnError(func(err error) { failures = append(failures, err) }),
	)

	fl.Emit("payload")
	fl.Complete()

	assert.Equal(t, []any{"payload"}, values)
	assert.True(t, completed)
	assert.Empty(t, failures)
}

// TestFailDeliversError tests that a failed flow fires OnError with the
// original error and nothing else afterwards.
func TestFailDeliversError(t *testing.T) {
	fl := New(context.Background())

	var completed bool
	var failure error
	fl.Subscribe(
		OnComplete(func() { completed = true }),
		OnError(func(err error) { failure = err }),
	)

	cause := errors.New("boom")
	fl.Fail(cause)
	fl.Complete()

	assert.False(t, completed)
	assert.Equal(t, cause, failure)
}

// TestSignalContext tests that each signal carries the context attached at
// the point it was emitted, and that Attach shadows only later signals.
func TestSignalContext(t *testing.T) {
	ctx := reqcontext.With(context.Background(), reqcontext.New().SetCorrelator("corr-1"))
	fl := New(ctx)

	var correlators []string
	fl.Subscribe(OnSignal(nil, func(s Signal) {
		correlators = append(correlators, s.Context.Correlator())
	}))

	fl.Emit("before attach")
	fl.Attach(reqcontext.FromContext(fl.Context()).SetCorrelator("corr-2"))
	fl.Emit("after attach")
	fl.Complete()

	assert.Equal(t, []string{"corr-1", "corr-2", "corr-2"}, correlators)
	// The upstream context reference is unaffected by the re-attachment.
	assert.Equal(t, "corr-1", reqcontext.FromContext(ctx).Correlator())
}

// TestCancelStopsDelivery tests that no signal is delivered past an explicit
// cancellation.
func TestCancelStopsDelivery(t *testing.T) {
	fl := New(context.Background())

	var count int
	fl.Subscribe(OnSignal(nil, func(Signal) { count++ }))

	fl.Emit("delivered")
	fl.Cancel()
	fl.Emit("dropped")
	fl.Complete()
	fl.Fail(errors.New("dropped too"))

	assert.Equal(t, 1, count)
	assert.True(t, fl.Terminated())
}

// TestContextCancellationStopsDelivery tests that cancelling the flow's
// context stops delivery at the next emission attempt.
func TestContextCancellationStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fl := New(ctx)

	var count int
	fl.Subscribe(OnSignal(nil, func(Signal) { count++ }))

	fl.Emit("delivered")
	cancel()
	fl.Complete()

	assert.Equal(t, 1, count)
	assert.True(t, fl.Terminated())
}

// TestFilterSkipsInstall tests that a rejected signal causes no diagnostic
// store activity at all.
func TestFilterSkipsInstall(t *testing.T) {
	fl := New(reqcontext.With(context.Background(), reqcontext.New().SetCorrelator("corr-1")))

	var fired bool
	fl.Subscribe(OnSignal(
		func(Signal) bool { return false },
		func(Signal) { fired = true },
	))

	fl.Emit("ignored")
	fl.Complete()

	assert.False(t, fired)
	assert.Empty(t, diagnostic.Fields())
}

// TestActionPanicDoesNotAbortFlow tests that a panicking log action leaves
// the store cleared and does not prevent later handlers or signals.
func TestActionPanicDoesNotAbortFlow(t *testing.T) {
	fl := New(context.Background())

	var after []SignalType
	fl.Subscribe(
		OnValue(func(any) { panic("log action failure") }),
		OnSignal(nil, func(s Signal) { after = append(after, s.Type) }),
	)

	fl.Emit("value")
	fl.Complete()

	assert.Equal(t, []SignalType{ValueEmitted, Completed}, after)
	assert.Empty(t, diagnostic.Fields())
}

// TestHandlersRunOwnCycle tests that every handler observes exactly its own
// signal's fields in the store, with an installed store during the action
// and an empty one afterwards.
func TestHandlersRunOwnCycle(t *testing.T) {
	fl := New(reqcontext.With(context.Background(), reqcontext.New().SetCorrelator("corr-1")))

	var observed []string
	handler := func(Signal) {
		observed = append(observed, diagnostic.Fields()["corr"])
	}
	fl.Subscribe(OnSignal(nil, handler), OnSignal(nil, handler))

	fl.Complete()

	assert.Equal(t, []string{"corr-1", "corr-1"}, observed)
	assert.Empty(t, diagnostic.Fields())
}

// TestNoCrossContamination interleaves two flows on shared goroutines and
// checks every log line is tagged with the correlator of the flow that
// emitted it.
func TestNoCrossContamination(t *testing.T) {
	buf := &bytes.Buffer{}
	var bufMu sync.Mutex
	log := logrus.New()
	log.Out = &lockedWriter{mu: &bufMu, buf: buf}
	log.Hooks.Add(diagnostic.Hook{})

	run := func(correlator string) *Flow {
		fl := New(reqcontext.With(context.Background(), reqcontext.New().SetCorrelator(correlator)))
		fl.Subscribe(OnSignal(nil, func(s Signal) {
			log.WithField("flow", s.Context.Correlator()).Info("signal")
		}))
		return fl
	}

	flowA := run("corr-a")
	flowB := run("corr-b")

	var wg sync.WaitGroup
	for _, fl := range []*Flow{flowA, flowB} {
		wg.Add(1)
		go func(fl *Flow) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				fl.Emit(i)
			}
			fl.Complete()
		}(fl)
	}
	wg.Wait()

	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if bytes.Contains(line, []byte("flow=corr-a")) {
			assert.Contains(t, string(line), "corr=corr-a")
			assert.NotContains(t, string(line), "corr=corr-b")
		}
		if bytes.Contains(line, []byte("flow=corr-b")) {
			assert.Contains(t, string(line), "corr=corr-b")
			assert.NotContains(t, string(line), "corr=corr-a")
		}
	}
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
