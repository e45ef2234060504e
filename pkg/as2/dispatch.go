package as2

import (
	"context"
	"time"
)

// Dispatcher runs deferred work after the HTTP response is complete.
type Dispatcher interface {
	Dispatch(delay time.Duration, task func(ctx context.Context))
}

// TimerDispatcher runs each task on its own timer goroutine.
type TimerDispatcher struct{}

// Dispatch schedules task after delay.
func (TimerDispatcher) Dispatch(delay time.Duration, task func(ctx context.Context)) {
	time.AfterFunc(delay, func() { task(context.Background()) })
}

// Recorder receives processing outcomes, typically for metrics.
type Recorder interface {
	// Received is called once per inbound transmission.
	Received(kind, outcome string, elapsed time.Duration)
	// MDNSent is called for every MDN returned or delivered.
	MDNSent(mode, outcome string)
}

// Transmission kinds and outcomes reported to a Recorder.
const (
	KindMessage = "message"
	KindMDN     = "mdn"
	KindUnknown = "unknown"

	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"

	ModeSync  = "sync"
	ModeAsync = "async"
)

type nopRecorder struct{}

func (nopRecorder) Received(string, string, time.Duration) {}
func (nopRecorder) MDNSent(string, string)                 {}

// Transmission describes the HTTP request an inbound message or MDN
// arrived on. Handlers read it with TransmissionFromContext.
type Transmission struct {
	Remote  string
	Archive string
}

type transmissionKey struct{}

// ContextWithTransmission returns a copy of ctx carrying t.
func ContextWithTransmission(ctx context.Context, t Transmission) context.Context {
	return context.WithValue(ctx, transmissionKey{}, t)
}

// TransmissionFromContext returns the transmission details stored by the
// server.
func TransmissionFromContext(ctx context.Context) (Transmission, bool) {
	t, ok := ctx.Value(transmissionKey{}).(Transmission)
	return t, ok
}
