// Package status drives the external state indicator. The GPIO pin
// itself belongs to the platform layer; the blinker emits on/off edges
// to a Sink, and the default sink just logs them.
package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/oliya09/CubeSat-1u/internal/protocol"
)

// Step is one edge of an indicator pattern.
type Step struct {
	On  bool
	Len time.Duration
}

// PatternFor returns the indicator cadence for a flight state: slow
// heartbeat when nominal, fast blink while capturing, double blink
// while transmitting, continuous fast blink on error, solid otherwise.
func PatternFor(st protocol.SystemState) []Step {
	switch st {
	case protocol.StateNominal:
		return []Step{{true, time.Second}, {false, time.Second}}
	case protocol.StateImageCapture:
		steps := make([]Step, 0, 10)
		for i := 0; i < 5; i++ {
			steps = append(steps, Step{true, 100 * time.Millisecond}, Step{false, 100 * time.Millisecond})
		}
		return steps
	case protocol.StateDataTx:
		return []Step{
			{true, 200 * time.Millisecond},
			{false, 200 * time.Millisecond},
			{true, 200 * time.Millisecond},
			{false, 400 * time.Millisecond},
		}
	case protocol.StateError:
		return []Step{{true, 100 * time.Millisecond}, {false, 100 * time.Millisecond}}
	default:
		// Boot, safe and the remaining states hold the indicator solid.
		return []Step{{true, 2 * time.Second}}
	}
}

// Sink receives indicator edges.
type Sink interface {
	Set(on bool)
}

// LogSink is the software-only indicator used when no GPIO is wired.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Set(on bool) {
	s.Logger.Debug("status indicator", "on", on)
}

// Blinker plays the pattern for the current state until ctx ends,
// re-reading the state between patterns so transitions show within one
// cycle.
type Blinker struct {
	sink  Sink
	state func() protocol.SystemState
}

func NewBlinker(sink Sink, state func() protocol.SystemState) *Blinker {
	return &Blinker{sink: sink, state: state}
}

func (b *Blinker) Run(ctx context.Context) {
	for {
		for _, step := range PatternFor(b.state()) {
			b.sink.Set(step.On)
			if !sleepCtx(ctx, step.Len) {
				// Leave the indicator dark on shutdown.
				b.sink.Set(false)
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
