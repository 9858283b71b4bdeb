package app

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/oliya09/CubeSat-1u/internal/protocol"
)

// machine guards the flight state and enforces the allowed moves.
// ERROR is terminal for the session; the transient capture/transmit
// states auto-revert through the release func from beginTransient.
type machine struct {
	mu     sync.Mutex
	state  protocol.SystemState
	logger *slog.Logger

	// onEnter fires for every entered state; onEvent only for durable
	// transitions, so the event log is not flooded by transient flips.
	onEnter func(protocol.SystemState)
	onEvent func(level, msg string)
}

func newMachine(logger *slog.Logger, onEnter func(protocol.SystemState), onEvent func(level, msg string)) *machine {
	return &machine{
		state:   protocol.StateBoot,
		logger:  logger,
		onEnter: onEnter,
		onEvent: onEvent,
	}
}

func (m *machine) current() protocol.SystemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// set performs a durable transition. Setting the current state again
// is a no-op.
func (m *machine) set(to protocol.SystemState, reason string) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("state transition %s -> %s not allowed", from, to)
	}
	m.state = to
	m.mu.Unlock()

	m.logger.Info("state transition", "from", from.String(), "to", to.String(), "reason", reason)
	if m.onEnter != nil {
		m.onEnter(to)
	}
	if m.onEvent != nil {
		m.onEvent("info", fmt.Sprintf("state %s -> %s (%s)", from, to, reason))
	}
	return nil
}

// beginTransient enters a transient state when the satellite is
// NOMINAL and returns a release func reverting to NOMINAL. If
// something else moved the state in between, the later transition
// wins and release does nothing.
func (m *machine) beginTransient(to protocol.SystemState) func() {
	m.mu.Lock()
	if m.state != protocol.StateNominal || !to.Transient() {
		m.mu.Unlock()
		return func() {}
	}
	m.state = to
	m.mu.Unlock()

	m.logger.Debug("state transition", "from", protocol.StateNominal.String(), "to", to.String(), "reason", "transient")
	if m.onEnter != nil {
		m.onEnter(to)
	}

	return func() {
		m.mu.Lock()
		if m.state != to {
			m.mu.Unlock()
			return
		}
		m.state = protocol.StateNominal
		m.mu.Unlock()

		m.logger.Debug("state transition", "from", to.String(), "to", protocol.StateNominal.String(), "reason", "transient complete")
		if m.onEnter != nil {
			m.onEnter(protocol.StateNominal)
		}
	}
}

// allowed encodes the transition graph: BOOT leads to NOMINAL, the
// steady states move freely among themselves, the transient states
// only exist next to NOMINAL, anything may fail into ERROR and
// nothing leaves it.
func allowed(from, to protocol.SystemState) bool {
	if from == protocol.StateError {
		return false
	}
	if to == protocol.StateError {
		return true
	}

	switch from {
	case protocol.StateBoot:
		return to == protocol.StateNominal
	case protocol.StateImageCapture, protocol.StateDataTx:
		// A commanded mode change during a transient operation wins.
		return steady(to)
	default:
		if steady(from) {
			return steady(to) || (from == protocol.StateNominal && to.Transient())
		}
		return false
	}
}

func steady(st protocol.SystemState) bool {
	switch st {
	case protocol.StateIdle, protocol.StateNominal, protocol.StateSafe, protocol.StateLowPower, protocol.StateEmergency:
		return true
	}
	return false
}
