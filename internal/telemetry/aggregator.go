package telemetry

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrUnknownChannel is matched by every UnknownChannelError.
var ErrUnknownChannel = errors.New("unknown channel")

// UnknownChannelError reports an identifier that is not in the registry.
type UnknownChannelError struct {
	ID string
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("%s %q", ErrUnknownChannel, e.ID)
}

func (e *UnknownChannelError) Is(target error) bool {
	return target == ErrUnknownChannel
}

// AggregateState is the running state of one channel for the current session.
// Max and Min hold -Inf/+Inf until the first reading. NaN readings update Last
// and Count only; SeenFirst is set by the first comparable reading.
type AggregateState struct {
	ChannelID string
	Last      float32
	Max       float32
	Min       float32
	Start     float32
	SeenFirst bool
	Count     uint64
}

func newAggregateState(id string) *AggregateState {
	return &AggregateState{
		ChannelID: id,
		Max:       float32(math.Inf(-1)),
		Min:       float32(math.Inf(1)),
	}
}

// Aggregator owns the per-channel AggregateState table.
// One state exists for each registered channel; Update never creates others.
type Aggregator struct {
	mu       sync.Mutex
	registry *Registry
	states   map[string]*AggregateState
}

// NewAggregator creates an aggregator with empty state for every channel of the registry.
func NewAggregator(registry *Registry) *Aggregator {
	a := &Aggregator{
		registry: registry,
		states:   make(map[string]*AggregateState, registry.Len()),
	}
	for _, id := range registry.IDs() {
		a.states[id] = newAggregateState(id)
	}
	return a
}

// Update applies one decoded reading and returns a copy of the resulting state.
func (a *Aggregator) Update(ch *Channel, v float32) (AggregateState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[ch.ID]
	if !ok {
		return AggregateState{}, &UnknownChannelError{ID: ch.ID}
	}

	st.Last = v
	st.Count++
	if math.IsNaN(float64(v)) {
		return *st, nil
	}

	first := !st.SeenFirst
	if ch.TracksMax && (first || v > st.Max) {
		st.Max = v
	}
	if ch.TracksMin && (first || v < st.Min) {
		st.Min = v
	}
	if ch.LatchesStart && first {
		st.Start = v
	}
	st.SeenFirst = true

	return *st, nil
}

// State returns a copy of one channel's state.
func (a *Aggregator) State(id string) (AggregateState, bool) {
	ch, ok := a.registry.Lookup(id)
	if !ok {
		return AggregateState{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.states[ch.ID], true
}

// Snapshot returns a copy of every state in registration order,
// including channels that have not received data yet.
func (a *Aggregator) Snapshot() []AggregateState {
	ids := a.registry.IDs()

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]AggregateState, 0, len(ids))
	for _, id := range ids {
		out = append(out, *a.states[id])
	}
	return out
}

// Reset clears every state back to "no data yet".
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.states {
		a.states[id] = newAggregateState(id)
	}
}
