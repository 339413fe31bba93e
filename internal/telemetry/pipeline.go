package telemetry

import (
	"fmt"
	"sync/atomic"
)

// Update is what a Sink receives for every successfully decoded reading.
type Update struct {
	Channel *Channel
	Label   string  // "Engine Speed: "
	Unit    string  // " rpm"
	Value   float64 // converted to display units
	Raw     float32 // as decoded from the wire
	Seq     uint64  // arrival order across all channels
	State   AggregateState
}

// String renders the update the way the dashboard displays it.
func (u Update) String() string {
	return fmt.Sprintf("%s%.2f%s", u.Label, u.Value, u.Unit)
}

// Sink receives decoded readings for display or forwarding.
type Sink interface {
	Publish(u Update)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(u Update)

func (f SinkFunc) Publish(u Update) { f(u) }

// Pipeline routes a raw notification through registry, decoder and aggregator.
type Pipeline struct {
	registry   *Registry
	aggregator *Aggregator
	seq        atomic.Uint64
}

// NewPipeline wires a registry and the aggregator that owns its state.
func NewPipeline(registry *Registry, aggregator *Aggregator) *Pipeline {
	return &Pipeline{registry: registry, aggregator: aggregator}
}

// Process decodes and aggregates one payload. It fails with an
// *UnknownChannelError or a *DecodeError; in both cases the aggregator is untouched.
func (p *Pipeline) Process(id string, payload []byte) (Update, error) {
	ch, ok := p.registry.Lookup(id)
	if !ok {
		return Update{}, &UnknownChannelError{ID: id}
	}

	v, err := Decode(payload)
	if err != nil {
		return Update{}, fmt.Errorf("channel %s: %w", ch.ID, err)
	}

	st, err := p.aggregator.Update(ch, v)
	if err != nil {
		return Update{}, err
	}

	return Update{
		Channel: ch,
		Label:   ch.Label(),
		Unit:    ch.UnitSuffix(),
		Value:   ch.Convert(v),
		Raw:     v,
		Seq:     p.seq.Add(1),
		State:   st,
	}, nil
}

// Registry returns the registry the pipeline routes through.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Aggregator returns the aggregator the pipeline updates.
func (p *Pipeline) Aggregator() *Aggregator { return p.aggregator }
