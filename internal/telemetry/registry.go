package telemetry

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/CalebKornegay/DigitalDash/internal/bledb"
)

// Registry is the immutable channel table, keyed by normalized characteristic UUID.
// Iteration follows registration order.
type Registry struct {
	channels *orderedmap.OrderedMap[string, *Channel]
}

// NewRegistry builds a registry from an ordered channel list.
// Identifiers are normalized; empty, malformed or duplicate identifiers are rejected.
func NewRegistry(channels []Channel) (*Registry, error) {
	om := orderedmap.New[string, *Channel]()
	for i := range channels {
		ch := channels[i]
		id := bledb.NormalizeUUID(ch.ID)
		if id == "" {
			return nil, fmt.Errorf("channel %q at index %d has invalid identifier %q", ch.Name, i, ch.ID)
		}
		if _, exists := om.Get(id); exists {
			return nil, fmt.Errorf("duplicate channel identifier %q", id)
		}
		ch.ID = id
		om.Set(id, &ch)
	}
	return &Registry{channels: om}, nil
}

// DefaultRegistry returns the registry built from DefaultChannels.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultChannels())
	if err != nil {
		panic(fmt.Sprintf("telemetry: invalid default channel table: %v", err))
	}
	return r
}

// Lookup returns the channel for a characteristic UUID in any accepted form.
func (r *Registry) Lookup(id string) (*Channel, bool) {
	return r.channels.Get(bledb.NormalizeUUID(id))
}

// Channels returns the channels in registration order.
func (r *Registry) Channels() []*Channel {
	out := make([]*Channel, 0, r.channels.Len())
	for pair := r.channels.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// IDs returns the channel identifiers in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, r.channels.Len())
	for pair := r.channels.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	return r.channels.Len()
}
