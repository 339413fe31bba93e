package telemetry

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// NoData is reported for aggregates that have not received a reading.
const NoData = "no data yet"

// Summary renders the tracked aggregates as display text, keyed by entry name
// and ordered by channel registration. Values are converted to display units.
//
//	Max Engine Speed      -> 3500.00 rpm
//	Start Fuel Level      -> 80.00%
//	Min Fuel Level        -> 72.50%
//	Fuel Level Used       -> 7.50%
func (a *Aggregator) Summary() *orderedmap.OrderedMap[string, string] {
	states := a.Snapshot()
	out := orderedmap.New[string, string]()

	for i, ch := range a.registry.Channels() {
		st := states[i]
		format := func(v float32) string {
			if !st.SeenFirst {
				return NoData
			}
			return ch.Format(v)
		}

		if ch.TracksMax {
			out.Set("Max "+ch.Name, format(st.Max))
		}
		if ch.LatchesStart {
			out.Set("Start "+ch.Name, format(st.Start))
		}
		if ch.TracksMin {
			out.Set("Min "+ch.Name, format(st.Min))
		}
		if ch.LatchesStart && ch.TracksMin {
			out.Set(ch.Name+" Used", format(st.Start-st.Min))
		}
	}
	return out
}
