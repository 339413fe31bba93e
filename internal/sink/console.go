package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/CalebKornegay/DigitalDash/internal/telemetry"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/term"
)

// Console output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Reading is the JSON form of one update, shared by the console and MQTT sinks.
// Non-finite values are encoded as null.
type Reading struct {
	Seq     uint64   `json:"seq"`
	Channel string   `json:"channel"`
	Name    string   `json:"name"`
	Value   *float64 `json:"value"`
	Unit    string   `json:"unit,omitempty"`
	Raw     *float32 `json:"raw"`
}

// NewReading converts an update to its JSON form.
func NewReading(u telemetry.Update) Reading {
	return Reading{
		Seq:     u.Seq,
		Channel: u.Channel.ID,
		Name:    u.Channel.Name,
		Value:   finite(u.Value),
		Unit:    u.Channel.Unit,
		Raw:     finite(u.Raw),
	}
}

func finite[T float32 | float64](v T) *T {
	if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &v
}

// Console prints readings one per line, coloured when writing to a terminal.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	format string
	logger *logrus.Logger

	label *color.Color
	value *color.Color
	title *color.Color
}

// NewConsole creates a console sink writing to out in the given format.
func NewConsole(out io.Writer, format string, logger *logrus.Logger) *Console {
	if logger == nil {
		logger = logrus.New()
	}
	if format != FormatJSON {
		format = FormatText
	}

	c := &Console{
		out:    out,
		format: format,
		logger: logger,
		label:  color.New(color.FgCyan),
		value:  color.New(color.Bold),
		title:  color.New(color.FgYellow, color.Bold),
	}

	if isTerminal(out) {
		c.label.EnableColor()
		c.value.EnableColor()
		c.title.EnableColor()
	} else {
		c.label.DisableColor()
		c.value.DisableColor()
		c.title.DisableColor()
	}
	return c
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Publish prints one reading.
func (c *Console) Publish(u telemetry.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.format == FormatJSON {
		err = json.NewEncoder(c.out).Encode(NewReading(u))
	} else {
		_, err = fmt.Fprintf(c.out, "%s%s\n", c.label.Sprint(u.Label), c.value.Sprintf("%.2f%s", u.Value, u.Unit))
	}
	if err != nil {
		c.logger.WithError(err).Warn("Failed to print reading")
	}
}

// PrintSummary prints the session summary.
func (c *Console) PrintSummary(summary *orderedmap.OrderedMap[string, string]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.format == FormatJSON {
		return json.NewEncoder(c.out).Encode(map[string]any{"summary": summary})
	}

	if _, err := fmt.Fprintln(c.out, c.title.Sprint("Session summary")); err != nil {
		return err
	}
	for pair := summary.Oldest(); pair != nil; pair = pair.Next() {
		if _, err := fmt.Fprintf(c.out, "  %s: %s\n", c.label.Sprint(pair.Key), c.value.Sprint(pair.Value)); err != nil {
			return err
		}
	}
	return nil
}
