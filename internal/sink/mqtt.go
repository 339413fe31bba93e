package sink

import (
	"encoding/json"
	"fmt"

	"github.com/CalebKornegay/DigitalDash/internal/mqtt"
	"github.com/CalebKornegay/DigitalDash/internal/telemetry"
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Publisher publishes a payload to a topic. *mqtt.Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// ChannelConfig is the retained per-channel description announced before the first reading.
type ChannelConfig struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	StateTopic        string `json:"state_topic"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	AvailabilityTopic string `json:"availability_topic"`
}

// MQTT forwards readings to a broker. Each channel is announced once on its
// config topic; a reading equal to the last published value is skipped.
type MQTT struct {
	publisher Publisher
	baseTopic string
	logger    *logrus.Logger

	announced *hashmap.Map[string, bool]
	last      *hashmap.Map[string, float64]
}

// NewMQTT creates a sink publishing below baseTopic.
func NewMQTT(publisher Publisher, baseTopic string, logger *logrus.Logger) *MQTT {
	if logger == nil {
		logger = logrus.New()
	}
	return &MQTT{
		publisher: publisher,
		baseTopic: baseTopic,
		logger:    logger,
		announced: hashmap.New[string, bool](),
		last:      hashmap.New[string, float64](),
	}
}

// StateTopic returns the topic readings of ch are published on.
func (m *MQTT) StateTopic(ch *telemetry.Channel) string {
	return mqtt.BuildCleanTopic(m.baseTopic, ch.Name, "state")
}

// ConfigTopic returns the retained announcement topic of ch.
func (m *MQTT) ConfigTopic(ch *telemetry.Channel) string {
	return mqtt.BuildCleanTopic(m.baseTopic, ch.Name, "config")
}

// SummaryTopic returns the retained summary topic.
func (m *MQTT) SummaryTopic() string {
	return mqtt.BuildCleanTopic(m.baseTopic, "summary")
}

// Publish forwards one reading. Errors are logged; the session never blocks on the broker state.
func (m *MQTT) Publish(u telemetry.Update) {
	ch := u.Channel
	entry := m.logger.WithFields(logrus.Fields{
		"channel": ch.Name,
		"seq":     u.Seq,
	})

	if _, loaded := m.announced.GetOrInsert(ch.ID, true); !loaded {
		if err := m.announce(ch); err != nil {
			m.announced.Del(ch.ID)
			entry.WithError(err).Warn("Failed to announce channel")
		}
	}

	if prev, ok := m.last.Get(ch.ID); ok && prev == u.Value {
		entry.Trace("Skipping unchanged reading")
		return
	}

	payload, err := json.Marshal(NewReading(u))
	if err != nil {
		entry.WithError(err).Warn("Failed to encode reading")
		return
	}
	if err := m.publisher.Publish(m.StateTopic(ch), payload, false); err != nil {
		entry.WithError(err).Warn("Failed to publish reading")
		return
	}
	m.last.Set(ch.ID, u.Value)
}

func (m *MQTT) announce(ch *telemetry.Channel) error {
	cfg := ChannelConfig{
		Name:              ch.Name,
		UniqueID:          fmt.Sprintf("digidash_%s", ch.ID),
		StateTopic:        m.StateTopic(ch),
		UnitOfMeasurement: ch.Unit,
		AvailabilityTopic: mqtt.BuildCleanTopic(m.baseTopic, "availability"),
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal channel config: %w", err)
	}
	return m.publisher.Publish(m.ConfigTopic(ch), payload, true)
}

// PublishSummary publishes the session summary as a retained JSON object in summary order.
func (m *MQTT) PublishSummary(summary *orderedmap.OrderedMap[string, string]) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return m.publisher.Publish(m.SummaryTopic(), payload, true)
}
