package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/CalebKornegay/DigitalDash/internal/opqueue"
	"github.com/CalebKornegay/DigitalDash/internal/telemetry"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ConnectionState is the lifecycle phase of a Session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	ServicesDiscovering
	Subscribing
	Streaming
	Closing
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ServicesDiscovering:
		return "discovering_services"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChangeFunc observes session transitions. It is called without any lock held.
type StateChangeFunc func(from, to ConnectionState)

// FailureFunc receives non-fatal session errors: *TransportError,
// *SubscriptionFailure, *telemetry.UnknownChannelError and decode failures.
type FailureFunc func(err error)

// SessionOptions configures a Session. Transport and Pipeline are required.
type SessionOptions struct {
	Transport     Transport
	Pipeline      *telemetry.Pipeline
	Queue         *opqueue.Queue // nil creates a private queue
	Sink          telemetry.Sink // nil discards readings
	Logger        *logrus.Logger
	OnStateChange StateChangeFunc
	OnFailure     FailureFunc
}

// Session drives one peripheral from connect to teardown.
// Transport events are fed in through HandleEvent (or Run) from any goroutine.
type Session struct {
	transport Transport
	pipeline  *telemetry.Pipeline
	queue     *opqueue.Queue
	sink      telemetry.Sink
	logger    *logrus.Logger

	onStateChange StateChangeFunc
	onFailure     FailureFunc

	mu          sync.Mutex
	state       ConnectionState
	address     string
	outstanding int    // subscriptions not yet acknowledged
	released    bool   // transport closed for the current connection
	generation  uint64 // bumped on every Connect
}

// NewSession creates a disconnected session.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("session requires a transport")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("session requires a telemetry pipeline")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	queue := opts.Queue
	if queue == nil {
		queue = opqueue.New(logger, nil)
	}

	return &Session{
		transport:     opts.Transport,
		pipeline:      opts.Pipeline,
		queue:         queue,
		sink:          opts.Sink,
		logger:        logger,
		onStateChange: opts.OnStateChange,
		onFailure:     opts.OnFailure,
		state:         Disconnected,
		released:      true,
	}, nil
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Address returns the address of the last connection attempt.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Summary returns the formatted aggregate summary of the current session.
func (s *Session) Summary() *orderedmap.OrderedMap[string, string] {
	return s.pipeline.Aggregator().Summary()
}

// Snapshot returns all aggregate states in registration order.
func (s *Session) Snapshot() []telemetry.AggregateState {
	return s.pipeline.Aggregator().Snapshot()
}

// Connect starts connecting to the peripheral at address. The link is up once
// the transport reports EventConnected. Aggregates from a previous connection are reset.
func (s *Session) Connect(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return errors.New("device address is required")
	}

	s.mu.Lock()
	if s.state != Disconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrAlreadyConnected, state)
	}
	s.state = Connecting
	s.address = address
	s.outstanding = 0
	s.released = false
	s.generation++
	s.mu.Unlock()

	s.notify(Disconnected, Connecting)
	s.queue.Abandon()
	s.pipeline.Aggregator().Reset()

	s.logger.WithField("address", address).Info("Connecting to device...")

	if err := s.transport.Connect(ctx, address); err != nil {
		terr := &TransportError{Op: "connect", Err: NormalizeError(err)}
		s.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to connect to device")
		s.report(terr)
		s.teardown()
		return terr
	}
	return nil
}

// Close tears the session down: pending subscriptions are abandoned and the
// transport is closed once. Closing a disconnected session is a no-op.
func (s *Session) Close() error {
	return s.teardown()
}

// Run pumps transport events into HandleEvent until ctx ends or the event channel closes.
func (s *Session) Run(ctx context.Context, src EventSource) error {
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one transport event to the session.
func (s *Session) HandleEvent(ev Event) {
	switch ev.Kind {
	case EventConnected:
		s.onConnected()
	case EventDisconnected:
		s.onDisconnected(ev.Err)
	case EventServicesDiscovered:
		s.onServicesDiscovered(ev.Characteristics, ev.Err)
	case EventDescriptorWriteComplete:
		s.onDescriptorWritten(NormalizeUUID(ev.ChannelID), ev.Err)
	case EventCharacteristicChanged:
		s.onNotification(ev.ChannelID, ev.Data)
	default:
		s.logger.WithField("event", ev.Kind.String()).Warn("Ignoring unknown transport event")
	}
}

// --------------------------------------------------------------------------
// Event handlers
// --------------------------------------------------------------------------

func (s *Session) onConnected() {
	if !s.transition(Connecting, ServicesDiscovering) {
		s.logger.WithField("state", s.State().String()).Debug("Ignoring connected event")
		return
	}

	s.logger.WithField("address", s.Address()).Info("Connected, discovering services...")

	if err := s.transport.DiscoverServices(); err != nil {
		s.logger.WithError(err).Error("Failed to start service discovery")
		s.report(&TransportError{Op: "discover", Err: NormalizeError(err)})
	}
}

func (s *Session) onDisconnected(cause error) {
	state := s.State()
	entry := s.logger.WithFields(logrus.Fields{
		"address": s.Address(),
		"state":   state.String(),
	})
	if cause != nil {
		entry.WithError(cause).Warn("Device disconnected")
	} else {
		entry.Info("Device disconnected")
	}

	// A disconnect before the link came up is a failed dial.
	if cause != nil && state == Connecting {
		s.report(&TransportError{Op: "connect", Err: NormalizeError(cause)})
	}
	s.teardown()
}

func (s *Session) onServicesDiscovered(ids []string, err error) {
	if state := s.State(); state != ServicesDiscovering {
		s.logger.WithField("state", state.String()).Debug("Ignoring services discovered event")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Service discovery failed")
		s.report(&TransportError{Op: "discover", Err: NormalizeError(err)})
		return
	}

	found := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if n := NormalizeUUID(id); n != "" {
			found[n] = struct{}{}
		}
	}

	registry := s.pipeline.Registry()
	present := make([]*telemetry.Channel, 0, registry.Len())
	for _, ch := range registry.Channels() {
		if _, ok := found[ch.ID]; !ok {
			s.logger.WithFields(logrus.Fields{
				"channel":   ch.Name,
				"char_uuid": ch.ID,
			}).Warn("Channel not exposed by device, skipping")
			continue
		}
		present = append(present, ch)
	}
	for id := range found {
		if _, ok := registry.Lookup(id); !ok {
			s.logger.WithField("char_uuid", id).Debug("Ignoring unregistered characteristic")
		}
	}

	s.mu.Lock()
	s.outstanding = len(present)
	gen := s.generation
	s.mu.Unlock()

	if !s.transition(ServicesDiscovering, Subscribing) {
		return
	}

	s.logger.WithField("channels", len(present)).Info("Services discovered, subscribing to channels...")

	if len(present) == 0 {
		s.transition(Subscribing, Streaming)
		return
	}

	for _, ch := range present {
		if !s.subscribing(gen) {
			s.logger.WithField("state", s.State().String()).Debug("Session left subscribing, not enqueuing remaining channels")
			return
		}
		s.queue.Enqueue("subscribe "+ch.ID, s.subscribeOp(gen, ch))
	}
}

// subscribing reports whether the session is still subscribing for connection gen.
func (s *Session) subscribing(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Subscribing && s.generation == gen
}

// subscribeOp enables notifications for one channel: local notify flag, then the CCCD write.
// The write's acknowledgement arrives as EventDescriptorWriteComplete.
// An op that starts after teardown (or a reconnect) touches nothing and drops the queue.
func (s *Session) subscribeOp(gen uint64, ch *telemetry.Channel) func() error {
	return func() error {
		if !s.subscribing(gen) {
			s.logger.WithField("char_uuid", ch.ID).Debug("Session torn down, skipping subscription")
			s.queue.Abandon()
			return nil
		}

		s.logger.WithFields(logrus.Fields{
			"channel":   ch.Name,
			"char_uuid": ch.ID,
		}).Debug("Enabling notifications")

		if err := s.transport.SetNotify(ch.ID, true); err != nil {
			return s.subscriptionFailed(ch.ID, &TransportError{Op: "set_notify", Err: NormalizeError(err)})
		}
		if err := s.transport.WriteDescriptor(ch.ID, EnableNotificationValue); err != nil {
			return s.subscriptionFailed(ch.ID, &TransportError{Op: "write_descriptor", Err: NormalizeError(err)})
		}
		return nil
	}
}

func (s *Session) subscriptionFailed(id string, err error) error {
	failure := &SubscriptionFailure{ChannelID: id, Err: err}
	s.report(failure)
	s.subscriptionDone()
	return failure
}

func (s *Session) onDescriptorWritten(id string, err error) {
	if !s.queue.Executing() {
		s.logger.WithField("char_uuid", id).Debug("Ignoring descriptor write with no operation in flight")
		return
	}

	if err != nil {
		s.report(&SubscriptionFailure{ChannelID: id, Err: err})
	} else {
		s.logger.WithField("char_uuid", id).Debug("Notifications enabled")
	}

	s.subscriptionDone()
	s.queue.Complete(err)
}

// subscriptionDone accounts for one finished subscription and moves to
// Streaming after the last one.
func (s *Session) subscriptionDone() {
	s.mu.Lock()
	if s.outstanding > 0 {
		s.outstanding--
	}
	done := s.outstanding == 0 && s.state == Subscribing
	if done {
		s.state = Streaming
	}
	s.mu.Unlock()

	if done {
		s.notify(Subscribing, Streaming)
		s.logger.Info("All channel subscriptions processed, streaming")
	}
}

func (s *Session) onNotification(id string, data []byte) {
	u, err := s.pipeline.Process(id, data)
	if err != nil {
		entry := s.logger.WithFields(logrus.Fields{
			"char_uuid": id,
			"bytes":     len(data),
		})
		if errors.Is(err, telemetry.ErrUnknownChannel) {
			entry.Debug("Dropping notification for unknown channel")
		} else {
			entry.WithError(err).Warn("Dropping malformed notification")
		}
		s.report(err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"channel": u.Channel.Name,
		"value":   u.Value,
		"seq":     u.Seq,
	}).Debug("Reading")

	if u.Channel.Displayed && s.sink != nil {
		s.sink.Publish(u)
	}
}

// --------------------------------------------------------------------------
// State helpers
// --------------------------------------------------------------------------

// transition moves from -> to if the session is in from.
func (s *Session) transition(from, to ConnectionState) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.notify(from, to)
	return true
}

func (s *Session) teardown() error {
	s.mu.Lock()
	if s.state == Disconnected || s.state == Closing {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.state = Closing
	s.outstanding = 0
	release := !s.released
	s.released = true
	s.mu.Unlock()

	s.notify(from, Closing)

	if dropped := s.queue.Abandon(); dropped > 0 {
		s.logger.WithField("dropped", dropped).Info("Abandoned pending subscriptions")
	}

	var err error
	if release {
		if err = s.transport.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close transport")
			err = &TransportError{Op: "close", Err: err}
		}
	}

	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()

	s.notify(Closing, Disconnected)
	return err
}

func (s *Session) notify(from, to ConnectionState) {
	s.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("Session state changed")

	if s.onStateChange != nil {
		s.onStateChange(from, to)
	}
}

func (s *Session) report(err error) {
	if s.onFailure != nil {
		s.onFailure(err)
	}
}
