package device_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CalebKornegay/DigitalDash/internal/device"
	"github.com/CalebKornegay/DigitalDash/internal/opqueue"
	"github.com/CalebKornegay/DigitalDash/internal/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

const testAddress = "B8:27:EB:19:80:D8"

type call struct {
	Op    string
	ID    string
	Value []byte
}

// fakeTransport records requests; the test delivers completions through HandleEvent.
type fakeTransport struct {
	mu         sync.Mutex
	calls      []call
	closed     int
	connectErr error
	writeErrs  map[string]error
	events     chan device.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		writeErrs: make(map[string]error),
		events:    make(chan device.Event, 16),
	}
}

func (f *fakeTransport) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeTransport) Connect(_ context.Context, address string) error {
	f.record(call{Op: "connect", ID: address})
	return f.connectErr
}

func (f *fakeTransport) DiscoverServices() error {
	f.record(call{Op: "discover"})
	return nil
}

func (f *fakeTransport) SetNotify(id string, enable bool) error {
	f.record(call{Op: "set_notify", ID: id})
	return nil
}

func (f *fakeTransport) WriteDescriptor(id string, value []byte) error {
	f.record(call{Op: "write_descriptor", ID: id, Value: value})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeErrs[id]
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) Events() <-chan device.Event {
	return f.events
}

func (f *fakeTransport) Calls(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type SessionTestSuite struct {
	suite.Suite

	transport  *fakeTransport
	queue      *opqueue.Queue
	aggregator *telemetry.Aggregator
	session    *device.Session

	mu          sync.Mutex
	transitions []device.ConnectionState
	failures    []error
	published   []telemetry.Update
}

func (s *SessionTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	registry := telemetry.DefaultRegistry()
	s.aggregator = telemetry.NewAggregator(registry)
	s.transport = newFakeTransport()
	s.queue = opqueue.New(logger, nil)
	s.transitions = nil
	s.failures = nil
	s.published = nil

	session, err := device.NewSession(device.SessionOptions{
		Transport: s.transport,
		Pipeline:  telemetry.NewPipeline(registry, s.aggregator),
		Queue:     s.queue,
		Sink: telemetry.SinkFunc(func(u telemetry.Update) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.published = append(s.published, u)
		}),
		Logger: logger,
		OnStateChange: func(_, to device.ConnectionState) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.transitions = append(s.transitions, to)
		},
		OnFailure: func(err error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.failures = append(s.failures, err)
		},
	})
	s.Require().NoError(err)
	s.session = session
}

func (s *SessionTestSuite) Published() []telemetry.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Update(nil), s.published...)
}

func (s *SessionTestSuite) Failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.failures...)
}

// connectAndDiscover drives the session to Subscribing with the given characteristics exposed.
func (s *SessionTestSuite) connectAndDiscover(ids ...string) {
	s.Require().NoError(s.session.Connect(context.Background(), testAddress))
	s.session.HandleEvent(device.ConnectedEvent())
	s.session.HandleEvent(device.ServicesDiscoveredEvent(ids, nil))
}

func (s *SessionTestSuite) TestThreeQueuedSubscriptions() {
	// GOAL: Verify subscriptions are issued strictly one at a time in registry order
	//
	// TEST SCENARIO: Three channels discovered → one write in flight per ack → Streaming after last ack

	s.Require().NoError(s.session.Connect(context.Background(), testAddress))
	s.Assert().Equal(device.Connecting, s.session.State(), "session MUST be connecting")
	s.Assert().Len(s.transport.Calls("connect"), 1, "transport MUST be opened")

	s.session.HandleEvent(device.ConnectedEvent())
	s.Assert().Equal(device.ServicesDiscovering, s.session.State())
	s.Assert().Len(s.transport.Calls("discover"), 1, "discovery MUST be requested on connect")

	s.session.HandleEvent(device.ServicesDiscoveredEvent([]string{"27A7", "0000272f-0000-1000-8000-00805f9b34fb", "27af"}, nil))
	s.Assert().Equal(device.Subscribing, s.session.State())

	writes := s.transport.Calls("write_descriptor")
	s.Require().Len(writes, 1, "only one descriptor write MUST be in flight")
	s.Assert().Equal("27af", writes[0].ID, "registry order MUST be followed")
	s.Assert().Equal([]byte{0x01, 0x00}, writes[0].Value)

	s.session.HandleEvent(device.DescriptorWrittenEvent("27af", nil))
	writes = s.transport.Calls("write_descriptor")
	s.Require().Len(writes, 2)
	s.Assert().Equal("272f", writes[1].ID)
	s.Assert().Equal(device.Subscribing, s.session.State())

	s.session.HandleEvent(device.DescriptorWrittenEvent("272f", nil))
	writes = s.transport.Calls("write_descriptor")
	s.Require().Len(writes, 3)
	s.Assert().Equal("27a7", writes[2].ID)

	s.session.HandleEvent(device.DescriptorWrittenEvent("27a7", nil))
	s.Assert().Equal(device.Streaming, s.session.State(), "session MUST stream once the queue drains")
	s.Assert().True(s.queue.Idle())
	s.Assert().Len(s.transport.Calls("set_notify"), 3)
	s.Assert().Empty(s.Failures())

	s.Assert().Equal([]device.ConnectionState{
		device.Connecting,
		device.ServicesDiscovering,
		device.Subscribing,
		device.Streaming,
	}, s.transitions)
}

func (s *SessionTestSuite) TestDisconnectMidSubscription() {
	// GOAL: Verify a disconnect abandons queued subscriptions and releases the transport once
	//
	// TEST SCENARIO: Three channels discovered → first acked → disconnect → late ack ignored

	s.connectAndDiscover("27af", "272f", "27a7")
	s.session.HandleEvent(device.DescriptorWrittenEvent("27af", nil))
	s.Require().Len(s.transport.Calls("write_descriptor"), 2)

	s.session.HandleEvent(device.DisconnectedEvent(errors.New("link lost")))

	s.Assert().Equal(device.Disconnected, s.session.State())
	s.Assert().Equal(1, s.transport.Closed(), "transport MUST be closed exactly once")
	s.Assert().Equal(0, s.queue.Pending(), "pending subscriptions MUST be dropped")
	s.Assert().False(s.queue.Executing())

	s.session.HandleEvent(device.DescriptorWrittenEvent("272f", nil))
	s.session.HandleEvent(device.DisconnectedEvent(nil))
	s.Require().NoError(s.session.Close())

	s.Assert().Len(s.transport.Calls("write_descriptor"), 2, "abandoned subscriptions MUST never run")
	s.Assert().Equal(1, s.transport.Closed(), "transport MUST NOT be closed twice")
	s.Assert().Equal(device.Disconnected, s.session.State())
}

func (s *SessionTestSuite) TestNoChannelsPresentStreamsImmediately() {
	s.connectAndDiscover("2a19", "2a37")

	s.Assert().Equal(device.Streaming, s.session.State())
	s.Assert().Empty(s.transport.Calls("set_notify"))
	s.Assert().True(s.queue.Idle())
}

func (s *SessionTestSuite) TestConnectFailure() {
	s.transport.connectErr = errors.New("bluetooth is turned off")

	err := s.session.Connect(context.Background(), testAddress)
	s.Require().Error(err)

	var terr *device.TransportError
	s.Require().ErrorAs(err, &terr)
	s.Assert().Equal("connect", terr.Op)
	s.Assert().ErrorIs(err, device.ErrBluetoothOff)
	s.Assert().Equal(device.Disconnected, s.session.State())
	s.Assert().Len(s.Failures(), 1)

	s.transport.connectErr = nil
	s.Require().NoError(s.session.Connect(context.Background(), testAddress), "session MUST be reusable after a failed connect")
}

func (s *SessionTestSuite) TestDialFailureReported() {
	// GOAL: Verify a disconnect arriving before the link is up is reported as a connect failure
	//
	// TEST SCENARIO: Connect → disconnected(err) while connecting → connect TransportError, session torn down

	s.Require().NoError(s.session.Connect(context.Background(), testAddress))
	s.session.HandleEvent(device.DisconnectedEvent(device.ErrBluetoothOff))

	s.Assert().Equal(device.Disconnected, s.session.State())
	failures := s.Failures()
	s.Require().Len(failures, 1)

	var terr *device.TransportError
	s.Require().ErrorAs(failures[0], &terr)
	s.Assert().Equal("connect", terr.Op)
	s.Assert().ErrorIs(failures[0], device.ErrBluetoothOff)
}

func (s *SessionTestSuite) TestConnectWhileConnected() {
	s.Require().NoError(s.session.Connect(context.Background(), testAddress))

	err := s.session.Connect(context.Background(), testAddress)
	s.Assert().ErrorIs(err, device.ErrAlreadyConnected)
	s.Assert().Len(s.transport.Calls("connect"), 1)
}

func (s *SessionTestSuite) TestConnectRequiresAddress() {
	s.Assert().Error(s.session.Connect(context.Background(), "  "))
	s.Assert().Equal(device.Disconnected, s.session.State())
}

func (s *SessionTestSuite) TestNotificationsReachSink() {
	// GOAL: Verify notifications are decoded, aggregated and published with display formatting
	//
	// TEST SCENARIO: Engine speed 50.0 and vehicle speed 160.9 km/h → sink sees rpm and mph

	s.connectAndDiscover("27af", "27a7")

	s.session.HandleEvent(device.CharacteristicChangedEvent("27af", telemetry.Encode(50.0)))
	s.session.HandleEvent(device.CharacteristicChangedEvent("27A7", telemetry.Encode(160.9)))

	published := s.Published()
	s.Require().Len(published, 2, "notifications MUST be routed while subscribing")
	s.Assert().Equal("Engine Speed: 50.00 rpm", published[0].String())
	s.Assert().Equal("Speed: ", published[1].Label)
	s.Assert().InDelta(100.0, published[1].Value, 0.01)
	s.Assert().Less(published[0].Seq, published[1].Seq)

	st, ok := s.aggregator.State(telemetry.ChannelVehicleSpeed)
	s.Require().True(ok)
	s.Assert().InDelta(160.9, st.Max, 0.001)
}

func (s *SessionTestSuite) TestUnknownAndMalformedNotificationsDropped() {
	s.connectAndDiscover("27af")

	s.session.HandleEvent(device.CharacteristicChangedEvent("2a37", telemetry.Encode(75)))
	s.session.HandleEvent(device.CharacteristicChangedEvent("27af", []byte{0x01, 0x02}))

	s.Assert().Empty(s.Published(), "dropped notifications MUST NOT reach the sink")
	_, ok := s.aggregator.State("2a37")
	s.Assert().False(ok, "unknown channels MUST NOT create state")
	st, _ := s.aggregator.State(telemetry.ChannelEngineSpeed)
	s.Assert().Zero(st.Count)

	failures := s.Failures()
	s.Require().Len(failures, 2)
	s.Assert().ErrorIs(failures[0], telemetry.ErrUnknownChannel)
	s.Assert().ErrorIs(failures[1], telemetry.ErrInvalidLength)
}

func (s *SessionTestSuite) TestHiddenChannelsAggregatedNotPublished() {
	s.connectAndDiscover(telemetry.ChannelEngineOilTemp)

	s.session.HandleEvent(device.CharacteristicChangedEvent(telemetry.ChannelEngineOilTemp, telemetry.Encode(95)))

	s.Assert().Empty(s.Published())
	st, ok := s.aggregator.State(telemetry.ChannelEngineOilTemp)
	s.Require().True(ok)
	s.Assert().Equal(uint64(1), st.Count)
}

func (s *SessionTestSuite) TestSubscriptionFailuresAdvance() {
	// GOAL: Verify a failed subscription is reported and the remaining channels still subscribe
	//
	// TEST SCENARIO: First write fails synchronously, second acks with error, third succeeds

	s.transport.writeErrs["27af"] = errors.New("write rejected")
	s.connectAndDiscover("27af", "272f", "27a7")

	writes := s.transport.Calls("write_descriptor")
	s.Require().Len(writes, 2, "queue MUST advance past a synchronous failure")

	s.session.HandleEvent(device.DescriptorWrittenEvent("272f", errors.New("gatt status 133")))
	s.Require().Len(s.transport.Calls("write_descriptor"), 3)

	s.session.HandleEvent(device.DescriptorWrittenEvent("27a7", nil))
	s.Assert().Equal(device.Streaming, s.session.State())

	failures := s.Failures()
	s.Require().Len(failures, 2)
	var sf *device.SubscriptionFailure
	s.Require().ErrorAs(failures[0], &sf)
	s.Assert().Equal("27af", sf.ChannelID)
	s.Require().ErrorAs(failures[1], &sf)
	s.Assert().Equal("272f", sf.ChannelID)
}

func (s *SessionTestSuite) TestStrayDescriptorWriteIgnored() {
	s.connectAndDiscover()
	s.Require().Equal(device.Streaming, s.session.State())

	s.session.HandleEvent(device.DescriptorWrittenEvent("27af", nil))
	s.Assert().Equal(device.Streaming, s.session.State())
	s.Assert().Empty(s.Failures())
}

func (s *SessionTestSuite) TestDiscoveryFailureKeepsSession() {
	s.Require().NoError(s.session.Connect(context.Background(), testAddress))
	s.session.HandleEvent(device.ConnectedEvent())
	s.session.HandleEvent(device.ServicesDiscoveredEvent(nil, errors.New("gatt error")))

	s.Assert().Equal(device.ServicesDiscovering, s.session.State())
	failures := s.Failures()
	s.Require().Len(failures, 1)
	var terr *device.TransportError
	s.Assert().ErrorAs(failures[0], &terr)
}

func (s *SessionTestSuite) TestCloseIsIdempotent() {
	s.connectAndDiscover("27af")

	s.Require().NoError(s.session.Close())
	s.Require().NoError(s.session.Close())

	s.Assert().Equal(1, s.transport.Closed())
	s.Assert().Equal(device.Disconnected, s.session.State())
	s.Assert().Contains(s.transitions, device.Closing)
}

func (s *SessionTestSuite) TestCloseBeforeConnect() {
	s.Require().NoError(s.session.Close())
	s.Assert().Zero(s.transport.Closed())
	s.Assert().Empty(s.transitions)
}

func (s *SessionTestSuite) TestReconnectResetsAggregates() {
	s.connectAndDiscover("27af")
	s.session.HandleEvent(device.CharacteristicChangedEvent("27af", telemetry.Encode(3000)))
	s.Require().NoError(s.session.Close())

	s.Require().NoError(s.session.Connect(context.Background(), testAddress))
	st, _ := s.aggregator.State(telemetry.ChannelEngineSpeed)
	s.Assert().Zero(st.Count, "a new connection MUST start with empty aggregates")
}

func (s *SessionTestSuite) TestCloseWhileEnteringSubscribing() {
	// GOAL: Verify a close racing the start of subscription issues no further transport requests
	//
	// TEST SCENARIO: observer closes the session on entering Subscribing → three channels discovered → nothing enqueued or written

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	transport := newFakeTransport()
	queue := opqueue.New(logger, nil)
	registry := telemetry.DefaultRegistry()

	var session *device.Session
	session, err := device.NewSession(device.SessionOptions{
		Transport: transport,
		Pipeline:  telemetry.NewPipeline(registry, telemetry.NewAggregator(registry)),
		Queue:     queue,
		Logger:    logger,
		OnStateChange: func(_, to device.ConnectionState) {
			if to == device.Subscribing {
				s.Require().NoError(session.Close())
			}
		},
	})
	s.Require().NoError(err)

	s.Require().NoError(session.Connect(context.Background(), testAddress))
	session.HandleEvent(device.ConnectedEvent())
	session.HandleEvent(device.ServicesDiscoveredEvent([]string{"27af", "272f", "27a7"}, nil))

	s.Assert().Equal(device.Disconnected, session.State())
	s.Assert().Equal(1, transport.Closed(), "transport MUST be closed once")
	s.Assert().Empty(transport.Calls("set_notify"), "no subscription MUST start after teardown")
	s.Assert().Empty(transport.Calls("write_descriptor"), "no descriptor write MUST follow teardown")
	s.Assert().True(queue.Idle(), "queue MUST hold no stale operations")
}

func (s *SessionTestSuite) TestReconnectAfterCloseMidSubscription() {
	// GOAL: Verify a reconnect subscribes afresh instead of queueing behind the previous connection
	//
	// TEST SCENARIO: close with one write in flight → connect again → discovery → single ack reaches Streaming

	s.connectAndDiscover("27af", "272f")
	s.Require().Len(s.transport.Calls("write_descriptor"), 1)
	s.Require().NoError(s.session.Close())

	s.connectAndDiscover("27af")
	writes := s.transport.Calls("write_descriptor")
	s.Require().Len(writes, 2, "the new connection MUST issue its own subscription")
	s.Assert().Equal("27af", writes[1].ID)

	s.session.HandleEvent(device.DescriptorWrittenEvent("27af", nil))
	s.Assert().Equal(device.Streaming, s.session.State(), "session MUST reach streaming after the reconnect")
	s.Assert().True(s.queue.Idle())
}

func (s *SessionTestSuite) TestRunPumpsEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.Require().NoError(s.session.Connect(ctx, testAddress))
	s.transport.events <- device.ConnectedEvent()
	s.transport.events <- device.ServicesDiscoveredEvent([]string{"27af"}, nil)
	s.transport.events <- device.DescriptorWrittenEvent("27af", nil)
	s.transport.events <- device.CharacteristicChangedEvent("27af", telemetry.Encode(1200))
	close(s.transport.events)

	s.Require().NoError(s.session.Run(ctx, s.transport))
	s.Assert().Equal(device.Streaming, s.session.State())
	s.Assert().Len(s.Published(), 1)
}

func (s *SessionTestSuite) TestRunStopsOnContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.session.Run(ctx, s.transport)
	s.Assert().ErrorIs(err, context.Canceled)
}

func (s *SessionTestSuite) TestNewSessionValidation() {
	_, err := device.NewSession(device.SessionOptions{})
	s.Assert().Error(err)

	_, err = device.NewSession(device.SessionOptions{Transport: newFakeTransport()})
	s.Assert().Error(err)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
