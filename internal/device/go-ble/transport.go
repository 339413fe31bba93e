package goble

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CalebKornegay/DigitalDash/internal/bledb"
	"github.com/CalebKornegay/DigitalDash/internal/device"
	"github.com/CalebKornegay/DigitalDash/internal/groutine"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// ----------------------------
// Configuration Constants
// ----------------------------

const (
	// DefaultEventBuffer is the default buffer size of the event channel
	DefaultEventBuffer = 128

	// DefaultConnectTimeout bounds a single dial attempt
	DefaultConnectTimeout = 15 * time.Second
)

// ----------------------------
// GATT client
// ----------------------------

// GATTClient is the subset of ble.Client the transport uses.
type GATTClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	CancelConnection() error
}

// Dialer opens a GATT client to the peripheral at address.
type Dialer func(ctx context.Context, address string) (GATTClient, error)

// DialBLE creates a host device with DeviceFactory and dials the address with go-ble.
func DialBLE(ctx context.Context, address string) (GATTClient, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}
	return client, nil
}

// ----------------------------
// Transport
// ----------------------------

// Options configures a Transport.
type Options struct {
	ServiceUUID    string        `default:"1812"`
	ConnectTimeout time.Duration `default:"15s"`
	EventBuffer    int           `default:"128"`
	Dial           Dialer
	Logger         *logrus.Logger
}

type characteristic struct {
	id       string
	char     *ble.Characteristic
	notify   bool // local notification flag, set by SetNotify
	isActive bool // remote subscription enabled
}

// Transport implements device.Transport and device.EventSource on top of go-ble.
// Every request runs on its own goroutine and reports its outcome as a device.Event.
// The event channel is never closed; events emitted after Close are dropped.
type Transport struct {
	opts   Options
	logger *logrus.Logger
	events chan device.Event

	mu      sync.Mutex
	client  GATTClient
	chars   map[string]*characteristic
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// New creates a disconnected transport.
func New(opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Dial == nil {
		opts.Dial = DialBLE
	}
	defaults.SetDefaults(&opts)
	if bledb.NormalizeUUID(opts.ServiceUUID) == "" {
		opts.ServiceUUID = device.DefaultServiceUUID
	}
	opts.ServiceUUID = bledb.NormalizeUUID(opts.ServiceUUID)

	return &Transport{
		opts:   opts,
		logger: opts.Logger,
		events: make(chan device.Event, opts.EventBuffer),
		chars:  make(map[string]*characteristic),
	}
}

// Events returns the channel transport events are delivered on.
func (t *Transport) Events() <-chan device.Event {
	return t.events
}

// Connect dials the peripheral in the background and reports EventConnected or EventDisconnected.
func (t *Transport) Connect(ctx context.Context, address string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("device address is empty")
	}

	t.mu.Lock()
	if t.ctx != nil {
		t.mu.Unlock()
		t.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}
	connCtx, cancel := context.WithCancel(ctx)
	t.ctx, t.cancel = connCtx, cancel
	t.chars = make(map[string]*characteristic)
	t.mu.Unlock()

	groutine.Go(connCtx, "ble-dial", func(ctx context.Context) {
		dialCtx, dialCancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
		defer dialCancel()

		t.logger.WithFields(logrus.Fields{
			"address": address,
			"timeout": t.opts.ConnectTimeout,
		}).Debug("Dialing BLE device...")

		client, err := t.opts.Dial(dialCtx, address)
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Error("Failed to dial BLE device")
			t.emit(ctx, device.DisconnectedEvent(NormalizeError(err)))
			return
		}

		t.mu.Lock()
		if ctx.Err() != nil {
			t.mu.Unlock()
			_ = client.CancelConnection()
			return
		}
		t.client = client
		t.mu.Unlock()

		t.monitor(ctx, client)

		t.logger.WithField("address", address).Info("BLE device connected")
		t.emit(ctx, device.ConnectedEvent())
	})
	return nil
}

// monitor reports a peripheral-side disconnect when the client exposes one.
func (t *Transport) monitor(ctx context.Context, client GATTClient) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		t.logger.Debug("Client does not support Disconnected() channel")
		return
	}

	groutine.Go(ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			t.logger.Warn("BLE stack reported disconnection")
			t.emit(ctx, device.DisconnectedEvent(device.ErrNotConnected))
		case <-ctx.Done():
		}
	})
}

// DiscoverServices reads the GATT profile and reports the characteristics of the telemetry service.
func (t *Transport) DiscoverServices() error {
	ctx, client, err := t.connected()
	if err != nil {
		return err
	}

	groutine.Go(ctx, "ble-discover", func(ctx context.Context) {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			t.logger.WithError(err).Error("Failed to discover profile")
			t.emit(ctx, device.ServicesDiscoveredEvent(nil, NormalizeError(err)))
			return
		}

		var svc *ble.Service
		for _, s := range profile.Services {
			uuid := device.NormalizeUUID(s.UUID.String())
			t.logger.WithFields(logrus.Fields{
				"service_uuid": uuid,
				"name":         bledb.LookupService(uuid),
			}).Debug("Found service")
			if uuid == t.opts.ServiceUUID {
				svc = s
			}
		}
		if svc == nil {
			t.emit(ctx, device.ServicesDiscoveredEvent(nil, &device.NotFoundError{
				Resource: "service",
				UUIDs:    []string{t.opts.ServiceUUID},
			}))
			return
		}

		ids := make([]string, 0, len(svc.Characteristics))
		chars := make(map[string]*characteristic, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			id := device.NormalizeUUID(c.UUID.String())
			if id == "" {
				continue
			}
			ids = append(ids, id)
			chars[id] = &characteristic{id: id, char: c}

			t.logger.WithFields(logrus.Fields{
				"char_uuid":  id,
				"notify":     c.Property&ble.CharNotify != 0,
				"cccd":       c.CCCD != nil,
				"cccd_name":  bledb.LookupDescriptor(device.CCCDUUID),
				"descriptor": len(c.Descriptors),
			}).Debug("Found characteristic")
		}

		t.mu.Lock()
		t.chars = chars
		t.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"service_uuid":    t.opts.ServiceUUID,
			"characteristics": len(ids),
		}).Info("Profile discovered")
		t.emit(ctx, device.ServicesDiscoveredEvent(ids, nil))
	})
	return nil
}

// SetNotify sets the local notification flag of a characteristic.
func (t *Transport) SetNotify(id string, enable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.lookup(id)
	if err != nil {
		return err
	}
	if enable && c.char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications", c.id)
	}
	c.notify = enable
	return nil
}

// WriteDescriptor writes the CCCD of a characteristic and reports EventDescriptorWriteComplete.
// The enable and disable values map onto go-ble Subscribe and Unsubscribe, which
// write the CCCD and install the notification handler.
func (t *Transport) WriteDescriptor(id string, value []byte) error {
	ctx, client, err := t.connected()
	if err != nil {
		return err
	}

	t.mu.Lock()
	c, err := t.lookup(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if c.char.CCCD == nil {
		t.mu.Unlock()
		return &device.NotFoundError{Resource: "descriptor", UUIDs: []string{c.id, device.CCCDUUID}}
	}
	enable := bytes.Equal(value, device.EnableNotificationValue)
	if enable && !c.notify {
		t.mu.Unlock()
		return fmt.Errorf("notifications for %s are not enabled locally", c.id)
	}
	t.mu.Unlock()

	payload := append([]byte(nil), value...)
	groutine.Go(ctx, "ble-write-descriptor-"+c.id, func(ctx context.Context) {
		t.writeMu.Lock()
		err := t.writeCCCD(client, c, payload)
		t.writeMu.Unlock()

		entry := t.logger.WithFields(logrus.Fields{
			"char_uuid": c.id,
			"value":     fmt.Sprintf("% x", payload),
		})
		if err != nil {
			entry.WithError(err).Error("Failed to write descriptor")
		} else {
			entry.Debug("Descriptor written")
		}
		t.emit(ctx, device.DescriptorWrittenEvent(c.id, NormalizeError(err)))
	})
	return nil
}

func (t *Transport) writeCCCD(client GATTClient, c *characteristic, value []byte) error {
	switch {
	case bytes.Equal(value, device.EnableNotificationValue):
		err := client.Subscribe(c.char, false, func(data []byte) {
			t.notify(c.id, data)
		})
		if err == nil {
			t.mu.Lock()
			c.isActive = true
			t.mu.Unlock()
		}
		return err
	case bytes.Equal(value, device.DisableNotificationValue):
		err := client.Unsubscribe(c.char, false)
		if err == nil {
			t.mu.Lock()
			c.isActive = false
			t.mu.Unlock()
		}
		return err
	default:
		return client.WriteDescriptor(c.char.CCCD, value)
	}
}

// notify forwards a notification payload. The BLE stack may reuse data after the handler returns.
func (t *Transport) notify(id string, data []byte) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		return
	}
	t.emit(ctx, device.CharacteristicChangedEvent(id, append([]byte(nil), data...)))
}

// Close unsubscribes active characteristics and cancels the connection.
// Closing a disconnected transport is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.ctx == nil {
		t.mu.Unlock()
		t.logger.Debug("Close called but already disconnected")
		return nil
	}
	client := t.client
	cancel := t.cancel
	active := make([]*characteristic, 0, len(t.chars))
	for _, c := range t.chars {
		if c.isActive {
			active = append(active, c)
		}
	}
	t.client = nil
	t.ctx = nil
	t.cancel = nil
	t.chars = make(map[string]*characteristic)
	t.mu.Unlock()

	cancel()

	if client == nil {
		return nil
	}

	for _, c := range active {
		if err := NormalizeError(client.Unsubscribe(c.char, false)); err != nil {
			t.logger.WithFields(logrus.Fields{
				"char_uuid": c.id,
				"error":     err,
			}).Warn("Failed to unsubscribe during close")
		}
	}

	if err := client.CancelConnection(); err != nil {
		t.logger.WithError(err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	t.logger.Info("BLE device disconnected")
	return nil
}

// connected snapshots the connection context and client.
func (t *Transport) connected() (context.Context, GATTClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil || t.client == nil {
		return nil, nil, device.ErrNotConnected
	}
	return t.ctx, t.client, nil
}

// lookup must be called with t.mu held.
func (t *Transport) lookup(id string) (*characteristic, error) {
	c, ok := t.chars[device.NormalizeUUID(id)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{t.opts.ServiceUUID, id}}
	}
	return c, nil
}

func (t *Transport) emit(ctx context.Context, ev device.Event) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
		t.logger.WithField("event", ev.Kind.String()).Debug("Dropping event after close")
	}
}
