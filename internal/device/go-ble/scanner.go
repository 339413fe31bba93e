package goble

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/CalebKornegay/DigitalDash/internal/device"
	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// ScanFunc has the shape of ble.Scan.
type ScanFunc func(ctx context.Context, allowDup bool, h ble.AdvHandler, f ble.AdvFilter) error

// ScanBLE creates a host device with DeviceFactory and scans with go-ble.
func ScanBLE(ctx context.Context, allowDup bool, h ble.AdvHandler, f ble.AdvFilter) error {
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	return ble.Scan(ctx, allowDup, h, f)
}

// ScanOptions configures a Scanner.
type ScanOptions struct {
	Duration time.Duration `default:"10s"`
	// ServiceUUID marks peripherals advertising it as dashboards.
	ServiceUUID string `default:"1812"`
	// TelemetryOnly hides peripherals that do not advertise ServiceUUID.
	TelemetryOnly bool
	Scan          ScanFunc
	Logger        *logrus.Logger
}

// Peripheral is one advertising device seen during a scan.
type Peripheral struct {
	Address     string    `json:"address"`
	Name        string    `json:"name"`
	RSSI        int       `json:"rssi"`
	Connectable bool      `json:"connectable"`
	Services    []string  `json:"services"`
	Telemetry   bool      `json:"telemetry"`
	LastSeen    time.Time `json:"last_seen"`
}

// Scanner collects advertisements into a de-duplicated peripheral list.
type Scanner struct {
	opts    ScanOptions
	logger  *logrus.Logger
	service string
	found   *hashmap.Map[string, *Peripheral]
	mu      sync.Mutex // guards Peripheral updates
}

// NewScanner creates a Scanner. A nil Scan uses ScanBLE.
func NewScanner(opts ScanOptions) *Scanner {
	defaults.SetDefaults(&opts)
	if opts.Scan == nil {
		opts.Scan = ScanBLE
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		opts:    opts,
		logger:  logger,
		service: device.NormalizeUUID(opts.ServiceUUID),
	}
}

// Scan listens for advertisements until the duration elapses or ctx ends.
// onFound, if not nil, is called once per newly discovered peripheral.
// Peripherals are returned dashboards first, then by signal strength.
func (s *Scanner) Scan(ctx context.Context, onFound func(Peripheral)) ([]Peripheral, error) {
	s.found = hashmap.New[string, *Peripheral]()

	if s.opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", s.opts.Duration).Info("Starting BLE scan...")

	handler := func(adv ble.Advertisement) {
		if p, isNew := s.record(adv); isNew && onFound != nil {
			onFound(p)
		}
	}

	var filter ble.AdvFilter
	if s.opts.TelemetryOnly {
		filter = func(adv ble.Advertisement) bool {
			return s.advertisesTelemetry(adv)
		}
	}

	err := s.opts.Scan(ctx, true, handler, filter)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", NormalizeError(err))
	}

	result := s.Peripherals()
	s.logger.WithField("device_count", len(result)).Info("BLE scan completed")
	return result, nil
}

// Peripherals returns a snapshot of everything seen so far.
func (s *Scanner) Peripherals() []Peripheral {
	if s.found == nil {
		return nil
	}

	s.mu.Lock()
	result := make([]Peripheral, 0, s.found.Len())
	s.found.Range(func(_ string, p *Peripheral) bool {
		cp := *p
		cp.Services = append([]string(nil), p.Services...)
		result = append(result, cp)
		return true
	})
	s.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Telemetry != result[j].Telemetry {
			return result[i].Telemetry
		}
		if result[i].RSSI != result[j].RSSI {
			return result[i].RSSI > result[j].RSSI
		}
		return result[i].Address < result[j].Address
	})
	return result
}

// record adds or refreshes the peripheral behind adv. Returns a copy and
// whether it was seen for the first time.
func (s *Scanner) record(adv ble.Advertisement) (Peripheral, bool) {
	address := adv.Addr().String()
	services := advertisedServices(adv)

	p, existing := s.found.GetOrInsert(address, &Peripheral{Address: address})

	s.mu.Lock()
	defer s.mu.Unlock()

	// Scan responses may omit the name; keep the last non-empty one.
	if name := adv.LocalName(); name != "" {
		p.Name = name
	}
	p.RSSI = adv.RSSI()
	p.Connectable = adv.Connectable()
	p.LastSeen = time.Now()
	for _, svc := range services {
		if !slices.Contains(p.Services, svc) {
			p.Services = append(p.Services, svc)
		}
	}
	p.Telemetry = slices.Contains(p.Services, s.service)

	if !existing {
		s.logger.WithFields(logrus.Fields{
			"device":  p.Name,
			"address": p.Address,
			"rssi":    p.RSSI,
		}).Info("Discovered new device")
	}

	cp := *p
	cp.Services = append([]string(nil), p.Services...)
	return cp, !existing
}

func (s *Scanner) advertisesTelemetry(adv ble.Advertisement) bool {
	return slices.Contains(advertisedServices(adv), s.service)
}

func advertisedServices(adv ble.Advertisement) []string {
	out := make([]string, 0, len(adv.Services())+len(adv.OverflowService()))
	for _, u := range adv.Services() {
		out = append(out, device.NormalizeUUID(u.String()))
	}
	for _, u := range adv.OverflowService() {
		out = append(out, device.NormalizeUUID(u.String()))
	}
	return out
}
