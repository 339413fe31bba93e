package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/CalebKornegay/DigitalDash/internal/device"
	goble "github.com/CalebKornegay/DigitalDash/internal/device/go-ble"
	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"
)

const testDeviceAddress = "B8:27:EB:19:80:D8"

// syncBuffer is a bytes.Buffer safe for the concurrent writers of a running session.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs digidash commands against the root command.
type CommandTestSuite struct {
	suite.Suite
}

func (s *CommandTestSuite) SetupTest() {
	resetFlags(rootCmd)
}

// resetFlags restores every flag of cmd and its subcommands to its default,
// since cobra keeps flag state between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(syncBuffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// ExecuteAsync starts the root command and returns its output buffer and a
// channel delivering the command error.
func (s *CommandTestSuite) ExecuteAsync(ctx context.Context, args ...string) (*syncBuffer, <-chan error) {
	buf := new(syncBuffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)

	done := make(chan error, 1)
	go func() {
		done <- rootCmd.ExecuteContext(ctx)
	}()
	return buf, done
}

// WaitDone waits for an asynchronous command to finish.
func (s *CommandTestSuite) WaitDone(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		s.FailNow("command MUST finish")
		return nil
	}
}

// ----------------------------
// Fake peripheral
// ----------------------------

// fakePeripheral is a GATT client exposing the dashboard's telemetry service.
type fakePeripheral struct {
	mu           sync.Mutex
	profile      *ble.Profile
	handlers     map[string]ble.NotificationHandler
	cancelled    int
	disconnected chan struct{}
}

func newFakePeripheral(ids ...uint16) *fakePeripheral {
	chars := make([]*ble.Characteristic, 0, len(ids))
	for _, id := range ids {
		cccd := &ble.Descriptor{UUID: ble.UUID16(0x2902)}
		chars = append(chars, &ble.Characteristic{
			UUID:        ble.UUID16(id),
			Property:    ble.CharNotify | ble.CharRead,
			CCCD:        cccd,
			Descriptors: []*ble.Descriptor{cccd},
		})
	}
	return &fakePeripheral{
		profile: &ble.Profile{
			Services: []*ble.Service{{UUID: ble.UUID16(0x1812), Characteristics: chars}},
		},
		handlers:     make(map[string]ble.NotificationHandler),
		disconnected: make(chan struct{}),
	}
}

func (f *fakePeripheral) DiscoverProfile(bool) (*ble.Profile, error) {
	return f.profile, nil
}

func (f *fakePeripheral) Subscribe(c *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[device.NormalizeUUID(c.UUID.String())] = h
	return nil
}

func (f *fakePeripheral) Unsubscribe(c *ble.Characteristic, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, device.NormalizeUUID(c.UUID.String()))
	return nil
}

func (f *fakePeripheral) WriteDescriptor(*ble.Descriptor, []byte) error {
	return nil
}

func (f *fakePeripheral) CancelConnection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return nil
}

func (f *fakePeripheral) Disconnected() <-chan struct{} {
	return f.disconnected
}

func (f *fakePeripheral) Notify(id string, payload []byte) bool {
	f.mu.Lock()
	h := f.handlers[id]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(payload)
	return true
}

func (f *fakePeripheral) Cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// UsePeripheral routes TransportFactory to dial the fake peripheral (or fail with dialErr).
func (s *CommandTestSuite) UsePeripheral(p *fakePeripheral, dialErr error) {
	original := TransportFactory
	TransportFactory = func(opts goble.Options) eventTransport {
		opts.Dial = func(ctx context.Context, address string) (goble.GATTClient, error) {
			if dialErr != nil {
				return nil, dialErr
			}
			return p, nil
		}
		return goble.New(opts)
	}
	s.T().Cleanup(func() { TransportFactory = original })
}

// visibleLines splits command output into lines as a terminal would show them,
// dropping progress text erased by carriage returns.
func visibleLines(out string) []string {
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if idx := strings.LastIndex(line, clearLineSequence); idx >= 0 {
			line = line[idx+len(clearLineSequence):]
		}
		if idx := strings.LastIndex(line, "\r"); idx >= 0 {
			line = line[idx+1:]
		}
		lines[i] = line
	}
	return lines
}
