package cants

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/farouk15160/cants/internal/canframe"
)

const (
	testNode   = 0x80
	testClient = 0x10
	testOther  = 0x11
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSender records sent messages. budget limits how many best-effort sends
// succeed; a negative budget means unlimited.
type fakeSender struct {
	mu     sync.Mutex
	sent   []canframe.Message
	budget int
}

func newFakeSender() *fakeSender {
	return &fakeSender{budget: -1}
}

func (f *fakeSender) Send(msg canframe.Message, wait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !wait && f.budget >= 0 {
		if f.budget == 0 {
			return ErrTxQueueFull
		}
		f.budget--
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) setBudget(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budget = n
}

// take returns and clears the recorded messages.
func (f *fakeSender) take() []canframe.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type unsolicitedCall struct {
	source, channel uint8
	data            []byte
}

type telecommandCall struct {
	channel uint8
	data    []byte
}

type fakeApp struct {
	mu          sync.Mutex
	telemetry   map[uint8][]byte
	tcErr       error
	tmCalls     []uint8
	tcCalls     []telecommandCall
	timeSyncs   [][]byte
	unsolicited []unsolicitedCall
}

func newFakeApp() *fakeApp {
	return &fakeApp{telemetry: map[uint8][]byte{}}
}

func (a *fakeApp) TimeSync(data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeSyncs = append(a.timeSyncs, append([]byte(nil), data...))
}

func (a *fakeApp) Unsolicited(source, channel uint8, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unsolicited = append(a.unsolicited, unsolicitedCall{source, channel, append([]byte(nil), data...)})
}

func (a *fakeApp) Telecommand(channel uint8, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tcCalls = append(a.tcCalls, telecommandCall{channel, append([]byte(nil), data...)})
	return a.tcErr
}

func (a *fakeApp) Telemetry(channel uint8) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tmCalls = append(a.tmCalls, channel)
	data, ok := a.telemetry[channel]
	if !ok {
		return nil, errors.New("no such channel")
	}
	return data, nil
}

type writeCall struct {
	address uint32
	data    []byte
	done    *atomic.Bool
}

type fakeStore struct {
	mu       sync.Mutex
	mem      [1024]byte
	writes   []writeCall
	writeErr error
	readErr  error
}

func (s *fakeStore) ValidateWrite(address uint32, size int) bool {
	return int(address)+size <= len(s.mem)
}

func (s *fakeStore) StartWrite(address uint32, data []byte, done *atomic.Bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, writeCall{address, data, done})
	copy(s.mem[address:], data)
	return nil
}

func (s *fakeStore) Read(address uint32, buf []byte) error {
	if s.readErr != nil {
		return s.readErr
	}
	if int(address)+len(buf) > len(s.mem) {
		return errors.New("out of range")
	}
	copy(buf, s.mem[address:])
	return nil
}

type testEnv struct {
	clock  *clockwork.FakeClock
	sender *fakeSender
	app    *fakeApp
	store  *fakeStore
	cfg    Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:  clockwork.NewFakeClock(),
		sender: newFakeSender(),
		app:    newFakeApp(),
		store:  &fakeStore{},
	}
	cfg := DefaultConfig()
	cfg.Clock = env.clock
	cfg.Sender = env.sender
	cfg.Application = env.app
	cfg.Store = env.store
	cfg.KeepAlive.Enabled = false
	require.NoError(t, cfg.Validate())
	env.cfg = cfg
	return env
}

// blockMsg builds a block frame from testClient addressed to the node.
func blockMsg(typ canframe.Type, ra canframe.BlockRA, low uint16, payload ...byte) canframe.Message {
	msg := canframe.Message{
		Destination: testNode,
		Source:      testClient,
		Type:        typ,
		Command:     canframe.BlockCommand(ra, low),
	}
	msg.SetPayload(payload)
	return msg
}

func requireAck(t *testing.T, msg canframe.Message) {
	t.Helper()
	require.Equal(t, canframe.BlockRAAck, canframe.RA(msg.Command), "expected Ack, got %s", msg)
	require.Equal(t, uint8(testNode), msg.Source)
}

func requireNack(t *testing.T, msg canframe.Message) {
	t.Helper()
	require.Equal(t, canframe.BlockCommand(canframe.BlockRANack, 0), msg.Command, "expected Nack, got %s", msg)
	require.Zero(t, msg.Length)
	require.Equal(t, uint8(testNode), msg.Source)
}

// runManager runs a handler loop until the test ends.
func runManager(t *testing.T, run func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

// waitSent waits until at least n messages were sent and returns them.
func waitSent(t *testing.T, s *fakeSender, n int) []canframe.Message {
	t.Helper()
	require.Eventually(t, func() bool { return s.count() >= n }, time.Second, time.Millisecond)
	return s.take()
}

// advanceUntilSent moves the clock by step until n messages were sent. The
// count is checked before each step so a single deadline is crossed at most
// once per batch.
func advanceUntilSent(t *testing.T, env *testEnv, step time.Duration, n int) []canframe.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		if env.sender.count() >= n {
			return true
		}
		env.clock.Advance(step)
		return false
	}, time.Second, 5*time.Millisecond)
	return env.sender.take()
}

// reopen resubmits req, moving the clock by step before each try, until it
// is Acked. A Request is only Acked once the source has no open session.
func reopen(t *testing.T, env *testEnv, queue chan<- canframe.Message, req canframe.Message, step time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		env.clock.Advance(step)
		queue <- req
		for env.sender.count() == 0 {
			time.Sleep(time.Millisecond)
		}
		return canframe.RA(env.sender.take()[0].Command) == canframe.BlockRAAck
	}, time.Second, 5*time.Millisecond)
}
