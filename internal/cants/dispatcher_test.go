package cants

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/farouk15160/cants/internal/canframe"
)

type testQueues struct {
	tc, tm, sb, gb chan canframe.Message
}

func newTestDispatcher(t *testing.T, queueLen int) (*testEnv, *Dispatcher, *testQueues) {
	t.Helper()
	env := newTestEnv(t)
	q := &testQueues{
		tc: make(chan canframe.Message, queueLen),
		tm: make(chan canframe.Message, queueLen),
		sb: make(chan canframe.Message, queueLen),
		gb: make(chan canframe.Message, queueLen),
	}
	d := newDispatcher(newTestLogger(), &env.cfg, q.tc, q.tm, q.sb, q.gb)
	return env, d, q
}

func TestCANTS_Dispatcher_SoftwareFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		msg    canframe.Message
		accept bool
	}{
		{
			name:   "addressed to node",
			msg:    canframe.Message{Destination: testNode, Type: canframe.TypeTelecommand},
			accept: true,
		},
		{
			name:   "time sync broadcast",
			msg:    canframe.Message{Destination: DefaultTimeID, Type: canframe.TypeTimeSync},
			accept: true,
		},
		{
			name:   "keep-alive broadcast",
			msg:    canframe.Message{Destination: DefaultKeepAliveID, Type: canframe.TypeUnsolicited},
			accept: true,
		},
		{
			name: "telecommand to time id",
			msg:  canframe.Message{Destination: DefaultTimeID, Type: canframe.TypeTelecommand},
		},
		{
			name: "time sync to keep-alive id",
			msg:  canframe.Message{Destination: DefaultKeepAliveID, Type: canframe.TypeTimeSync},
		},
		{
			name: "other node",
			msg:  canframe.Message{Destination: 0x81, Type: canframe.TypeTelemetry},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, d, _ := newTestDispatcher(t, 1)
			require.Equal(t, tt.accept, d.SubmitFromInterrupt(tt.msg))
			require.Equal(t, tt.accept, len(d.queue) == 1)
		})
	}
}

func TestCANTS_Dispatcher_FilterDisabledAcceptsAll(t *testing.T) {
	t.Parallel()
	env, d, _ := newTestDispatcher(t, 1)
	env.cfg.SoftwareFilter = false

	require.True(t, d.SubmitFromInterrupt(canframe.Message{Destination: 0x42}))
}

func TestCANTS_Dispatcher_SubmitNeverBlocks(t *testing.T) {
	t.Parallel()
	env, d, _ := newTestDispatcher(t, 1)
	env.cfg.DispatcherQueueLen = 1
	d.queue = make(chan canframe.Message, 1)

	msg := canframe.Message{Destination: testNode, Type: canframe.TypeTelemetry}
	require.True(t, d.SubmitFromInterrupt(msg))
	require.False(t, d.SubmitFromInterrupt(msg))
}

func TestCANTS_Dispatcher_RoutesByType(t *testing.T) {
	t.Parallel()
	env, d, q := newTestDispatcher(t, 1)
	ctx := context.Background()

	d.dispatch(ctx, canframe.Message{Type: canframe.TypeTelecommand, Command: 0x05})
	d.dispatch(ctx, canframe.Message{Type: canframe.TypeTelemetry, Command: 0x06})
	d.dispatch(ctx, canframe.Message{Type: canframe.TypeSetBlock})
	d.dispatch(ctx, canframe.Message{Type: canframe.TypeGetBlock})

	require.Len(t, q.tc, 1)
	require.Len(t, q.tm, 1)
	require.Len(t, q.sb, 1)
	require.Len(t, q.gb, 1)
	require.Empty(t, env.sender.take())
}

func TestCANTS_Dispatcher_InlineHandlers(t *testing.T) {
	t.Parallel()
	env, d, _ := newTestDispatcher(t, 1)
	ctx := context.Background()

	ts := canframe.Message{Destination: DefaultTimeID, Type: canframe.TypeTimeSync}
	ts.SetPayload([]byte{1, 2, 3, 4})
	d.dispatch(ctx, ts)

	utm := canframe.Message{Destination: DefaultKeepAliveID, Source: 0xAA, Type: canframe.TypeUnsolicited, Command: 0x107}
	utm.SetPayload([]byte{9})
	d.dispatch(ctx, utm)

	require.Equal(t, [][]byte{{1, 2, 3, 4}}, env.app.timeSyncs)
	require.Equal(t, []unsolicitedCall{{source: 0xAA, channel: 0x07, data: []byte{9}}}, env.app.unsolicited)
	require.Empty(t, env.sender.take())
}

func TestCANTS_Dispatcher_NonRequestTCTMNacked(t *testing.T) {
	t.Parallel()
	env, d, q := newTestDispatcher(t, 1)

	msg := canframe.Message{Source: testClient, Type: canframe.TypeTelecommand, Command: canframe.TCTMRAAck | 0x03, Length: 2}
	d.dispatch(context.Background(), msg)

	require.Empty(t, q.tc)
	sent := env.sender.take()
	require.Len(t, sent, 1)
	require.Equal(t, canframe.TCTMRANack|0x03, sent[0].Command)
	require.Equal(t, uint8(testClient), sent[0].Destination)
	require.Zero(t, sent[0].Length)
}

func TestCANTS_Dispatcher_FullQueueNacks(t *testing.T) {
	t.Parallel()
	env, d, q := newTestDispatcher(t, 1)
	env.cfg.ForwardTimeout = 0
	ctx := context.Background()

	q.tm <- canframe.Message{}
	q.gb <- canframe.Message{}

	d.dispatch(ctx, canframe.Message{Source: testClient, Type: canframe.TypeTelemetry, Command: 0x12})
	d.dispatch(ctx, canframe.Message{Source: testClient, Type: canframe.TypeGetBlock, Command: 0x05, Length: 1})

	sent := env.sender.take()
	require.Len(t, sent, 2)
	require.Equal(t, canframe.TCTMRANack|0x12, sent[0].Command)
	require.Equal(t, canframe.BlockCommand(canframe.BlockRANack, 0), sent[1].Command)
	require.Equal(t, canframe.TypeGetBlock, sent[1].Type)
}

func TestCANTS_Dispatcher_ForwardWaitsForRoom(t *testing.T) {
	t.Parallel()
	env, d, q := newTestDispatcher(t, 1)

	q.sb <- canframe.Message{}
	done := make(chan struct{})
	go func() {
		d.dispatch(context.Background(), canframe.Message{Source: testClient, Type: canframe.TypeSetBlock, Command: 0x01})
		close(done)
	}()

	// Free the slot before the forward timeout expires.
	blockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	require.NoError(t, env.clock.BlockUntilContext(blockCtx, 1))
	<-q.sb

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch did not complete")
	}
	require.Len(t, q.sb, 1)
	require.Empty(t, env.sender.take())
}

func TestCANTS_Dispatcher_ForwardTimeoutNacks(t *testing.T) {
	t.Parallel()
	env, d, q := newTestDispatcher(t, 1)

	q.tc <- canframe.Message{}
	done := make(chan struct{})
	go func() {
		d.dispatch(context.Background(), canframe.Message{Source: testClient, Type: canframe.TypeTelecommand, Command: 0x01})
		close(done)
	}()

	blockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	require.NoError(t, env.clock.BlockUntilContext(blockCtx, 1))
	env.clock.Advance(env.cfg.ForwardTimeout)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch did not complete")
	}
	sent := env.sender.take()
	require.Len(t, sent, 1)
	require.Equal(t, canframe.TCTMRANack|0x01, sent[0].Command)
}

func TestCANTS_Dispatcher_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	env, d, q := newTestDispatcher(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.True(t, d.SubmitFromInterrupt(canframe.Message{Destination: testNode, Type: canframe.TypeGetBlock}))
	require.Eventually(t, func() bool { return len(q.gb) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Empty(t, env.sender.take())
}
