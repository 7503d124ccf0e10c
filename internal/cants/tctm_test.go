package cants

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/farouk15160/cants/internal/canframe"
)

func newTestTCTM(t *testing.T) (*testEnv, *TCTM) {
	t.Helper()
	env := newTestEnv(t)
	return env, newTCTM(newTestLogger(), &env.cfg)
}

func TestCANTS_TCTM_TelecommandAck(t *testing.T) {
	t.Parallel()
	env, h := newTestTCTM(t)

	msg := canframe.Message{Destination: testNode, Source: testClient, Type: canframe.TypeTelecommand, Command: 0x21}
	msg.SetPayload([]byte{1, 0})
	h.handleTelecommand(msg)

	require.Equal(t, []telecommandCall{{channel: 0x21, data: []byte{1, 0}}}, env.app.tcCalls)
	sent := env.sender.take()
	require.Len(t, sent, 1)
	require.Equal(t, canframe.TCTMRAAck|0x21, sent[0].Command)
	require.Equal(t, uint8(testClient), sent[0].Destination)
	require.Equal(t, uint8(testNode), sent[0].Source)
	require.Zero(t, sent[0].Length, "telecommand replies never echo data")
}

func TestCANTS_TCTM_TelecommandNack(t *testing.T) {
	t.Parallel()
	env, h := newTestTCTM(t)
	env.app.tcErr = errors.New("bad channel")

	h.handleTelecommand(canframe.Message{Source: testClient, Type: canframe.TypeTelecommand, Command: 0x22})

	sent := env.sender.take()
	require.Len(t, sent, 1)
	require.Equal(t, canframe.TCTMRANack|0x22, sent[0].Command)
}

func TestCANTS_TCTM_TelemetryReplyCarriesData(t *testing.T) {
	t.Parallel()
	env, h := newTestTCTM(t)
	env.app.telemetry[0x05] = []byte{0xDE, 0xAD}

	h.handleTelemetry(canframe.Message{Source: testClient, Type: canframe.TypeTelemetry, Command: 0x05})

	sent := env.sender.take()
	require.Len(t, sent, 1)
	require.Equal(t, canframe.TCTMRAAck|0x05, sent[0].Command)
	require.Equal(t, []byte{0xDE, 0xAD}, sent[0].Payload())
}

func TestCANTS_TCTM_TelemetryNackHasNoData(t *testing.T) {
	t.Parallel()
	env, h := newTestTCTM(t)

	h.handleTelemetry(canframe.Message{Source: testClient, Type: canframe.TypeTelemetry, Command: 0x09})

	sent := env.sender.take()
	require.Len(t, sent, 1)
	require.Equal(t, canframe.TCTMRANack|0x09, sent[0].Command)
	require.Zero(t, sent[0].Length)
}

func TestCANTS_TCTM_TelemetryRequestWithDataIgnored(t *testing.T) {
	t.Parallel()
	env, h := newTestTCTM(t)
	env.app.telemetry[0x05] = []byte{1}

	msg := canframe.Message{Source: testClient, Type: canframe.TypeTelemetry, Command: 0x05}
	msg.SetPayload([]byte{0})
	h.handleTelemetry(msg)

	require.Empty(t, env.app.tmCalls)
	require.Empty(t, env.sender.take())
}

func TestCANTS_TCTM_KeepAliveCyclesChannels(t *testing.T) {
	t.Parallel()
	env, h := newTestTCTM(t)
	env.cfg.KeepAlive = KeepAlive{Enabled: true, UTMChannelMin: 2, UTMChannelMax: 4, Period: time.Second}
	h.utmCh = 2
	env.app.telemetry[2] = []byte{0x02}
	env.app.telemetry[4] = []byte{0x04}

	var channels []uint16
	for range 4 {
		require.True(t, h.sendKeepAlive())
		sent := env.sender.take()
		require.Len(t, sent, 1)
		require.Equal(t, canframe.TypeUnsolicited, sent[0].Type)
		require.Equal(t, uint8(DefaultKeepAliveID), sent[0].Destination)
		require.Equal(t, uint8(testNode), sent[0].Source)
		channels = append(channels, sent[0].Command)
	}

	// Channel 3 fails and is skipped; the range wraps back to 2.
	require.Equal(t, []uint16{2, 4, 2, 4}, channels)
}

func TestCANTS_TCTM_KeepAliveBoundedWhenAllChannelsFail(t *testing.T) {
	t.Parallel()
	env, h := newTestTCTM(t)
	env.cfg.KeepAlive = KeepAlive{Enabled: true, UTMChannelMin: 0, UTMChannelMax: 2, Period: time.Second}

	require.False(t, h.sendKeepAlive())
	require.Equal(t, []uint8{0, 1, 2}, env.app.tmCalls)
	require.Empty(t, env.sender.take())

	// The next period picks up where the cycle stopped.
	env.app.telemetry[0] = []byte{7}
	require.True(t, h.sendKeepAlive())
	require.Equal(t, uint16(0), env.sender.take()[0].Command)
}

func TestCANTS_TCTM_KeepAliveFullChannelRange(t *testing.T) {
	t.Parallel()
	env, h := newTestTCTM(t)
	env.cfg.KeepAlive = KeepAlive{Enabled: true, UTMChannelMin: 0, UTMChannelMax: 255, Period: time.Second}
	h.utmCh = 255
	env.app.telemetry[255] = []byte{1}
	env.app.telemetry[0] = []byte{2}

	require.True(t, h.sendKeepAlive())
	require.True(t, h.sendKeepAlive())
	sent := env.sender.take()
	require.Equal(t, uint16(255), sent[0].Command)
	require.Equal(t, uint16(0), sent[1].Command)
}

func TestCANTS_TCTM_RunTelemetrySendsKeepAliveEachPeriod(t *testing.T) {
	t.Parallel()
	env, h := newTestTCTM(t)
	env.cfg.KeepAlive = KeepAlive{Enabled: true, Period: 2 * time.Second}
	env.app.telemetry[0] = []byte{0x55}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- h.RunTelemetry(ctx) }()

	blockCtx, blockCancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(blockCancel)
	require.NoError(t, env.clock.BlockUntilContext(blockCtx, 1))
	require.Zero(t, env.sender.count())

	env.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return env.sender.count() == 1 }, time.Second, 5*time.Millisecond)

	// A request in the middle of a period does not trigger a keep-alive.
	require.NoError(t, env.clock.BlockUntilContext(blockCtx, 1))
	env.clock.Advance(time.Second)
	h.tm <- canframe.Message{Source: testClient, Type: canframe.TypeTelemetry, Command: 0x00}
	require.Eventually(t, func() bool { return env.sender.count() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, env.clock.BlockUntilContext(blockCtx, 1))
	env.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return env.sender.count() == 3 }, time.Second, 5*time.Millisecond)

	sent := env.sender.take()
	require.Equal(t, canframe.TypeUnsolicited, sent[0].Type)
	require.Equal(t, canframe.TypeTelemetry, sent[1].Type)
	require.Equal(t, canframe.TypeUnsolicited, sent[2].Type)

	cancel()
	require.NoError(t, <-done)
}
