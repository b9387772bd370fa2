package radar

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhallway/doorsense/internal/timeutil"
)

// ackResponder replies to each known configuration command with its full
// acknowledgement frame (prefix plus the trailing bytes a real sensor sends).
func ackResponder(p []byte) []byte {
	switch {
	case bytes.Equal(p, cmdEnableConfig):
		return concat(ackEnableConfig, []byte{0x01, 0x00, 0x40, 0x00}, commandTail)
	case bytes.Equal(p, cmdSingleTarget):
		return concat(ackSingleTarget, commandTail)
	case bytes.Equal(p, cmdEndConfig):
		return concat(ackEndConfig, commandTail)
	}
	return nil
}

func mockOpener(port *MockPort) PortOpener {
	return func(path string) (SerialPorter, error) {
		return port, nil
	}
}

func TestLD2450ConnectRunsHandshake(t *testing.T) {
	port := NewMockPort()
	port.OnWrite = ackResponder
	clock := timeutil.NewMockClock(time.Now())

	tr := NewLD2450Transport("/dev/ttyUSB0", mockOpener(port), clock)
	require.NoError(t, tr.Connect(context.Background()))

	want := concat(cmdEnableConfig, cmdSingleTarget, cmdEndConfig)
	assert.Equal(t, want, port.Written(), "commands sent in handshake order")
	assert.Equal(t, 1, port.Flushes(), "input flushed once after handshake")
	assert.False(t, port.Closed())
}

func TestLD2450ConnectOpenFailure(t *testing.T) {
	opener := func(path string) (SerialPorter, error) {
		return nil, errors.New("no such device")
	}
	tr := NewLD2450Transport("/dev/ttyUSB9", opener, timeutil.NewMockClock(time.Now()))
	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/ttyUSB9")
}

func TestLD2450ConnectClosesPortOnHandshakeFailure(t *testing.T) {
	// The sensor answers the first step only; step two times out and the
	// port must not leak.
	port := NewMockPort()
	port.OnWrite = func(p []byte) []byte {
		if bytes.Equal(p, cmdEnableConfig) {
			return concat(ackEnableConfig, commandTail)
		}
		return nil
	}

	tr := NewLD2450Transport("/dev/ttyUSB0", mockOpener(port), timeutil.RealClock{})
	// Shorten the wait by cancelling once the second command is stuck.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := tr.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ld2450 handshake failed")
	assert.True(t, port.Closed())
}

func TestSendAwaitAckTimeout(t *testing.T) {
	port := NewMockPort()
	l := &serialLink{path: "/dev/ttyUSB0", clock: timeutil.RealClock{}, port: port}

	err := l.sendAwaitAck(context.Background(), "enable config", cmdEnableConfig, ackEnableConfig, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for enable config")
}

func TestSendAwaitAckIgnoresLeadingNoise(t *testing.T) {
	port := NewMockPort()
	// Report bytes already in flight when the command goes out.
	port.QueueRead([]byte{0xAA, 0xFF, 0x03, 0x00, 0x11, 0x22})
	port.OnWrite = ackResponder
	l := &serialLink{path: "/dev/ttyUSB0", clock: timeutil.NewMockClock(time.Now()), port: port}

	err := l.sendAwaitAck(context.Background(), "enable config", cmdEnableConfig, ackEnableConfig, ackTimeout)
	assert.NoError(t, err)
}

func TestSendAwaitAckContextCancelled(t *testing.T) {
	port := NewMockPort()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := &serialLink{path: "/dev/ttyUSB0", clock: timeutil.RealClock{}, port: port}

	err := l.sendAwaitAck(ctx, "enable config", cmdEnableConfig, ackEnableConfig, ackTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRD03DConnectSingleTargetMode(t *testing.T) {
	port := NewMockPort()
	clock := timeutil.NewMockClock(time.Now())

	tr := NewRD03DTransport("/dev/ttyAMA0", mockOpener(port), clock)
	require.NoError(t, tr.Connect(context.Background()))

	assert.Equal(t, cmdRD03DSingle, port.Written())
	assert.Equal(t, 1, port.Flushes())
	// Open settle plus post-command settle.
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 200 * time.Millisecond}, clock.Sleeps())
}

func TestRD03DConnectMultiTargetMode(t *testing.T) {
	port := NewMockPort()
	tr := NewRD03DTransport("/dev/ttyAMA0", mockOpener(port), timeutil.NewMockClock(time.Now()))
	tr.MultiMode = true
	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, cmdRD03DMulti, port.Written())
}

func TestPollNotConnected(t *testing.T) {
	l := &serialLink{path: "/dev/ttyUSB0"}
	_, err := l.Poll()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPollReturnsAvailableBytes(t *testing.T) {
	port := NewMockPort()
	port.QueueRead([]byte{0x01, 0x02, 0x03})
	l := &serialLink{port: port}

	got, err := l.Poll()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)
	assert.Equal(t, pollReadTimeout, port.readTimeout, "read timeout applied before reading")

	got, err = l.Poll()
	require.NoError(t, err)
	assert.Empty(t, got, "silent link yields no bytes, not an error")
}

// plainPort strips the optional interfaces so the fallback paths run.
type plainPort struct {
	inner *MockPort
}

func (p *plainPort) Read(b []byte) (int, error)  { return p.inner.Read(b) }
func (p *plainPort) Write(b []byte) (int, error) { return p.inner.Write(b) }
func (p *plainPort) Close() error                { return p.inner.Close() }

func TestFlushInputDrainFallback(t *testing.T) {
	inner := NewMockPort()
	inner.QueueRead(make([]byte, 600))
	l := &serialLink{port: &plainPort{inner: inner}}

	require.NoError(t, l.flushInput())
	got, err := l.Poll()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, inner.Flushes(), "native flush not available")
}

func TestCloseIsIdempotent(t *testing.T) {
	port := NewMockPort()
	l := &serialLink{port: port}
	require.NoError(t, l.Close())
	assert.True(t, port.Closed())
	require.NoError(t, l.Close(), "second close is a no-op")
}

func TestDecoderHeadersPerVariant(t *testing.T) {
	ld := NewLD2450Transport("/dev/null", nil, nil)
	rd := NewRD03DTransport("/dev/null", nil, nil)
	assert.Equal(t, reportHeaderLD2450, ld.NewDecoder().header)
	assert.Equal(t, reportHeaderRD03D, rd.NewDecoder().header)
}
