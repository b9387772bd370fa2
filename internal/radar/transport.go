package radar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openhallway/doorsense/internal/monitoring"
	"github.com/openhallway/doorsense/internal/timeutil"
)

// Configuration command framing (host to sensor) shared by both variants.
var (
	commandHeader = []byte{0xFD, 0xFC, 0xFB, 0xFA}
	commandTail   = []byte{0x04, 0x03, 0x02, 0x01}

	// LD2450-class configuration sequence. Each command carries a 2-byte
	// little-endian length, a command word, and an optional value.
	cmdEnableConfig = concat(commandHeader, []byte{0x04, 0x00, 0xFF, 0x00, 0x01, 0x00}, commandTail)
	cmdSingleTarget = concat(commandHeader, []byte{0x02, 0x00, 0x80, 0x00}, commandTail)
	cmdEndConfig    = concat(commandHeader, []byte{0x02, 0x00, 0xFE, 0x00}, commandTail)

	// Expected ACK prefixes: command word with bit 8 set, status 0. The
	// trailing protocol version and buffer size bytes are not checked.
	ackEnableConfig = concat(commandHeader, []byte{0x08, 0x00, 0xFF, 0x01, 0x00, 0x00})
	ackSingleTarget = concat(commandHeader, []byte{0x04, 0x00, 0x80, 0x01, 0x00, 0x00})
	ackEndConfig    = concat(commandHeader, []byte{0x04, 0x00, 0xFE, 0x01, 0x00, 0x00})

	// RD03D-class mode-select commands. The sensor sends no ACK; the
	// transport settles and flushes instead.
	cmdRD03DSingle = concat(commandHeader, []byte{0x02, 0x00, 0x80, 0x00}, commandTail)
	cmdRD03DMulti  = concat(commandHeader, []byte{0x02, 0x00, 0x90, 0x00}, commandTail)
)

// ErrNotConnected is returned by Poll when Connect has not succeeded.
var ErrNotConnected = errors.New("radar transport not connected")

const (
	// ackTimeout bounds each handshake step.
	ackTimeout = time.Second

	// pollReadTimeout bounds a single read so Poll reports "no bytes"
	// instead of blocking on a silent link.
	pollReadTimeout = 20 * time.Millisecond

	// interCommandSettle is the pause between handshake steps.
	interCommandSettle = 50 * time.Millisecond

	pollChunkSize = 256
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Transport owns the serial link to one radar sensor variant behind a common
// contract: connect and run the variant's mode-configuration handshake, poll
// for available report bytes, and close. A failed Connect is fatal to
// startup; the system cannot run without a radar.
type Transport interface {
	// Connect opens the link and runs the variant's setup handshake. Any
	// failed step fails the whole connect.
	Connect(ctx context.Context) error

	// Poll returns whatever report bytes are currently available, possibly
	// none. It never blocks longer than a short read timeout.
	Poll() ([]byte, error)

	// NewDecoder returns a frame decoder for this variant's report format.
	NewDecoder() *Decoder

	// Close releases the serial link.
	Close() error
}

// serialLink is the variant-independent half of a transport: it owns the
// port and implements polling and the send-command-await-ack primitive.
type serialLink struct {
	path  string
	open  PortOpener
	clock timeutil.Clock
	port  SerialPorter
}

func (l *serialLink) connectPort() error {
	port, err := l.open(l.path)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", l.path, err)
	}
	l.port = port
	return nil
}

// Poll reads available bytes from the port. With a read timeout set, a
// silent link yields an empty slice rather than an error.
func (l *serialLink) Poll() ([]byte, error) {
	if l.port == nil {
		return nil, ErrNotConnected
	}
	if tp, ok := l.port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(pollReadTimeout); err != nil {
			return nil, fmt.Errorf("failed to set read timeout: %w", err)
		}
	}
	buf := make([]byte, pollChunkSize)
	n, err := l.port.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// sendAwaitAck writes a configuration command and reads until the expected
// ACK prefix arrives or the timeout elapses. The post-handshake input flush
// disposes of any bytes that follow the ACK.
func (l *serialLink) sendAwaitAck(ctx context.Context, name string, cmd, ackPrefix []byte, timeout time.Duration) error {
	if _, err := l.port.Write(cmd); err != nil {
		return fmt.Errorf("failed to send %s command: %w", name, err)
	}

	deadline := l.clock.Now().Add(timeout)
	var ackBuf []byte
	for l.clock.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := l.Poll()
		if err != nil {
			return fmt.Errorf("failed to read %s acknowledgement: %w", name, err)
		}
		ackBuf = append(ackBuf, chunk...)

		if bytes.Contains(ackBuf, ackPrefix) {
			monitoring.Logf("radar: %s acknowledged", name)
			return nil
		}
		if len(chunk) == 0 {
			l.clock.Sleep(10 * time.Millisecond)
		}
	}
	return fmt.Errorf("timeout waiting for %s acknowledgement (got % X)", name, ackBuf)
}

func (l *serialLink) flushInput() error {
	if f, ok := l.port.(InputFlusher); ok {
		return f.ResetInputBuffer()
	}
	// Ports without a native flush: drain whatever is pending.
	for {
		chunk, err := l.Poll()
		if err != nil || len(chunk) == 0 {
			return err
		}
	}
}

func (l *serialLink) Close() error {
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}

// LD2450Transport drives the LD2450-class sensor: a three-step
// enable-configuration, single-target-tracking, end-configuration handshake,
// each step requiring an exact acknowledgement.
type LD2450Transport struct {
	serialLink
}

// NewLD2450Transport returns a transport for the sensor at path. A nil
// opener or clock selects the real implementations.
func NewLD2450Transport(path string, open PortOpener, clock timeutil.Clock) *LD2450Transport {
	if open == nil {
		open = OpenPort
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LD2450Transport{serialLink{path: path, open: open, clock: clock}}
}

// Connect opens the port and runs the configuration sequence. After the
// handshake the input buffer is flushed so stale handshake bytes never get
// mistaken for a data frame.
func (t *LD2450Transport) Connect(ctx context.Context) error {
	if err := t.connectPort(); err != nil {
		return err
	}
	t.clock.Sleep(100 * time.Millisecond)

	steps := []struct {
		name string
		cmd  []byte
		ack  []byte
	}{
		{"enable config", cmdEnableConfig, ackEnableConfig},
		{"single target mode", cmdSingleTarget, ackSingleTarget},
		{"end config", cmdEndConfig, ackEndConfig},
	}
	for i, step := range steps {
		if err := t.sendAwaitAck(ctx, step.name, step.cmd, step.ack, ackTimeout); err != nil {
			t.Close()
			return fmt.Errorf("ld2450 handshake failed: %w", err)
		}
		if i < len(steps)-1 {
			t.clock.Sleep(interCommandSettle)
		}
	}

	if err := t.flushInput(); err != nil {
		t.Close()
		return fmt.Errorf("failed to flush input after handshake: %w", err)
	}
	monitoring.Logf("radar: ld2450 connected on %s in single-target mode", t.path)
	return nil
}

// NewDecoder returns a decoder for the LD2450's 4-byte report header.
func (t *LD2450Transport) NewDecoder() *Decoder {
	return NewDecoder(reportHeaderLD2450)
}

// RD03DTransport drives the RD03D-class sensor: a single mode-select command
// followed by a settle delay and an input flush. The sensor sends no
// acknowledgement for mode selection.
type RD03DTransport struct {
	serialLink

	// MultiMode selects multi-target tracking when set before Connect. The
	// decision engine runs single-target; multi mode exists for bench use.
	MultiMode bool
}

// NewRD03DTransport returns a transport for the sensor at path, configured
// for single-target tracking. A nil opener or clock selects the real
// implementations.
func NewRD03DTransport(path string, open PortOpener, clock timeutil.Clock) *RD03DTransport {
	if open == nil {
		open = OpenPort
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &RD03DTransport{serialLink: serialLink{path: path, open: open, clock: clock}}
}

// Connect opens the port and selects the tracking mode.
func (t *RD03DTransport) Connect(ctx context.Context) error {
	if err := t.connectPort(); err != nil {
		return err
	}
	t.clock.Sleep(200 * time.Millisecond)

	cmd := cmdRD03DSingle
	mode := "single-target"
	if t.MultiMode {
		cmd = cmdRD03DMulti
		mode = "multi-target"
	}
	if _, err := t.port.Write(cmd); err != nil {
		t.Close()
		return fmt.Errorf("rd03d mode select failed: %w", err)
	}
	t.clock.Sleep(200 * time.Millisecond)

	if err := t.flushInput(); err != nil {
		t.Close()
		return fmt.Errorf("failed to flush input after mode select: %w", err)
	}
	monitoring.Logf("radar: rd03d connected on %s in %s mode", t.path, mode)
	return nil
}

// NewDecoder returns a decoder for the RD03D's 2-byte report header.
func (t *RD03DTransport) NewDecoder() *Decoder {
	return NewDecoder(reportHeaderRD03D)
}
