package radar

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Baud is the fixed UART rate used by both supported sensor variants.
const Baud = 256000

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real sensor hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with a read timeout, so that a
// poll for available bytes returns promptly instead of blocking on a silent
// link. Real ports implement it; test ports may.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// InputFlusher is implemented by ports that can discard pending input. The
// transport flushes after the configuration handshake so stale handshake
// bytes are never mistaken for a report frame.
type InputFlusher interface {
	ResetInputBuffer() error
}

// PortOpener opens a serial port at the given path. It exists so tests can
// substitute an in-memory port for the real device.
type PortOpener func(path string) (SerialPorter, error)

// OpenPort opens a real serial port at the sensor's fixed mode (256000 8N1).
func OpenPort(path string) (SerialPorter, error) {
	mode := &serial.Mode{
		BaudRate: Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}
