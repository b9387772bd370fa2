package radar

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// MockPort implements SerialPorter in memory with configurable behaviour.
// It stands in for a real sensor in unit tests: reads drain a buffer, writes
// are captured, and an OnWrite hook can queue a scripted response such as a
// handshake acknowledgement.
type MockPort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// OnWrite, if set, is called with each written payload; its return
	// value is queued for subsequent reads.
	OnWrite func(p []byte) []byte

	// ReadErr is returned by the next Read call if set.
	ReadErr error

	// WriteErr is returned by the next Write call if set.
	WriteErr error

	readTimeout time.Duration
	flushes     int
	closed      bool
}

// NewMockPort returns an empty MockPort.
func NewMockPort() *MockPort {
	return &MockPort{}
}

// QueueRead appends bytes to be returned by subsequent Read calls.
func (m *MockPort) QueueRead(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf.Write(p)
}

// Written returns everything written to the port so far.
func (m *MockPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.writeBuf.Bytes()...)
}

// Flushes returns how many times ResetInputBuffer was called.
func (m *MockPort) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

// Closed reports whether Close was called.
func (m *MockPort) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("mock port closed")
	}
	if m.ReadErr != nil {
		err := m.ReadErr
		m.ReadErr = nil
		return 0, err
	}
	if m.readBuf.Len() == 0 {
		// Behaves like a real port with a read timeout on a silent link.
		return 0, nil
	}
	return m.readBuf.Read(p)
}

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errors.New("mock port closed")
	}
	if m.WriteErr != nil {
		err := m.WriteErr
		m.WriteErr = nil
		m.mu.Unlock()
		return 0, err
	}
	n, _ := m.writeBuf.Write(p)
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		if resp := hook(p); len(resp) > 0 {
			m.QueueRead(resp)
		}
	}
	return n, nil
}

// SetReadTimeout records the timeout; the mock never blocks anyway.
func (m *MockPort) SetReadTimeout(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readTimeout = timeout
	return nil
}

// ResetInputBuffer discards any queued read bytes.
func (m *MockPort) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	m.readBuf.Reset()
	return nil
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
