package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for
// tests. Reads block until data is added or the port is closed; after Close
// pending reads return ErrPortClosed.
type TestableSerialPort struct {
	mu sync.Mutex

	readBuffer  *bytes.Buffer
	writeBuffer *bytes.Buffer

	// WriteError is returned by the next Write call if set.
	WriteError error
	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool
	// CloseError is returned by Close if set.
	CloseError error
	// OnWrite, when set, is called with each written command after the
	// port lock is released.
	OnWrite func(p []byte)

	// ResetError is returned by ResetInputBuffer if set.
	ResetError error

	closed      bool
	readTimeout time.Duration
	resets      int
	readCond    *sync.Cond
}

var _ SensorPort = (*TestableSerialPort)(nil)

// NewTestableSerialPort creates a new TestableSerialPort.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		readBuffer:  bytes.NewBuffer(nil),
		writeBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read blocks until data is available or the port is closed.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.closed && t.readBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.readBuffer.Len() == 0 {
		return 0, ErrPortClosed
	}
	return t.readBuffer.Read(p)
}

// Write records p.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	n, _ := t.writeBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return n, nil
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readTimeout = timeout
	return nil
}

// ReadTimeout returns the last value passed to SetReadTimeout.
func (t *TestableSerialPort) ReadTimeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readTimeout
}

// ResetInputBuffer drops unread data.
func (t *TestableSerialPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ResetError != nil {
		return t.ResetError
	}
	t.resets++
	t.readBuffer.Reset()
	return nil
}

// Resets counts successful ResetInputBuffer calls.
func (t *TestableSerialPort) Resets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

// AddReadData queues data for subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBuffer.Write(data)
	t.readCond.Broadcast()
}

// AddLine queues line followed by a newline.
func (t *TestableSerialPort) AddLine(line string) {
	t.AddReadData([]byte(line + "\n"))
}

// Written returns everything written to the port.
func (t *TestableSerialPort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeBuffer.String()
}

// Closed reports whether Close was called.
func (t *TestableSerialPort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
