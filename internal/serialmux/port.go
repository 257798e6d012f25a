package serialmux

import (
	"fmt"
	"io"
	"time"
)

// SerialPorter is the part of a serial port the mux reads and writes.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SensorPort is a SerialPorter that can be tuned after opening. go.bug.st
// serial ports satisfy it.
type SensorPort interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
	ResetInputBuffer() error
}

// preparePort applies the read timeout and discards whatever the sensor
// buffered before we opened it, so the first line read is a whole message.
func preparePort(port SensorPort, opts PortOptions) error {
	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			return fmt.Errorf("failed to set read timeout: %w", err)
		}
	}
	if err := port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input buffer: %w", err)
	}
	return nil
}
