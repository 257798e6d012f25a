package serialmux

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreparePort(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddLine(`{"type":"data","points":[{"mv":0.`)

	require.NoError(t, preparePort(port, PortOptions{ReadTimeout: 250 * time.Millisecond}))
	assert.Equal(t, 250*time.Millisecond, port.ReadTimeout())
	assert.Equal(t, 1, port.Resets())

	port.AddLine(`{"type":"connected"}`)
	buf := make([]byte, 64)
	n, err := port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"connected\"}\n", string(buf[:n]))
}

func TestPreparePort_NoTimeout(t *testing.T) {
	port := NewTestableSerialPort()
	require.NoError(t, preparePort(port, PortOptions{}))
	assert.Zero(t, port.ReadTimeout())
	assert.Equal(t, 1, port.Resets())
}

func TestPreparePort_ResetError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ResetError = errors.New("ioctl failed")
	err := preparePort(port, PortOptions{})
	assert.ErrorContains(t, err, "ioctl failed")
	assert.Zero(t, port.Resets())
}
