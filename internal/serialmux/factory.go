package serialmux

import (
	"errors"
	"io/fs"

	"go.bug.st/serial"
)

// Opener opens a device and returns a mux for it. Consumers take an Opener
// rather than a path so tests and dev mode can substitute mock devices.
type Opener func() (SerialMuxInterface, error)

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions, initCommands ...string) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	return NewSerialMux[serial.Port](port, initCommands...), nil
}

// RealOpener returns an Opener for the serial device at path.
func RealOpener(path, name string, opts PortOptions, initCommands ...string) Opener {
	return func() (SerialMuxInterface, error) {
		m, err := NewRealSerialMux(path, opts, initCommands...)
		if err != nil {
			return nil, err
		}
		return m.WithName(name), nil
	}
}

// IsPermissionError reports whether err means the process is not allowed to
// open the device, as opposed to the device being absent or busy.
func IsPermissionError(err error) bool {
	if err == nil {
		return false
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) && portErr.Code() == serial.PermissionDenied {
		return true
	}
	return errors.Is(err, fs.ErrPermission)
}
