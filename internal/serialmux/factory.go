package serialmux

import (
	"go.bug.st/serial"
)

// OpenRealPort opens the serial device at path with go.bug.st/serial.
func OpenRealPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return Open(OpenRealPort, path, opts)
}

// Open creates a SerialMux over a port obtained from opener.
func Open(opener SerialPortOpener, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	port, err := opener(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
