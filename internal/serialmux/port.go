package serialmux

import "io"

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortOpener opens a serial port at path. NewRealSerialMux uses the
// go.bug.st/serial opener; tests substitute their own.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
