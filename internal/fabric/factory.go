package fabric

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSerialMux opens the serial port at path and returns a SerialMux over
// it. The caller must run Monitor to receive frames.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}

	return NewSerialMux[serial.Port](port), nil
}
