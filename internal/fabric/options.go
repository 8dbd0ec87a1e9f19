package fabric

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

const DefaultBaudRate = 115200

// PortOptions are the serial line settings for the FPGA link.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"` // N, E or O; names are accepted too
}

var parities = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

var parityNames = map[string]string{"": "N", "NONE": "N", "EVEN": "E", "ODD": "O"}

// Normalize fills unset fields (115200 8N1) and rejects values the link
// cannot use.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}

	p := strings.ToUpper(strings.TrimSpace(o.Parity))
	if short, ok := parityNames[p]; ok {
		p = short
	}
	if _, ok := parities[p]; !ok {
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	o.Parity = p
	return o, nil
}

// SerialMode normalises o into the mode go.bug.st/serial opens ports with.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	stop := serial.OneStopBit
	if n.StopBits == 2 {
		stop = serial.TwoStopBits
	}
	return &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		StopBits: stop,
		Parity:   parities[n.Parity],
	}, nil
}
