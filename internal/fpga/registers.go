package fpga

import "fmt"

// Channel is one differential electrode of the steering mirror.
type Channel int

const (
	XPlus Channel = iota
	XMinus
	YPlus
	YMinus
)

// Channels lists the mirror channels in the order they must be written. The
// last write latches all four.
var Channels = [4]Channel{XPlus, XMinus, YPlus, YMinus}

func (c Channel) String() string {
	switch c {
	case XPlus:
		return "X+"
	case XMinus:
		return "X-"
	case YPlus:
		return "Y+"
	case YMinus:
		return "Y-"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// AD5664 DAC input shift register: command and address in the top byte, a
// 16-bit value below it.
const (
	DAC_CMD_WRITE_INPUT_REG        = 0x00
	DAC_CMD_WRITE_INPUT_UPDATE_ALL = 0x10

	DAC_ADDR_A = 0x00
	DAC_ADDR_B = 0x01
	DAC_ADDR_C = 0x02
	DAC_ADDR_D = 0x03

	DAC_FULL_RESET                = 0x280001
	DAC_ENABLE_INTERNAL_REFERENCE = 0x380001
	DAC_ENABLE_ALL_DAC_CHANNELS   = 0x20000F
	DAC_ENABLE_SOFTWARE_LDAC      = 0x30000F
)

// DACInitWord is one step of the DAC bring-up.
type DACInitWord struct {
	Name string
	Word uint32
}

// DACInitSequence is the bring-up order for the mirror DAC.
var DACInitSequence = []DACInitWord{
	{"DAC_FULL_RESET", DAC_FULL_RESET},
	{"DAC_ENABLE_INTERNAL_REFERENCE", DAC_ENABLE_INTERNAL_REFERENCE},
	{"DAC_ENABLE_ALL_DAC_CHANNELS", DAC_ENABLE_ALL_DAC_CHANNELS},
	{"DAC_ENABLE_SOFTWARE_LDAC", DAC_ENABLE_SOFTWARE_LDAC},
}

// DACAddress returns the DAC output wired to channel.
func (c Channel) DACAddress() uint8 {
	switch c {
	case XPlus:
		return DAC_ADDR_D
	case XMinus:
		return DAC_ADDR_C
	case YPlus:
		return DAC_ADDR_A
	default:
		return DAC_ADDR_B
	}
}

// DACWord packs a DAC command for channel. Y- uses write-and-update-all so the
// fourth write latches every staged value; the others only stage.
func DACWord(c Channel, value uint16) uint32 {
	cmd := uint32(DAC_CMD_WRITE_INPUT_REG)
	if c == YMinus {
		cmd = DAC_CMD_WRITE_INPUT_UPDATE_ALL
	}
	return (cmd|uint32(c.DACAddress()))<<16 | uint32(value)
}

// RegisterMap names the FPGA registers the actuator touches.
type RegisterMap struct {
	Bias       uint16    `json:"bias"`
	BiasOn     uint32    `json:"bias_on"`
	BiasOff    uint32    `json:"bias_off"`
	DAC        [4]uint16 `json:"dac"` // indexed by Channel
	DACControl uint16    `json:"dac_control"`
}

// DefaultRegisterMap returns the flight register assignment.
func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		Bias:       0x21,
		BiasOn:     0x55,
		BiasOff:    0x0F,
		DAC:        [4]uint16{0x30, 0x31, 0x32, 0x33},
		DACControl: 0x34,
	}
}

// ChannelRegister returns the register for channel c.
func (m RegisterMap) ChannelRegister(c Channel) uint16 {
	return m.DAC[c]
}

// Validate reports overlapping register assignments.
func (m RegisterMap) Validate() error {
	seen := map[uint16]string{m.Bias: "bias"}
	check := func(addr uint16, name string) error {
		if other, ok := seen[addr]; ok {
			return fmt.Errorf("register 0x%04X assigned to both %s and %s", addr, other, name)
		}
		seen[addr] = name
		return nil
	}
	for _, c := range Channels {
		if err := check(m.DAC[c], "DAC "+c.String()); err != nil {
			return err
		}
	}
	if err := check(m.DACControl, "DAC control"); err != nil {
		return err
	}
	if m.BiasOn == m.BiasOff {
		return fmt.Errorf("bias on and off values are both 0x%X", m.BiasOn)
	}
	return nil
}
