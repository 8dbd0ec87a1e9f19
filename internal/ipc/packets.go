// Package ipc encodes and decodes the fixed-layout binary messages exchanged
// with the FPGA map server and the housekeeping process over the messaging
// fabric.
//
// The transport carries no type tag. A receiver must know which message shape
// is published on the topic it reads and call the matching Decode function.
//
// Byte order: every multi-byte field is written in the host's native byte
// order (binary.NativeEndian), matching the C structs used by the flight
// processes. Producer and consumer must share endianness; a big-endian peer
// would read garbage. Do not "fix" this without changing every peer.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

/*
Wire layouts (native byte order, no padding):

RegisterRequest (16 bytes):
├── return_address   uint32  offset 0
├── request_number   uint8   offset 4
├── read_write       uint8   offset 5  (0 = read, 1 = write)
├── register_address uint16  offset 6
├── data_size        uint32  offset 8
└── data             uint32  offset 12 (don't-care on read)

RegisterAnswer (12 + data_size bytes):
├── return_address   uint32  offset 0
├── request_number   uint8   offset 4
├── flags            uint8   offset 5  (bit0 = read/write, bit1 = error)
├── register_address uint16  offset 6
├── data_size        uint32  offset 8
└── data             data_size bytes, first 4 bytes are the register value

HealthMessage (9 + len(payload) bytes):
├── return_address   uint32  offset 0
├── data_size        uint32  offset 4  (payload length + NUL)
└── data             payload followed by a NUL terminator

StatusMessage (8 bytes):
├── return_address   uint32  offset 0
└── status           uint32  offset 4
*/
const (
	BUFFER_SIZE           = 256 // Largest message any endpoint will accept
	HEADER_SIZE           = 12  // Shared request/answer header
	REGISTER_REQUEST_SIZE = HEADER_SIZE + REGISTER_WORD_SIZE
	REGISTER_WORD_SIZE    = 4 // One 32-bit FPGA register
	HEALTH_HEADER_SIZE    = 8
	HEALTH_OVERHEAD       = HEALTH_HEADER_SIZE + 1 // header + NUL terminator
	MAX_HEALTH_PAYLOAD    = BUFFER_SIZE - HEALTH_OVERHEAD
	STATUS_MESSAGE_SIZE   = 8

	answerFlagWrite = 0x01
	answerFlagError = 0x02
)

var (
	ErrPayloadTooLarge = errors.New("ipc: payload exceeds buffer size")
	ErrShortPacket     = errors.New("ipc: packet shorter than its layout")
	ErrBadAccess       = errors.New("ipc: invalid read/write flag")
)

// Access is the read/write flag of a register request.
type Access uint8

const (
	Read  Access = 0
	Write Access = 1
)

func (a Access) String() string {
	switch a {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	default:
		return fmt.Sprintf("Access(%d)", uint8(a))
	}
}

// RegisterRequest asks the FPGA map server to read or write one register.
type RegisterRequest struct {
	ReturnAddress   uint32
	RequestNumber   uint8
	ReadWrite       Access
	RegisterAddress uint16
	DataSize        uint32
	Data            uint32
}

func (r RegisterRequest) String() string {
	if r.ReadWrite == Write {
		return fmt.Sprintf("FPGA_MAP_REQUEST return:%d request:%d WRITE %d bytes to 0x%04X data:0x%08X",
			r.ReturnAddress, r.RequestNumber, r.DataSize, r.RegisterAddress, r.Data)
	}
	return fmt.Sprintf("FPGA_MAP_REQUEST return:%d request:%d READ %d bytes from 0x%04X",
		r.ReturnAddress, r.RequestNumber, r.DataSize, r.RegisterAddress)
}

// RegisterAnswer is the FPGA map server's reply to a RegisterRequest.
type RegisterAnswer struct {
	ReturnAddress   uint32
	RequestNumber   uint8
	ReadWrite       Access
	Failed          bool
	RegisterAddress uint16
	DataSize        uint32
	Data            uint32
}

func (a RegisterAnswer) String() string {
	status := "Success"
	if a.Failed {
		status = "Failed"
	}
	if a.ReadWrite == Write {
		return fmt.Sprintf("FPGA_MAP_ANSWER return:%d request:%d WRITE to 0x%04X, %s",
			a.ReturnAddress, a.RequestNumber, a.RegisterAddress, status)
	}
	return fmt.Sprintf("FPGA_MAP_ANSWER return:%d request:%d READ 0x%04X = 0x%08X, %s",
		a.ReturnAddress, a.RequestNumber, a.RegisterAddress, a.Data, status)
}

// HealthMessage is a one-way text record for the housekeeping process.
type HealthMessage struct {
	ReturnAddress uint32
	Data          []byte
}

// Status is the process state reported on the status topic.
type Status uint32

const (
	StatusCameraInit Status = 0x00
	StatusStandby    Status = 0x01
	StatusMain       Status = 0x02
)

// StatusMessage reports the pointing process state.
type StatusMessage struct {
	ReturnAddress uint32
	Status        Status
}

// EncodeRegisterRequest packs r into its fixed 16-byte layout.
func EncodeRegisterRequest(r RegisterRequest) ([]byte, error) {
	if r.ReadWrite != Read && r.ReadWrite != Write {
		return nil, fmt.Errorf("%w: %d", ErrBadAccess, r.ReadWrite)
	}
	buf := make([]byte, REGISTER_REQUEST_SIZE)
	putHeader(buf, r.ReturnAddress, r.RequestNumber, uint8(r.ReadWrite), r.RegisterAddress, r.DataSize)
	binary.NativeEndian.PutUint32(buf[12:16], r.Data)
	return buf, nil
}

// DecodeRegisterRequest unpacks a request. A 12-byte read request without a
// data word is accepted, as the housekeeping tools send them that way.
func DecodeRegisterRequest(buf []byte) (RegisterRequest, error) {
	var r RegisterRequest
	if len(buf) > BUFFER_SIZE {
		return r, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(buf))
	}
	if len(buf) < HEADER_SIZE {
		return r, fmt.Errorf("%w: register request needs %d bytes, got %d", ErrShortPacket, HEADER_SIZE, len(buf))
	}
	r.ReturnAddress = binary.NativeEndian.Uint32(buf[0:4])
	r.RequestNumber = buf[4]
	r.ReadWrite = Access(buf[5])
	r.RegisterAddress = binary.NativeEndian.Uint16(buf[6:8])
	r.DataSize = binary.NativeEndian.Uint32(buf[8:12])
	if r.ReadWrite != Read && r.ReadWrite != Write {
		return r, fmt.Errorf("%w: %d", ErrBadAccess, buf[5])
	}
	if len(buf) >= REGISTER_REQUEST_SIZE {
		r.Data = binary.NativeEndian.Uint32(buf[12:16])
	} else if r.ReadWrite == Write {
		return r, fmt.Errorf("%w: write request without data word", ErrShortPacket)
	}
	return r, nil
}

// EncodeRegisterAnswer packs an answer carrying a single register word.
// Write acknowledgements carry no data.
func EncodeRegisterAnswer(a RegisterAnswer) ([]byte, error) {
	if a.ReadWrite != Read && a.ReadWrite != Write {
		return nil, fmt.Errorf("%w: %d", ErrBadAccess, a.ReadWrite)
	}
	flags := uint8(a.ReadWrite) & answerFlagWrite
	if a.Failed {
		flags |= answerFlagError
	}
	size := HEADER_SIZE
	dataSize := uint32(0)
	if a.ReadWrite == Read {
		size += REGISTER_WORD_SIZE
		dataSize = REGISTER_WORD_SIZE
	}
	buf := make([]byte, size)
	putHeader(buf, a.ReturnAddress, a.RequestNumber, flags, a.RegisterAddress, dataSize)
	if a.ReadWrite == Read {
		binary.NativeEndian.PutUint32(buf[12:16], a.Data)
	}
	return buf, nil
}

// DecodeRegisterAnswer unpacks an answer. Only the first register word of a
// multi-register read is returned in Data.
func DecodeRegisterAnswer(buf []byte) (RegisterAnswer, error) {
	var a RegisterAnswer
	if len(buf) > BUFFER_SIZE {
		return a, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(buf))
	}
	if len(buf) < HEADER_SIZE {
		return a, fmt.Errorf("%w: register answer needs %d bytes, got %d", ErrShortPacket, HEADER_SIZE, len(buf))
	}
	flags := buf[5]
	a.ReturnAddress = binary.NativeEndian.Uint32(buf[0:4])
	a.RequestNumber = buf[4]
	a.ReadWrite = Access(flags & answerFlagWrite)
	a.Failed = flags&answerFlagError != 0
	a.RegisterAddress = binary.NativeEndian.Uint16(buf[6:8])
	a.DataSize = binary.NativeEndian.Uint32(buf[8:12])
	if int(a.DataSize) > len(buf)-HEADER_SIZE {
		return a, fmt.Errorf("%w: answer declares %d data bytes, carries %d", ErrShortPacket, a.DataSize, len(buf)-HEADER_SIZE)
	}
	if a.DataSize >= REGISTER_WORD_SIZE {
		a.Data = binary.NativeEndian.Uint32(buf[12:16])
	}
	return a, nil
}

// EncodeHealthMessage packs m as return address, size, payload and a NUL
// terminator. Payloads longer than MAX_HEALTH_PAYLOAD are rejected.
func EncodeHealthMessage(m HealthMessage) ([]byte, error) {
	if len(m.Data) > MAX_HEALTH_PAYLOAD {
		return nil, fmt.Errorf("%w: health payload %d bytes, max %d", ErrPayloadTooLarge, len(m.Data), MAX_HEALTH_PAYLOAD)
	}
	buf := make([]byte, HEALTH_OVERHEAD+len(m.Data))
	binary.NativeEndian.PutUint32(buf[0:4], m.ReturnAddress)
	binary.NativeEndian.PutUint32(buf[4:8], uint32(len(m.Data)+1))
	copy(buf[HEALTH_HEADER_SIZE:], m.Data)
	// trailing byte is already zero
	return buf, nil
}

// DecodeHealthMessage unpacks a health message, stripping the NUL terminator.
func DecodeHealthMessage(buf []byte) (HealthMessage, error) {
	var m HealthMessage
	if len(buf) > BUFFER_SIZE {
		return m, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(buf))
	}
	if len(buf) < HEALTH_HEADER_SIZE {
		return m, fmt.Errorf("%w: health message needs %d bytes, got %d", ErrShortPacket, HEALTH_HEADER_SIZE, len(buf))
	}
	m.ReturnAddress = binary.NativeEndian.Uint32(buf[0:4])
	size := int(binary.NativeEndian.Uint32(buf[4:8]))
	if size > len(buf)-HEALTH_HEADER_SIZE {
		return m, fmt.Errorf("%w: health message declares %d bytes, carries %d", ErrShortPacket, size, len(buf)-HEALTH_HEADER_SIZE)
	}
	data := buf[HEALTH_HEADER_SIZE : HEALTH_HEADER_SIZE+size]
	if n := len(data); n > 0 && data[n-1] == 0 {
		data = data[:n-1]
	}
	m.Data = append([]byte(nil), data...)
	return m, nil
}

// EncodeStatusMessage packs a status report.
func EncodeStatusMessage(m StatusMessage) []byte {
	buf := make([]byte, STATUS_MESSAGE_SIZE)
	binary.NativeEndian.PutUint32(buf[0:4], m.ReturnAddress)
	binary.NativeEndian.PutUint32(buf[4:8], uint32(m.Status))
	return buf
}

// DecodeStatusMessage unpacks a status report.
func DecodeStatusMessage(buf []byte) (StatusMessage, error) {
	if len(buf) < STATUS_MESSAGE_SIZE {
		return StatusMessage{}, fmt.Errorf("%w: status message needs %d bytes, got %d", ErrShortPacket, STATUS_MESSAGE_SIZE, len(buf))
	}
	return StatusMessage{
		ReturnAddress: binary.NativeEndian.Uint32(buf[0:4]),
		Status:        Status(binary.NativeEndian.Uint32(buf[4:8])),
	}, nil
}

func putHeader(buf []byte, returnAddress uint32, requestNumber, flags uint8, address uint16, dataSize uint32) {
	binary.NativeEndian.PutUint32(buf[0:4], returnAddress)
	buf[4] = requestNumber
	buf[5] = flags
	binary.NativeEndian.PutUint16(buf[6:8], address)
	binary.NativeEndian.PutUint32(buf[8:12], dataSize)
}
