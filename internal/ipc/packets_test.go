package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegisterRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{
			name: "write",
			req: RegisterRequest{
				ReturnAddress:   789,
				RequestNumber:   123,
				ReadWrite:       Write,
				RegisterAddress: 0x5678,
				DataSize:        4,
				Data:            0xDEADBEEF,
			},
		},
		{
			name: "read",
			req: RegisterRequest{
				ReturnAddress:   456,
				RequestNumber:   255,
				ReadWrite:       Read,
				RegisterAddress: 0x1234,
				DataSize:        4,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodeRegisterRequest(tt.req)
			if err != nil {
				t.Fatalf("EncodeRegisterRequest: %v", err)
			}
			if len(buf) != REGISTER_REQUEST_SIZE {
				t.Fatalf("encoded %d bytes, want %d", len(buf), REGISTER_REQUEST_SIZE)
			}
			got, err := DecodeRegisterRequest(buf)
			if err != nil {
				t.Fatalf("DecodeRegisterRequest: %v", err)
			}
			if diff := cmp.Diff(tt.req, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegisterRequestLayout(t *testing.T) {
	buf, err := EncodeRegisterRequest(RegisterRequest{
		ReturnAddress:   0x01020304,
		RequestNumber:   7,
		ReadWrite:       Write,
		RegisterAddress: 0x0021,
		DataSize:        4,
		Data:            0x55,
	})
	if err != nil {
		t.Fatal(err)
	}

	want := make([]byte, 16)
	binary.NativeEndian.PutUint32(want[0:], 0x01020304)
	want[4] = 7
	want[5] = 1
	binary.NativeEndian.PutUint16(want[6:], 0x0021)
	binary.NativeEndian.PutUint32(want[8:], 4)
	binary.NativeEndian.PutUint32(want[12:], 0x55)

	if !bytes.Equal(buf, want) {
		t.Errorf("layout = % x, want % x", buf, want)
	}
}

func TestDecodeRegisterRequestShortRead(t *testing.T) {
	full, _ := EncodeRegisterRequest(RegisterRequest{ReturnAddress: 1, RequestNumber: 2, ReadWrite: Read, RegisterAddress: 3, DataSize: 4})

	r, err := DecodeRegisterRequest(full[:HEADER_SIZE])
	if err != nil {
		t.Fatalf("12-byte read request should decode: %v", err)
	}
	if r.RegisterAddress != 3 || r.ReadWrite != Read {
		t.Errorf("decoded %+v", r)
	}

	w, _ := EncodeRegisterRequest(RegisterRequest{ReadWrite: Write, DataSize: 4, Data: 9})
	if _, err := DecodeRegisterRequest(w[:HEADER_SIZE]); !errors.Is(err, ErrShortPacket) {
		t.Errorf("write without data word: err = %v, want ErrShortPacket", err)
	}
	if _, err := DecodeRegisterRequest(full[:5]); !errors.Is(err, ErrShortPacket) {
		t.Errorf("truncated header: err = %v, want ErrShortPacket", err)
	}
}

func TestRegisterRequestBadAccess(t *testing.T) {
	if _, err := EncodeRegisterRequest(RegisterRequest{ReadWrite: Access(3)}); !errors.Is(err, ErrBadAccess) {
		t.Errorf("encode err = %v, want ErrBadAccess", err)
	}
	buf, _ := EncodeRegisterRequest(RegisterRequest{ReadWrite: Read})
	buf[5] = 9
	if _, err := DecodeRegisterRequest(buf); !errors.Is(err, ErrBadAccess) {
		t.Errorf("decode err = %v, want ErrBadAccess", err)
	}
}

func TestRegisterAnswerRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ans  RegisterAnswer
		size int
	}{
		{"read ok", RegisterAnswer{ReturnAddress: 101112, RequestNumber: 12, ReadWrite: Read, RegisterAddress: 0x9ABC, DataSize: 4, Data: 0x55}, 16},
		{"read failed", RegisterAnswer{ReturnAddress: 1, RequestNumber: 0, ReadWrite: Read, Failed: true, RegisterAddress: 0x21, DataSize: 4, Data: 0}, 16},
		{"write ack", RegisterAnswer{ReturnAddress: 131415, RequestNumber: 200, ReadWrite: Write, RegisterAddress: 0xDEF0}, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodeRegisterAnswer(tt.ans)
			if err != nil {
				t.Fatal(err)
			}
			if len(buf) != tt.size {
				t.Errorf("encoded %d bytes, want %d", len(buf), tt.size)
			}
			got, err := DecodeRegisterAnswer(buf)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.ans, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRegisterAnswerTruncatedData(t *testing.T) {
	buf, _ := EncodeRegisterAnswer(RegisterAnswer{ReadWrite: Read, Data: 1})
	if _, err := DecodeRegisterAnswer(buf[:14]); !errors.Is(err, ErrShortPacket) {
		t.Errorf("err = %v, want ErrShortPacket", err)
	}
}

func TestHealthMessage(t *testing.T) {
	msg := HealthMessage{ReturnAddress: 42, Data: []byte("FSM bias confirmed")}
	buf, err := EncodeHealthMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if want := 9 + len(msg.Data); len(buf) != want {
		t.Errorf("encoded %d bytes, want %d", len(buf), want)
	}
	if buf[len(buf)-1] != 0 {
		t.Error("health payload is not NUL terminated")
	}
	got, err := DecodeHealthMessage(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(msg, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestHealthMessageCap(t *testing.T) {
	fits := HealthMessage{Data: []byte(strings.Repeat("a", MAX_HEALTH_PAYLOAD))}
	buf, err := EncodeHealthMessage(fits)
	if err != nil {
		t.Fatalf("payload at the cap should encode: %v", err)
	}
	if len(buf) != BUFFER_SIZE {
		t.Errorf("encoded %d bytes, want %d", len(buf), BUFFER_SIZE)
	}

	over := HealthMessage{Data: []byte(strings.Repeat("a", MAX_HEALTH_PAYLOAD+1))}
	if _, err := EncodeHealthMessage(over); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecodeOversizedBuffers(t *testing.T) {
	big := make([]byte, BUFFER_SIZE+1)
	if _, err := DecodeRegisterRequest(big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("request err = %v", err)
	}
	if _, err := DecodeRegisterAnswer(big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("answer err = %v", err)
	}
	if _, err := DecodeHealthMessage(big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("health err = %v", err)
	}
}

func TestStatusMessage(t *testing.T) {
	msg := StatusMessage{ReturnAddress: 9, Status: StatusMain}
	got, err := DecodeStatusMessage(EncodeStatusMessage(msg))
	if err != nil {
		t.Fatal(err)
	}
	if got != msg {
		t.Errorf("got %+v, want %+v", got, msg)
	}
	if _, err := DecodeStatusMessage([]byte{1, 2}); !errors.Is(err, ErrShortPacket) {
		t.Errorf("err = %v, want ErrShortPacket", err)
	}
}

func TestStrings(t *testing.T) {
	w := RegisterRequest{RequestNumber: 3, ReadWrite: Write, RegisterAddress: 0x21, DataSize: 4, Data: 0x55}
	if s := w.String(); !strings.Contains(s, "WRITE") || !strings.Contains(s, "0x0021") {
		t.Errorf("request String() = %q", s)
	}
	a := RegisterAnswer{ReadWrite: Read, Failed: true, RegisterAddress: 0x30}
	if s := a.String(); !strings.Contains(s, "Failed") {
		t.Errorf("answer String() = %q", s)
	}
	if Access(5).String() != "Access(5)" {
		t.Errorf("unexpected Access string %q", Access(5).String())
	}
}
