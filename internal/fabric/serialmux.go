package fabric

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

/*
Serial frame layout (the link to the FPGA board carries one frame per message):

├── sync         uint8   0xA5
├── topic_len    uint8
├── payload_len  uint16  big-endian
├── topic        topic_len bytes
└── payload      payload_len bytes

A reader that loses alignment skips bytes until the next sync byte.
*/
const (
	FRAME_SYNC        = 0xA5
	FRAME_HEADER_SIZE = 4
	MAX_FRAME_PAYLOAD = 4096
	MAX_FRAME_TOPIC   = 255
)

// SerialMux is a Fabric over a single serial link. Publishes are written as
// frames; frames read by Monitor are fanned out to subscribers of their topic.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]*subscription
	subscriberMu sync.Mutex
	writeMu      sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	resyncs   atomic.Uint64
	dropped   atomic.Uint64
}

var _ Fabric = (*SerialMux[SerialPorter])(nil)

// NewSerialMux creates a SerialMux over an open port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]*subscription),
	}
}

// EncodeFrame packs topic and payload into one serial frame.
func EncodeFrame(topic string, payload []byte) ([]byte, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if len(topic) > MAX_FRAME_TOPIC || len(payload) > MAX_FRAME_PAYLOAD {
		return nil, fmt.Errorf("%w: topic %d bytes, payload %d bytes", ErrFrameTooLong, len(topic), len(payload))
	}
	buf := make([]byte, FRAME_HEADER_SIZE+len(topic)+len(payload))
	buf[0] = FRAME_SYNC
	buf[1] = uint8(len(topic))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[FRAME_HEADER_SIZE:], topic)
	copy(buf[FRAME_HEADER_SIZE+len(topic):], payload)
	return buf, nil
}

// readFrame reads the next frame from r, skipping bytes until a sync byte.
// skipped reports how many bytes were discarded to regain alignment.
func readFrame(r *bufio.Reader) (topic string, payload []byte, skipped int, err error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", nil, skipped, err
		}
		if b == FRAME_SYNC {
			break
		}
		skipped++
	}
	var hdr [FRAME_HEADER_SIZE - 1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", nil, skipped, err
	}
	topicLen := int(hdr[0])
	payloadLen := int(binary.BigEndian.Uint16(hdr[1:3]))
	if payloadLen > MAX_FRAME_PAYLOAD {
		return "", nil, skipped, fmt.Errorf("%w: declared payload %d bytes", ErrFrameTooLong, payloadLen)
	}
	body := make([]byte, topicLen+payloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", nil, skipped, err
	}
	return string(body[:topicLen]), body[topicLen:], skipped, nil
}

// Subscribe creates a channel receiving payloads framed with topic.
func (s *SerialMux[T]) Subscribe(topic string) (string, <-chan []byte, error) {
	if topic == "" {
		return "", nil, ErrEmptyTopic
	}
	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		return "", nil, ErrClosed
	}
	id := randomID()
	sub := &subscription{topic: topic, ch: make(chan []byte, SubscriberBuffer)}
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = sub
	return id, sub.ch, nil
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.ch)
		delete(s.subscribers, id)
	}
}

// Publish writes one frame to the serial port.
func (s *SerialMux[T]) Publish(topic string, payload []byte) error {
	frame, err := EncodeFrame(topic, payload)
	if err != nil {
		return err
	}
	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return ErrWriteFailed
	}
	s.framesOut.Add(1)
	return nil
}

type inboundFrame struct {
	topic   string
	payload []byte
}

// Monitor reads frames from the serial port and sends them to subscribers.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	reader := bufio.NewReader(s.port)

	frameChan := make(chan inboundFrame)
	readErrChan := make(chan error, 1)

	// the blocking read will not interfere with the outer loop awaiting
	// frames & context cancellation.
	go func() {
		defer close(frameChan)
		for {
			topic, payload, skipped, err := readFrame(reader)
			if skipped > 0 {
				s.resyncs.Add(1)
			}
			if err != nil {
				if err != io.EOF {
					select {
					case readErrChan <- err:
					case <-ctx.Done():
					}
				}
				return
			}
			select {
			case frameChan <- inboundFrame{topic: topic, payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			if s.isClosing() {
				return nil
			}
			return err

		case f, ok := <-frameChan:
			if !ok {
				// reader finished; surface a pending read error if there is one
				select {
				case err := <-readErrChan:
					if !s.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}
			s.framesIn.Add(1)

			s.subscriberMu.Lock()
			for _, sub := range s.subscribers {
				if sub.topic != f.topic {
					continue
				}
				// skip full subscribers so as not to block the outer loop
				if !sub.deliver(append([]byte(nil), f.payload...)) {
					s.dropped.Add(1)
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// LinkStats counts serial link traffic.
type LinkStats struct {
	FramesIn  uint64 `json:"frames_in"`
	FramesOut uint64 `json:"frames_out"`
	Resyncs   uint64 `json:"resyncs"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns the link counters.
func (s *SerialMux[T]) Stats() LinkStats {
	return LinkStats{
		FramesIn:  s.framesIn.Load(),
		FramesOut: s.framesOut.Load(),
		Resyncs:   s.resyncs.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Close closes all subscribed channels and closes the serial port.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, sub := range s.subscribers {
		close(sub.ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}
