// Package fabric is the publish/subscribe message bus between the pointing
// process, the FPGA map server and housekeeping. Messages are opaque byte
// payloads addressed by topic; the schema for a topic is fixed by convention
// (see package ipc).
package fabric

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
)

// Well-known topics.
const (
	TopicFPGARequest = "fpga/map/request"
	TopicFPGAAnswer  = "fpga/map/answer"
	TopicHealth      = "pat/health"
	TopicStatus      = "pat/status"
)

// SubscriberBuffer is the capacity of each subscriber channel. Deliveries to a
// full channel are dropped rather than blocking the publisher.
const SubscriberBuffer = 64

var (
	ErrClosed       = errors.New("fabric: closed")
	ErrEmptyTopic   = errors.New("fabric: empty topic")
	ErrWriteFailed  = errors.New("fabric: short write to transport")
	ErrFrameTooLong = errors.New("fabric: frame exceeds transport limit")
)

// Fabric is a topic-addressed message bus.
type Fabric interface {
	// Publish sends payload to every subscriber of topic. It does not wait for
	// any reply.
	Publish(topic string, payload []byte) error
	// Subscribe creates a channel receiving payloads published on topic. The
	// id identifies the subscription when unsubscribing.
	Subscribe(topic string) (string, <-chan []byte, error)
	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(id string)
	// Close closes every subscriber channel and releases the transport.
	Close() error
}

// randomID generates a random subscription ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// subscription is one subscriber channel bound to a topic.
type subscription struct {
	topic string
	ch    chan []byte
}

// deliver hands payload to the subscriber without blocking. It reports false
// when the subscriber's buffer was full.
func (s *subscription) deliver(payload []byte) bool {
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}
