// Package fpga talks to the FPGA register map over the messaging fabric.
//
// The FPGA has no transactional write acknowledgement. A write is published
// and forgotten; the only proof that it landed is reading the register back.
// Reads are correlated with their answers by (register address, request
// number) and bounded by a timeout. Answers for other keys, write
// acknowledgements and answers addressed to other processes share the answer
// topic and are discarded while polling.
package fpga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pat/internal/fabric"
	"github.com/banshee-data/pat/internal/ipc"
	"github.com/banshee-data/pat/internal/monitoring"
	"github.com/banshee-data/pat/internal/timeutil"
)

var (
	ErrAnswerTimeout = errors.New("fpga: no answer before deadline")
	ErrAnswerFailed  = errors.New("fpga: register access reported an error")
	ErrNeverWritten  = errors.New("fpga: register not written by this client")
	ErrClosed        = errors.New("fpga: client closed")
)

// Options configures a Client. Zero values select defaults.
type Options struct {
	// ReturnAddress tags every request; answers carrying another tag are
	// ignored.
	ReturnAddress uint32
	RequestTopic  string
	AnswerTopic   string
	Clock         timeutil.Clock
	Logf          func(format string, v ...interface{})
}

// Client issues register reads and writes and verifies them by read-back.
type Client struct {
	bus           fabric.Fabric
	returnAddress uint32
	requestTopic  string
	clock         timeutil.Clock
	logf          func(format string, v ...interface{})

	subID   string
	answers <-chan []byte
	pending *PendingTable

	// pollMu serialises answer polling; there is a single answer channel.
	pollMu      sync.Mutex
	writtenMu   sync.Mutex
	lastWritten map[uint16]uint32

	requestsSent     atomic.Uint64
	answersMatched   atomic.Uint64
	answersDiscarded atomic.Uint64
	answersFailed    atomic.Uint64
	timeouts         atomic.Uint64
}

// NewClient subscribes to the answer topic on bus.
func NewClient(bus fabric.Fabric, opts Options) (*Client, error) {
	if opts.RequestTopic == "" {
		opts.RequestTopic = fabric.TopicFPGARequest
	}
	if opts.AnswerTopic == "" {
		opts.AnswerTopic = fabric.TopicFPGAAnswer
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	id, ch, err := bus.Subscribe(opts.AnswerTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", opts.AnswerTopic, err)
	}
	return &Client{
		bus:           bus,
		returnAddress: opts.ReturnAddress,
		requestTopic:  opts.RequestTopic,
		clock:         opts.Clock,
		logf:          monitoring.LogfOr(opts.Logf),
		subID:         id,
		answers:       ch,
		pending:       NewPendingTable(),
		lastWritten:   make(map[uint16]uint32),
	}, nil
}

// Close releases the answer subscription.
func (c *Client) Close() {
	c.bus.Unsubscribe(c.subID)
}

// ReturnAddress is the tag placed on this client's requests.
func (c *Client) ReturnAddress() uint32 {
	return c.returnAddress
}

// Write publishes a register write. It does not wait for any answer.
func (c *Client) Write(address uint16, value uint32, requestNumber uint8) error {
	req := ipc.RegisterRequest{
		ReturnAddress:   c.returnAddress,
		RequestNumber:   requestNumber,
		ReadWrite:       ipc.Write,
		RegisterAddress: address,
		DataSize:        ipc.REGISTER_WORD_SIZE,
		Data:            value,
	}
	if err := c.send(req); err != nil {
		return err
	}
	c.writtenMu.Lock()
	c.lastWritten[address] = value
	c.writtenMu.Unlock()
	return nil
}

// LastWritten returns the value most recently written to address by this
// client.
func (c *Client) LastWritten(address uint16) (uint32, bool) {
	c.writtenMu.Lock()
	defer c.writtenMu.Unlock()
	v, ok := c.lastWritten[address]
	return v, ok
}

// ReadCheckValue reads address and reports whether it holds expected. A
// timeout, a failed answer or any transport error reports false.
func (c *Client) ReadCheckValue(ctx context.Context, address uint16, expected uint32, requestNumber uint8, timeout time.Duration) bool {
	v, err := c.Read(ctx, address, requestNumber, timeout)
	if err != nil {
		c.logf("fpga: read-check 0x%04X request %d: %v", address, requestNumber, err)
		return false
	}
	return v == expected
}

// CheckWriteApplied reads address back and reports whether it holds the value
// this client last wrote there.
func (c *Client) CheckWriteApplied(ctx context.Context, address uint16, requestNumber uint8, timeout time.Duration) bool {
	want, ok := c.LastWritten(address)
	if !ok {
		c.logf("fpga: write check 0x%04X request %d: %v", address, requestNumber, ErrNeverWritten)
		return false
	}
	v, err := c.Read(ctx, address, requestNumber, timeout)
	if err != nil {
		c.logf("fpga: write check 0x%04X request %d: %v", address, requestNumber, err)
		return false
	}
	if v != want {
		c.logf("fpga: write check 0x%04X request %d: read 0x%08X, wrote 0x%08X", address, requestNumber, v, want)
		return false
	}
	return true
}

// Read publishes a register read and polls for its answer until timeout.
func (c *Client) Read(ctx context.Context, address uint16, requestNumber uint8, timeout time.Duration) (uint32, error) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	key := Key{Address: address, RequestNumber: requestNumber}
	if err := c.pending.Register(key, c.clock.Now().Add(timeout)); err != nil {
		return 0, err
	}
	defer c.pending.Cancel(key)

	req := ipc.RegisterRequest{
		ReturnAddress:   c.returnAddress,
		RequestNumber:   requestNumber,
		ReadWrite:       ipc.Read,
		RegisterAddress: address,
		DataSize:        ipc.REGISTER_WORD_SIZE,
	}
	if err := c.send(req); err != nil {
		return 0, err
	}

	ans, err := c.poll(ctx, key, timeout)
	if err != nil {
		return 0, err
	}
	return ans.Data, nil
}

func (c *Client) send(req ipc.RegisterRequest) error {
	buf, err := ipc.EncodeRegisterRequest(req)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(c.requestTopic, buf); err != nil {
		return fmt.Errorf("publish %v: %w", req, err)
	}
	c.requestsSent.Add(1)
	return nil
}

// poll waits for the answer to key. Answers already queued are drained before
// the deadline is considered, so a reply that arrived in time is never lost to
// a timer that fired at the same moment.
func (c *Client) poll(ctx context.Context, key Key, timeout time.Duration) (ipc.RegisterAnswer, error) {
	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		var buf []byte
		var ok bool
		select {
		case buf, ok = <-c.answers:
		default:
			select {
			case buf, ok = <-c.answers:
			case <-timer.C():
				c.pending.Expire(c.clock.Now())
				c.timeouts.Add(1)
				return ipc.RegisterAnswer{}, fmt.Errorf("%w: READ %v after %v", ErrAnswerTimeout, key, timeout)
			case <-ctx.Done():
				return ipc.RegisterAnswer{}, ctx.Err()
			}
		}
		if !ok {
			return ipc.RegisterAnswer{}, ErrClosed
		}

		ans, matched := c.match(buf, key)
		if !matched {
			continue
		}
		if ans.Failed {
			c.answersFailed.Add(1)
			return ans, fmt.Errorf("%w: %v", ErrAnswerFailed, key)
		}
		c.answersMatched.Add(1)
		return ans, nil
	}
}

// match decodes buf and reports whether it answers key. Everything else is
// counted as discarded.
func (c *Client) match(buf []byte, key Key) (ipc.RegisterAnswer, bool) {
	ans, err := ipc.DecodeRegisterAnswer(buf)
	switch {
	case err != nil:
		c.logf("fpga: discarding undecodable answer: %v", err)
	case ans.ReadWrite != ipc.Read:
		// write acknowledgements carry no value to verify
	case ans.ReturnAddress != c.returnAddress:
	default:
		got := Key{Address: ans.RegisterAddress, RequestNumber: ans.RequestNumber}
		if got == key && c.pending.Resolve(got) {
			return ans, true
		}
		if got != key {
			c.pending.Resolve(got) // counts the stale answer
		}
	}
	c.answersDiscarded.Add(1)
	return ans, false
}

// Stats counts register traffic.
type Stats struct {
	RequestsSent     uint64 `json:"requests_sent"`
	AnswersMatched   uint64 `json:"answers_matched"`
	AnswersDiscarded uint64 `json:"answers_discarded"`
	AnswersFailed    uint64 `json:"answers_failed"`
	Timeouts         uint64 `json:"timeouts"`
	StaleAnswers     uint64 `json:"stale_answers"`
	Outstanding      int    `json:"outstanding"`
}

// Stats returns the traffic counters.
func (c *Client) Stats() Stats {
	return Stats{
		RequestsSent:     c.requestsSent.Load(),
		AnswersMatched:   c.answersMatched.Load(),
		AnswersDiscarded: c.answersDiscarded.Load(),
		AnswersFailed:    c.answersFailed.Load(),
		Timeouts:         c.timeouts.Load(),
		StaleAnswers:     c.pending.Stale(),
		Outstanding:      c.pending.Len(),
	}
}
