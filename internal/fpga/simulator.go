package fpga

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/pat/internal/fabric"
	"github.com/banshee-data/pat/internal/ipc"
	"github.com/banshee-data/pat/internal/monitoring"
)

// handlerFabric is implemented by buses that can run a handler synchronously
// on the publisher's goroutine.
type handlerFabric interface {
	Handle(topic string, fn fabric.Handler) string
}

// Simulator is an in-process FPGA register map serving the request topic. It
// answers reads with the stored register value and applies writes, with
// fault injection for exercising the verification protocol.
type Simulator struct {
	bus          fabric.Fabric
	requestTopic string
	answerTopic  string
	logf         func(format string, v ...interface{})

	mu        sync.Mutex
	regs      map[uint16]uint32
	stuck     map[uint16]bool
	failing   map[uint16]bool
	dropReads int
	skewReads int
	decoys    bool
	ackWrites bool
	requests  []ipc.RegisterRequest
	maxLog    int
	subID     string
}

// DefaultRequestLog is how many recent requests a Simulator keeps.
const DefaultRequestLog = 4096

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	RequestTopic string
	AnswerTopic  string
	// AckWrites publishes a write acknowledgement for every write, as the
	// flight FPGA bridge does.
	AckWrites bool
	// MaxLoggedRequests bounds the request log; older requests are dropped.
	// Zero selects DefaultRequestLog.
	MaxLoggedRequests int
	Logf              func(format string, v ...interface{})
}

// NewSimulator creates an idle simulator. Call Start to serve requests.
func NewSimulator(bus fabric.Fabric, opts SimulatorOptions) *Simulator {
	if opts.RequestTopic == "" {
		opts.RequestTopic = fabric.TopicFPGARequest
	}
	if opts.AnswerTopic == "" {
		opts.AnswerTopic = fabric.TopicFPGAAnswer
	}
	if opts.MaxLoggedRequests <= 0 {
		opts.MaxLoggedRequests = DefaultRequestLog
	}
	return &Simulator{
		bus:          bus,
		requestTopic: opts.RequestTopic,
		answerTopic:  opts.AnswerTopic,
		logf:         monitoring.LogfOr(opts.Logf),
		regs:         make(map[uint16]uint32),
		stuck:        make(map[uint16]bool),
		failing:      make(map[uint16]bool),
		ackWrites:    opts.AckWrites,
		maxLog:       opts.MaxLoggedRequests,
	}
}

// Start begins serving. On a bus that supports synchronous handlers the reply
// is queued before the request's Publish returns; otherwise a goroutine
// serves the request subscription until ctx is done.
func (s *Simulator) Start(ctx context.Context) error {
	if hf, ok := s.bus.(handlerFabric); ok {
		id := hf.Handle(s.requestTopic, s.HandleRequest)
		s.mu.Lock()
		s.subID = id
		s.mu.Unlock()
		go func() {
			<-ctx.Done()
			s.bus.Unsubscribe(id)
		}()
		return nil
	}

	id, ch, err := s.bus.Subscribe(s.requestTopic)
	if err != nil {
		return fmt.Errorf("simulator subscribe: %w", err)
	}
	s.mu.Lock()
	s.subID = id
	s.mu.Unlock()
	go func() {
		defer s.bus.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case buf, ok := <-ch:
				if !ok {
					return
				}
				s.HandleRequest(buf)
			}
		}
	}()
	return nil
}

// HandleRequest applies one encoded request and publishes the answer.
func (s *Simulator) HandleRequest(buf []byte) {
	req, err := ipc.DecodeRegisterRequest(buf)
	if err != nil {
		s.logf("fpga sim: bad request: %v", err)
		return
	}

	s.mu.Lock()
	s.logRequest(req)
	ans := ipc.RegisterAnswer{
		ReturnAddress:   req.ReturnAddress,
		RequestNumber:   req.RequestNumber,
		ReadWrite:       req.ReadWrite,
		RegisterAddress: req.RegisterAddress,
	}
	var decoy *ipc.RegisterAnswer
	if req.ReadWrite == ipc.Write {
		if !s.stuck[req.RegisterAddress] {
			s.regs[req.RegisterAddress] = req.Data
		}
		ans.Failed = s.failing[req.RegisterAddress]
		if !s.ackWrites {
			s.mu.Unlock()
			return
		}
	} else {
		if s.dropReads > 0 {
			s.dropReads--
			s.mu.Unlock()
			return
		}
		ans.DataSize = ipc.REGISTER_WORD_SIZE
		ans.Data = s.regs[req.RegisterAddress]
		ans.Failed = s.failing[req.RegisterAddress]
		if s.skewReads > 0 {
			s.skewReads--
			ans.RequestNumber++
		}
		if s.decoys {
			d := ans
			d.ReturnAddress = ^req.ReturnAddress
			d.Data = ^ans.Data
			decoy = &d
		}
	}
	s.mu.Unlock()

	if decoy != nil {
		s.publish(*decoy)
	}
	s.publish(ans)
}

func (s *Simulator) publish(ans ipc.RegisterAnswer) {
	out, err := ipc.EncodeRegisterAnswer(ans)
	if err != nil {
		s.logf("fpga sim: encode answer: %v", err)
		return
	}
	if err := s.bus.Publish(s.answerTopic, out); err != nil {
		s.logf("fpga sim: publish answer: %v", err)
	}
}

// SetRegister stores v at address without any request traffic.
func (s *Simulator) SetRegister(address uint16, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[address] = v
}

// Register returns the stored value at address.
func (s *Simulator) Register(address uint16) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.regs[address]
	return v, ok
}

// SetStuck makes address ignore writes.
func (s *Simulator) SetStuck(address uint16, stuck bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck[address] = stuck
}

// SetFailing sets the error flag on every answer for address.
func (s *Simulator) SetFailing(address uint16, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[address] = failing
}

// DropReads swallows the next n read requests without answering.
func (s *Simulator) DropReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropReads = n
}

// SkewReads answers the next n reads with the wrong request number.
func (s *Simulator) SkewReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skewReads = n
}

// SetDecoys precedes every read answer with a copy addressed to another
// process and carrying a different value.
func (s *Simulator) SetDecoys(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decoys = on
}

// logRequest appends req, compacting to the newest maxLog entries once the
// log has doubled. Callers hold s.mu.
func (s *Simulator) logRequest(req ipc.RegisterRequest) {
	s.requests = append(s.requests, req)
	if len(s.requests) >= 2*s.maxLog {
		s.requests = append(s.requests[:0], s.requests[len(s.requests)-s.maxLog:]...)
	}
}

// Requests returns the most recent requests received (at most
// MaxLoggedRequests), oldest first.
func (s *Simulator) Requests() []ipc.RegisterRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	recent := s.requests
	if len(recent) > s.maxLog {
		recent = recent[len(recent)-s.maxLog:]
	}
	return append([]ipc.RegisterRequest(nil), recent...)
}

// Writes returns the write requests received, in order.
func (s *Simulator) Writes() []ipc.RegisterRequest {
	var out []ipc.RegisterRequest
	for _, r := range s.Requests() {
		if r.ReadWrite == ipc.Write {
			out = append(out, r)
		}
	}
	return out
}

// ResetLog clears the request log.
func (s *Simulator) ResetLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}
