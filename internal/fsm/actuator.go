// Package fsm drives the fast-steering mirror through its DAC registers on
// the FPGA.
//
// Every register write is verified by read-back and gated on the laser-diode
// bias register reading ON. The four mirror channels are written in the fixed
// order X+, X-, Y+, Y-; the Y- write latches all four outputs in the DAC.
// Each verified write consumes one 8-bit request number, success or not, so
// numbers are never reused while an earlier answer might still be in flight.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/pat/internal/fpga"
	"github.com/banshee-data/pat/internal/monitoring"
	"github.com/banshee-data/pat/internal/timeutil"
)

var (
	ErrBiasNotConfirmed    = errors.New("fsm: laser bias not confirmed on")
	ErrBiasOffNotConfirmed = errors.New("fsm: laser bias off not confirmed")
	ErrDACInit             = errors.New("fsm: DAC initialisation write not confirmed")
)

// RegisterClient is the subset of the FPGA client the actuator needs.
type RegisterClient interface {
	Write(address uint16, value uint32, requestNumber uint8) error
	ReadCheckValue(ctx context.Context, address uint16, expected uint32, requestNumber uint8, timeout time.Duration) bool
	CheckWriteApplied(ctx context.Context, address uint16, requestNumber uint8, timeout time.Duration) bool
}

var _ RegisterClient = (*fpga.Client)(nil)

const (
	DefaultVoltageBias   = 22000
	DefaultVoltageMax    = 12000
	DefaultWriteDelay    = 3 * time.Millisecond
	DefaultAnswerTimeout = 50 * time.Millisecond
)

// Options configures an Actuator. Zero values select the defaults above.
type Options struct {
	VoltageBias   uint16
	VoltageMax    uint16
	WriteDelay    time.Duration
	AnswerTimeout time.Duration
	Registers     *fpga.RegisterMap
	Clock         timeutil.Clock
	Logf          func(format string, v ...interface{})
	// FirstRequestNumber seeds the session's request number sequence.
	FirstRequestNumber uint8
}

// Command is a normalised two-axis mirror command in [-1, 1].
type Command struct {
	X, Y float64
}

// Outcome is the result of one verified channel write.
type Outcome int

const (
	NotAttempted Outcome = iota
	Confirmed
	Unconfirmed
	BiasFailed
)

func (o Outcome) String() string {
	switch o {
	case NotAttempted:
		return "not-attempted"
	case Confirmed:
		return "confirmed"
	case Unconfirmed:
		return "unconfirmed"
	case BiasFailed:
		return "bias-failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ChannelResult records one verified register write.
type ChannelResult struct {
	Channel       fpga.Channel
	Register      uint16
	Value         uint16 // DAC output level
	Word          uint32 // register payload
	RequestNumber uint8
	Outcome       Outcome
}

// CycleReport describes one actuation cycle.
type CycleReport struct {
	Command  Command // after clamping
	Clamped  bool
	NewX     int16
	NewY     int16
	Skipped  bool // unchanged command, no register traffic
	Channels []ChannelResult
	// BiasOff is set by ResetFSM only.
	BiasOff *ChannelResult
}

// Attempted reports whether a write was issued on channel c.
func (r CycleReport) Attempted(c fpga.Channel) bool {
	for _, ch := range r.Channels {
		if ch.Channel == c {
			return ch.Outcome == Confirmed || ch.Outcome == Unconfirmed
		}
	}
	return false
}

// Confirmed reports whether channel c was verified.
func (r CycleReport) Confirmed(c fpga.Channel) bool {
	for _, ch := range r.Channels {
		if ch.Channel == c {
			return ch.Outcome == Confirmed
		}
	}
	return false
}

// State is a snapshot of the actuator's persistent state.
type State struct {
	OldX              int16  `json:"old_x"`
	OldY              int16  `json:"old_y"`
	CommittedX        bool   `json:"committed_x"`
	CommittedY        bool   `json:"committed_y"`
	NextRequestNumber uint8  `json:"next_request_number"`
	Cycles            uint64 `json:"cycles"`
	Skipped           uint64 `json:"skipped"`
	BiasFailures      uint64 `json:"bias_failures"`
}

// Actuator owns the mirror DAC state for one session. Its methods must be
// called from a single control goroutine; State may be read from anywhere.
type Actuator struct {
	client        RegisterClient
	regs          fpga.RegisterMap
	voltageBias   uint16
	voltageMax    uint16
	writeDelay    time.Duration
	answerTimeout time.Duration
	clock         timeutil.Clock
	logf          func(format string, v ...interface{})

	mu    sync.Mutex
	state State
}

// New creates an actuator. No register traffic is issued until the first
// command or Initialize.
func New(client RegisterClient, opts Options) *Actuator {
	a := &Actuator{
		client:        client,
		regs:          fpga.DefaultRegisterMap(),
		voltageBias:   opts.VoltageBias,
		voltageMax:    opts.VoltageMax,
		writeDelay:    opts.WriteDelay,
		answerTimeout: opts.AnswerTimeout,
		clock:         opts.Clock,
		logf:          monitoring.LogfOr(opts.Logf),
	}
	if opts.Registers != nil {
		a.regs = *opts.Registers
	}
	if a.voltageBias == 0 {
		a.voltageBias = DefaultVoltageBias
	}
	if a.voltageMax == 0 {
		a.voltageMax = DefaultVoltageMax
	}
	if a.writeDelay == 0 {
		a.writeDelay = DefaultWriteDelay
	}
	if a.answerTimeout == 0 {
		a.answerTimeout = DefaultAnswerTimeout
	}
	if a.clock == nil {
		a.clock = timeutil.RealClock{}
	}
	a.state.NextRequestNumber = opts.FirstRequestNumber
	return a
}

// State returns a snapshot of the actuator state.
func (a *Actuator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Initialize brings up the DAC (reset, internal reference, enable outputs,
// software LDAC) through the DAC control register and centres the mirror.
func (a *Actuator) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	for _, step := range fpga.DACInitSequence {
		a.logf("Initializing FSM DAC - Commanding %s = 0x%06X", step.Name, step.Word)
		res := a.verifiedWrite(ctx, a.regs.DACControl, step.Word)
		switch res.Outcome {
		case BiasFailed:
			return fmt.Errorf("%w during DAC %s", ErrBiasNotConfirmed, step.Name)
		case Unconfirmed:
			return fmt.Errorf("%w: %s", ErrDACInit, step.Name)
		}
	}
	a.logf("Initializing FSM DAC - Commanding normalized angles to (0,0)")
	_, err := a.SetNormalizedAngles(ctx, 0, 0)
	return err
}

// SetNormalizedAngles commands the mirror to (x, y), each clamped to [-1, 1].
// An unchanged command whose axes were both confirmed issues no traffic. The
// context is only checked before the cycle starts: once the first register
// write is issued the cycle runs to completion.
func (a *Actuator) SetNormalizedAngles(ctx context.Context, x, y float64) (CycleReport, error) {
	if err := ctx.Err(); err != nil {
		return CycleReport{}, err
	}
	ctx = context.WithoutCancel(ctx)

	cx, clampedX := a.clamp("x", x)
	cy, clampedY := a.clamp("y", y)
	report := CycleReport{
		Command: Command{X: cx, Y: cy},
		Clamped: clampedX || clampedY,
		NewX:    a.delta(cx),
		NewY:    a.delta(cy),
	}

	a.mu.Lock()
	st := a.state
	if report.NewX == st.OldX && report.NewY == st.OldY && st.CommittedX && st.CommittedY {
		a.state.Skipped++
		a.mu.Unlock()
		report.Skipped = true
		return report, nil
	}
	a.mu.Unlock()

	return a.transfer(ctx, report)
}

// ForceTransfer re-sends the last attempted deltas, bypassing the unchanged
// command check.
func (a *Actuator) ForceTransfer(ctx context.Context) (CycleReport, error) {
	if err := ctx.Err(); err != nil {
		return CycleReport{}, err
	}
	st := a.State()
	report := CycleReport{
		Command: Command{X: float64(st.OldX) / float64(a.voltageMax), Y: float64(st.OldY) / float64(a.voltageMax)},
		NewX:    st.OldX,
		NewY:    st.OldY,
	}
	return a.transfer(context.WithoutCancel(ctx), report)
}

// ResetFSM centres the mirror and then turns the laser bias off. Used on
// shutdown and safe-state entry; the bias-off write is issued even when the
// centring cycle failed. The returned error may join ErrBiasNotConfirmed
// (centring) with ErrBiasOffNotConfirmed; test each with errors.Is.
func (a *Actuator) ResetFSM(ctx context.Context) (CycleReport, error) {
	if err := ctx.Err(); err != nil {
		return CycleReport{}, err
	}
	ctx = context.WithoutCancel(ctx)

	report, err := a.SetNormalizedAngles(ctx, 0, 0)

	a.mu.Lock()
	seq := a.state.NextRequestNumber
	a.mu.Unlock()

	res := ChannelResult{
		Register:      a.regs.Bias,
		Word:          a.regs.BiasOff,
		RequestNumber: seq,
		Outcome:       Unconfirmed,
	}
	if werr := a.client.Write(a.regs.Bias, a.regs.BiasOff, seq); werr != nil {
		a.logf("fsm: bias off write: %v", werr)
	} else {
		a.clock.Sleep(a.writeDelay)
		if a.client.CheckWriteApplied(ctx, a.regs.Bias, seq, a.answerTimeout) {
			res.Outcome = Confirmed
		}
	}
	a.consumeRequestNumber()
	report.BiasOff = &res

	if res.Outcome != Confirmed {
		a.logf("fsm: bias off (0x%X to 0x%04X) not confirmed", a.regs.BiasOff, a.regs.Bias)
		err = errors.Join(err, ErrBiasOffNotConfirmed)
	}
	return report, err
}

// transfer writes the four channels for report.NewX/NewY and updates the
// per-axis state.
func (a *Actuator) transfer(ctx context.Context, report CycleReport) (CycleReport, error) {
	deltas := [4]int{
		fpga.XPlus:  int(report.NewX),
		fpga.XMinus: -int(report.NewX),
		fpga.YPlus:  int(report.NewY),
		fpga.YMinus: -int(report.NewY),
	}

	var err error
	report.Channels = make([]ChannelResult, 0, len(fpga.Channels))
	for _, ch := range fpga.Channels {
		value := saturateUint16(int(a.voltageBias) + deltas[ch])
		word := fpga.DACWord(ch, value)
		res := ChannelResult{
			Channel:  ch,
			Register: a.regs.ChannelRegister(ch),
			Value:    value,
			Word:     word,
		}
		if err == nil {
			r := a.verifiedWrite(ctx, res.Register, word)
			res.RequestNumber = r.RequestNumber
			res.Outcome = r.Outcome
			if r.Outcome == BiasFailed {
				err = ErrBiasNotConfirmed
			}
		}
		report.Channels = append(report.Channels, res)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Cycles++
	if err != nil {
		a.state.BiasFailures++
	}
	attemptedX := report.Attempted(fpga.XPlus) || report.Attempted(fpga.XMinus)
	attemptedY := report.Attempted(fpga.YPlus) || report.Attempted(fpga.YMinus)
	if attemptedX {
		a.state.OldX = report.NewX
	}
	if attemptedY {
		a.state.OldY = report.NewY
	}
	if attemptedX || attemptedY {
		// The Y- write latches every staged channel, so nothing is committed
		// unless it was confirmed.
		latched := report.Confirmed(fpga.YMinus)
		a.state.CommittedX = latched && report.Confirmed(fpga.XPlus) && report.Confirmed(fpga.XMinus)
		a.state.CommittedY = latched && report.Confirmed(fpga.YPlus)
	}
	if !a.state.CommittedX || !a.state.CommittedY {
		a.logf("fsm: command (%d, %d) not fully applied: %s", report.NewX, report.NewY, summarize(report.Channels))
	}
	return report, err
}

// verifiedWrite runs one bias-gated, read-back verified register write and
// consumes one request number whatever the outcome.
func (a *Actuator) verifiedWrite(ctx context.Context, register uint16, word uint32) ChannelResult {
	a.mu.Lock()
	seq := a.state.NextRequestNumber
	a.mu.Unlock()
	defer a.consumeRequestNumber()

	res := ChannelResult{Register: register, Word: word, RequestNumber: seq}

	// The bias read and the re-assert read-back share (Bias, seq): a late
	// answer to the read carries a non-ON value, so it can only fail the check.
	if !a.client.ReadCheckValue(ctx, a.regs.Bias, a.regs.BiasOn, seq, a.answerTimeout) {
		a.logf("fsm: bias not reading ON (request %d), re-asserting", seq)
		if err := a.client.Write(a.regs.Bias, a.regs.BiasOn, seq); err != nil {
			a.logf("fsm: bias on write: %v", err)
			res.Outcome = BiasFailed
			return res
		}
		a.clock.Sleep(a.writeDelay)
		if !a.client.CheckWriteApplied(ctx, a.regs.Bias, seq, a.answerTimeout) {
			a.logf("fsm: bias on not confirmed (request %d), abandoning write of 0x%06X to 0x%04X", seq, word, register)
			res.Outcome = BiasFailed
			return res
		}
	}

	if err := a.client.Write(register, word, seq); err != nil {
		a.logf("fsm: write 0x%06X to 0x%04X: %v", word, register, err)
		res.Outcome = Unconfirmed
		return res
	}
	a.clock.Sleep(a.writeDelay)
	if !a.client.CheckWriteApplied(ctx, register, seq, a.answerTimeout) {
		a.logf("fsm: write 0x%06X to 0x%04X (request %d) not confirmed", word, register, seq)
		res.Outcome = Unconfirmed
		return res
	}
	res.Outcome = Confirmed
	return res
}

func (a *Actuator) consumeRequestNumber() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.NextRequestNumber++ // wraps at 256
}

// clamp limits v to [-1, 1], logging a warning when it had to. NaN commands
// the centre.
func (a *Actuator) clamp(axis string, v float64) (float64, bool) {
	switch {
	case math.IsNaN(v):
		a.logf("fsm: Warning! %s_normalized is NaN, commanding 0", axis)
		return 0, true
	case v > 1 || v < -1:
		a.logf("fsm: Warning! FSM command (%s_normalized = %g) exceeds max range (+/- 1), clamping", axis, v)
		return math.Max(-1, math.Min(v, 1)), true
	}
	return v, false
}

// delta converts a clamped normalised command into a signed DAC offset,
// rounding to nearest and saturating at the int16 limits.
func (a *Actuator) delta(v float64) int16 {
	d := math.Round(float64(a.voltageMax) * v)
	if d > math.MaxInt16 {
		return math.MaxInt16
	}
	if d < math.MinInt16 {
		return math.MinInt16
	}
	return int16(d)
}

func saturateUint16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

func summarize(results []ChannelResult) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("%v=%v", r.Channel, r.Outcome)
	}
	return strings.Join(parts, " ")
}
