package fpga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pat/internal/fabric"
	"github.com/banshee-data/pat/internal/ipc"
	"github.com/banshee-data/pat/internal/timeutil"
)

const testTimeout = 50 * time.Millisecond

type rig struct {
	bus    *fabric.Memory
	sim    *Simulator
	client *Client
	clock  *timeutil.MockClock
}

func newRig(t *testing.T) *rig {
	t.Helper()
	bus := fabric.NewMemory()
	t.Cleanup(func() { bus.Close() })

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	clock.SetAutoAdvance(true)

	sim := NewSimulator(bus, SimulatorOptions{AckWrites: true, Logf: t.Logf})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, sim.Start(ctx))

	c, err := NewClient(bus, Options{ReturnAddress: 7, Clock: clock, Logf: t.Logf})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return &rig{bus: bus, sim: sim, client: c, clock: clock}
}

func TestClient_WriteThenVerify(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.client.Write(0x30, 0x0355F0, 1))
	v, ok := r.sim.Register(0x30)
	require.True(t, ok)
	assert.Equal(t, uint32(0x0355F0), v)

	assert.True(t, r.client.CheckWriteApplied(ctx, 0x30, 1, testTimeout))

	st := r.client.Stats()
	assert.Equal(t, uint64(2), st.RequestsSent)
	assert.Equal(t, uint64(1), st.AnswersMatched)
	assert.Equal(t, 0, st.Outstanding)
}

func TestClient_WriteAckIsNotAVerification(t *testing.T) {
	r := newRig(t)
	r.sim.DropReads(1)

	require.NoError(t, r.client.Write(0x31, 5, 3))
	assert.False(t, r.client.CheckWriteApplied(context.Background(), 0x31, 3, testTimeout),
		"a queued write acknowledgement must not satisfy the read-back")

	st := r.client.Stats()
	assert.Equal(t, uint64(1), st.Timeouts)
	assert.Equal(t, uint64(1), st.AnswersDiscarded)
}

func TestClient_ReadCheckValue(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.sim.SetRegister(0x21, 0x55)

	assert.True(t, r.client.ReadCheckValue(ctx, 0x21, 0x55, 10, testTimeout))
	assert.False(t, r.client.ReadCheckValue(ctx, 0x21, 0x0F, 11, testTimeout))
}

func TestClient_TimeoutReturnsFalse(t *testing.T) {
	r := newRig(t)
	r.sim.SetRegister(0x21, 0x55)
	r.sim.DropReads(1)

	start := r.clock.Now()
	assert.False(t, r.client.ReadCheckValue(context.Background(), 0x21, 0x55, 4, testTimeout))
	assert.Equal(t, testTimeout, r.clock.Since(start))

	_, err := r.client.Read(context.Background(), 0x21, 5, testTimeout)
	require.NoError(t, err, "the next read is answered again")

	st := r.client.Stats()
	assert.Equal(t, uint64(1), st.Timeouts)
	assert.Equal(t, 0, st.Outstanding)
}

func TestClient_WrongRequestNumberIgnored(t *testing.T) {
	r := newRig(t)
	r.sim.SetRegister(0x21, 0x55)
	r.sim.SkewReads(1)

	assert.False(t, r.client.ReadCheckValue(context.Background(), 0x21, 0x55, 8, testTimeout))

	st := r.client.Stats()
	assert.Equal(t, uint64(1), st.StaleAnswers)
	assert.Equal(t, uint64(1), st.AnswersDiscarded)
	assert.Equal(t, uint64(1), st.Timeouts)
}

func TestClient_ForeignReturnAddressIgnored(t *testing.T) {
	r := newRig(t)
	r.sim.SetRegister(0x05, 10)
	r.sim.SetDecoys(true)

	v, err := r.client.Read(context.Background(), 0x05, 1, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), v)
	assert.Equal(t, uint64(1), r.client.Stats().AnswersDiscarded)
}

func TestClient_FailedAnswer(t *testing.T) {
	r := newRig(t)
	r.sim.SetRegister(0x21, 0x55)
	r.sim.SetFailing(0x21, true)

	_, err := r.client.Read(context.Background(), 0x21, 1, testTimeout)
	assert.ErrorIs(t, err, ErrAnswerFailed)
	assert.False(t, r.client.ReadCheckValue(context.Background(), 0x21, 0x55, 2, testTimeout))
	assert.Equal(t, uint64(2), r.client.Stats().AnswersFailed)
}

func TestClient_StuckRegister(t *testing.T) {
	r := newRig(t)
	r.sim.SetStuck(0x32, true)

	require.NoError(t, r.client.Write(0x32, 123, 1))
	assert.False(t, r.client.CheckWriteApplied(context.Background(), 0x32, 1, testTimeout))
}

func TestClient_CheckWithoutWrite(t *testing.T) {
	r := newRig(t)
	assert.False(t, r.client.CheckWriteApplied(context.Background(), 0x40, 1, testTimeout))
	assert.Zero(t, r.client.Stats().RequestsSent, "no read is issued for a register never written")
}

// Answers are matched on the full key: an answer for the right register with
// the wrong request number, or the right number on the wrong register, never
// satisfies the read.
func TestClient_AnswerCorrelation(t *testing.T) {
	bus := fabric.NewMemory()
	defer bus.Close()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	clock.SetAutoAdvance(true)
	c, err := NewClient(bus, Options{ReturnAddress: 1, Clock: clock, Logf: t.Logf})
	require.NoError(t, err)
	defer c.Close()

	publish := func(a ipc.RegisterAnswer) {
		buf, err := ipc.EncodeRegisterAnswer(a)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(fabric.TopicFPGAAnswer, buf))
	}
	base := ipc.RegisterAnswer{ReturnAddress: 1, ReadWrite: ipc.Read, DataSize: 4}

	wrongNumber := base
	wrongNumber.RegisterAddress, wrongNumber.RequestNumber, wrongNumber.Data = 0x21, 9, 0x55
	wrongAddress := base
	wrongAddress.RegisterAddress, wrongAddress.RequestNumber, wrongAddress.Data = 0x22, 8, 0x55
	publish(wrongNumber)
	publish(wrongAddress)
	assert.False(t, c.ReadCheckValue(context.Background(), 0x21, 0x55, 8, testTimeout))

	right := base
	right.RegisterAddress, right.RequestNumber, right.Data = 0x21, 8, 0x55
	publish(wrongNumber)
	publish(right)
	assert.True(t, c.ReadCheckValue(context.Background(), 0x21, 0x55, 8, testTimeout))

	st := c.Stats()
	assert.Equal(t, uint64(3), st.AnswersDiscarded)
	assert.Equal(t, uint64(1), st.AnswersMatched)
}

func TestClient_ContextCancelled(t *testing.T) {
	bus := fabric.NewMemory()
	defer bus.Close()
	// manual clock: the deadline never arrives on its own
	c, err := NewClient(bus, Options{Clock: timeutil.NewMockClock(time.Unix(0, 0)), Logf: t.Logf})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Read(ctx, 0x21, 1, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, c.Stats().Outstanding)
}

func TestClient_PublishError(t *testing.T) {
	bus := fabric.NewMemory()
	c, err := NewClient(bus, Options{Logf: t.Logf})
	require.NoError(t, err)
	bus.Close()

	assert.ErrorIs(t, c.Write(0x30, 1, 1), fabric.ErrClosed)
	_, ok := c.LastWritten(0x30)
	assert.False(t, ok, "a write that never left must not be recorded")
}
