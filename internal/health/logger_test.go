package health

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pat/internal/fabric"
	"github.com/banshee-data/pat/internal/ipc"
	"github.com/banshee-data/pat/internal/timeutil"
)

func newSink(t *testing.T) (*Logger, *bytes.Buffer, *fabric.Memory) {
	t.Helper()
	bus := fabric.NewMemory()
	t.Cleanup(func() { bus.Close() })
	var buf bytes.Buffer
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC))
	return NewLogger(&buf, bus, Options{ReturnAddress: 99, Clock: clock}), &buf, bus
}

func TestLogf_WritesAndPublishes(t *testing.T) {
	l, text, bus := newSink(t)
	_, ch, err := bus.Subscribe(fabric.TopicHealth)
	require.NoError(t, err)

	l.Logf("bias register read 0x%02X", 0x55)

	assert.Equal(t, "[2026-03-01 12:30:00.000] bias register read 0x55\n", text.String())
	select {
	case raw := <-ch:
		msg, err := ipc.DecodeHealthMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, uint32(99), msg.ReturnAddress)
		assert.Equal(t, "bias register read 0x55", string(msg.Data))
	default:
		t.Fatal("no health message published")
	}
	assert.Equal(t, Stats{Records: 1, Published: 1}, l.Stats())
}

func TestLogf_TruncatesToHealthPayload(t *testing.T) {
	l, text, bus := newSink(t)
	_, ch, err := bus.Subscribe(fabric.TopicHealth)
	require.NoError(t, err)

	long := strings.Repeat("x", 300)
	l.Logf("%s", long)

	raw := <-ch
	assert.LessOrEqual(t, len(raw), ipc.BUFFER_SIZE)
	msg, err := ipc.DecodeHealthMessage(raw)
	require.NoError(t, err)
	assert.Len(t, msg.Data, ipc.MAX_HEALTH_PAYLOAD)
	// the local log keeps the full record
	assert.Contains(t, text.String(), long)
	assert.Equal(t, uint64(1), l.Stats().Truncated)
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s, cut := Truncate("abé", 3) // é is two bytes
	assert.True(t, cut)
	assert.Equal(t, "ab", s)

	s, cut = Truncate("short", 10)
	assert.False(t, cut)
	assert.Equal(t, "short", s)
}

func TestLogf_TextOnly(t *testing.T) {
	var buf bytes.Buffer
	var mirrored []string
	l := NewLogger(&buf, nil, Options{Mirror: func(format string, v ...interface{}) {
		mirrored = append(mirrored, v[0].(string))
	}})
	l.Logf("hello\n")
	assert.True(t, strings.HasSuffix(buf.String(), "] hello\n"))
	assert.Equal(t, []string{"hello"}, mirrored)
	assert.Zero(t, l.Stats().Published)
	assert.NoError(t, l.PublishStatus(ipc.StatusStandby))
}

func TestLogf_PublishErrorCounted(t *testing.T) {
	l, text, bus := newSink(t)
	require.NoError(t, bus.Close())

	l.Logf("after close")
	assert.Contains(t, text.String(), "after close")
	st := l.Stats()
	assert.Equal(t, uint64(1), st.PublishErrors)
	assert.Zero(t, st.Published)

	err := l.PublishStatus(ipc.StatusMain)
	assert.True(t, errors.Is(err, fabric.ErrClosed), "err = %v", err)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestLogf_WriteErrorCounted(t *testing.T) {
	l := NewLogger(failWriter{}, nil, Options{})
	l.Logf("lost")
	assert.Equal(t, uint64(1), l.Stats().WriteErrors)
}

func TestPublishStatus(t *testing.T) {
	l, text, bus := newSink(t)
	_, ch, err := bus.Subscribe(fabric.TopicStatus)
	require.NoError(t, err)

	require.NoError(t, l.PublishStatus(ipc.StatusMain))
	msg, err := ipc.DecodeStatusMessage(<-ch)
	require.NoError(t, err)
	assert.Equal(t, ipc.StatusMessage{ReturnAddress: 99, Status: ipc.StatusMain}, msg)
	assert.Contains(t, text.String(), "Status: MAIN")
}

func TestStatusName(t *testing.T) {
	assert.Equal(t, "CAMERA_INIT", StatusName(ipc.StatusCameraInit))
	assert.Equal(t, "STANDBY", StatusName(ipc.StatusStandby))
	assert.Equal(t, "UNKNOWN(7)", StatusName(ipc.Status(7)))
}
