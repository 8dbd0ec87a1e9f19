// Package health is the pointing process's log sink. Every record goes to a
// local text stream and, when a bus is attached, to the housekeeping process
// as a HealthMessage.
package health

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/banshee-data/pat/internal/fabric"
	"github.com/banshee-data/pat/internal/ipc"
	"github.com/banshee-data/pat/internal/timeutil"
)

const timestampLayout = "2006-01-02 15:04:05.000"

// Options configures a Logger.
type Options struct {
	ReturnAddress uint32
	HealthTopic   string
	StatusTopic   string
	Clock         timeutil.Clock
	// Mirror receives each formatted record as well, typically log.Printf.
	Mirror func(format string, v ...interface{})
}

// Stats counts sink activity.
type Stats struct {
	Records       uint64 `json:"records"`
	Published     uint64 `json:"published"`
	Truncated     uint64 `json:"truncated"`
	PublishErrors uint64 `json:"publish_errors"`
	WriteErrors   uint64 `json:"write_errors"`
}

// Logger writes timestamped records to w and publishes them on the health
// topic. It is safe for concurrent use.
type Logger struct {
	w     io.Writer
	bus   fabric.Fabric
	opts  Options
	clock timeutil.Clock

	mu    sync.Mutex
	stats Stats
}

// NewLogger builds a sink. bus may be nil for a text-only log.
func NewLogger(w io.Writer, bus fabric.Fabric, opts Options) *Logger {
	if opts.HealthTopic == "" {
		opts.HealthTopic = fabric.TopicHealth
	}
	if opts.StatusTopic == "" {
		opts.StatusTopic = fabric.TopicStatus
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if w == nil {
		w = io.Discard
	}
	return &Logger{w: w, bus: bus, opts: opts, clock: clock}
}

// Logf formats and records one message. Its signature matches the Logf
// fields of the pointing components.
func (l *Logger) Logf(format string, v ...interface{}) {
	msg := strings.TrimRight(fmt.Sprintf(format, v...), "\n")

	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.Records++

	if _, err := fmt.Fprintf(l.w, "[%s] %s\n", l.clock.Now().Format(timestampLayout), msg); err != nil {
		l.stats.WriteErrors++
	}
	if l.opts.Mirror != nil {
		l.opts.Mirror("%s", msg)
	}
	if l.bus == nil {
		return
	}

	payload, cut := Truncate(msg, ipc.MAX_HEALTH_PAYLOAD)
	if cut {
		l.stats.Truncated++
	}
	buf, err := ipc.EncodeHealthMessage(ipc.HealthMessage{
		ReturnAddress: l.opts.ReturnAddress,
		Data:          []byte(payload),
	})
	if err == nil {
		err = l.bus.Publish(l.opts.HealthTopic, buf)
	}
	if err != nil {
		// not logged: the sink would recurse into itself
		l.stats.PublishErrors++
		return
	}
	l.stats.Published++
}

// PublishStatus reports the process state on the status topic and records
// it in the text log.
func (l *Logger) PublishStatus(s ipc.Status) error {
	l.Logf("Status: %s", StatusName(s))
	if l.bus == nil {
		return nil
	}
	buf := ipc.EncodeStatusMessage(ipc.StatusMessage{ReturnAddress: l.opts.ReturnAddress, Status: s})
	if err := l.bus.Publish(l.opts.StatusTopic, buf); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close closes the text stream if it is closable.
func (l *Logger) Close() error {
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n], true
}

// StatusName is the housekeeping name of a process state.
func StatusName(s ipc.Status) string {
	switch s {
	case ipc.StatusCameraInit:
		return "CAMERA_INIT"
	case ipc.StatusStandby:
		return "STANDBY"
	case ipc.StatusMain:
		return "MAIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(s))
	}
}
