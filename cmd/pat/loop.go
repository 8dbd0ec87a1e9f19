package main

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/banshee-data/pat/internal/beacon"
	"github.com/banshee-data/pat/internal/db"
	"github.com/banshee-data/pat/internal/fsm"
	"github.com/banshee-data/pat/internal/monitor"
	"github.com/banshee-data/pat/internal/timeutil"
)

// Loop is the per-frame pointing cycle: find the beacon, steer the mirror
// toward it, record both.
type Loop struct {
	Source   beacon.FrameSource
	Actuator *fsm.Actuator
	Process  beacon.ProcessOptions
	Clock    timeutil.Clock
	Logf     func(format string, v ...interface{})

	// Optional sinks.
	Store      *db.DB
	Session    string
	Monitor    *monitor.Monitor
	SetServing func(serving bool)
}

// Aim converts a centroid into a mirror command proportional to its offset
// from the centre of area.
func Aim(g beacon.Group, area beacon.AOI) fsm.Command {
	halfW := float64(area.W) / 2
	halfH := float64(area.H) / 2
	return fsm.Command{
		X: (g.X - (float64(area.X) + halfW)) / halfW,
		Y: (g.Y - (float64(area.Y) + halfH)) / halfH,
	}
}

// Step processes one frame. It returns the source's error (io.EOF at the end
// of a recorded stream); frame and actuation failures are logged only.
func (l *Loop) Step(ctx context.Context) error {
	img, err := l.Source.Next(ctx)
	if err != nil {
		return err
	}
	now := l.Clock.Now()
	res, perr := beacon.Process(img, l.Process)

	if l.Monitor != nil {
		l.Monitor.SetFrame(img, res, perr, now)
	}
	if l.Store != nil {
		if _, err := l.Store.RecordFrame(l.Session, now, img.Area, res, perr); err != nil {
			l.Logf("failed to record frame: %v", err)
		}
	}
	if perr != nil {
		l.Logf("frame abandoned: %v", perr)
		return nil
	}
	best, ok := res.Best()
	if !ok {
		return nil
	}

	cmd := Aim(best, img.Area)
	report, aerr := l.Actuator.SetNormalizedAngles(ctx, cmd.X, cmd.Y)
	if errors.Is(aerr, context.Canceled) || errors.Is(aerr, context.DeadlineExceeded) {
		return aerr
	}
	if aerr != nil {
		l.Logf("actuation failed: %v", aerr)
	}
	state := l.Actuator.State()
	if l.Store != nil && !report.Skipped {
		if _, err := l.Store.RecordCycle(l.Session, l.Clock.Now(), report, state, aerr); err != nil {
			l.Logf("failed to record actuation: %v", err)
		}
	}
	if l.SetServing != nil {
		l.SetServing(state.CommittedX && state.CommittedY)
	}
	return nil
}

// Run steps until ctx is done, the source ends or maxFrames frames have been
// processed (0 for no limit), pausing interval between frames.
func (l *Loop) Run(ctx context.Context, interval time.Duration, maxFrames int) error {
	for n := 0; maxFrames == 0 || n < maxFrames; n++ {
		if err := l.Step(ctx); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if interval <= 0 {
			continue
		}
		t := l.Clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C():
		}
	}
	return nil
}
