package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pat/internal/beacon"
	"github.com/banshee-data/pat/internal/fsm"
)

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StartSession records a new pointing session and returns its ID.
func (db *DB) StartSession(at time.Time, returnAddress uint32, transport string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, started_unix, return_address, transport) VALUES (?, ?, ?, ?)`,
		id, unixSeconds(at), returnAddress, transport,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return id, nil
}

// RecordFrame stores one processed frame and its groups. abort is the
// failsafe error for an abandoned frame, or nil.
func (db *DB) RecordFrame(session string, at time.Time, area beacon.AOI, res beacon.Result, abort error) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var reason sql.NullString
	if abort != nil {
		reason = sql.NullString{String: abort.Error(), Valid: true}
	}
	r, err := tx.Exec(
		`INSERT INTO frames (
			session_id, captured_unix, aoi_x, aoi_y, aoi_w, aoi_h,
			threshold, hist_brightest, hist_peak, hist_mean, hist_std_dev,
			group_count, abort_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session, unixSeconds(at), area.X, area.Y, area.W, area.H,
		res.Threshold, res.HistBrightest, res.HistPeak, res.HistMean, res.HistStdDev,
		len(res.Groups), reason,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert frame: %w", err)
	}
	frameID, err := r.LastInsertId()
	if err != nil {
		return 0, err
	}

	for rank, g := range res.Groups {
		if _, err := tx.Exec(
			`INSERT INTO frame_groups (frame_id, rank, x, y, value_max, value_sum, pixel_count) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			frameID, rank, g.X, g.Y, g.ValueMax, int64(g.ValueSum), g.PixelCount,
		); err != nil {
			return 0, fmt.Errorf("failed to insert group %d: %w", rank, err)
		}
	}
	return frameID, tx.Commit()
}

// RecordCycle stores one actuation cycle with the actuator state after it.
func (db *DB) RecordCycle(session string, at time.Time, report fsm.CycleReport, state fsm.State, cycleErr error) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var errText sql.NullString
	if cycleErr != nil {
		errText = sql.NullString{String: cycleErr.Error(), Valid: true}
	}
	r, err := tx.Exec(
		`INSERT INTO actuations (
			session_id, recorded_unix, cmd_x, cmd_y, new_x, new_y, clamped, skipped,
			committed_x, committed_y, next_request_number, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session, unixSeconds(at), report.Command.X, report.Command.Y, report.NewX, report.NewY,
		boolInt(report.Clamped), boolInt(report.Skipped),
		boolInt(state.CommittedX), boolInt(state.CommittedY), state.NextRequestNumber, errText,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert actuation: %w", err)
	}
	cycleID, err := r.LastInsertId()
	if err != nil {
		return 0, err
	}

	insert := func(seq int, name string, c fsm.ChannelResult) error {
		_, err := tx.Exec(
			`INSERT INTO actuation_channels (cycle_id, seq, channel, register, value, word, request_number, outcome)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cycleID, seq, name, c.Register, c.Value, c.Word, c.RequestNumber, c.Outcome.String(),
		)
		return err
	}
	for i, c := range report.Channels {
		if err := insert(i, c.Channel.String(), c); err != nil {
			return 0, fmt.Errorf("failed to insert channel %s: %w", c.Channel, err)
		}
	}
	if report.BiasOff != nil {
		if err := insert(len(report.Channels), "bias-off", *report.BiasOff); err != nil {
			return 0, fmt.Errorf("failed to insert bias-off: %w", err)
		}
	}
	return cycleID, tx.Commit()
}

// Centroid is the brightest group of a recorded frame.
type Centroid struct {
	FrameID      int64   `json:"frame_id"`
	CapturedUnix float64 `json:"captured_unix"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	ValueMax     uint16  `json:"value_max"`
	PixelCount   int     `json:"pixel_count"`
}

// RecentCentroids returns the brightest group of the most recent frames that
// found one, newest first.
func (db *DB) RecentCentroids(limit int) ([]Centroid, error) {
	rows, err := db.Query(`
		SELECT f.frame_id, f.captured_unix, g.x, g.y, g.value_max, g.pixel_count
		FROM frames f JOIN frame_groups g ON g.frame_id = f.frame_id AND g.rank = 0
		ORDER BY f.frame_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Centroid
	for rows.Next() {
		var c Centroid
		if err := rows.Scan(&c.FrameID, &c.CapturedUnix, &c.X, &c.Y, &c.ValueMax, &c.PixelCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CycleSummary is one recorded actuation cycle.
type CycleSummary struct {
	CycleID    int64   `json:"cycle_id"`
	NewX       int16   `json:"new_x"`
	NewY       int16   `json:"new_y"`
	Skipped    bool    `json:"skipped"`
	CommittedX bool    `json:"committed_x"`
	CommittedY bool    `json:"committed_y"`
	Confirmed  int     `json:"confirmed"`
	Error      *string `json:"error,omitempty"`
}

// RecentCycles returns the most recent actuation cycles, newest first, with
// the count of confirmed channel writes.
func (db *DB) RecentCycles(limit int) ([]CycleSummary, error) {
	rows, err := db.Query(`
		SELECT a.cycle_id, a.new_x, a.new_y, a.skipped, a.committed_x, a.committed_y, a.error,
			(SELECT COUNT(*) FROM actuation_channels c WHERE c.cycle_id = a.cycle_id AND c.outcome = 'confirmed')
		FROM actuations a ORDER BY a.cycle_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleSummary
	for rows.Next() {
		var c CycleSummary
		var errText sql.NullString
		if err := rows.Scan(&c.CycleID, &c.NewX, &c.NewY, &c.Skipped, &c.CommittedX, &c.CommittedY, &errText, &c.Confirmed); err != nil {
			return nil, err
		}
		if errText.Valid {
			c.Error = &errText.String
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FrameStats counts recorded frames for a session.
type FrameStats struct {
	Frames  int `json:"frames"`
	Aborted int `json:"aborted"`
	Empty   int `json:"empty"`
}

// SessionFrameStats summarises the frames of session.
func (db *DB) SessionFrameStats(session string) (FrameStats, error) {
	var s FrameStats
	err := db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(abort_reason IS NOT NULL), 0),
			COALESCE(SUM(abort_reason IS NULL AND group_count = 0), 0)
		FROM frames WHERE session_id = ?`, session).Scan(&s.Frames, &s.Aborted, &s.Empty)
	return s, err
}
