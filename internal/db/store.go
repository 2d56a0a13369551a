package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one detector run: a source, its effective tuning, and a
// start/end window. Detections and ground balance snapshots hang off it.
type Session struct {
	SessionID  string     `json:"session_id"`
	Source     string     `json:"source"`
	ConfigJSON string     `json:"config_json,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Detection is one persisted discrimination result. The depth columns are
// nil when the frame carried no usable depth estimate.
type Detection struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	DetectedAt      time.Time `json:"detected_at"`
	VDI             int       `json:"vdi"`
	TargetType      string    `json:"target_type"`
	Confidence      float64   `json:"confidence"`
	PhaseSlope      float64   `json:"phase_slope"`
	Conductivity    float64   `json:"conductivity"`
	AvgAmplitude    float64   `json:"avg_amplitude"`
	DepthCategory   *string   `json:"depth_category,omitempty"`
	DepthConfidence *float64  `json:"depth_confidence,omitempty"`
	DepthFactor     *float64  `json:"depth_factor,omitempty"`
}

// GroundBalanceSnapshot records the balancer state at a point of interest
// (mode change, manual capture). BaselineJSON is the serialised
// per-frequency baseline vector.
type GroundBalanceSnapshot struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	CapturedAt   time.Time `json:"captured_at"`
	Mode         string    `json:"mode"`
	Offset       float64   `json:"offset"`
	BaselineJSON string    `json:"baseline_json,omitempty"`
}

// CalibrationSample is one cmd/calibrate measurement against a target at
// a known burial depth.
type CalibrationSample struct {
	ID           int64     `json:"id"`
	RecordedAt   time.Time `json:"recorded_at"`
	KnownDepthCm float64   `json:"known_depth_cm"`
	DepthFactor  float64   `json:"depth_factor"`
	AvgAmplitude float64   `json:"avg_amplitude"`
	VDI          int       `json:"vdi"`
	Notes        string    `json:"notes,omitempty"`
}

// StartSession inserts a new session row and returns its generated ID.
func (db *DB) StartSession(source, configJSON string) (string, error) {
	sessionID := uuid.NewString()
	err := retryOnBusy(func() error {
		_, err := db.Exec(
			`INSERT INTO sessions (session_id, source, config_json, started_at) VALUES (?, ?, ?, ?)`,
			sessionID, source, nullStr(configJSON), time.Now().UnixNano(),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return sessionID, nil
}

// EndSession stamps the session's end time. Ending an already-ended or
// unknown session is a no-op.
func (db *DB) EndSession(sessionID string) error {
	return retryOnBusy(func() error {
		_, err := db.Exec(
			`UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`,
			time.Now().UnixNano(), sessionID,
		)
		return err
	})
}

// GetSession fetches one session by ID.
func (db *DB) GetSession(sessionID string) (*Session, error) {
	row := db.QueryRow(
		`SELECT session_id, source, config_json, started_at, ended_at FROM sessions WHERE session_id = ?`,
		sessionID,
	)
	var s Session
	var configJSON sql.NullString
	var startedAt int64
	var endedAt sql.NullInt64
	if err := row.Scan(&s.SessionID, &s.Source, &configJSON, &startedAt, &endedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s not found", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.ConfigJSON = configJSON.String
	s.StartedAt = time.Unix(0, startedAt)
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64)
		s.EndedAt = &t
	}
	return &s, nil
}

// InsertDetection records one discrimination result. Called from the
// pipeline callback path at the throttled frame rate.
func (db *DB) InsertDetection(d Detection) error {
	var depthCategory interface{}
	var depthConfidence, depthFactor interface{}
	if d.DepthCategory != nil {
		depthCategory = *d.DepthCategory
	}
	if d.DepthConfidence != nil {
		depthConfidence = *d.DepthConfidence
	}
	if d.DepthFactor != nil {
		depthFactor = *d.DepthFactor
	}
	return retryOnBusy(func() error {
		_, err := db.Exec(
			`INSERT INTO detections (
				session_id, detected_at, vdi, target_type, confidence,
				phase_slope, conductivity, avg_amplitude,
				depth_category, depth_confidence, depth_factor
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.SessionID, d.DetectedAt.UnixNano(), d.VDI, d.TargetType, d.Confidence,
			d.PhaseSlope, d.Conductivity, d.AvgAmplitude,
			depthCategory, depthConfidence, depthFactor,
		)
		return err
	})
}

// RecentDetections returns up to limit detections newest first, optionally
// restricted to one session. Limit is clamped to [1, 1000].
func (db *DB) RecentDetections(sessionID string, limit int) ([]Detection, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT id, session_id, detected_at, vdi, target_type, confidence,
		phase_slope, conductivity, avg_amplitude,
		depth_category, depth_confidence, depth_factor
		FROM detections`
	args := []interface{}{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var detections []Detection
	for rows.Next() {
		var d Detection
		var detectedAt int64
		var depthCategory sql.NullString
		var depthConfidence, depthFactor sql.NullFloat64
		if err := rows.Scan(&d.ID, &d.SessionID, &detectedAt, &d.VDI, &d.TargetType,
			&d.Confidence, &d.PhaseSlope, &d.Conductivity, &d.AvgAmplitude,
			&depthCategory, &depthConfidence, &depthFactor); err != nil {
			return nil, fmt.Errorf("failed to scan detection row: %w", err)
		}
		d.DetectedAt = time.Unix(0, detectedAt)
		if depthCategory.Valid {
			d.DepthCategory = &depthCategory.String
		}
		if depthConfidence.Valid {
			d.DepthConfidence = &depthConfidence.Float64
		}
		if depthFactor.Valid {
			d.DepthFactor = &depthFactor.Float64
		}
		detections = append(detections, d)
	}
	return detections, rows.Err()
}

// PruneDetections deletes detections older than the cutoff and returns
// the number of rows removed. The retention sweep calls this on a timer.
func (db *DB) PruneDetections(cutoff time.Time) (int64, error) {
	var removed int64
	err := retryOnBusy(func() error {
		res, err := db.Exec(`DELETE FROM detections WHERE detected_at < ?`, cutoff.UnixNano())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune detections: %w", err)
	}
	return removed, nil
}

// InsertGroundBalanceSnapshot records the balancer state.
func (db *DB) InsertGroundBalanceSnapshot(snap GroundBalanceSnapshot) error {
	return retryOnBusy(func() error {
		_, err := db.Exec(
			`INSERT INTO ground_balance_snapshots (session_id, captured_at, mode, offset_deg, baseline_json)
			VALUES (?, ?, ?, ?, ?)`,
			snap.SessionID, snap.CapturedAt.UnixNano(), snap.Mode, snap.Offset, nullStr(snap.BaselineJSON),
		)
		return err
	})
}

// RecentGroundBalanceSnapshots returns up to limit snapshots for a
// session, newest first.
func (db *DB) RecentGroundBalanceSnapshots(sessionID string, limit int) ([]GroundBalanceSnapshot, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := db.Query(
		`SELECT id, session_id, captured_at, mode, offset_deg, baseline_json
		FROM ground_balance_snapshots WHERE session_id = ?
		ORDER BY captured_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ground balance snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []GroundBalanceSnapshot
	for rows.Next() {
		var s GroundBalanceSnapshot
		var capturedAt int64
		var baseline sql.NullString
		if err := rows.Scan(&s.ID, &s.SessionID, &capturedAt, &s.Mode, &s.Offset, &baseline); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		s.CapturedAt = time.Unix(0, capturedAt)
		s.BaselineJSON = baseline.String
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// InsertCalibrationSample records one known-depth measurement.
func (db *DB) InsertCalibrationSample(sample CalibrationSample) error {
	recordedAt := sample.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	return retryOnBusy(func() error {
		_, err := db.Exec(
			`INSERT INTO calibration_samples (recorded_at, known_depth_cm, depth_factor, avg_amplitude, vdi, notes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			recordedAt.UnixNano(), sample.KnownDepthCm, sample.DepthFactor,
			sample.AvgAmplitude, sample.VDI, nullStr(sample.Notes),
		)
		return err
	})
}

// ListCalibrationSamples returns every calibration sample ordered by
// known depth then recording time.
func (db *DB) ListCalibrationSamples() ([]CalibrationSample, error) {
	rows, err := db.Query(
		`SELECT id, recorded_at, known_depth_cm, depth_factor, avg_amplitude, vdi, notes
		FROM calibration_samples ORDER BY known_depth_cm, recorded_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration samples: %w", err)
	}
	defer rows.Close()

	var samples []CalibrationSample
	for rows.Next() {
		var s CalibrationSample
		var recordedAt int64
		var notes sql.NullString
		if err := rows.Scan(&s.ID, &recordedAt, &s.KnownDepthCm, &s.DepthFactor,
			&s.AvgAmplitude, &s.VDI, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan calibration row: %w", err)
		}
		s.RecordedAt = time.Unix(0, recordedAt)
		s.Notes = notes.String
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// nullStr returns nil for empty strings, the string otherwise, so empty
// optional columns store as NULL.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
