package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NoID is returned by Insert when the row could not be written.
const NoID int64 = 0

const timestampLayout = time.RFC3339Nano

// FrameRecord is one processed frame as persisted for dashboards.
type FrameRecord struct {
	ArtifactURL string
	Detections  json.RawMessage
	Alerts      json.RawMessage
	UserID      string
	OrgID       string
	CameraID    string
	SessionID   string
	Timestamp   time.Time
	FrameNum    uint64
}

// StoredFrame is a FrameRecord read back with its row id.
type StoredFrame struct {
	ID int64 `json:"id"`
	FrameRecord
}

// MarshalJSON renders the stored frame for the recent command.
func (f StoredFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID          int64           `json:"id"`
		ArtifactURL string          `json:"s3_url"`
		Detections  json.RawMessage `json:"detections"`
		Alerts      json.RawMessage `json:"alerts"`
		UserID      string          `json:"user_id"`
		OrgID       string          `json:"org_id"`
		CameraID    string          `json:"camera_id"`
		SessionID   string          `json:"session_id"`
		Timestamp   time.Time       `json:"time_stamp"`
		FrameNum    uint64          `json:"frame_num"`
	}{f.ID, f.ArtifactURL, f.Detections, f.Alerts, f.UserID, f.OrgID, f.CameraID, f.SessionID, f.Timestamp, f.FrameNum})
}

// FrameRecorder writes frame records. Insert failures are logged and
// swallowed so that persistence never blocks or fails the detection path.
type FrameRecorder struct {
	db     *DB
	logger *zap.Logger
}

// NewFrameRecorder creates a recorder on db.
func NewFrameRecorder(db *DB, logger *zap.Logger) *FrameRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameRecorder{db: db, logger: logger}
}

// Insert stores one record in its own transaction and returns the new row
// id, or NoID on any failure.
func (r *FrameRecorder) Insert(ctx context.Context, rec FrameRecord) int64 {
	id, err := r.insert(ctx, rec)
	if err != nil {
		r.logger.Error("Failed to insert ppe detection",
			zap.String("session_id", rec.SessionID),
			zap.String("camera_id", rec.CameraID),
			zap.Uint64("frame_num", rec.FrameNum),
			zap.Error(err))
		return NoID
	}
	return id
}

func (r *FrameRecorder) insert(ctx context.Context, rec FrameRecord) (int64, error) {
	detections := rec.Detections
	if len(detections) == 0 {
		detections = json.RawMessage("[]")
	}
	alerts := rec.Alerts
	if len(alerts) == 0 {
		alerts = json.RawMessage("[]")
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return NoID, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ppe_detections
			(s3_url, detections, alerts, user_id, org_id, camera_id, session_id, time_stamp, frame_num)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ArtifactURL, string(detections), string(alerts), rec.UserID, rec.OrgID, rec.CameraID,
		rec.SessionID, ts.UTC().Format(timestampLayout), rec.FrameNum)
	if err != nil {
		return NoID, fmt.Errorf("insert: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return NoID, fmt.Errorf("last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return NoID, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// RecentQuery filters Recent. Empty fields match everything.
type RecentQuery struct {
	CameraID  string
	SessionID string
	Limit     int
}

// Recent returns the latest stored frames, newest first.
func (r *FrameRecorder) Recent(ctx context.Context, q RecentQuery) ([]StoredFrame, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, s3_url, detections, alerts, user_id, org_id, camera_id, session_id, time_stamp, frame_num
		FROM ppe_detections
		WHERE (? = '' OR camera_id = ?) AND (? = '' OR session_id = ?)
		ORDER BY id DESC
		LIMIT ?
	`, q.CameraID, q.CameraID, q.SessionID, q.SessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredFrame
	for rows.Next() {
		var (
			f          StoredFrame
			detections string
			alerts     string
			ts         string
		)
		if err := rows.Scan(&f.ID, &f.ArtifactURL, &detections, &alerts, &f.UserID, &f.OrgID,
			&f.CameraID, &f.SessionID, &ts, &f.FrameNum); err != nil {
			return nil, err
		}
		f.Detections = json.RawMessage(detections)
		f.Alerts = json.RawMessage(alerts)
		if parsed, err := time.Parse(timestampLayout, ts); err == nil {
			f.Timestamp = parsed
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FrameCounts summarizes the stored detections.
type FrameCounts struct {
	Frames   int64 `json:"frames"`
	Sessions int64 `json:"sessions"`
	Cameras  int64 `json:"cameras"`
	Alerting int64 `json:"frames_with_alerts"`
}

// Count returns aggregate counts over all stored frames.
func (r *FrameRecorder) Count(ctx context.Context) (FrameCounts, error) {
	var c FrameCounts
	err := r.db.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(DISTINCT NULLIF(session_id, '')),
			COUNT(DISTINCT NULLIF(camera_id, '')),
			COALESCE(SUM(CASE WHEN alerts != '[]' THEN 1 ELSE 0 END), 0)
		FROM ppe_detections
	`).Scan(&c.Frames, &c.Sessions, &c.Cameras, &c.Alerting)
	if err == sql.ErrNoRows {
		return c, nil
	}
	return c, err
}
