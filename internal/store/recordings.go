package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// AddRecording inserts a new recording row with is_complete=false,
// returning its assigned ID (§4.1).
func (s *Store) AddRecording(ctx context.Context, r Recording) (int64, error) {
	var id int64
	err := s.transact(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO recordings (
				stream_name, file_path, start_time, end_time, size_bytes,
				codec, width, height, fps, is_complete, trigger_type,
				protected, retention_override_days
			) VALUES (?, ?, ?, 0, 0, ?, ?, ?, ?, 0, ?, ?, ?)
		`, r.StreamName, r.FilePath, r.StartTime, r.Codec, r.Width, r.Height, r.FPS,
			string(r.TriggerType), boolToInt(r.Protected), r.RetentionOverrideDays)
		if err != nil {
			return classifyBusy(err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// UpdateRecording applies a partial update (§4.1 update_recording).
func (s *Store) UpdateRecording(ctx context.Context, id int64, patch RecordingPatch) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		var sets []string
		var args []interface{}

		if patch.EndTime != nil {
			sets = append(sets, "end_time = ?")
			args = append(args, *patch.EndTime)
		}
		if patch.SizeBytes != nil {
			sets = append(sets, "size_bytes = ?")
			args = append(args, *patch.SizeBytes)
		}
		if patch.IsComplete != nil {
			sets = append(sets, "is_complete = ?")
			args = append(args, boolToInt(*patch.IsComplete))
		}
		if len(sets) == 0 {
			return nil
		}
		args = append(args, id)

		res, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE recordings SET %s WHERE id = ?", strings.Join(sets, ", ")),
			args...)
		if err != nil {
			return classifyBusy(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteRecording removes a row; the caller is responsible for
// unlinking the backing file (§4.1).
func (s *Store) DeleteRecording(ctx context.Context, id int64) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM recordings WHERE id = ?", id)
		if err != nil {
			return classifyBusy(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetRecordingByID returns ErrNotFound if no row matches.
func (s *Store) GetRecordingByID(ctx context.Context, id int64) (Recording, error) {
	row := s.db.QueryRowContext(ctx, recordingSelectSQL+" WHERE id = ?", id)
	r, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	return r, err
}

const recordingSelectSQL = `
	SELECT id, stream_name, file_path, start_time, end_time, size_bytes,
	       codec, width, height, fps, is_complete, trigger_type,
	       protected, retention_override_days
	FROM recordings`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecording(row rowScanner) (Recording, error) {
	var r Recording
	var trigger string
	var protected int
	err := row.Scan(&r.ID, &r.StreamName, &r.FilePath, &r.StartTime, &r.EndTime, &r.SizeBytes,
		&r.Codec, &r.Width, &r.Height, &r.FPS, &r.IsComplete, &trigger, &protected, &r.RetentionOverrideDays)
	r.TriggerType = TriggerType(trigger)
	r.Protected = protected != 0
	return r, err
}

// QueryRecordings filters on stream name, time range, trigger_type,
// is_complete, protected, ordered and limited per the filter (§4.1).
func (s *Store) QueryRecordings(ctx context.Context, f RecordingFilter) ([]Recording, error) {
	q := recordingSelectSQL + " WHERE 1=1"
	var args []interface{}

	if f.StreamName != "" {
		q += " AND stream_name = ?"
		args = append(args, f.StreamName)
	}
	if !f.Since.IsZero() {
		q += " AND start_time >= ?"
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		q += " AND start_time <= ?"
		args = append(args, f.Until.Unix())
	}
	if f.TriggerType != "" {
		q += " AND trigger_type = ?"
		args = append(args, string(f.TriggerType))
	}
	if f.IsComplete != nil {
		q += " AND is_complete = ?"
		args = append(args, boolToInt(*f.IsComplete))
	}
	if f.Protected != nil {
		q += " AND protected = ?"
		args = append(args, boolToInt(*f.Protected))
	}

	order := "start_time"
	if f.OrderByStart {
		order = "start_time"
	}
	q += " ORDER BY " + order
	if f.Descending {
		q += " DESC"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyBusy(err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OpenRecordingForStream returns the single in-flight (is_complete=false)
// recording for a stream if one exists, enforcing the invariant that at
// most one such row exists at any instant (§3 invariant d).
func (s *Store) OpenRecordingForStream(ctx context.Context, streamName string) (Recording, bool, error) {
	incomplete := false
	recs, err := s.QueryRecordings(ctx, RecordingFilter{StreamName: streamName, IsComplete: &incomplete, Limit: 2})
	if err != nil {
		return Recording{}, false, err
	}
	if len(recs) == 0 {
		return Recording{}, false, nil
	}
	if len(recs) > 1 {
		return Recording{}, false, fmt.Errorf("%w: stream %s has %d open recordings", ErrIntegrityViolation, streamName, len(recs))
	}
	return recs[0], true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
