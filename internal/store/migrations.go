package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// CompiledMaxVersion is the highest schema version known to this
// binary (§6: "Migration steps 1→2…15→16 are compiled in").
const CompiledMaxVersion = 16

// migrationStep applies one schema delta inside an already-open
// transaction at version i-1, bringing the store to version i. Steps
// must be idempotent: probing for a column's existence before adding
// it, since re-running migrations must be a no-op (§8 testable
// property: "running migrations twice yields the same schema version
// and the same column set").
type migrationStep func(ctx context.Context, tx *sql.Tx) error

// Migrator runs the compiled migration sequence against a Store.
type Migrator struct {
	store  *Store
	logger *slog.Logger
	steps  []migrationStep
}

// NewMigrator creates a Migrator bound to store.
func NewMigrator(s *Store) *Migrator {
	return &Migrator{
		store:  s,
		logger: slog.Default().With("component", "migrator"),
		steps:  compiledSteps(),
	}
}

// Run advances the store to CompiledMaxVersion, one transaction per
// step, verifying the expected current version before each step and
// rolling back (leaving the store at i-1) on any failure (§4.1).
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.ensureVersionRow(ctx); err != nil {
		return err
	}

	for target := 1; target <= len(m.steps); target++ {
		current, err := m.GetVersion(ctx)
		if err != nil {
			return err
		}
		if current >= target {
			continue
		}
		if current != target-1 {
			return fmt.Errorf("migration %d expects current version %d, found %d", target, target-1, current)
		}

		step := m.steps[target-1]
		err = m.store.transact(ctx, func(tx *sql.Tx) error {
			if err := step(ctx, tx); err != nil {
				return fmt.Errorf("apply migration %d: %w", target, err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE schema_version SET version = ?, updated_at = strftime('%s','now') WHERE id = 1", target,
			); err != nil {
				return fmt.Errorf("bump version row to %d: %w", target, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		m.logger.Info("applied migration", "version", target)
	}

	return nil
}

// GetVersion reads the current schema version from the single cursor
// row (§3: "Single row {id=1, version, updated_at}").
func (m *Migrator) GetVersion(ctx context.Context) (int, error) {
	if err := m.ensureVersionRow(ctx); err != nil {
		return 0, err
	}
	row := m.store.db.QueryRowContext(ctx, "SELECT version FROM schema_version WHERE id = 1")
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (m *Migrator) ensureVersionRow(ctx context.Context) error {
	return m.store.transact(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)
		`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schema_version (id, version, updated_at)
			VALUES (1, 0, strftime('%s','now'))
			ON CONFLICT(id) DO NOTHING
		`)
		return err
	})
}

// hasColumn probes sqlite's table_info pragma so ADD COLUMN steps are
// idempotent (§4.1: "existence is probed before the ADD COLUMN").
func hasColumn(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, ddl string) error {
	exists, err := hasColumn(ctx, tx, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl))
	return err
}

// compiledSteps returns the fixed, ordered sequence M1..M16.
func compiledSteps() []migrationStep {
	return []migrationStep{
		migrateV1,
		migrateAddRecordingCodec,
		migrateAddRecordingDimensions,
		migrateAddRecordingFPS,
		migrateAddRecordingProtected,
		migrateAddStreamTransport,
		migrateAddStreamSegmentDuration,
		migrateAddStreamPreBuffer,
		migrateAddStreamPostBuffer,
		migrateAddRecordingTriggerType,
		migrateAddRecordingRetentionOverride,
		migrateAddStreamDetectionEnabled,
		migrateAddStreamRetentionDays,
		migrateAddStreamDetectionRetentionDays,
		migrateAddStreamONVIFCredentials,
		migrateAddStreamONVIFProfile,
	}
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			name TEXT PRIMARY KEY,
			source_url TEXT NOT NULL,
			recording_enabled INTEGER NOT NULL DEFAULT 0,
			streaming_enabled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS recordings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_name TEXT NOT NULL,
			file_path TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			is_complete INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_stream_start ON recordings(stream_name, start_time)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			stream_name TEXT,
			description TEXT,
			details TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func migrateAddRecordingCodec(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "recordings", "codec", "codec TEXT NOT NULL DEFAULT ''")
}

func migrateAddRecordingDimensions(ctx context.Context, tx *sql.Tx) error {
	if err := addColumnIfMissing(ctx, tx, "recordings", "width", "width INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return addColumnIfMissing(ctx, tx, "recordings", "height", "height INTEGER NOT NULL DEFAULT 0")
}

func migrateAddRecordingFPS(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "recordings", "fps", "fps REAL NOT NULL DEFAULT 0")
}

func migrateAddRecordingProtected(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "recordings", "protected", "protected INTEGER NOT NULL DEFAULT 0")
}

func migrateAddStreamTransport(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "streams", "transport", "transport TEXT NOT NULL DEFAULT 'tcp'")
}

func migrateAddStreamSegmentDuration(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "streams", "segment_duration_seconds", "segment_duration_seconds INTEGER NOT NULL DEFAULT 300")
}

func migrateAddStreamPreBuffer(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "streams", "pre_buffer_seconds", "pre_buffer_seconds INTEGER NOT NULL DEFAULT 0")
}

func migrateAddStreamPostBuffer(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "streams", "post_buffer_seconds", "post_buffer_seconds INTEGER NOT NULL DEFAULT 10")
}

// migrateAddRecordingTriggerType resolves DESIGN.md Open Question 2:
// the column is added with a NOT NULL default and existing rows are
// backfilled to 'scheduled' in the same transaction as the ADD COLUMN,
// so no row can ever be read with the column absent once this step has
// run.
func migrateAddRecordingTriggerType(ctx context.Context, tx *sql.Tx) error {
	exists, err := hasColumn(ctx, tx, "recordings", "trigger_type")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "ALTER TABLE recordings ADD COLUMN trigger_type TEXT NOT NULL DEFAULT 'scheduled'"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE recordings SET trigger_type = 'scheduled' WHERE trigger_type IS NULL"); err != nil {
		return err
	}
	return nil
}

func migrateAddRecordingRetentionOverride(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "recordings", "retention_override_days", "retention_override_days INTEGER NOT NULL DEFAULT 0")
}

func migrateAddStreamDetectionEnabled(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "streams", "detection_enabled", "detection_enabled INTEGER NOT NULL DEFAULT 0")
}

func migrateAddStreamRetentionDays(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "streams", "retention_days", "retention_days INTEGER NOT NULL DEFAULT 30")
}

func migrateAddStreamDetectionRetentionDays(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "streams", "detection_retention_days", "detection_retention_days INTEGER NOT NULL DEFAULT 30")
}

func migrateAddStreamONVIFCredentials(ctx context.Context, tx *sql.Tx) error {
	if err := addColumnIfMissing(ctx, tx, "streams", "onvif_username", "onvif_username TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return addColumnIfMissing(ctx, tx, "streams", "onvif_password", "onvif_password TEXT NOT NULL DEFAULT ''")
}

func migrateAddStreamONVIFProfile(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "streams", "onvif_profile", "onvif_profile TEXT NOT NULL DEFAULT ''")
}
