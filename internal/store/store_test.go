package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestMigrationFromEmpty matches spec scenario 1: a fresh store at
// compiled max version 16 gets the onvif_profile column on streams.
func TestMigrationFromEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := NewMigrator(s)
	if err := m.Run(ctx); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	version, err := m.GetVersion(ctx)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if version != CompiledMaxVersion {
		t.Fatalf("expected version %d, got %d", CompiledMaxVersion, version)
	}

	has, err := hasColumnPublic(ctx, s, "streams", "onvif_profile")
	if err != nil {
		t.Fatalf("probe column: %v", err)
	}
	if !has {
		t.Fatalf("expected streams.onvif_profile column after full migration")
	}
}

// hasColumnPublic exercises the same PRAGMA table_info probe the
// migration steps use, outside of a transaction, for assertions.
func hasColumnPublic(ctx context.Context, s *Store, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func TestMigrationIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := NewMigrator(s)

	if err := m.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	v1, _ := m.GetVersion(ctx)

	if err := m.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	v2, _ := m.GetVersion(ctx)

	if v1 != v2 {
		t.Fatalf("re-running migrations changed version: %d -> %d", v1, v2)
	}
}

func TestRecordingRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := NewMigrator(s).Run(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	id, err := s.AddRecording(ctx, Recording{
		StreamName:  "front-door",
		FilePath:    "/data/front-door/2026/07/30/front-door_20260730_120000_scheduled.mp4",
		StartTime:   1000,
		TriggerType: TriggerScheduled,
	})
	if err != nil {
		t.Fatalf("add recording: %v", err)
	}

	endTime := int64(1300)
	size := int64(4096)
	complete := true
	if err := s.UpdateRecording(ctx, id, RecordingPatch{EndTime: &endTime, SizeBytes: &size, IsComplete: &complete}); err != nil {
		t.Fatalf("update recording: %v", err)
	}

	got, err := s.GetRecordingByID(ctx, id)
	if err != nil {
		t.Fatalf("get recording: %v", err)
	}
	if got.EndTime != endTime || got.SizeBytes != size || !got.IsComplete {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.EndTime < got.StartTime {
		t.Fatalf("invariant violated: end_time < start_time")
	}
}

func TestOpenRecordingForStreamSingleton(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := NewMigrator(s).Run(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if _, err := s.AddRecording(ctx, Recording{StreamName: "cam", FilePath: "a.mp4", StartTime: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}

	_, open, err := s.OpenRecordingForStream(ctx, "cam")
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	if !open {
		t.Fatalf("expected one open recording")
	}
}

// TestCorruptStoreRecovery matches spec scenario 6: a corrupted
// database file with a backup present is restored on open.
func TestCorruptStoreRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("initial open: %v", err)
	}
	ctx := context.Background()
	if err := NewMigrator(s).Run(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := s.AddRecording(ctx, Recording{StreamName: "cam", FilePath: "a.mp4", StartTime: 1}); err != nil {
		t.Fatalf("seed recording: %v", err)
	}
	if err := s.Backup(ctx, cfg.backupPath()); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Corrupt the live file with random bytes.
	if err := os.WriteFile(cfg.Path, []byte("not a sqlite database, just garbage bytes"), 0644); err != nil {
		t.Fatalf("corrupt db: %v", err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen after corruption should restore from backup, got error: %v", err)
	}
	defer s2.Close()

	m2 := NewMigrator(s2)
	if err := m2.Run(ctx); err != nil {
		t.Fatalf("migrate after restore: %v", err)
	}
	version, _ := m2.GetVersion(ctx)
	if version != CompiledMaxVersion {
		t.Fatalf("expected migrations to reach %d after restore, got %d", CompiledMaxVersion, version)
	}

	recs, err := s2.QueryRecordings(ctx, RecordingFilter{StreamName: "cam"})
	if err != nil {
		t.Fatalf("query after restore: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected restored recording to survive, got %d rows", len(recs))
	}
}

func TestBackupPathSibling(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	if filepath.Base(cfg.backupPath()) != "lightnvr.db.bak" {
		t.Fatalf("expected lightnvr.db.bak sibling, got %s", cfg.backupPath())
	}
}
