package retention

import (
	"context"
	"testing"
	"time"

	"github.com/nvrcore/nvr/internal/store"
)

type fakeDeleter struct {
	deleted []string
}

func (f *fakeDeleter) Delete(filePath, thumbnailPath string) error {
	f.deleted = append(f.deleted, filePath)
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig(t.TempDir())
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := store.NewMigrator(st).Run(ctx); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return st
}

func TestSweepDeletesOnlyExpiredUnprotectedRecordings(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40).Unix()
	recent := time.Now().AddDate(0, 0, -1).Unix()

	oldID, err := st.AddRecording(ctx, store.Recording{
		StreamName: "front", FilePath: "/rec/old.mp4", StartTime: old, TriggerType: store.TriggerScheduled,
	})
	if err != nil {
		t.Fatalf("add old recording: %v", err)
	}
	trueVal := true
	endOld := old + 300
	if err := st.UpdateRecording(ctx, oldID, store.RecordingPatch{EndTime: &endOld, IsComplete: &trueVal}); err != nil {
		t.Fatalf("complete old recording: %v", err)
	}

	recentID, err := st.AddRecording(ctx, store.Recording{
		StreamName: "front", FilePath: "/rec/recent.mp4", StartTime: recent, TriggerType: store.TriggerScheduled,
	})
	if err != nil {
		t.Fatalf("add recent recording: %v", err)
	}
	endRecent := recent + 300
	if err := st.UpdateRecording(ctx, recentID, store.RecordingPatch{EndTime: &endRecent, IsComplete: &trueVal}); err != nil {
		t.Fatalf("complete recent recording: %v", err)
	}

	del := &fakeDeleter{}
	sweeper := New(st, del, func() []StreamPolicy {
		return []StreamPolicy{{StreamName: "front", RetentionDays: 30}}
	})

	stats, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.RecordingsDeleted != 1 {
		t.Fatalf("expected exactly 1 recording deleted, got %d", stats.RecordingsDeleted)
	}
	if len(del.deleted) != 1 || del.deleted[0] != "/rec/old.mp4" {
		t.Fatalf("expected only old.mp4 deleted, got %v", del.deleted)
	}

	if _, err := st.GetRecordingByID(ctx, recentID); err != nil {
		t.Fatalf("expected recent recording to survive: %v", err)
	}
}

func TestSweepSkipsProtectedRecordings(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40).Unix()
	id, err := st.AddRecording(ctx, store.Recording{
		StreamName: "front", FilePath: "/rec/protected.mp4", StartTime: old,
		TriggerType: store.TriggerScheduled, Protected: true,
	})
	if err != nil {
		t.Fatalf("add recording: %v", err)
	}
	trueVal := true
	end := old + 300
	if err := st.UpdateRecording(ctx, id, store.RecordingPatch{EndTime: &end, IsComplete: &trueVal}); err != nil {
		t.Fatalf("complete recording: %v", err)
	}

	del := &fakeDeleter{}
	sweeper := New(st, del, func() []StreamPolicy {
		return []StreamPolicy{{StreamName: "front", RetentionDays: 30}}
	})

	stats, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.RecordingsDeleted != 0 {
		t.Fatalf("expected protected recording to survive, deleted=%d", stats.RecordingsDeleted)
	}
}
