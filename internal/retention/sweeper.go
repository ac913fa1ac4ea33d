// Package retention implements the per-stream retention sweeper: a
// periodic pass that deletes recordings past their stream's retention
// window, skipping protected recordings and honoring a per-recording
// override. Trimmed from the teacher's internal/recording/retention.go
// cross-camera proportional storage rebalance (out of scope per the
// spec's non-goal of "retention enforcement beyond per-stream policy
// fields") down to the single-stream age sweep it keeps in scope.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nvrcore/nvr/internal/store"
)

// StreamPolicy is the subset of stream configuration the sweeper needs.
type StreamPolicy struct {
	StreamName           string
	RetentionDays        int
	DetectionRetention   int // retention for motion/detection-triggered recordings, if different
}

// PolicySource supplies the current set of stream policies at sweep
// time, so config changes take effect on the next tick without
// restarting the sweeper.
type PolicySource func() []StreamPolicy

// Stats summarizes one cleanup pass.
type Stats struct {
	RecordingsDeleted int
	BytesFreed        int64
}

// Sweeper periodically deletes recordings past retention.
type Sweeper struct {
	store   *store.Store
	handler Deleter
	source  PolicySource
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// Deleter removes a recording's backing file (and thumbnail, if any).
type Deleter interface {
	Delete(filePath, thumbnailPath string) error
}

// New constructs a Sweeper.
func New(st *store.Store, handler Deleter, source PolicySource) *Sweeper {
	return &Sweeper{
		store:   st,
		handler: handler,
		source:  source,
		logger:  slog.Default().With("component", "retention"),
		stopCh:  make(chan struct{}),
	}
}

// Name satisfies shutdown.Component.
func (s *Sweeper) Name() string { return "retention" }

// Start runs the sweep loop at the given interval until the context is
// cancelled or Stop is called, running one pass immediately.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("initial retention sweep failed", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					s.logger.Error("retention sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop satisfies shutdown.Component.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	close(s.stopCh)
	s.running = false
	return nil
}

// RunOnce executes a single sweep across every policy returned by the
// sweeper's PolicySource.
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	var total Stats
	for _, policy := range s.source() {
		stats, err := s.sweepStream(ctx, policy)
		if err != nil {
			s.logger.Error("sweep failed for stream", "stream", policy.StreamName, "error", err)
			continue
		}
		total.RecordingsDeleted += stats.RecordingsDeleted
		total.BytesFreed += stats.BytesFreed
	}
	s.logger.Info("retention sweep complete",
		"recordings_deleted", total.RecordingsDeleted, "bytes_freed", total.BytesFreed)
	return total, nil
}

func (s *Sweeper) sweepStream(ctx context.Context, policy StreamPolicy) (Stats, error) {
	var stats Stats
	if policy.RetentionDays <= 0 {
		return stats, nil
	}

	detectionDays := policy.DetectionRetention
	if detectionDays <= 0 {
		detectionDays = policy.RetentionDays
	}
	queryDays := policy.RetentionDays
	if detectionDays < queryDays {
		queryDays = detectionDays
	}
	cutoff := time.Now().AddDate(0, 0, -queryDays)
	falseVal := false
	recordings, err := s.store.QueryRecordings(ctx, store.RecordingFilter{
		StreamName: policy.StreamName,
		Until:      cutoff,
		Protected:  &falseVal,
		Limit:      1000,
	})
	if err != nil {
		return stats, err
	}

	for _, rec := range recordings {
		days := policy.RetentionDays
		if rec.TriggerType == store.TriggerMotion || rec.TriggerType == store.TriggerDetection {
			days = detectionDays
		}
		if time.Unix(rec.StartTime, 0).After(time.Now().AddDate(0, 0, -days)) {
			continue
		}
		if rec.RetentionOverrideDays > 0 {
			overrideCutoff := time.Now().AddDate(0, 0, -rec.RetentionOverrideDays)
			if time.Unix(rec.StartTime, 0).After(overrideCutoff) {
				continue // explicit per-recording override keeps it alive longer
			}
		}

		if err := s.handler.Delete(rec.FilePath, ""); err != nil {
			s.logger.Warn("failed to delete recording file", "path", rec.FilePath, "error", err)
			continue
		}
		if err := s.store.DeleteRecording(ctx, rec.ID); err != nil {
			s.logger.Warn("failed to delete recording row", "id", rec.ID, "error", err)
			continue
		}
		stats.RecordingsDeleted++
		stats.BytesFreed += rec.SizeBytes
	}

	return stats, nil
}
