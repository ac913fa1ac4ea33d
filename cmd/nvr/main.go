// Package main is the NVR system's composition root: it loads
// configuration, opens the metadata store, starts the embedded event
// bus, wires one supervisor/runner/recorder set per configured stream,
// and serves the loopback ops API until a termination signal arrives.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nvrcore/nvr/internal/clockid"
	"github.com/nvrcore/nvr/internal/config"
	"github.com/nvrcore/nvr/internal/demux"
	"github.com/nvrcore/nvr/internal/eventbus"
	"github.com/nvrcore/nvr/internal/hls"
	"github.com/nvrcore/nvr/internal/motion"
	"github.com/nvrcore/nvr/internal/motionrec"
	"github.com/nvrcore/nvr/internal/mux"
	"github.com/nvrcore/nvr/internal/opsapi"
	"github.com/nvrcore/nvr/internal/packet"
	"github.com/nvrcore/nvr/internal/retention"
	"github.com/nvrcore/nvr/internal/segment"
	"github.com/nvrcore/nvr/internal/shutdown"
	"github.com/nvrcore/nvr/internal/store"
	"github.com/nvrcore/nvr/internal/streamrunner"
	"github.com/nvrcore/nvr/internal/supervisor"
)

const defaultDataPath = "/data"

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := findConfigFile(dataPath)
	slog.Info("starting nvr system", "config_path", configPath, "data_path", dataPath)

	if err := os.MkdirAll(dataPath, 0755); err != nil {
		slog.Error("failed to create data path", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Watch(); err != nil {
		slog.Warn("config file watch unavailable", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockid.NewSystem()

	st, err := store.Open(store.DefaultConfig(cfg.System.StoragePath))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	if err := store.NewMigrator(st).Run(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	bus, err := eventbus.New(eventbus.Config{})
	if err != nil {
		slog.Error("failed to start event bus", "error", err)
		os.Exit(1)
	}

	coordinator := shutdown.New(10 * time.Second)
	coordinator.Register(&storeComponent{st: st})
	coordinator.Register(bus)

	var muxClient *mux.Client
	if cfg.System.Mux.BaseURL != "" {
		muxClient = mux.New(cfg.System.Mux.BaseURL)
	}

	storageRoot := filepath.Join(cfg.System.StoragePath, "recordings")
	thumbnailRoot := filepath.Join(cfg.System.StoragePath, "thumbnails")
	hlsRoot := filepath.Join(cfg.System.StoragePath, "hls")
	handler := segment.NewDefaultHandler(storageRoot, thumbnailRoot)

	pool := packet.NewBytePool(256 << 20)

	supervisors := make(map[string]*supervisor.Supervisor)
	runners := make(map[string]*streamrunner.Runner)

	for _, streamCfg := range cfg.Streams {
		sup := supervisor.New(streamCfg.Name, func(old, newState supervisor.State) {
			_ = bus.Publish(eventbus.SubjectStreamStateChanged, map[string]string{
				"stream": streamCfg.Name, "from": old.String(), "to": newState.String(),
			})
		})
		supervisors[streamCfg.Name] = sup

		transport := demux.Transport(streamCfg.Transport)
		if transport != demux.TransportUDP {
			transport = demux.TransportTCP
		}

		var hlsSeg *hls.Segmenter
		if streamCfg.StreamingEnabled {
			hlsSeg = hls.New(hls.Config{
				StreamName:      streamCfg.Name,
				OutputDir:       filepath.Join(hlsRoot, streamCfg.Name),
				SegmentDuration: time.Duration(cfg.System.HLS.SegmentDurationSeconds) * time.Second,
				WindowSize:      cfg.System.HLS.WindowSize,
			}, clock)
			_ = sup.AddRef("streaming")

			if muxClient != nil {
				if err := muxClient.AddStream(ctx, streamCfg.Name, streamCfg.SourceURL); err != nil {
					slog.Warn("failed to register stream with upstream mux", "stream", streamCfg.Name, "error", err)
				}
			}
		}

		var motionRec *motionrec.Recorder
		var detector *motion.Detector
		var frameSrc motion.FrameSource
		var ring *packet.RingBuffer

		if streamCfg.DetectionEnabled {
			_ = sup.AddRef("detection")
			ring = packet.NewRingBuffer(streamCfg.Name, pool, 4096, time.Duration(streamCfg.PreBufferSeconds)*time.Second)

			motionCb := segment.Callbacks{
				OnSegmentStarted: func(path string) {
					_ = bus.Publish(eventbus.SubjectRecordingStarted, map[string]string{"stream": streamCfg.Name, "path": path})
				},
				OnSegmentFinalized: func(path string, meta segment.Metadata, checksum string, endTime time.Time) {
					recordFinalized(ctx, st, bus, streamCfg.Name, path, meta, checksum, endTime, store.TriggerMotion)
				},
			}
			motionRec = motionrec.New(motionrec.Config{
				StreamName:        streamCfg.Name,
				PreBufferSeconds:  time.Duration(streamCfg.PreBufferSeconds) * time.Second,
				PostBufferSeconds: time.Duration(streamCfg.PostBufferSeconds) * time.Second,
			}, ring, handler, motionCb, clock)

			detector = motion.New(motion.Config{
				StreamName:    streamCfg.Name,
				GridCols:      streamCfg.MotionGridCols,
				GridRows:      streamCfg.MotionGridRows,
				MinMotionArea: streamCfg.MotionMinArea,
				Sensitivity:   streamCfg.MotionSensitivity,
				Cooldown:      time.Duration(streamCfg.MotionCooldownSecs) * time.Second,
			})
			frameSrc = motion.NewFFmpegSnapshotSource(streamCfg.SourceURL)
		} else if streamCfg.StreamingEnabled {
			ring = packet.NewRingBuffer(streamCfg.Name, pool, 4096, 10*time.Second)
		}

		if streamCfg.StreamingEnabled || streamCfg.DetectionEnabled {
			runner := streamrunner.New(streamrunner.Config{
				StreamName:       streamCfg.Name,
				SourceURL:        streamCfg.SourceURL,
				Transport:        transport,
				StreamingEnabled: streamCfg.StreamingEnabled,
				DetectionEnabled: streamCfg.DetectionEnabled,
			}, sup, ring, hlsSeg, motionRec, detector, frameSrc, clock, streamrunner.Callbacks{
				OnMotionBegin: func() {
					_ = bus.Publish(eventbus.SubjectMotionBegin, map[string]string{"stream": streamCfg.Name})
				},
				OnMotionEnd: func() {
					_ = bus.Publish(eventbus.SubjectMotionEnd, map[string]string{"stream": streamCfg.Name})
				},
			})
			runners[streamCfg.Name] = runner

			go func(name string, run *streamrunner.Runner) {
				if err := run.Run(ctx); err != nil {
					slog.Error("stream runner exited with error", "stream", name, "error", err)
				}
			}(streamCfg.Name, runner)

			coordinator.Register(&runnerComponent{name: streamCfg.Name + "-runner", runner: runner})
		}

		if streamCfg.RecordingEnabled {
			rec := segment.New(segment.Config{
				StreamName:      streamCfg.Name,
				SourceURL:       streamCfg.SourceURL,
				Transport:       transport,
				SegmentDuration: time.Duration(streamCfg.SegmentDurationSeconds) * time.Second,
				Trigger:         "scheduled",
			}, handler, segment.Callbacks{
				OnSegmentStarted: func(path string) {
					_ = bus.Publish(eventbus.SubjectRecordingStarted, map[string]string{"stream": streamCfg.Name, "path": path})
				},
				OnSegmentFinalized: func(path string, meta segment.Metadata, checksum string, endTime time.Time) {
					recordFinalized(ctx, st, bus, streamCfg.Name, path, meta, checksum, endTime, store.TriggerScheduled)
				},
			}, clock)

			go func(name string, r *segment.Recorder) {
				if err := r.Run(ctx); err != nil {
					slog.Error("segment recorder exited with error", "stream", name, "error", err)
				}
			}(streamCfg.Name, rec)

			coordinator.Register(&recorderComponent{name: streamCfg.Name + "-recorder", rec: rec})
		}
	}

	sweeper := retention.New(st, handler, func() []retention.StreamPolicy {
		policies := make([]retention.StreamPolicy, 0, len(cfg.Streams))
		for _, s := range cfg.Streams {
			policies = append(policies, retention.StreamPolicy{
				StreamName:         s.Name,
				RetentionDays:      s.RetentionDays,
				DetectionRetention: s.DetectionRetentionDays,
			})
		}
		return policies
	})
	sweeper.Start(ctx, time.Hour)
	coordinator.Register(sweeper)

	opsAddr := getEnv("OPS_ADDR", "127.0.0.1:8081")
	if !opsapi.IsLoopbackAddr(opsAddr) {
		slog.Warn("ops api address is not loopback-only, refusing to bind", "addr", opsAddr)
		opsAddr = "127.0.0.1:8081"
	}
	ops := opsapi.New(opsapi.Config{Addr: opsAddr}, st, func() map[string]*supervisor.Supervisor {
		return supervisors
	}, bus)
	ops.Start()
	coordinator.Register(ops)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutdown signal received")
	cancel()
	for _, r := range runners {
		r.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	results := coordinator.Shutdown(shutdownCtx)
	for _, res := range results {
		if res.Err != nil {
			slog.Warn("component shutdown reported an error", "component", res.Name, "error", res.Err)
		}
	}

	slog.Info("nvr system stopped")
}

func recordFinalized(ctx context.Context, st *store.Store, bus *eventbus.Bus, streamName, path string,
	meta segment.Metadata, checksum string, endTime time.Time, trigger store.TriggerType) {
	if checksum == "" {
		// The remux pipe never received any bytes (e.g. a motion event
		// with an empty pre-buffer and no subsequent packets before
		// finalize), so no file exists at path. Recording it here would
		// violate the invariant that file_path names an existing file
		// once is_complete transitions true.
		slog.Warn("skipping recording row for empty segment", "stream", streamName, "path", path)
		return
	}
	durationSec := time.Duration(meta.Duration * float64(time.Second))
	id, err := st.AddRecording(ctx, store.Recording{
		StreamName:  streamName,
		FilePath:    path,
		StartTime:   endTime.Add(-durationSec).Unix(),
		Codec:       meta.Codec,
		Width:       meta.Width,
		Height:      meta.Height,
		FPS:         meta.FPS,
		TriggerType: trigger,
	})
	if err != nil {
		slog.Error("failed to record finalized segment", "stream", streamName, "path", path, "error", err)
		return
	}

	endUnix := endTime.Unix()
	size := meta.FileSize
	trueVal := true
	if err := st.UpdateRecording(ctx, id, store.RecordingPatch{EndTime: &endUnix, SizeBytes: &size, IsComplete: &trueVal}); err != nil {
		slog.Error("failed to complete recording row", "stream", streamName, "id", id, "error", err)
	}

	_ = bus.Publish(eventbus.SubjectRecordingFinalized, map[string]interface{}{
		"stream": streamName, "path": path, "checksum": checksum, "size_bytes": meta.FileSize,
	})
}

func findConfigFile(dataPath string) string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			slog.Warn("failed to create config directory", "dir", filepath.Dir(configPath), "error", err)
		}
		return configPath
	}

	locations := []string{
		"/config/config.yaml",
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// runnerComponent adapts a streamrunner.Runner to shutdown.Component.
type runnerComponent struct {
	name   string
	runner *streamrunner.Runner
}

func (c *runnerComponent) Name() string { return c.name }
func (c *runnerComponent) Stop(ctx context.Context) error {
	c.runner.Stop()
	return nil
}

// recorderComponent adapts a segment.Recorder to shutdown.Component.
type recorderComponent struct {
	name string
	rec  *segment.Recorder
}

func (c *recorderComponent) Name() string { return c.name }
func (c *recorderComponent) Stop(ctx context.Context) error {
	c.rec.Stop()
	return nil
}

// storeComponent adapts *store.Store to shutdown.Component so it
// closes last, after every other component has stopped writing to it.
type storeComponent struct {
	st *store.Store
}

func (c *storeComponent) Name() string { return "store" }
func (c *storeComponent) Stop(ctx context.Context) error {
	return c.st.Close()
}
