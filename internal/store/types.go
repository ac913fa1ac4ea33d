package store

import "time"

// TriggerType is the cause of a recording row.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerMotion    TriggerType = "motion"
	TriggerDetection TriggerType = "detection"
	TriggerManual    TriggerType = "manual"
)

// Recording is a single row of the recordings table (§3).
type Recording struct {
	ID                    int64
	StreamName            string
	FilePath              string
	StartTime             int64 // epoch seconds, assigned at first keyframe
	EndTime               int64 // 0 until finalized
	SizeBytes             int64
	Codec                 string
	Width                 int
	Height                int
	FPS                   float64
	IsComplete            bool
	TriggerType           TriggerType
	Protected             bool
	RetentionOverrideDays int // 0 = use stream default
}

// RecordingPatch describes a partial update to a recording (§4.1
// update_recording). Nil fields are left unchanged.
type RecordingPatch struct {
	EndTime    *int64
	SizeBytes  *int64
	IsComplete *bool
}

// EventType enumerates the append-only event log's event kinds (§3).
type EventType string

const (
	EventRecordingStart EventType = "recording_start"
	EventRecordingStop  EventType = "recording_stop"
	EventMotionBegin    EventType = "motion_begin"
	EventMotionEnd      EventType = "motion_end"
	EventError          EventType = "error"
)

// Event is a single append-only row of the events table (§3).
type Event struct {
	ID          int64
	Type        EventType
	Timestamp   time.Time
	StreamName  string // empty means no associated stream
	Description string
	Details     string
}

// RecordingFilter narrows query_recordings (§4.1).
type RecordingFilter struct {
	StreamName   string
	Since        time.Time
	Until        time.Time
	TriggerType  TriggerType
	IsComplete   *bool
	Protected    *bool
	OrderByStart bool
	Descending   bool
	Limit        int
}

// StreamRow mirrors the "streams" table rows introduced across
// migrations — the DB-side copy of stream identity used for join
// queries and ONVIF credential storage; the authoritative live
// configuration is still the YAML config (internal/config).
type StreamRow struct {
	Name                    string
	SourceURL               string
	Transport               string // tcp or udp
	RecordingEnabled        bool
	StreamingEnabled        bool
	DetectionEnabled        bool
	SegmentDurationSeconds  int
	RetentionDays           int
	DetectionRetentionDays  int
	PreBufferSeconds        int
	PostBufferSeconds       int
	ONVIFUsername           string
	ONVIFPassword           string
	ONVIFProfile            string
}
