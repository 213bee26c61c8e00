package submission

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusQueued       Status = "QUEUED"
	StatusAutoVerified Status = "AUTO_VERIFIED"
	StatusNeedsReview  Status = "NEEDS_REVIEW"
	StatusApproved     Status = "APPROVED"
	StatusRejected     Status = "REJECTED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusAutoVerified, StatusApproved, StatusRejected:
		return true
	}
	return false
}

type EventKind string

const (
	EventCreated      EventKind = "CREATED"
	EventProbed       EventKind = "PROBED"
	EventScored       EventKind = "SCORED"
	EventModerated    EventKind = "MODERATED"
	EventDeadLettered EventKind = "DEAD_LETTERED"
)

const ActorSystem = "system"

type Submission struct {
	ID                string         `gorm:"column:id;primaryKey" json:"id"`
	Code              string         `gorm:"column:code;index" json:"code,omitempty"`
	UserID            string         `gorm:"column:user_id;index" json:"user_id"`
	VideoKey          string         `gorm:"column:video_key" json:"video_key"`
	ThumbnailKey      string         `gorm:"column:thumbnail_key" json:"thumbnail_key,omitempty"`
	DurationSeconds   float64        `gorm:"column:duration_seconds" json:"duration_seconds"`
	ByteSize          int64          `gorm:"column:byte_size" json:"byte_size"`
	DeviceFingerprint string         `gorm:"column:device_fingerprint;index" json:"device_fingerprint"`
	Latitude          *float64       `gorm:"column:latitude" json:"latitude,omitempty"`
	Longitude         *float64       `gorm:"column:longitude" json:"longitude,omitempty"`
	RecordedAt        time.Time      `gorm:"column:recorded_at" json:"recorded_at"`
	DropPointID       *string        `gorm:"column:drop_point_id" json:"drop_point_id,omitempty"`
	TrustScore        *float64       `gorm:"column:trust_score" json:"trust_score,omitempty"`
	ScoreBreakdown    datatypes.JSON `gorm:"column:score_breakdown" json:"score_breakdown,omitempty"`
	Status            Status         `gorm:"column:status;index" json:"status"`
	RejectionReason   *string        `gorm:"column:rejection_reason" json:"rejection_reason,omitempty"`
	PointsAwarded     int64          `gorm:"column:points_awarded" json:"points_awarded"`
	ScoredAt          *time.Time     `gorm:"column:scored_at" json:"scored_at,omitempty"`
	CreatedAt         time.Time      `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Submission) TableName() string { return "submissions" }

// Event is the append-only audit trail of a submission. Rows are never updated.
type Event struct {
	ID           string         `gorm:"column:id;primaryKey" json:"id"`
	SubmissionID string         `gorm:"column:submission_id;index" json:"submission_id"`
	Actor        string         `gorm:"column:actor" json:"actor"`
	Kind         EventKind      `gorm:"column:kind" json:"kind"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (Event) TableName() string { return "submission_events" }

type EnqueueRequest struct {
	UserID            string     `json:"-"`
	VideoKey          string     `json:"video_key" binding:"required"`
	DurationSeconds   float64    `json:"duration_seconds"`
	ByteSize          int64      `json:"byte_size"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	Latitude          *float64   `json:"latitude"`
	Longitude         *float64   `json:"longitude"`
	RecordedAt        *time.Time `json:"recorded_at"`
}

type UploadTicket struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type taskPayload struct {
	SubmissionID string `json:"submission_id"`
	TraceID      string `json:"trace_id,omitempty"`
}

func marshalMeta(meta map[string]any) datatypes.JSON {
	if len(meta) == 0 {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
