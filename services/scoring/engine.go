package scoring

import (
	"math"
	"time"

	"dropproof/services/geo"
)

type Outcome string

const (
	OutcomeAutoVerify Outcome = "AUTO_VERIFY"
	OutcomeReview     Outcome = "REVIEW"
	OutcomeReject     Outcome = "REJECT"
)

const (
	ViolationMissingCoordinate  = "missing_coordinate"
	ViolationInvalidCoordinate  = "invalid_coordinate"
	ViolationMissingFingerprint = "missing_device_fingerprint"
	ViolationMissingRecordedAt  = "missing_recorded_at"
)

// Facts is everything the engine needs about one submission, gathered by the caller.
type Facts struct {
	Coordinate        *geo.Coordinate
	RecordedAt        time.Time
	DurationSeconds   float64
	DeviceFingerprint string

	// Nearest is nil when no active drop point exists.
	Nearest *geo.Match

	// PreviousDeviceAt is the most recent earlier submission from the same device.
	PreviousDeviceAt *time.Time
	// SubmissionsToday counts the owner's earlier submissions on the same UTC day.
	SubmissionsToday int64

	// SubmittedAt anchors the repetition window; Now is used when it is zero.
	SubmittedAt time.Time
	Now         time.Time
}

type Breakdown struct {
	Geo        float64 `json:"geo"`
	Time       float64 `json:"time"`
	Duration   float64 `json:"duration"`
	Repetition float64 `json:"repetition"`
}

type Result struct {
	Score       float64   `json:"score"`
	Breakdown   Breakdown `json:"breakdown"`
	Outcome     Outcome   `json:"outcome"`
	Violations  []string  `json:"violations,omitempty"`
	DropPointID string    `json:"drop_point_id,omitempty"`
	DistanceM   float64   `json:"distance_m,omitempty"`
}

type Engine struct {
	policy Policy
}

func NewEngine(p Policy) *Engine {
	return &Engine{policy: p}
}

func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) Score(f Facts) Result {
	if v := validate(f); len(v) > 0 {
		return Result{Score: 0, Outcome: OutcomeReject, Violations: v}
	}

	b := Breakdown{
		Geo:        e.geoScore(f.Nearest),
		Time:       timeScore(f.RecordedAt, f.Now),
		Duration:   e.durationScore(f.DurationSeconds),
		Repetition: e.repetitionScore(f),
	}

	p := e.policy
	total := (b.Geo*p.WeightGeo + b.Time*p.WeightTime + b.Duration*p.WeightDuration + b.Repetition*p.WeightRepetition) /
		(p.WeightGeo + p.WeightTime + p.WeightDuration + p.WeightRepetition)
	total = round4(total)

	res := Result{Score: total, Breakdown: b, Outcome: e.Decide(total)}
	if f.Nearest != nil {
		res.DropPointID = f.Nearest.Point.ID
		res.DistanceM = math.Round(f.Nearest.DistanceMeters*10) / 10
	}
	return res
}

// Decide maps a total score to an outcome using the policy thresholds.
func (e *Engine) Decide(score float64) Outcome {
	switch {
	case score >= e.policy.ApproveThreshold:
		return OutcomeAutoVerify
	case score < e.policy.RejectThreshold:
		return OutcomeReject
	default:
		return OutcomeReview
	}
}

func validate(f Facts) []string {
	var out []string
	switch {
	case f.Coordinate == nil:
		out = append(out, ViolationMissingCoordinate)
	case !f.Coordinate.Valid():
		out = append(out, ViolationInvalidCoordinate)
	}
	if f.DeviceFingerprint == "" {
		out = append(out, ViolationMissingFingerprint)
	}
	if f.RecordedAt.IsZero() {
		out = append(out, ViolationMissingRecordedAt)
	}
	return out
}

func (e *Engine) geoScore(m *geo.Match) float64 {
	if m == nil {
		return 0.5
	}

	overrun := m.DistanceMeters - m.Point.RadiusMeters
	switch {
	case overrun <= 0:
		return 1
	case overrun <= e.policy.SmallOverrunMeters:
		return 0.8
	case overrun <= e.policy.MediumOverrunMeters:
		return 0.5
	case overrun <= e.policy.CutoffMeters:
		return 0.2
	default:
		return 0.05
	}
}

func timeScore(recordedAt, now time.Time) float64 {
	age := now.Sub(recordedAt)
	switch {
	case age < 0:
		return 0
	case age <= 24*time.Hour:
		return 1
	case age <= 3*24*time.Hour:
		return 0.7
	case age <= 7*24*time.Hour:
		return 0.4
	default:
		return 0.1
	}
}

func (e *Engine) durationScore(seconds float64) float64 {
	switch {
	case seconds < e.policy.MinDurationSeconds:
		return 0
	case seconds < e.policy.OptimalMinSeconds:
		return 0.7
	case seconds <= e.policy.OptimalMaxSeconds:
		return 1
	default:
		return 0.5
	}
}

func (e *Engine) repetitionScore(f Facts) float64 {
	ref := f.SubmittedAt
	if ref.IsZero() {
		ref = f.Now
	}
	if f.PreviousDeviceAt != nil && ref.Sub(*f.PreviousDeviceAt) <= e.policy.DeviceWindow {
		return 0.1
	}
	if e.policy.DailyCap > 0 && f.SubmissionsToday >= e.policy.DailyCap {
		return 0.3
	}
	return 1
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
