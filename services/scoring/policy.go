package scoring

import (
	"fmt"
	"time"

	"dropproof/pkg/config"
)

// Policy holds every tunable the engine uses. The engine never reads globals.
type Policy struct {
	ApproveThreshold float64
	RejectThreshold  float64

	WeightGeo        float64
	WeightTime       float64
	WeightDuration   float64
	WeightRepetition float64

	SmallOverrunMeters  float64
	MediumOverrunMeters float64
	CutoffMeters        float64

	MinDurationSeconds float64
	OptimalMinSeconds  float64
	OptimalMaxSeconds  float64

	DeviceWindow time.Duration
	DailyCap     int64
}

func DefaultPolicy() Policy {
	return Policy{
		ApproveThreshold:    0.8,
		RejectThreshold:     0.45,
		WeightGeo:           1,
		WeightTime:          1,
		WeightDuration:      1,
		WeightRepetition:    1,
		SmallOverrunMeters:  50,
		MediumOverrunMeters: 200,
		CutoffMeters:        1000,
		MinDurationSeconds:  5,
		OptimalMinSeconds:   10,
		OptimalMaxSeconds:   120,
		DeviceWindow:        5 * time.Minute,
		DailyCap:            10,
	}
}

func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	s := cfg.Scoring
	p := Policy{
		ApproveThreshold:    s.ApproveThreshold,
		RejectThreshold:     s.RejectThreshold,
		WeightGeo:           s.WeightGeo,
		WeightTime:          s.WeightTime,
		WeightDuration:      s.WeightDuration,
		WeightRepetition:    s.WeightRepetition,
		SmallOverrunMeters:  s.SmallOverrunMeters,
		MediumOverrunMeters: s.MediumOverrunMeters,
		CutoffMeters:        s.CutoffMeters,
		MinDurationSeconds:  s.MinDurationSeconds,
		OptimalMinSeconds:   s.OptimalMinSeconds,
		OptimalMaxSeconds:   s.OptimalMaxSeconds,
		DeviceWindow:        s.DeviceWindow,
		DailyCap:            s.DailyCap,
	}
	return p, p.Validate()
}

func (p Policy) Validate() error {
	if p.RejectThreshold < 0 || p.ApproveThreshold > 1 || p.RejectThreshold > p.ApproveThreshold {
		return fmt.Errorf("scoring policy: thresholds must satisfy 0 <= reject (%v) <= approve (%v) <= 1", p.RejectThreshold, p.ApproveThreshold)
	}
	if p.WeightGeo < 0 || p.WeightTime < 0 || p.WeightDuration < 0 || p.WeightRepetition < 0 {
		return fmt.Errorf("scoring policy: weights must be non-negative")
	}
	if p.WeightGeo+p.WeightTime+p.WeightDuration+p.WeightRepetition == 0 {
		return fmt.Errorf("scoring policy: at least one weight must be positive")
	}
	if !(p.SmallOverrunMeters <= p.MediumOverrunMeters && p.MediumOverrunMeters <= p.CutoffMeters) {
		return fmt.Errorf("scoring policy: overrun bands must be ascending")
	}
	if !(p.MinDurationSeconds <= p.OptimalMinSeconds && p.OptimalMinSeconds <= p.OptimalMaxSeconds) {
		return fmt.Errorf("scoring policy: duration bands must be ascending")
	}
	return nil
}
