// Package domain contains core domain types for the adaptive diagnostic engine.
package domain

import "math"

// Calibration ranges accepted for 3PL item parameters.
const (
	MinDifficulty     = -4.0
	MaxDifficulty     = 4.0
	MinDiscrimination = 0.1
	MaxDiscrimination = 3.0
	MaxGuessing       = 0.5
)

// Item is a calibrated question. Items are immutable once calibrated.
type Item struct {
	ID                    string  `json:"id" yaml:"id"`
	Difficulty            float64 `json:"difficulty" yaml:"difficulty"`
	Discrimination        float64 `json:"discrimination" yaml:"discrimination"`
	Guessing              float64 `json:"guessing" yaml:"guessing"`
	Domain                string  `json:"domain" yaml:"domain"`
	CalibrationSampleSize int     `json:"calibration_sample_size" yaml:"calibration_sample_size"`
}

// Validate checks that the item's a/b/c parameters lie within their valid ranges.
func (it Item) Validate() error {
	if it.ID == "" {
		return &CalibrationError{ItemID: it.ID, Field: "id", Reason: "empty id"}
	}
	if !isFinite(it.Discrimination) || it.Discrimination < MinDiscrimination || it.Discrimination > MaxDiscrimination {
		return &CalibrationError{ItemID: it.ID, Field: "discrimination", Value: it.Discrimination}
	}
	if !isFinite(it.Difficulty) || it.Difficulty < MinDifficulty || it.Difficulty > MaxDifficulty {
		return &CalibrationError{ItemID: it.ID, Field: "difficulty", Value: it.Difficulty}
	}
	if !isFinite(it.Guessing) || it.Guessing < 0 || it.Guessing >= MaxGuessing {
		return &CalibrationError{ItemID: it.ID, Field: "guessing", Value: it.Guessing}
	}
	if it.CalibrationSampleSize < 0 {
		return &CalibrationError{ItemID: it.ID, Field: "calibration_sample_size", Value: float64(it.CalibrationSampleSize)}
	}
	return nil
}

// LowReliability reports whether the item was calibrated without any historical responses.
// Such items are usable but their parameters are guesses.
func (it Item) LowReliability() bool {
	return it.CalibrationSampleSize == 0
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
