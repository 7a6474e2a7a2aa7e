package stats

import (
	"fmt"
	"strconv"
)

// Status is the health classification of memory usage
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Thresholds are usage percentages. Comparisons are strict: usage equal to
// a threshold stays in the lower class.
type Thresholds struct {
	WarningPercent  float64
	CriticalPercent float64
}

// DefaultThresholds returns 75% / 90%
func DefaultThresholds() Thresholds {
	return Thresholds{WarningPercent: 75, CriticalPercent: 90}
}

// Validate checks 0 < warning < critical <= 100
func (t Thresholds) Validate() error {
	if t.WarningPercent <= 0 || t.CriticalPercent > 100 || t.WarningPercent >= t.CriticalPercent {
		return fmt.Errorf("invalid health thresholds %v/%v", t.WarningPercent, t.CriticalPercent)
	}
	return nil
}

// Classify maps used/max to a Status
func (t Thresholds) Classify(usedBytes, maxBytes int64) Status {
	pct := UsagePercent(usedBytes, maxBytes)
	switch {
	case pct > t.CriticalPercent:
		return StatusCritical
	case pct > t.WarningPercent:
		return StatusWarning
	default:
		return StatusOK
	}
}

// Classify uses the default thresholds
func Classify(usedBytes, maxBytes int64) Status {
	return DefaultThresholds().Classify(usedBytes, maxBytes)
}

// UsagePercent returns used/max*100, or 0 when max is unknown
func UsagePercent(usedBytes, maxBytes int64) float64 {
	if maxBytes <= 0 || usedBytes <= 0 {
		return 0
	}
	return float64(usedBytes) / float64(maxBytes) * 100
}

// HealthReport is the response of the health operation
type HealthReport struct {
	Status             Status `json:"status"`
	MemoryUsagePercent string `json:"memoryUsagePercent"`
	UsedMemoryMB       int64  `json:"usedMemoryMB"`
	MaxMemoryMB        int64  `json:"maxMemoryMB"`
	Timestamp          int64  `json:"timestamp"`
}

func formatPercent(pct float64) string {
	return strconv.FormatFloat(pct, 'f', 2, 64)
}
