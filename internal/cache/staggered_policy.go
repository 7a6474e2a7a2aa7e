package cache

import (
	"fmt"
	"math"
)

// StaggeredConfig configures StaggeredPolicy. "Every" fields are moduli over
// the request counter; thresholds are strict (size must exceed them).
type StaggeredConfig struct {
	SequenceEvery uint64
	QueueEvery    uint64
	BucketEvery   uint64
	CleanupEvery  uint64

	ByIDThreshold     int
	SequenceThreshold int
	QueueThreshold    int
	BucketThreshold   int

	ByIDFraction     float64
	SequenceFraction float64
	QueueFraction    float64
	BucketFraction   float64
}

// DefaultStaggeredConfig returns the 3/5/10 insertion, every-25th cleanup rules
func DefaultStaggeredConfig() StaggeredConfig {
	return StaggeredConfig{
		SequenceEvery:     3,
		QueueEvery:        5,
		BucketEvery:       10,
		CleanupEvery:      25,
		ByIDThreshold:     500,
		SequenceThreshold: 300,
		QueueThreshold:    200,
		BucketThreshold:   50,
		ByIDFraction:      0.30,
		SequenceFraction:  0.40,
		QueueFraction:     0.33,
		BucketFraction:    0.25,
	}
}

// StaggeredPolicy inserts into byId and uniqueSet on every request and into
// the other collections on every n-th request, so the collections grow at
// different rates. uniqueSet is never trimmed.
type StaggeredPolicy struct {
	config StaggeredConfig
}

// NewStaggeredPolicy validates config and returns the policy
func NewStaggeredPolicy(config StaggeredConfig) (*StaggeredPolicy, error) {
	if config.SequenceEvery == 0 || config.QueueEvery == 0 || config.BucketEvery == 0 || config.CleanupEvery == 0 {
		return nil, fmt.Errorf("insertion and cleanup moduli must be >= 1")
	}
	for _, f := range []float64{config.ByIDFraction, config.SequenceFraction, config.QueueFraction, config.BucketFraction} {
		if f < 0 || f > 1 {
			return nil, fmt.Errorf("eviction fraction %v out of range [0,1]", f)
		}
	}
	return &StaggeredPolicy{config: config}, nil
}

// ShouldInsert applies the modulo gate for c
func (p *StaggeredPolicy) ShouldInsert(c Collection, request uint64) bool {
	switch c {
	case CollectionByID, CollectionUniqueSet:
		return true
	case CollectionSequence:
		return request%p.config.SequenceEvery == 0
	case CollectionQueue:
		return request%p.config.QueueEvery == 0
	case CollectionBuckets:
		return request%p.config.BucketEvery == 0
	default:
		return false
	}
}

// ShouldCleanup is true on every CleanupEvery-th request
func (p *StaggeredPolicy) ShouldCleanup(request uint64) bool {
	return request%p.config.CleanupEvery == 0
}

// EvictionCount returns floor(size*fraction) once size crosses the threshold
func (p *StaggeredPolicy) EvictionCount(c Collection, size int) int {
	var threshold int
	var fraction float64

	switch c {
	case CollectionByID:
		threshold, fraction = p.config.ByIDThreshold, p.config.ByIDFraction
	case CollectionSequence:
		threshold, fraction = p.config.SequenceThreshold, p.config.SequenceFraction
	case CollectionQueue:
		threshold, fraction = p.config.QueueThreshold, p.config.QueueFraction
	case CollectionBuckets:
		threshold, fraction = p.config.BucketThreshold, p.config.BucketFraction
	default:
		// uniqueSet and unknown collections are permanent
		return 0
	}

	if size <= threshold {
		return 0
	}
	// epsilon keeps 1000*0.3 from flooring to 299
	n := int(math.Floor(float64(size)*fraction + 1e-9))
	if n > size {
		n = size
	}
	return n
}

// PolicyName returns the name of this policy
func (p *StaggeredPolicy) PolicyName() string {
	return "staggered"
}

// GetStats returns the policy configuration as a flat map for logging
func (p *StaggeredPolicy) GetStats() map[string]interface{} {
	c := p.config
	return map[string]interface{}{
		"policy_name":        p.PolicyName(),
		"sequence_every":     c.SequenceEvery,
		"queue_every":        c.QueueEvery,
		"bucket_every":       c.BucketEvery,
		"cleanup_every":      c.CleanupEvery,
		"by_id_threshold":    c.ByIDThreshold,
		"sequence_threshold": c.SequenceThreshold,
		"queue_threshold":    c.QueueThreshold,
		"bucket_threshold":   c.BucketThreshold,
	}
}
