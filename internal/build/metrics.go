package build

import (
	"sync"
	"time"
)

// BuildResult is the outcome of one compile as seen by BuildMetrics.
type BuildResult struct {
	Key      ArtifactKey
	Duration time.Duration
	Error    error
}

// BuildStats is a point-in-time copy of BuildMetrics.
type BuildStats struct {
	TotalBuilds      int64         `json:"total_builds"`
	SuccessfulBuilds int64         `json:"successful_builds"`
	FailedBuilds     int64         `json:"failed_builds"`
	SuccessRate      float64       `json:"success_rate"`
	AverageDuration  time.Duration `json:"average_duration"`
	TotalDuration    time.Duration `json:"total_duration"`
	LastBuildAt      time.Time     `json:"last_build_at,omitempty"`
	LastFailedKey    ArtifactKey   `json:"last_failed_key,omitempty"`
}

// BuildMetrics accumulates build statistics for the status endpoint.
type BuildMetrics struct {
	mu    sync.RWMutex
	stats BuildStats
}

// NewBuildMetrics creates an empty tracker.
func NewBuildMetrics() *BuildMetrics {
	return &BuildMetrics{}
}

// RecordBuild adds one result.
func (bm *BuildMetrics) RecordBuild(result BuildResult) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	s := &bm.stats
	s.TotalBuilds++
	s.TotalDuration += result.Duration
	s.LastBuildAt = time.Now()

	if result.Error != nil {
		s.FailedBuilds++
		s.LastFailedKey = result.Key
	} else {
		s.SuccessfulBuilds++
	}

	s.AverageDuration = s.TotalDuration / time.Duration(s.TotalBuilds)
	s.SuccessRate = float64(s.SuccessfulBuilds) / float64(s.TotalBuilds) * 100.0
}

// Snapshot returns a copy of the current statistics.
func (bm *BuildMetrics) Snapshot() BuildStats {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.stats
}
