package workflow

import (
	"sync"
	"time"
)

// Budget is a per-project resource envelope. RecordCall is the sole
// mutation path for cost and call counts and is safe for concurrent
// workers; wall-clock usage derives from the anchor set by StartWall.
type Budget struct {
	mu sync.Mutex

	MaxCostUSD     float64 `json:"max_cost_usd"`
	MaxLLMCalls    int     `json:"max_llm_calls"`
	MaxWallSeconds int     `json:"max_wall_seconds"`

	UsedCostUSD  float64 `json:"used_cost_usd"`
	UsedLLMCalls int     `json:"used_llm_calls"`

	// WallStartedAt anchors wall-clock accounting; zero means the clock
	// has not started.
	WallStartedAt *time.Time `json:"wall_started_at,omitempty"`

	now func() time.Time
}

// NewBudget creates a budget with the given caps. Zero caps mean
// unlimited for that dimension.
func NewBudget(maxCostUSD float64, maxLLMCalls, maxWallSeconds int) *Budget {
	return &Budget{
		MaxCostUSD:     maxCostUSD,
		MaxLLMCalls:    maxLLMCalls,
		MaxWallSeconds: maxWallSeconds,
	}
}

// StartWall anchors wall-clock accounting at t, once.
func (b *Budget) StartWall(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.WallStartedAt == nil {
		b.WallStartedAt = &t
	}
}

// RecordCall accounts one oracle call with its cost.
func (b *Budget) RecordCall(costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.UsedLLMCalls++
	b.UsedCostUSD += costUSD
}

// Exhausted reports whether any dimension has reached its cap.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.MaxCostUSD > 0 && b.UsedCostUSD >= b.MaxCostUSD {
		return true
	}
	if b.MaxLLMCalls > 0 && b.UsedLLMCalls >= b.MaxLLMCalls {
		return true
	}
	if b.MaxWallSeconds > 0 && b.wallUsedLocked() >= float64(b.MaxWallSeconds) {
		return true
	}
	return false
}

// RemainingFraction returns the minimum remaining ratio across capped
// dimensions, in [0, 1]. With no caps it is 1.
func (b *Budget) RemainingFraction() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	min := 1.0
	if b.MaxCostUSD > 0 {
		min = minFloat(min, 1-b.UsedCostUSD/b.MaxCostUSD)
	}
	if b.MaxLLMCalls > 0 {
		min = minFloat(min, 1-float64(b.UsedLLMCalls)/float64(b.MaxLLMCalls))
	}
	if b.MaxWallSeconds > 0 {
		min = minFloat(min, 1-b.wallUsedLocked()/float64(b.MaxWallSeconds))
	}
	if min < 0 {
		return 0
	}
	return min
}

// Pressure is 1 - RemainingFraction, the form the selector consumes.
func (b *Budget) Pressure() float64 { return 1 - b.RemainingFraction() }

func (b *Budget) wallUsedLocked() float64 {
	if b.WallStartedAt == nil {
		return 0
	}
	now := time.Now
	if b.now != nil {
		now = b.now
	}
	return now().Sub(*b.WallStartedAt).Seconds()
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
