// Package events carries step events and user signals of pipeline runs.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event names published by the engine.
const (
	Step            = "step"
	RunStart        = "run:start"
	RunEnd          = "run:end"
	CacheHit        = "cache:hit"
	CacheMiss       = "cache:miss"
	CacheSet        = "cache:set"
	CacheGetTimeout = "cache:get:timeout"
	CacheSetTimeout = "cache:set:timeout"
)

// StepEvent is published once per executed step.
type StepEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Position  int            `json:"position"`
	Label     string         `json:"label,omitempty"`
	Kind      string         `json:"kind"`
	Tags      []string       `json:"tags,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	State     map[string]any `json:"state"`
}

// NewStepEvent stamps an event with a fresh id and the current time.
func NewStepEvent(runID string, position int, kind, label, origin string, tags []string, state map[string]any) StepEvent {
	return StepEvent{
		ID:        uuid.NewString(),
		RunID:     runID,
		Timestamp: time.Now(),
		Position:  position,
		Label:     label,
		Kind:      kind,
		Tags:      tags,
		Origin:    origin,
		State:     state,
	}
}

// RunEvent marks the start or end of a run.
type RunEvent struct {
	RunID    string         `json:"run_id"`
	Pipeline string         `json:"pipeline,omitempty"`
	Status   string         `json:"status"`
	State    map[string]any `json:"state,omitempty"`
	Err      error          `json:"-"`
	Duration time.Duration  `json:"duration,omitempty"`
}
