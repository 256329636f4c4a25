package domain

import (
	"encoding/json"
	"time"
)

// BackoffPolicy is exponential backoff with a ceiling. Zero values fall
// back to defaults so tasks deserialized from older payloads still
// retry.
type BackoffPolicy struct {
	Base   time.Duration `json:"base"`
	Cap    time.Duration `json:"cap"`
	Factor float64       `json:"factor"`
}

var DefaultBackoff = BackoffPolicy{
	Base:   2 * time.Second,
	Cap:    5 * time.Minute,
	Factor: 2.0,
}

// Delay returns the wait before retry number attempt (1-based).
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	factor := b.Factor
	if factor < 1 {
		factor = DefaultBackoff.Factor
	}
	ceil := b.Cap
	if ceil <= 0 {
		ceil = DefaultBackoff.Cap
	}
	d := base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
		if d >= ceil {
			return ceil
		}
	}
	if d > ceil {
		return ceil
	}
	return d
}

// Task is one unit of queued work. Name selects the handler; Queue is
// the binding it travels on. AttemptCount counts executions so far and
// rides with the payload across republishes.
type Task struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      BackoffPolicy   `json:"backoff"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// Exhausted reports whether the task has used up its retry budget.
func (t *Task) Exhausted() bool {
	max := t.MaxAttempts
	if max < 1 {
		max = 1
	}
	return t.AttemptCount >= max
}

// DeadLetter preserves a task that exhausted its retries, payload
// intact, for inspection and manual replay.
type DeadLetter struct {
	TaskID       string          `json:"task_id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error"`
	FailedAt     time.Time       `json:"failed_at"`
}
