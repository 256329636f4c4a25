package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleParser accepts standard five-field cron expressions plus the
// @every / @hourly descriptors.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ScheduledTask is one beat entry: a cron expression, the queue the
// fired task lands on, and a payload template copied into every firing.
type ScheduledTask struct {
	Name        string          `mapstructure:"name" json:"name"`
	Spec        string          `mapstructure:"spec" json:"spec"`
	TargetQueue string          `mapstructure:"target_queue" json:"target_queue"`
	Payload     json.RawMessage `mapstructure:"payload" json:"payload"`
	MaxAttempts int             `mapstructure:"max_attempts" json:"max_attempts"`

	schedule cron.Schedule
}

// Compile parses the cron expression. Must be called once before Next.
func (s *ScheduledTask) Compile() error {
	sched, err := scheduleParser.Parse(s.Spec)
	if err != nil {
		return fmt.Errorf("schedule %q: bad spec %q: %w", s.Name, s.Spec, err)
	}
	s.schedule = sched
	return nil
}

// Next returns the first fire time strictly after t.
func (s *ScheduledTask) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}
