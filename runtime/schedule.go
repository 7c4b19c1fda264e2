package runtime

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule parses a maintenance schedule.
// Supports:
//   - Cron expressions: "0 */15 * * * *" (6-field) or "*/15 * * * *" (5-field)
//   - Go duration strings: "15m", "2h", "1h30m"
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("schedule string is empty")
	}

	// Try parsing as cron expression first (supports both 5 and 6 field formats)
	// Use parser that accepts optional seconds
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronSched, err := parser.Parse(schedule)
	if err == nil {
		return cronSched, nil
	}

	// If cron parsing fails, try parsing as Go duration string
	duration, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule as cron expression or duration: %w", err)
	}

	if duration < time.Second {
		return nil, fmt.Errorf("schedule interval %s is shorter than one second", duration)
	}
	return cron.Every(duration), nil
}

// ComputeNextRun computes the next run time from a schedule string given a base time.
func ComputeNextRun(schedule string, baseTime time.Time) (time.Time, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse schedule %q: %w", schedule, err)
	}

	return sched.Next(baseTime), nil
}
