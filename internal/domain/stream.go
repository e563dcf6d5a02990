package domain

import (
	"time"

	"github.com/google/uuid"
)

// Stream is a named monitoring configuration from which executions are generated.
// The service reads streams and only writes back NextScheduledRun.
type Stream struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	Name   string    `json:"name"`

	// Config is the live configuration. Executions copy it into their snapshot.
	Config ConfigSnapshot `json:"config"`

	Schedule         Schedule   `json:"schedule"`
	NextScheduledRun *time.Time `json:"next_scheduled_run,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDue reports whether the stream's schedule is active and its next run is at or before now.
func (s *Stream) IsDue(now time.Time) bool {
	if !s.Schedule.Enabled || s.NextScheduledRun == nil {
		return false
	}
	return !s.NextScheduledRun.After(now)
}

// DateWindow is an inclusive publication date range.
type DateWindow struct {
	Start time.Time `json:"start_date"`
	End   time.Time `json:"end_date"`
}

// DateLayout is the wire format for window dates.
const DateLayout = "2006-01-02"

// Days returns the number of calendar days covered by the window.
func (w DateWindow) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// Validate checks that the window is ordered.
func (w DateWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return NewValidationError("date_window", "start and end dates are required")
	}
	if w.Start.After(w.End) {
		return NewValidationError("start_date", "start_date must not be after end_date")
	}
	return nil
}

// WindowEndingYesterday returns the window of lookbackDays days ending the day
// before now, evaluated in loc. Dates are normalized to UTC midnight.
func WindowEndingYesterday(now time.Time, loc *time.Location, lookbackDays int) DateWindow {
	if loc == nil {
		loc = time.UTC
	}
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	local := now.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -(lookbackDays - 1))
	return DateWindow{Start: start, End: end}
}
