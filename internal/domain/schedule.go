package domain

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is how often a stream's schedule fires.
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// LookbackDays returns the retrieval window length for the frequency.
// Unknown frequencies fall back to a weekly window.
func (f Frequency) LookbackDays() int {
	switch f {
	case FrequencyDaily:
		return 1
	case FrequencyWeekly:
		return 7
	case FrequencyBiweekly:
		return 14
	case FrequencyMonthly:
		return 30
	default:
		return 7
	}
}

// Schedule is the schedule configuration of a stream.
type Schedule struct {
	Enabled   bool      `json:"enabled"`
	Frequency Frequency `json:"frequency"`

	// AnchorDay is the weekday name used by weekly and biweekly schedules.
	AnchorDay string `json:"anchor_day,omitempty"`

	// DayOfMonth is used by monthly schedules (1-31, clamped to the month length).
	DayOfMonth int `json:"day_of_month,omitempty"`

	// TimeOfDay is "HH:MM" in Timezone.
	TimeOfDay string `json:"time_of_day"`

	// Timezone is an IANA zone name; empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// Location resolves the schedule timezone.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, NewConfigurationError("schedule", fmt.Sprintf("unknown timezone %q", s.Timezone))
	}
	return loc, nil
}

// clock parses TimeOfDay.
func (s Schedule) clock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s.TimeOfDay))
	if err != nil {
		return 0, 0, NewConfigurationError("schedule", fmt.Sprintf("invalid time_of_day %q", s.TimeOfDay))
	}
	return t.Hour(), t.Minute(), nil
}

// anchorWeekday parses AnchorDay.
func (s Schedule) anchorWeekday() (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s.AnchorDay))]
	if !ok {
		return 0, NewConfigurationError("schedule", fmt.Sprintf("invalid anchor_day %q", s.AnchorDay))
	}
	return wd, nil
}

// NextRun computes the next scheduled run strictly after now, evaluated in the
// schedule timezone and returned in UTC.
//
// Weekly schedules never fire on the same day they are computed: if today is the
// anchor weekday the next run is seven days out. Biweekly adds another week.
// Monthly schedules roll to DayOfMonth of the following month.
func (s Schedule) NextRun(now time.Time) (time.Time, error) {
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, err := s.clock()
	if err != nil {
		return time.Time{}, err
	}

	local := now.In(loc)
	at := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, hour, minute, 0, 0, loc)
	}

	var next time.Time
	switch s.Frequency {
	case FrequencyDaily:
		next = at(local.Year(), local.Month(), local.Day())
		if !next.After(now) {
			next = at(local.Year(), local.Month(), local.Day()+1)
		}

	case FrequencyWeekly, FrequencyBiweekly:
		anchor, err := s.anchorWeekday()
		if err != nil {
			return time.Time{}, err
		}
		daysAhead := (int(anchor) - int(local.Weekday()) + 7) % 7
		if daysAhead == 0 {
			daysAhead = 7
		}
		if s.Frequency == FrequencyBiweekly {
			daysAhead += 7
		}
		next = at(local.Year(), local.Month(), local.Day()+daysAhead)

	case FrequencyMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return time.Time{}, NewConfigurationError("schedule", fmt.Sprintf("invalid day_of_month %d", s.DayOfMonth))
		}
		year, month := local.Year(), local.Month()+1
		if month > time.December {
			month = time.January
			year++
		}
		day := s.DayOfMonth
		if last := daysIn(year, month); day > last {
			day = last
		}
		next = at(year, month, day)

	default:
		return time.Time{}, NewConfigurationError("schedule", fmt.Sprintf("unknown frequency %q", s.Frequency))
	}

	return next.UTC(), nil
}

// Validate checks that NextRun can be computed for the schedule.
func (s Schedule) Validate() error {
	_, err := s.NextRun(time.Now())
	return err
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
