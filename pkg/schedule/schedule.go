// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package schedule evaluates when a daemon's next iteration is due,
// combining a polling frequency with optional daily or hourly marks and
// skip windows.
package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"udp.io/udp/pkg/project"
)

// Error is the error class for this package.
var Error = errs.Class("schedule error")

// DefaultPollFrequency is used when the schedule section does not set one.
const DefaultPollFrequency = 5 * time.Second

// Schedule decides whether a daemon iteration is due.
type Schedule struct {
	PollFrequency time.Duration

	// DailyAt and HourlyAt are marks; when either is set the schedule
	// fires on marks instead of on every poll.
	DailyAt  []time.Duration // offsets from midnight
	HourlyAt []int           // minutes of the hour

	SkipHoursOfDay  []int
	SkipDaysOfWeek  []time.Weekday
	SkipDaysOfMonth []int
	SkipDaysOfYear  []string // MM-DD
}

// Default returns a schedule that polls at the default frequency.
func Default() *Schedule {
	return &Schedule{PollFrequency: DefaultPollFrequency}
}

// FromSection builds a schedule from a schedule: configuration section.
// A nil section yields the default schedule.
func FromSection(section *project.Section) (*Schedule, error) {
	schedule := Default()
	if section == nil {
		return schedule, nil
	}

	if seconds := section.GetInt("poll_frequency", 0); seconds > 0 {
		schedule.PollFrequency = time.Duration(seconds) * time.Second
	}

	for _, mark := range splitList(section.Get("daily_at")) {
		offset, err := parseClock(mark)
		if err != nil {
			return nil, err
		}
		schedule.DailyAt = append(schedule.DailyAt, offset)
	}
	for _, mark := range splitList(section.Get("hourly_at")) {
		minute, err := strconv.Atoi(mark)
		if err != nil || minute < 0 || minute > 59 {
			return nil, Error.New("invalid hourly_at minute %q", mark)
		}
		schedule.HourlyAt = append(schedule.HourlyAt, minute)
	}
	for _, hour := range splitList(section.Get("skip_hours_of_day")) {
		value, err := strconv.Atoi(hour)
		if err != nil || value < 0 || value > 23 {
			return nil, Error.New("invalid skip_hours_of_day hour %q", hour)
		}
		schedule.SkipHoursOfDay = append(schedule.SkipHoursOfDay, value)
	}
	for _, day := range splitList(section.Get("skip_days_of_week")) {
		weekday, err := parseWeekday(day)
		if err != nil {
			return nil, err
		}
		schedule.SkipDaysOfWeek = append(schedule.SkipDaysOfWeek, weekday)
	}
	for _, day := range splitList(section.Get("skip_days_of_month")) {
		value, err := strconv.Atoi(day)
		if err != nil || value < 1 || value > 31 {
			return nil, Error.New("invalid skip_days_of_month day %q", day)
		}
		schedule.SkipDaysOfMonth = append(schedule.SkipDaysOfMonth, value)
	}
	for _, day := range splitList(section.Get("skip_days_of_year")) {
		if _, err := time.Parse("01-02", day); err != nil {
			return nil, Error.New("invalid skip_days_of_year day %q", day)
		}
		schedule.SkipDaysOfYear = append(schedule.SkipDaysOfYear, day)
	}
	return schedule, nil
}

// Due reports whether an iteration should run at now, given the time the
// last iteration ran. Mark-based schedules fire once for the most recent
// mark; missed older marks are not backfilled.
func (schedule *Schedule) Due(now, last time.Time) bool {
	if schedule.Skip(now) {
		return false
	}
	if len(schedule.DailyAt)+len(schedule.HourlyAt) > 0 {
		mark, ok := schedule.lastMark(now)
		return ok && mark.After(last)
	}
	return now.Sub(last) >= schedule.PollFrequency
}

// Skip reports whether now falls in a configured skip window.
func (schedule *Schedule) Skip(now time.Time) bool {
	for _, hour := range schedule.SkipHoursOfDay {
		if now.Hour() == hour {
			return true
		}
	}
	for _, weekday := range schedule.SkipDaysOfWeek {
		if now.Weekday() == weekday {
			return true
		}
	}
	for _, day := range schedule.SkipDaysOfMonth {
		if now.Day() == day {
			return true
		}
	}
	for _, day := range schedule.SkipDaysOfYear {
		if now.Format("01-02") == day {
			return true
		}
	}
	return false
}

// lastMark returns the most recent configured mark at or before now.
func (schedule *Schedule) lastMark(now time.Time) (mark time.Time, ok bool) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	consider := func(candidate time.Time) {
		if candidate.After(now) {
			return
		}
		if !ok || candidate.After(mark) {
			mark, ok = candidate, true
		}
	}
	for _, offset := range schedule.DailyAt {
		consider(midnight.Add(offset))
		consider(midnight.Add(offset - 24*time.Hour))
	}
	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	for _, minute := range schedule.HourlyAt {
		consider(hour.Add(time.Duration(minute) * time.Minute))
		consider(hour.Add(time.Duration(minute)*time.Minute - time.Hour))
	}
	return mark, ok
}

func parseClock(value string) (time.Duration, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, Error.New("invalid daily_at time %q", value)
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}

func parseWeekday(value string) (time.Weekday, error) {
	for weekday := time.Sunday; weekday <= time.Saturday; weekday++ {
		if strings.EqualFold(value, weekday.String()) {
			return weekday, nil
		}
	}
	return 0, Error.New("invalid skip_days_of_week day %q", value)
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
