package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidCron is returned for expressions that are not five valid fields.
	ErrInvalidCron = errors.New("invalid cron expression")
	// ErrNoOccurrence is returned when nothing matches within the search horizon.
	ErrNoOccurrence = errors.New("no cron occurrence within horizon")
)

// cronHorizon bounds the forward scan of NextOccurrence.
const cronHorizon = 366 * 24 * time.Hour

// Schedule is a parsed five-field cron expression. Each field is a bit set of
// the values it accepts.
type Schedule struct {
	Expr       string
	Minutes    uint64
	Hours      uint64
	DaysOfMon  uint64
	Months     uint64
	DaysOfWeek uint64
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// ParseCron parses "minute hour day-of-month month day-of-week". Each field
// accepts *, a, a-b, comma lists and a /step suffix on * or a range. Day of
// week 7 is Sunday, like 0.
func ParseCron(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: %q: expected 5 fields, got %d", ErrInvalidCron, expr, len(parts))
	}

	var sets [5]uint64
	for i, part := range parts {
		set, err := parseCronField(part, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
		}
		sets[i] = set
	}

	// Fold Sunday=7 onto 0.
	if sets[4]&(1<<7) != 0 {
		sets[4] = sets[4]&^(1<<7) | 1
	}

	return &Schedule{
		Expr:       strings.Join(parts, " "),
		Minutes:    sets[0],
		Hours:      sets[1],
		DaysOfMon:  sets[2],
		Months:     sets[3],
		DaysOfWeek: sets[4],
	}, nil
}

func parseCronField(field string, f cronField) (uint64, error) {
	var set uint64
	for _, item := range strings.Split(field, ",") {
		if item == "" {
			return 0, fmt.Errorf("%s: empty list item", f.name)
		}

		rangePart, step := item, 1
		if i := strings.IndexByte(item, '/'); i >= 0 {
			rangePart = item[:i]
			n, err := strconv.Atoi(item[i+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("%s: invalid step in %q", f.name, item)
			}
			step = n
		}

		lo, hi := f.min, f.max
		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil {
				return 0, fmt.Errorf("%s: invalid range %q", f.name, rangePart)
			}
			if a > b {
				return 0, fmt.Errorf("%s: range %q is reversed", f.name, rangePart)
			}
			lo, hi = a, b
		default:
			a, err := strconv.Atoi(rangePart)
			if err != nil {
				return 0, fmt.Errorf("%s: invalid value %q", f.name, rangePart)
			}
			lo = a
			// "a/n" means every n starting at a.
			if step == 1 {
				hi = a
			}
		}

		if lo < f.min || hi > f.max {
			return 0, fmt.Errorf("%s: %q out of range %d-%d", f.name, item, f.min, f.max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

// Matches reports whether t satisfies all five fields, evaluated in t's
// location. Day of month and day of week must both match.
func (s *Schedule) Matches(t time.Time) bool {
	return s.Minutes&(1<<uint(t.Minute())) != 0 &&
		s.Hours&(1<<uint(t.Hour())) != 0 &&
		s.DaysOfMon&(1<<uint(t.Day())) != 0 &&
		s.Months&(1<<uint(t.Month())) != 0 &&
		s.DaysOfWeek&(1<<uint(t.Weekday())) != 0
}

// Next returns the first matching minute strictly after the minute containing
// after, scanning forward one minute at a time for up to 366 days.
func (s *Schedule) Next(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	end := t.Add(cronHorizon)
	for ; !t.After(end); t = t.Add(time.Minute) {
		if s.Matches(t) {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoOccurrence, s.Expr, after.Format(time.RFC3339))
}

// NextOccurrence parses expr and returns its next occurrence after the given
// time.
func NextOccurrence(expr string, after time.Time) (time.Time, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(after)
}
