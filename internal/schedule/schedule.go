// Package schedule turns backup frequencies into concrete run times.
//
// A frequency is either one of the keywords hourly, daily, weekly, monthly or
// a cron expression. Keywords are anchored to an HH:MM clock value: hourly
// uses only the minute, weekly runs on Sunday and monthly on the 1st.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/cronexpr"
)

const (
	Hourly  = "hourly"
	Daily   = "daily"
	Weekly  = "weekly"
	Monthly = "monthly"
)

// ErrNoNextRun is returned when an expression never fires again.
var ErrNoNextRun = errors.New("schedule has no future run")

// Validate checks that freq is a keyword or a parseable cron expression.
func Validate(freq string) error {
	switch freq {
	case Hourly, Daily, Weekly, Monthly:
		return nil
	case "":
		return errors.New("frequency is required")
	}
	if _, err := cronexpr.Parse(freq); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// Expression returns the cron expression equivalent to freq at clock (HH:MM).
func Expression(freq, clock string) (string, error) {
	hour, minute, err := parseClock(clock)
	if err != nil {
		return "", err
	}
	switch freq {
	case Hourly:
		return fmt.Sprintf("%d * * * *", minute), nil
	case Daily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case Weekly:
		return fmt.Sprintf("%d %d * * 0", minute, hour), nil
	case Monthly:
		return fmt.Sprintf("%d %d 1 * *", minute, hour), nil
	}
	if err := Validate(freq); err != nil {
		return "", err
	}
	return freq, nil
}

// Next returns the first run strictly after from.
func Next(freq, clock string, from time.Time) (time.Time, error) {
	expr, err := Expression(freq, clock)
	if err != nil {
		return time.Time{}, err
	}
	parsed, err := cronexpr.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := parsed.Next(from)
	if next.IsZero() {
		return time.Time{}, ErrNoNextRun
	}
	return next, nil
}

func parseClock(clock string) (int, int, error) {
	if clock == "" {
		return 2, 0, nil
	}
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", clock)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", clock)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", clock)
	}
	return hour, minute, nil
}
