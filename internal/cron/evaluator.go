// Package cron converts job-definition schedules into next-due timestamps.
// It performs no I/O and is deterministic for identical inputs.
package cron

import (
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"site-scheduler/internal/models"
)

var (
	// ErrMissingExpression is returned when a Cron frequency has no expression.
	ErrMissingExpression = errors.New("cron: expression required for Cron frequency")
	// ErrUnknownFrequency is returned for frequencies outside the fixed table.
	ErrUnknownFrequency = errors.New("cron: unknown frequency")
	// ErrNoActivation is returned when an expression never fires.
	ErrNoActivation = errors.New("cron: expression has no future activation")
)

// Epoch stands in for a missing last execution so the first due-check always succeeds.
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// parser accepts standard 5-field expressions only.
var parser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

var fixed = map[models.Frequency]string{
	models.FrequencyHourly:      "0 * * * *",
	models.FrequencyHourlyLong:  "0 * * * *",
	models.FrequencyDaily:       "0 0 * * *",
	models.FrequencyDailyLong:   "0 0 * * *",
	models.FrequencyWeekly:      "0 0 * * 0",
	models.FrequencyWeeklyLong:  "0 0 * * 0",
	models.FrequencyMonthly:     "0 0 1 * *",
	models.FrequencyMonthlyLong: "0 0 1 * *",
	models.FrequencyYearly:      "0 0 1 1 *",
}

// Evaluator computes due dates. TickInterval drives the pattern of the All frequency.
type Evaluator struct {
	TickInterval time.Duration
}

// NewEvaluator returns an evaluator for the given scheduler tick interval.
func NewEvaluator(tick time.Duration) Evaluator {
	return Evaluator{TickInterval: tick}
}

// Expression returns the 5-field cron pattern that governs the frequency.
func (e Evaluator) Expression(freq models.Frequency, cronExpr string) (string, error) {
	switch freq {
	case models.FrequencyCron:
		if cronExpr == "" {
			return "", ErrMissingExpression
		}
		return cronExpr, nil
	case models.FrequencyAll:
		minutes := int(e.TickInterval / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		return fmt.Sprintf("0/%d * * * *", minutes), nil
	}
	if expr, ok := fixed[freq]; ok {
		return expr, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFrequency, freq)
}

// NextExecution returns the first activation strictly after last (or after Epoch when last is nil).
func (e Evaluator) NextExecution(freq models.Frequency, cronExpr string, last *time.Time) (time.Time, error) {
	expr, err := e.Expression(freq, cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	from := Epoch
	if last != nil {
		from = *last
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoActivation, expr)
	}
	return next, nil
}

// IsDue reports whether the next execution is at or before now.
func (e Evaluator) IsDue(freq models.Frequency, cronExpr string, last *time.Time, now time.Time) (bool, error) {
	next, err := e.NextExecution(freq, cronExpr, last)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// Parse parses a 5-field cron expression.
func Parse(expr string) (cronlib.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}

// Validate checks that expr parses and fires at least once.
func Validate(expr string) error {
	sched, err := Parse(expr)
	if err != nil {
		return err
	}
	if sched.Next(Epoch).IsZero() {
		return fmt.Errorf("%w: %q", ErrNoActivation, expr)
	}
	return nil
}
