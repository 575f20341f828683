package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateExpression checks a 5-field cron expression. The minute and hour
// fields accept only `*` or a single in-range integer.
func ValidateExpression(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidCronExpression, len(fields))
	}
	if err := validateField(fields[0], 59); err != nil {
		return fmt.Errorf("%w: minute %v", ErrInvalidCronExpression, err)
	}
	if err := validateField(fields[1], 23); err != nil {
		return fmt.Errorf("%w: hour %v", ErrInvalidCronExpression, err)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	return nil
}

// IsValidExpression reports whether ValidateExpression accepts expr
func IsValidExpression(expr string) bool {
	return ValidateExpression(expr) == nil
}

func validateField(field string, max int) error {
	if field == "*" {
		return nil
	}
	for _, r := range field {
		if r < '0' || r > '9' {
			return fmt.Errorf("%q is not * or an integer", field)
		}
	}
	n, err := strconv.Atoi(field)
	if err != nil || n > max {
		return fmt.Errorf("%q is out of range 0-%d", field, max)
	}
	return nil
}

// NextExecution returns the first fire instant of expr strictly after base
func NextExecution(expr string, base time.Time) (time.Time, error) {
	if err := ValidateExpression(expr); err != nil {
		return time.Time{}, err
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	next := schedule.Next(base)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNoNextExecution, expr)
	}
	return next, nil
}
