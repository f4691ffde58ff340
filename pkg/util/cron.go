package util

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard five-field format (minute, hour, day of month, month, weekday),
// the same one the asynq scheduler accepts.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextCronTime returns the next occurrence of cronExpr after from, in UTC.
func NextCronTime(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(from.UTC()), nil
}

func ValidateCronExpr(cronExpr string) error {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
