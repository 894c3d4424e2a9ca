// Package scheduler computes next firings for interval/cron/once tasks and
// enumerates due work.
package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleType is the closed set of recurrence kinds a task may declare.
type ScheduleType string

const (
	Once     ScheduleType = "once"
	Interval ScheduleType = "interval"
	Cron     ScheduleType = "cron"
)

// ErrOnceDoesNotRecur is returned by ComputeNextRun for Once tasks, which by
// definition never produce a next firing.
var ErrOnceDoesNotRecur = errors.New("scheduler: once-tasks do not recur")

// ComputeNextRun determines the next firing time for a recurring task.
func ComputeNextRun(scheduleType ScheduleType, value string, now time.Time) (time.Time, error) {
	switch scheduleType {
	case Interval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("scheduler: interval value must be a positive integer of milliseconds, got %q", value)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil
	case Cron:
		expr, err := ParseCron(value)
		if err != nil {
			return time.Time{}, err
		}
		return expr.Next(now)
	case Once:
		return time.Time{}, ErrOnceDoesNotRecur
	default:
		return time.Time{}, fmt.Errorf("scheduler: unknown schedule type %q", scheduleType)
	}
}
