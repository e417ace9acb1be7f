// Package schedule computes device wake instants from wake-frequency
// specifications. Devices only ever receive an absolute next-wake
// timestamp, never a raw frequency spec.
package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultWakeInterval is the conservative fallback used when a device has
// no wake spec or the spec does not parse. A device must never be left
// without a next-wake value.
const DefaultWakeInterval = 6 * time.Hour

// specParser accepts standard five-field cron expressions plus the
// @every/@daily descriptors, which covers fixed intervals, explicit
// hour lists ("0 6,12,18 * * *") and a single daily hour ("0 9 * * *").
var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler computes next-wake instants, timezone aware.
type Scheduler struct {
	logger *slog.Logger
}

// New creates a Scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Parse validates a wake spec. Useful for the assignment workflow to
// reject bad specs before they reach a device record.
func Parse(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty wake spec")
	}
	sched, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid wake spec %q: %w", spec, err)
	}
	return sched, nil
}

// NextWake returns the smallest instant at or after ref that matches
// spec, evaluated in the given location so hour-of-day specs follow the
// site's local clock across day boundaries. An absent or unparseable spec
// falls back to ref + DefaultWakeInterval.
func (s *Scheduler) NextWake(spec string, ref time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}

	sched, err := Parse(spec)
	if err != nil {
		if spec != "" && s.logger != nil {
			s.logger.Warn("unparseable wake spec, using default interval",
				"spec", spec, "error", err)
		}
		return ref.Add(DefaultWakeInterval)
	}

	// cron's Next is strictly-after for calendar specs; back off one
	// second so a ref that lands exactly on a firing instant is returned
	// as-is. Interval schedules (@every) just add their delay and must
	// not be skewed.
	localRef := ref.In(loc)
	if _, ok := sched.(*cron.SpecSchedule); ok {
		localRef = localRef.Add(-time.Second)
	}
	return sched.Next(localRef)
}

// EstimateDailyWakes counts how many wakes spec produces over one day
// starting at ref, used to seed a session's expected wake count. Returns
// the default-interval estimate for an absent or unparseable spec.
func (s *Scheduler) EstimateDailyWakes(spec string, ref time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}

	sched, err := Parse(spec)
	if err != nil {
		return int(24 * time.Hour / DefaultWakeInterval)
	}

	dayEnd := ref.Add(24 * time.Hour)
	count := 0
	for t := sched.Next(ref.In(loc)); !t.After(dayEnd); t = sched.Next(t) {
		count++
		if count >= 24*60 {
			// Minutely specs and denser are capped; expected counts are
			// an accounting aid, not a contract.
			break
		}
	}
	return count
}

// LocalDay formats an instant as the YYYY-MM-DD day key in a site's
// local time.
func LocalDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

// DayEnded reports whether the site-local day a session was keyed to has
// passed at the given instant.
func DayEnded(day string, now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	return LocalDay(now, loc) > day
}
