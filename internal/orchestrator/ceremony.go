package orchestrator

import "time"

// CeremonyType names a recurring project ceremony the orchestrator may
// schedule (spec §4.5's supplemented sprint-ceremony support), mirroring
// the teacher's Chief ceremony types but scoped to a single project rather
// than a cross-team portfolio.
type CeremonyType string

const (
	CeremonySprintReview       CeremonyType = "sprint_review"
	CeremonySprintRetro        CeremonyType = "sprint_retrospective"
	CeremonyBacklogRefinement  CeremonyType = "backlog_refinement"
)

// schedule is one ceremony's cadence plus its last-checked/last-ran
// bookkeeping, directly mirroring the teacher's chief.CeremonySchedule.
type schedule struct {
	dayOfWeek   time.Weekday
	timeOfDay   time.Time
	lastChecked time.Time
	lastRan     time.Time
}

// ceremonySchedule tracks every ceremony type's schedule for one project.
type ceremonySchedule struct {
	schedules map[CeremonyType]*schedule
}

func newCeremonySchedule() ceremonySchedule {
	return ceremonySchedule{schedules: make(map[CeremonyType]*schedule)}
}

// Configure sets or replaces a ceremony's cadence. dayOfWeek/timeOfDay
// follow the same convention as the teacher's CeremonySchedule: timeOfDay's
// date component is ignored, only hour:minute matter.
func (c *ceremonySchedule) Configure(ceremony CeremonyType, dayOfWeek time.Weekday, timeOfDay time.Time) {
	c.schedules[ceremony] = &schedule{dayOfWeek: dayOfWeek, timeOfDay: timeOfDay}
}

// shouldRun reports whether ceremony is due at now, debounced to at most
// one check per hour and at most one run per day — the same guard rails as
// the teacher's Chief.ShouldRunCeremony.
func (c *ceremonySchedule) shouldRun(now time.Time, ceremony CeremonyType) bool {
	s, ok := c.schedules[ceremony]
	if !ok {
		return false
	}

	if now.Sub(s.lastChecked) < time.Hour {
		return false
	}
	s.lastChecked = now

	if now.Weekday() != s.dayOfWeek {
		return false
	}

	target := time.Date(now.Year(), now.Month(), now.Day(), s.timeOfDay.Hour(), s.timeOfDay.Minute(), 0, 0, now.Location())
	if now.Before(target) {
		return false
	}

	if s.lastRan.Year() == now.Year() && s.lastRan.YearDay() == now.YearDay() {
		return false
	}

	s.lastRan = now
	return true
}
