// Package schedule holds the registry of named reminder time slots.
//
// Each slot owns one recurring timer (a robfig/cron instance by default).
// Disabling a slot stops its timer without releasing it, so re-enabling
// resumes the same timer with the schedule parsed at creation. Removing a
// slot, replacing the set or tearing the registry down releases timers.
package schedule
