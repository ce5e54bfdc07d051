// Package polling keeps many concurrent status pollers cheap: it recommends
// a polling cadence per investigation phase, issues weak ETags for cache
// revalidation, and fronts the durable store with a short-TTL status cache.
package polling

import (
	"time"

	"github.com/kalambet/caseline/internal/investigation"
)

// Recommended polling intervals. The ordering is part of the contract:
// setup <= active <= terminal <= default <= idle, so an idle client never
// polls faster than an active one.
const (
	SetupInterval    = 2 * time.Second
	ActiveInterval   = 3 * time.Second
	TerminalInterval = 5 * time.Second
	DefaultInterval  = 15 * time.Second
	IdleInterval     = 60 * time.Second

	// idleThreshold is how long an investigation must sit untouched before
	// pollers are backed off to IdleInterval.
	idleThreshold = 5 * time.Minute
)

// RecommendedInterval maps (status, stage, idle duration) to a polling
// cadence.
func RecommendedInterval(status investigation.Status, stage investigation.Stage, idle time.Duration) time.Duration {
	if status.Terminal() {
		return TerminalInterval
	}
	if idle >= idleThreshold {
		return IdleInterval
	}
	switch stage {
	case investigation.StageCreated, investigation.StageSettings:
		return SetupInterval
	case investigation.StageInProgress:
		return ActiveInterval
	}
	return DefaultInterval
}
