package scheduler

import "time"

const (
	// DefaultDriftThreshold is the lateness above which a fire counts as compensation
	DefaultDriftThreshold = 5 * time.Second

	// DefaultMinDelay is the smallest delay a timer may be armed with
	DefaultMinDelay = time.Second
)

// Trigger sources recorded in model.TriggerInfo
const (
	TriggerSourceCron    = "cron"
	TriggerSourceStartup = "startup"
)

// fire kinds and rejection reasons used as metric labels
const (
	fireNormal       = "normal"
	fireCompensation = "compensation"
	fireSweep        = "sweep"

	rejectInactive   = "inactive"
	rejectExpression = "expression"
	rejectDuplicate  = "duplicate"
	rejectMinDelay   = "min_delay"
	rejectStale      = "stale"
	rejectStopped    = "stopped"
)
