// Package campaign implements the drip campaign itself: enrolment and
// cancellation rules driven by role changes, the scheduler that walks
// users through the step sequence, and the delivery pipeline.
package campaign

import (
	"time"

	"dripbot/internal/sequence"
)

// Cancellation reasons recorded in the registry and reported on the
// event bus.
const (
	ReasonFinished          = "finished"
	ReasonCancelRoleAdded   = "cancel_role_added"
	ReasonCancelRolePresent = "cancel_role_present"
	ReasonLeftCommunity     = "left_guild"
	ReasonDMForbidden       = "dm_forbidden"
	ReasonBuildError        = "build_error"
	ReasonMissingLink       = "missing_link"
	ReasonAdminCancel       = "admin_cancel"
	ReasonBadStep           = "internal_error_bad_step"
)

// Event bus topics published by the campaign.
const (
	EventEnrolled  = "campaign.enrolled"
	EventScheduled = "campaign.scheduled"
	EventSent      = "campaign.sent"
	EventSkipped   = "campaign.skipped"
	EventCancelled = "campaign.cancelled"
	EventFinished  = "campaign.finished"
)

// Event is the payload carried on every campaign.* bus topic.
type Event struct {
	Type     string
	UserID   int64
	Username string
	Step     sequence.Step
	Reason   string
	Detail   string
	At       time.Time
	NextAt   time.Time
}
