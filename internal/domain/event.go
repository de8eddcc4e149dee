package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a pushed session event
type EventType string

const (
	EventIncomingCall      EventType = "incoming_call"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventCallEnded         EventType = "call_ended"
	EventScreenShareToggle EventType = "screen_share_toggle"
	EventParticipantMuted  EventType = "participant_muted"
	EventVideoToggle       EventType = "video_toggle"
	EventRecordingStarted  EventType = "recording_started"
	EventRecordingStopped  EventType = "recording_stopped"
	EventConnectionQuality EventType = "connection_quality"
	EventCallScheduled     EventType = "call_scheduled"
	EventScheduleUpdated   EventType = "schedule_updated"
	EventCallCancelled     EventType = "call_cancelled"

	// Lifecycle entries that are logged on the call but never pushed
	EventParticipantRinging  EventType = "participant_ringing"
	EventParticipantAccepted EventType = "participant_accepted"
	EventParticipantDeclined EventType = "participant_declined"
	EventCohostAssigned      EventType = "cohost_assigned"
)

// Event is a session event handed to the relay after commit.
// Targets and Room are resolved from the committed call state; the relay's
// routing table decides which of the two an event is delivered to.
type Event struct {
	Type      EventType      `json:"type"`
	CallID    uuid.UUID      `json:"call_id"`
	UserID    uuid.UUID      `json:"user_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`

	// Targets are the individual recipients for per-recipient events
	Targets []uuid.UUID `json:"-"`
	// Room is the set of participants joined at commit time
	Room []uuid.UUID `json:"-"`
}
