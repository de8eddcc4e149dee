package domain

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantRole is a participant's role within one call
type ParticipantRole string

const (
	RoleHost        ParticipantRole = "host"
	RoleCohost      ParticipantRole = "cohost"
	RoleParticipant ParticipantRole = "participant"
)

// Moderates reports whether the role may moderate other participants
func (r ParticipantRole) Moderates() bool {
	return r == RoleHost || r == RoleCohost
}

// ParticipantStatus is a participant's membership status
type ParticipantStatus string

const (
	ParticipantStatusInvited  ParticipantStatus = "invited"
	ParticipantStatusRinging  ParticipantStatus = "ringing"
	ParticipantStatusAccepted ParticipantStatus = "accepted"
	ParticipantStatusDeclined ParticipantStatus = "declined"
	ParticipantStatusMissed   ParticipantStatus = "missed"
	ParticipantStatusRemoved  ParticipantStatus = "removed"
	ParticipantStatusJoined   ParticipantStatus = "joined"
	ParticipantStatusLeft     ParticipantStatus = "left"
)

// A participant never moves back to an earlier state; left and removed are final.
var participantTransitions = map[ParticipantStatus][]ParticipantStatus{
	ParticipantStatusInvited: {
		ParticipantStatusRinging, ParticipantStatusAccepted, ParticipantStatusDeclined,
		ParticipantStatusMissed, ParticipantStatusJoined,
	},
	ParticipantStatusRinging: {
		ParticipantStatusAccepted, ParticipantStatusDeclined, ParticipantStatusMissed, ParticipantStatusJoined,
	},
	ParticipantStatusAccepted: {ParticipantStatusJoined, ParticipantStatusMissed},
	ParticipantStatusJoined:   {ParticipantStatusLeft, ParticipantStatusRemoved},
}

// CanTransitionTo reports whether the participant table allows s -> to
func (s ParticipantStatus) CanTransitionTo(to ParticipantStatus) bool {
	for _, next := range participantTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Pending reports whether the participant has been asked but not answered
func (s ParticipantStatus) Pending() bool {
	return s == ParticipantStatusInvited || s == ParticipantStatusRinging || s == ParticipantStatusAccepted
}

// Permission names a toggleable participant capability
type Permission string

const (
	PermissionSpeak Permission = "canSpeak"
	PermissionVideo Permission = "canVideo"
	PermissionShare Permission = "canShare"
)

// Valid reports whether p names a known permission
func (p Permission) Valid() bool {
	switch p {
	case PermissionSpeak, PermissionVideo, PermissionShare:
		return true
	}
	return false
}

// Permissions are the media capabilities of one participant
type Permissions struct {
	CanSpeak bool `json:"can_speak"`
	CanVideo bool `json:"can_video"`
	CanShare bool `json:"can_share"`
}

// DefaultPermissions returns the permissions a new participant starts with
func DefaultPermissions() Permissions {
	return Permissions{CanSpeak: true, CanVideo: true, CanShare: false}
}

// Get returns the value of the named permission
func (p Permissions) Get(name Permission) bool {
	switch name {
	case PermissionSpeak:
		return p.CanSpeak
	case PermissionVideo:
		return p.CanVideo
	case PermissionShare:
		return p.CanShare
	}
	return false
}

// Set changes the named permission
func (p *Permissions) Set(name Permission, value bool) {
	switch name {
	case PermissionSpeak:
		p.CanSpeak = value
	case PermissionVideo:
		p.CanVideo = value
	case PermissionShare:
		p.CanShare = value
	}
}

// DeviceInfo describes the endpoint a participant joined from
type DeviceInfo struct {
	DeviceID  string `json:"device_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Participant is a user's membership in one call
type Participant struct {
	UserID      uuid.UUID         `json:"user_id"`
	Role        ParticipantRole   `json:"role"`
	Status      ParticipantStatus `json:"status"`
	JoinedAt    *time.Time        `json:"joined_at,omitempty"`
	LeftAt      *time.Time        `json:"left_at,omitempty"`
	Device      *DeviceInfo       `json:"device,omitempty"`
	Permissions Permissions       `json:"permissions"`
}

// NewParticipant returns an invited participant with default permissions
func NewParticipant(userID uuid.UUID, role ParticipantRole) *Participant {
	return &Participant{
		UserID:      userID,
		Role:        role,
		Status:      ParticipantStatusInvited,
		Permissions: DefaultPermissions(),
	}
}
