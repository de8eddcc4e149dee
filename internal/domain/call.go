package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind is the media kind of a call
type CallKind string

const (
	CallKindVoice      CallKind = "voice"
	CallKindVideo      CallKind = "video"
	CallKindConference CallKind = "conference"
)

// Valid reports whether k is a known call kind
func (k CallKind) Valid() bool {
	switch k {
	case CallKindVoice, CallKindVideo, CallKindConference:
		return true
	}
	return false
}

// CallStatus is the call-level lifecycle status
type CallStatus string

const (
	CallStatusScheduled  CallStatus = "scheduled"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusOngoing    CallStatus = "ongoing"
	CallStatusEnded      CallStatus = "ended"
	CallStatusMissed     CallStatus = "missed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusCancelled  CallStatus = "cancelled"
)

var callTransitions = map[CallStatus][]CallStatus{
	CallStatusScheduled:  {CallStatusConnecting, CallStatusCancelled},
	CallStatusConnecting: {CallStatusOngoing, CallStatusMissed, CallStatusFailed, CallStatusCancelled},
	CallStatusOngoing:    {CallStatusEnded, CallStatusFailed},
}

// CanTransitionTo reports whether the call-level table allows s -> to
func (s CallStatus) CanTransitionTo(to CallStatus) bool {
	for _, next := range callTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s CallStatus) Terminal() bool {
	return len(callTransitions[s]) == 0
}

// Live reports whether the call currently occupies its joined participants
func (s CallStatus) Live() bool {
	return s == CallStatusConnecting || s == CallStatusOngoing
}

// MediaQuality is a negotiated media quality target
type MediaQuality string

const (
	MediaQualityLow    MediaQuality = "low"
	MediaQualityMedium MediaQuality = "medium"
	MediaQualityHigh   MediaQuality = "high"
	MediaQualityAuto   MediaQuality = "auto"
)

// Valid reports whether q is a known quality level
func (q MediaQuality) Valid() bool {
	switch q {
	case MediaQualityLow, MediaQualityMedium, MediaQualityHigh, MediaQualityAuto:
		return true
	}
	return false
}

// MediaConfig holds the negotiated media targets for a call
type MediaConfig struct {
	Quality     MediaQuality `json:"quality"`
	BitrateKbps int          `json:"bitrate_kbps"`
}

// GroupConfig holds group call settings
type GroupConfig struct {
	MaxParticipants int         `json:"max_participants"`
	WaitingRoom     bool        `json:"waiting_room"`
	CoHosts         []uuid.UUID `json:"co_hosts,omitempty"`
}

// RecordingStatus is the lifecycle status of a recording
type RecordingStatus string

const (
	RecordingStatusRecording  RecordingStatus = "recording"
	RecordingStatusProcessing RecordingStatus = "processing"
	RecordingStatusCompleted  RecordingStatus = "completed"
	RecordingStatusFailed     RecordingStatus = "failed"
)

// Recording is the recording record owned by a call
type Recording struct {
	Enabled         bool            `json:"enabled"`
	StartedBy       uuid.UUID       `json:"started_by"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	Status          RecordingStatus `json:"status"`
	URL             string          `json:"url,omitempty"`
	DurationSeconds *int64          `json:"duration_seconds,omitempty"`
	SizeBytes       int64           `json:"size_bytes,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
}

// Active reports whether the recording is still capturing
func (r *Recording) Active() bool {
	return r != nil && r.Status == RecordingStatusRecording
}

// Final reports whether the recording can no longer change
func (r *Recording) Final() bool {
	return r != nil && (r.Status == RecordingStatusCompleted || r.Status == RecordingStatusFailed)
}

// NetworkSample is one per-participant network measurement
type NetworkSample struct {
	UserID        uuid.UUID `json:"user_id"`
	BandwidthKbps float64   `json:"bandwidth_kbps"`
	LatencyMs     float64   `json:"latency_ms"`
	PacketLossPct float64   `json:"packet_loss_pct"`
	JitterMs      float64   `json:"jitter_ms"`
	QualityScore  int       `json:"quality_score"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// CallEvent is an entry of the call's append-only lifecycle log
type CallEvent struct {
	Type   EventType         `json:"type"`
	UserID uuid.UUID         `json:"user_id"`
	At     time.Time         `json:"at"`
	Detail map[string]string `json:"detail,omitempty"`
}

// Call is the call session aggregate root. It exclusively owns its
// participants, recording, event log and network samples.
type Call struct {
	CallID          uuid.UUID       `json:"call_id"`
	Kind            CallKind        `json:"kind"`
	IsGroup         bool            `json:"is_group"`
	InitiatorID     uuid.UUID       `json:"initiator_id"`
	Status          CallStatus      `json:"status"`
	StatusChangedAt time.Time       `json:"status_changed_at"`
	Participants    []*Participant  `json:"participants"`
	ScheduledFor    *time.Time      `json:"scheduled_for,omitempty"`
	PlannedMinutes  int             `json:"planned_minutes,omitempty"`
	StartTime       *time.Time      `json:"start_time,omitempty"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	DurationSeconds int64           `json:"duration_seconds"`
	Media           MediaConfig     `json:"media"`
	Group           GroupConfig     `json:"group"`
	Recording       *Recording      `json:"recording,omitempty"`
	Metrics         []NetworkSample `json:"metrics,omitempty"`
	Events          []CallEvent     `json:"events,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int64           `json:"version"`

	index map[uuid.UUID]int
}

// Reindex rebuilds the participant lookup index. Repositories call it after load.
func (c *Call) Reindex() {
	c.index = make(map[uuid.UUID]int, len(c.Participants))
	for i, p := range c.Participants {
		c.index[p.UserID] = i
	}
}

// Participant returns the membership of userID, or nil
func (c *Call) Participant(userID uuid.UUID) *Participant {
	if c.index == nil || len(c.index) != len(c.Participants) {
		c.Reindex()
	}
	i, ok := c.index[userID]
	if !ok {
		return nil
	}
	return c.Participants[i]
}

// AddParticipant appends p unless the user is already a participant
func (c *Call) AddParticipant(p *Participant) bool {
	if c.Participant(p.UserID) != nil {
		return false
	}
	c.Participants = append(c.Participants, p)
	c.index[p.UserID] = len(c.Participants) - 1
	return true
}

// JoinedUserIDs returns the users currently joined, in participant order
func (c *Call) JoinedUserIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.Status == ParticipantStatusJoined {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// CountJoined returns the number of joined participants
func (c *Call) CountJoined() int {
	return len(c.JoinedUserIDs())
}

// CountSeated returns the participants holding a seat: joined or still pending an answer
func (c *Call) CountSeated() int {
	n := 0
	for _, p := range c.Participants {
		if p.Status == ParticipantStatusJoined || p.Status.Pending() {
			n++
		}
	}
	return n
}

// IsModerator reports whether userID holds host or cohost role
func (c *Call) IsModerator(userID uuid.UUID) bool {
	p := c.Participant(userID)
	return p != nil && p.Role.Moderates()
}

// Occupies reports whether userID is joined to this call while it is live
func (c *Call) Occupies(userID uuid.UUID) bool {
	if !c.Status.Live() {
		return false
	}
	p := c.Participant(userID)
	return p != nil && p.Status == ParticipantStatusJoined
}

// Window returns the half-open interval the call occupies for conflict checks.
// ok is false for calls that occupy no time slot.
func (c *Call) Window(now time.Time, ongoingEstimate time.Duration) (start, end time.Time, ok bool) {
	switch c.Status {
	case CallStatusScheduled:
		if c.ScheduledFor == nil {
			return time.Time{}, time.Time{}, false
		}
		start = *c.ScheduledFor
		return start, start.Add(time.Duration(c.PlannedMinutes) * time.Minute), true
	case CallStatusOngoing, CallStatusConnecting:
		start = c.CreatedAt
		if c.StartTime != nil {
			start = *c.StartTime
		}
		if c.ScheduledFor != nil && c.PlannedMinutes > 0 {
			planned := c.ScheduledFor.Add(time.Duration(c.PlannedMinutes) * time.Minute)
			if planned.After(now) {
				return start, planned, true
			}
		}
		base := now
		if start.After(base) {
			base = start
		}
		return start, base.Add(ongoingEstimate), true
	}
	return time.Time{}, time.Time{}, false
}

// RecordEvent appends to the lifecycle log
func (c *Call) RecordEvent(evt CallEvent) {
	c.Events = append(c.Events, evt)
}

// Clone returns a deep copy so callers never share mutable state with a repository
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	out.index = nil
	out.Participants = make([]*Participant, len(c.Participants))
	for i, p := range c.Participants {
		cp := *p
		cp.JoinedAt = cloneTime(p.JoinedAt)
		cp.LeftAt = cloneTime(p.LeftAt)
		if p.Device != nil {
			d := *p.Device
			cp.Device = &d
		}
		out.Participants[i] = &cp
	}
	out.ScheduledFor = cloneTime(c.ScheduledFor)
	out.StartTime = cloneTime(c.StartTime)
	out.EndTime = cloneTime(c.EndTime)
	out.Group.CoHosts = append([]uuid.UUID(nil), c.Group.CoHosts...)
	if c.Recording != nil {
		r := *c.Recording
		r.EndTime = cloneTime(c.Recording.EndTime)
		if c.Recording.DurationSeconds != nil {
			d := *c.Recording.DurationSeconds
			r.DurationSeconds = &d
		}
		out.Recording = &r
	}
	out.Metrics = append([]NetworkSample(nil), c.Metrics...)
	out.Events = make([]CallEvent, len(c.Events))
	for i, e := range c.Events {
		out.Events[i] = e
		if e.Detail != nil {
			out.Events[i].Detail = make(map[string]string, len(e.Detail))
			for k, v := range e.Detail {
				out.Events[i].Detail[k] = v
			}
		}
	}
	out.Reindex()
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ScheduledCallRequest is the validation input for a future call
type ScheduledCallRequest struct {
	InitiatorID     uuid.UUID
	ParticipantIDs  []uuid.UUID
	ScheduledTime   time.Time
	DurationMinutes int
	Kind            CallKind
	IsGroup         bool
}

// CallFilter narrows participant call listings
type CallFilter struct {
	Statuses []CallStatus
	Limit    int
	Offset   int
}

// Matches reports whether status passes the filter
func (f CallFilter) Matches(status CallStatus) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}
