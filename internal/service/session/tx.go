package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/pkg/errors"
)

// Tx is the unit of work for one call mutation. It works on a private copy
// of the call; nothing is persisted and no event leaves the Tx unless the
// mutation function returns nil and the write commits.
type Tx struct {
	Call *domain.Call

	now        time.Time
	fromStatus domain.CallStatus
	pending    []*domain.Event
}

func newTx(call *domain.Call, now time.Time) *Tx {
	return &Tx{Call: call, now: now, fromStatus: call.Status}
}

// Now is the single timestamp used for every change made in this Tx
func (tx *Tx) Now() time.Time {
	return tx.now
}

// Member returns the participant or PermissionDenied when userID is not in the call
func (tx *Tx) Member(userID uuid.UUID) (*domain.Participant, error) {
	p := tx.Call.Participant(userID)
	if p == nil {
		return nil, errors.PermissionDeniedError("User is not a participant of this call")
	}
	return p, nil
}

// RequireCallStatus fails with InvalidTransition unless the call is in one of allowed
func (tx *Tx) RequireCallStatus(action string, allowed ...domain.CallStatus) error {
	for _, s := range allowed {
		if tx.Call.Status == s {
			return nil
		}
	}
	return errors.InvalidTransitionError("call", string(tx.Call.Status), action)
}

// TransitionStatus moves the call to status, enforcing the call-level table
func (tx *Tx) TransitionStatus(to domain.CallStatus) error {
	from := tx.Call.Status
	if !from.CanTransitionTo(to) {
		return errors.InvalidTransitionError("call", string(from), string(to))
	}
	tx.Call.Status = to
	tx.Call.StatusChangedAt = tx.now
	if to == domain.CallStatusOngoing && tx.Call.StartTime == nil {
		start := tx.now
		tx.Call.StartTime = &start
	}
	return nil
}

// SetParticipantStatus moves userID to status, enforcing the participant table
func (tx *Tx) SetParticipantStatus(userID uuid.UUID, to domain.ParticipantStatus) (*domain.Participant, error) {
	p, err := tx.Member(userID)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransitionTo(to) {
		return nil, errors.InvalidTransitionError("participant", string(p.Status), string(to))
	}
	p.Status = to
	now := tx.now
	switch to {
	case domain.ParticipantStatusJoined:
		p.JoinedAt = &now
		p.LeftAt = nil
	case domain.ParticipantStatusLeft, domain.ParticipantStatusRemoved:
		p.LeftAt = &now
	}
	return p, nil
}

// Close moves the call into a terminal status, stamping endTime and
// duration. Joined participants keep their status and get leftAt; anyone
// still pending is marked missed.
func (tx *Tx) Close(to domain.CallStatus) error {
	if !to.Terminal() {
		return fmt.Errorf("close requires a terminal status, got %s", to)
	}
	if err := tx.TransitionStatus(to); err != nil {
		return err
	}

	end := tx.now
	if start := tx.Call.StartTime; start != nil {
		if end.Before(*start) {
			end = *start
		}
		tx.Call.DurationSeconds = int64(end.Sub(*start) / time.Second)
	}
	tx.Call.EndTime = &end

	for _, p := range tx.Call.Participants {
		switch {
		case p.Status == domain.ParticipantStatusJoined:
			left := end
			p.LeftAt = &left
		case p.Status.Pending():
			p.Status = domain.ParticipantStatusMissed
		}
	}
	return nil
}

// Log appends a lifecycle entry to the call without pushing it
func (tx *Tx) Log(eventType domain.EventType, actor uuid.UUID, detail map[string]string) {
	tx.Call.RecordEvent(domain.CallEvent{Type: eventType, UserID: actor, At: tx.now, Detail: detail})
}

// Emit logs the event on the call and buffers it for the relay. Buffered
// events are flushed only after the write commits. targets are the
// per-recipient addressees; when empty every participant other than the
// actor that has not been removed is addressed.
func (tx *Tx) Emit(eventType domain.EventType, actor uuid.UUID, payload map[string]any, targets ...uuid.UUID) {
	tx.Log(eventType, actor, stringDetail(payload))
	tx.pending = append(tx.pending, &domain.Event{
		Type:      eventType,
		CallID:    tx.Call.CallID,
		UserID:    actor,
		Timestamp: tx.now,
		Payload:   payload,
		Targets:   targets,
	})
}

// resolve fills routing information from the committed call
func (tx *Tx) resolve() []*domain.Event {
	room := tx.Call.JoinedUserIDs()
	for _, evt := range tx.pending {
		evt.Room = append([]uuid.UUID(nil), room...)
		if len(evt.Targets) == 0 {
			for _, p := range tx.Call.Participants {
				if p.UserID != evt.UserID && p.Status != domain.ParticipantStatusRemoved {
					evt.Targets = append(evt.Targets, p.UserID)
				}
			}
		}
	}
	return tx.pending
}

func stringDetail(payload map[string]any) map[string]string {
	if len(payload) == 0 {
		return nil
	}
	detail := make(map[string]string, len(payload))
	for k, v := range payload {
		detail[k] = fmt.Sprint(v)
	}
	return detail
}
