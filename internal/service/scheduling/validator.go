package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/internal/service/availability"
	"callorchestrator-backend/internal/service/session"
	"callorchestrator-backend/pkg/config"
	"callorchestrator-backend/pkg/errors"
)

// AvailabilityChecker checks a batch of users at a given instant
type AvailabilityChecker interface {
	CheckMany(ctx context.Context, userIDs []uuid.UUID, opts availability.CheckOptions) []availability.Availability
}

// occupyingStatuses are the call states that hold a time window
var occupyingStatuses = []domain.CallStatus{
	domain.CallStatusScheduled,
	domain.CallStatusConnecting,
	domain.CallStatusOngoing,
}

// Validator checks a future call request against time bounds, duration
// bounds, existing calls of every involved user and their availability.
type Validator struct {
	store  *session.Store
	oracle AvailabilityChecker
	cfg    config.CallConfig
}

// NewValidator creates a scheduling validator
func NewValidator(store *session.Store, oracle AvailabilityChecker, cfg config.CallConfig) *Validator {
	return &Validator{store: store, oracle: oracle, cfg: cfg}
}

// Validate runs the scheduling rules in order and returns the first failure.
// Calls with id exclude are ignored by the conflict check so an update does
// not collide with itself.
func (v *Validator) Validate(ctx context.Context, req domain.ScheduledCallRequest, exclude uuid.UUID) error {
	now := v.store.Now()

	if !req.ScheduledTime.After(now) {
		return errors.ValidationError("Scheduled time must be in the future")
	}
	if req.ScheduledTime.After(now.Add(v.cfg.MaxScheduleAhead)) {
		return errors.ValidationError(fmt.Sprintf("Calls can be scheduled at most %s ahead", formatDays(v.cfg.MaxScheduleAhead)))
	}

	duration := time.Duration(req.DurationMinutes) * time.Minute
	if duration < v.cfg.MinDuration || duration > v.cfg.MaxDuration {
		return errors.ValidationError("Duration is out of range").WithDetails(map[string]any{
			"min_minutes": int(v.cfg.MinDuration / time.Minute),
			"max_minutes": int(v.cfg.MaxDuration / time.Minute),
		})
	}

	start := req.ScheduledTime
	end := start.Add(duration)
	users := append([]uuid.UUID{req.InitiatorID}, req.ParticipantIDs...)
	for _, userID := range users {
		if err := v.checkConflicts(ctx, userID, start, end, now, exclude); err != nil {
			return err
		}
	}

	at := req.ScheduledTime
	initiator := v.oracle.CheckMany(ctx, []uuid.UUID{req.InitiatorID}, availability.CheckOptions{
		At:              &at,
		RequiresPremium: req.IsGroup && len(req.ParticipantIDs)+1 > v.cfg.FreeGroupLimit,
	})
	if verdict, found := availability.FirstUnavailable(initiator); found {
		return unavailableAt(verdict)
	}

	verdicts := v.oracle.CheckMany(ctx, req.ParticipantIDs, availability.CheckOptions{At: &at})
	if verdict, found := availability.FirstUnavailable(verdicts); found {
		return unavailableAt(verdict)
	}
	return nil
}

func unavailableAt(verdict availability.Availability) error {
	return errors.ValidationError("User is not available at the requested time").WithDetails(map[string]any{
		"user_id": verdict.UserID.String(),
		"reason":  string(verdict.Reason),
	})
}

func (v *Validator) checkConflicts(ctx context.Context, userID uuid.UUID, start, end, now time.Time, exclude uuid.UUID) error {
	calls, err := v.store.ListForUser(ctx, userID, domain.CallFilter{Statuses: occupyingStatuses})
	if err != nil {
		return err
	}
	for _, c := range calls {
		if c.CallID == exclude {
			continue
		}
		p := c.Participant(userID)
		if p == nil || !occupies(p) {
			continue
		}
		existingStart, existingEnd, ok := c.Window(now, v.cfg.OngoingEstimate)
		if !ok {
			continue
		}
		if Overlaps(existingStart, existingEnd, start, end) {
			return errors.ConflictError("Scheduling conflict with an existing call").WithDetails(map[string]any{
				"conflicting_call_id": c.CallID.String(),
				"user_id":             userID.String(),
			})
		}
	}
	return nil
}

// Overlaps reports whether half-open intervals [aStart, aEnd) and [bStart, bEnd) intersect
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// occupies reports whether the participant still holds the call's time slot
func occupies(p *domain.Participant) bool {
	switch p.Status {
	case domain.ParticipantStatusDeclined, domain.ParticipantStatusMissed,
		domain.ParticipantStatusRemoved, domain.ParticipantStatusLeft:
		return false
	}
	return true
}

func formatDays(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	if days*24*int(time.Hour) == int(d) && days > 0 {
		return fmt.Sprintf("%d days", days)
	}
	return d.String()
}
