package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/internal/service/session"
	"callorchestrator-backend/pkg/config"
	"callorchestrator-backend/pkg/constants"
	"callorchestrator-backend/pkg/errors"
	"callorchestrator-backend/pkg/logger"
)

// BlockChecker reports block relationships between users
type BlockChecker interface {
	IsBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error)
}

// Service creates, updates and cancels scheduled calls
type Service struct {
	store     *session.Store
	validator *Validator
	blocks    BlockChecker
	cfg       config.CallConfig
	userLocks *session.KeyedLocks
}

// NewService creates a new scheduling service
func NewService(store *session.Store, oracle AvailabilityChecker, blocks BlockChecker, cfg config.CallConfig) *Service {
	return &Service{
		store:     store,
		validator: NewValidator(store, oracle, cfg),
		blocks:    blocks,
		cfg:       cfg,
		userLocks: session.NewKeyedLocks(),
	}
}

// UpdateRequest carries the fields of a scheduled call that may change.
// Nil fields keep their current value.
type UpdateRequest struct {
	ScheduledTime   *time.Time
	DurationMinutes *int
	ParticipantIDs  []uuid.UUID
}

// Schedule validates req and stores it as a scheduled call
func (s *Service) Schedule(ctx context.Context, req domain.ScheduledCallRequest) (*domain.Call, error) {
	if !req.Kind.Valid() {
		return nil, errors.ValidationError(fmt.Sprintf("Invalid call kind: %s", req.Kind))
	}
	req.ParticipantIDs = dedupe(req.ParticipantIDs, req.InitiatorID)
	if len(req.ParticipantIDs) == 0 {
		return nil, errors.ValidationError("At least one participant is required")
	}

	isGroup := req.IsGroup || req.Kind == domain.CallKindConference || len(req.ParticipantIDs) > 1
	req.IsGroup = isGroup
	if err := s.checkSize(isGroup, len(req.ParticipantIDs)); err != nil {
		return nil, err
	}
	if err := s.checkBlocks(ctx, req.InitiatorID, req.ParticipantIDs); err != nil {
		return nil, err
	}

	unlock := s.lockUsers(append([]uuid.UUID{req.InitiatorID}, req.ParticipantIDs...))
	defer unlock()

	if err := s.validator.Validate(ctx, req, uuid.Nil); err != nil {
		return nil, err
	}

	at := req.ScheduledTime
	call := &domain.Call{
		Kind:           req.Kind,
		IsGroup:        isGroup,
		InitiatorID:    req.InitiatorID,
		Status:         domain.CallStatusScheduled,
		ScheduledFor:   &at,
		PlannedMinutes: req.DurationMinutes,
		Media:          domain.MediaConfig{Quality: domain.MediaQualityAuto, BitrateKbps: constants.DefaultBitrateKbps},
		Group:          domain.GroupConfig{MaxParticipants: s.cfg.MaxParticipants},
	}
	if !isGroup {
		call.Group.MaxParticipants = 2
	}

	created, err := s.store.Create(ctx, call, func(tx *session.Tx) error {
		tx.Call.AddParticipant(domain.NewParticipant(req.InitiatorID, domain.RoleHost))
		for _, id := range req.ParticipantIDs {
			tx.Call.AddParticipant(domain.NewParticipant(id, domain.RoleParticipant))
		}
		tx.Emit(domain.EventCallScheduled, req.InitiatorID, schedulePayload(tx.Call))
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Call scheduled",
		zap.String("call_id", created.CallID.String()),
		zap.String("initiator_id", req.InitiatorID.String()),
		zap.Time("scheduled_for", at),
		zap.Int("duration_minutes", req.DurationMinutes))

	return created, nil
}

// Update changes a scheduled call. Only the initiator may update and only
// while the call is still scheduled; the new parameters are fully re-validated.
func (s *Service) Update(ctx context.Context, callID, userID uuid.UUID, upd UpdateRequest) (*domain.Call, error) {
	current, err := s.store.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := requireInitiator(current, userID); err != nil {
		return nil, err
	}
	if current.Status != domain.CallStatusScheduled {
		return nil, errors.InvalidTransitionError("call", string(current.Status), "update_schedule")
	}

	req := domain.ScheduledCallRequest{
		InitiatorID:     current.InitiatorID,
		ScheduledTime:   *current.ScheduledFor,
		DurationMinutes: current.PlannedMinutes,
		Kind:            current.Kind,
		IsGroup:         current.IsGroup,
	}
	if upd.ScheduledTime != nil {
		req.ScheduledTime = *upd.ScheduledTime
	}
	if upd.DurationMinutes != nil {
		req.DurationMinutes = *upd.DurationMinutes
	}
	if upd.ParticipantIDs != nil {
		req.ParticipantIDs = dedupe(upd.ParticipantIDs, current.InitiatorID)
		if len(req.ParticipantIDs) == 0 {
			return nil, errors.ValidationError("At least one participant is required")
		}
		if err := s.checkSize(current.IsGroup, len(req.ParticipantIDs)); err != nil {
			return nil, err
		}
		if err := s.checkBlocks(ctx, current.InitiatorID, req.ParticipantIDs); err != nil {
			return nil, err
		}
	} else {
		for _, p := range current.Participants {
			if p.UserID != current.InitiatorID {
				req.ParticipantIDs = append(req.ParticipantIDs, p.UserID)
			}
		}
	}

	unlock := s.lockUsers(append([]uuid.UUID{req.InitiatorID}, req.ParticipantIDs...))
	defer unlock()

	if err := s.validator.Validate(ctx, req, callID); err != nil {
		return nil, err
	}

	return s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := requireInitiator(tx.Call, userID); err != nil {
			return err
		}
		if tx.Call.Status != domain.CallStatusScheduled {
			return errors.InvalidTransitionError("call", string(tx.Call.Status), "update_schedule")
		}

		notify := make([]uuid.UUID, 0, len(tx.Call.Participants))
		for _, p := range tx.Call.Participants {
			if p.UserID != userID {
				notify = append(notify, p.UserID)
			}
		}

		at := req.ScheduledTime
		tx.Call.ScheduledFor = &at
		tx.Call.PlannedMinutes = req.DurationMinutes
		if upd.ParticipantIDs != nil {
			replaceParticipants(tx.Call, req.ParticipantIDs)
			for _, id := range req.ParticipantIDs {
				if !containsID(notify, id) {
					notify = append(notify, id)
				}
			}
		}

		tx.Emit(domain.EventScheduleUpdated, userID, schedulePayload(tx.Call), notify...)
		return nil
	})
}

// Cancel cancels a scheduled call. Only the initiator may cancel and only
// while the call is still scheduled.
func (s *Service) Cancel(ctx context.Context, callID, userID uuid.UUID, reason string) (*domain.Call, error) {
	cancelled, err := s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := requireInitiator(tx.Call, userID); err != nil {
			return err
		}
		if tx.Call.Status != domain.CallStatusScheduled {
			return errors.InvalidTransitionError("call", string(tx.Call.Status), string(domain.CallStatusCancelled))
		}
		if err := tx.TransitionStatus(domain.CallStatusCancelled); err != nil {
			return err
		}
		payload := map[string]any{"scheduled_time": tx.Call.ScheduledFor.UTC().Format(time.RFC3339)}
		if reason != "" {
			payload["reason"] = reason
		}
		tx.Emit(domain.EventCallCancelled, userID, payload)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Scheduled call cancelled",
		zap.String("call_id", callID.String()),
		zap.String("user_id", userID.String()))
	return cancelled, nil
}

func (s *Service) checkSize(isGroup bool, recipients int) error {
	limit := 2
	if isGroup {
		limit = s.cfg.MaxParticipants
	}
	if recipients+1 > limit {
		return errors.ValidationError(fmt.Sprintf("Calls are limited to %d participants", limit)).
			WithDetails(map[string]any{"max_participants": limit})
	}
	return nil
}

func (s *Service) checkBlocks(ctx context.Context, initiatorID uuid.UUID, participants []uuid.UUID) error {
	for _, id := range participants {
		for _, pair := range [][2]uuid.UUID{{initiatorID, id}, {id, initiatorID}} {
			blocked, err := s.blocks.IsBlocked(ctx, pair[0], pair[1])
			if err != nil {
				return errors.DatabaseError(fmt.Errorf("failed to check block list: %w", err))
			}
			if blocked {
				return errors.PermissionDeniedError("Cannot schedule a call with this user").
					WithDetails(map[string]any{"user_id": id.String()})
			}
		}
	}
	return nil
}

// lockUsers takes the per-user locks in a stable order
func (s *Service) lockUsers(ids []uuid.UUID) func() {
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	unlocks := make([]func(), 0, len(sorted))
	var prev uuid.UUID
	for i, id := range sorted {
		if i > 0 && id == prev {
			continue
		}
		prev = id
		unlocks = append(unlocks, s.userLocks.Lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func requireInitiator(call *domain.Call, userID uuid.UUID) error {
	if call.Participant(userID) == nil {
		return errors.PermissionDeniedError("User is not a participant of this call")
	}
	if call.InitiatorID != userID {
		return errors.PermissionDeniedError("Only the initiator can change a scheduled call")
	}
	return nil
}

// replaceParticipants keeps the host and sets the invitee list to ids
func replaceParticipants(call *domain.Call, ids []uuid.UUID) {
	kept := call.Participants[:0]
	for _, p := range call.Participants {
		if p.UserID == call.InitiatorID || containsID(ids, p.UserID) {
			kept = append(kept, p)
		}
	}
	call.Participants = kept
	call.Reindex()
	for _, id := range ids {
		call.AddParticipant(domain.NewParticipant(id, domain.RoleParticipant))
	}
}

func schedulePayload(call *domain.Call) map[string]any {
	ids := make([]string, 0, len(call.Participants))
	for _, p := range call.Participants {
		ids = append(ids, p.UserID.String())
	}
	return map[string]any{
		"kind":             string(call.Kind),
		"scheduled_time":   call.ScheduledFor.UTC().Format(time.RFC3339),
		"duration_minutes": call.PlannedMinutes,
		"participants":     ids,
	}
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func dedupe(ids []uuid.UUID, exclude uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == exclude || id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
