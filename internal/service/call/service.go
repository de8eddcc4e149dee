package call

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/internal/service/availability"
	"callorchestrator-backend/internal/service/session"
	"callorchestrator-backend/pkg/config"
	"callorchestrator-backend/pkg/constants"
	"callorchestrator-backend/pkg/errors"
	"callorchestrator-backend/pkg/logger"
	"callorchestrator-backend/pkg/metrics"
)

// AvailabilityChecker is the part of the availability oracle the state machine needs
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, userID uuid.UUID, opts availability.CheckOptions) availability.Availability
	CheckInitiator(ctx context.Context, userID uuid.UUID, requiresPremium bool) availability.Availability
	CheckMany(ctx context.Context, userIDs []uuid.UUID, opts availability.CheckOptions) []availability.Availability
}

// BlockChecker reports block relationships between users
type BlockChecker interface {
	IsBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error)
}

// RecordingFinalizer stops a recording left running by a closed call
type RecordingFinalizer interface {
	Finalize(ctx context.Context, callID uuid.UUID) (*domain.Recording, error)
}

// Service drives the participant state machine and call lifecycle
type Service struct {
	store      *session.Store
	oracle     AvailabilityChecker
	blocks     BlockChecker
	recordings RecordingFinalizer
	cfg        config.CallConfig
	metrics    *metrics.Metrics
	userLocks  *session.KeyedLocks
}

// NewService creates a new call service
func NewService(store *session.Store, oracle AvailabilityChecker, blocks BlockChecker, cfg config.CallConfig, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		oracle:    oracle,
		blocks:    blocks,
		cfg:       cfg,
		metrics:   m,
		userLocks: session.NewKeyedLocks(),
	}
}

// SetRecordingFinalizer makes closing a call also stop its running recording
func (s *Service) SetRecordingFinalizer(f RecordingFinalizer) {
	s.recordings = f
}

// InitiateRequest is the input of Initiate
type InitiateRequest struct {
	InitiatorID uuid.UUID
	Recipients  []uuid.UUID
	Kind        domain.CallKind
	IsGroup     bool
}

// Initiate starts a call: the initiator joins as host and every recipient is invited
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*domain.Call, error) {
	if !req.Kind.Valid() {
		return nil, errors.ValidationError(fmt.Sprintf("Invalid call kind: %s", req.Kind))
	}
	recipients := dedupe(req.Recipients, req.InitiatorID)
	if len(recipients) == 0 {
		return nil, errors.ValidationError("At least one recipient is required")
	}

	isGroup := req.IsGroup || req.Kind == domain.CallKindConference || len(recipients) > 1
	if isGroup && len(recipients)+1 > s.cfg.MaxParticipants {
		return nil, errors.ValidationError(fmt.Sprintf("Group calls are limited to %d participants", s.cfg.MaxParticipants)).
			WithDetails(map[string]any{"max_participants": s.cfg.MaxParticipants})
	}

	if err := s.checkBlocks(ctx, req.InitiatorID, recipients); err != nil {
		return nil, err
	}

	unlock := s.userLocks.Lock(req.InitiatorID)
	defer unlock()

	requiresPremium := isGroup && len(recipients)+1 > s.cfg.FreeGroupLimit
	if verdict := s.oracle.CheckInitiator(ctx, req.InitiatorID, requiresPremium); !verdict.Available {
		return nil, unavailableError(verdict)
	}

	verdicts := s.oracle.CheckMany(ctx, recipients, availability.CheckOptions{})
	if verdict, found := availability.FirstUnavailable(verdicts); found {
		return nil, unavailableError(verdict)
	}

	call := &domain.Call{
		Kind:        req.Kind,
		IsGroup:     isGroup,
		InitiatorID: req.InitiatorID,
		Status:      domain.CallStatusConnecting,
		Media:       domain.MediaConfig{Quality: domain.MediaQualityAuto, BitrateKbps: constants.DefaultBitrateKbps},
		Group:       domain.GroupConfig{MaxParticipants: s.cfg.MaxParticipants},
	}
	if !isGroup {
		call.Group.MaxParticipants = 2
	}

	created, err := s.store.Create(ctx, call, func(tx *session.Tx) error {
		host := domain.NewParticipant(req.InitiatorID, domain.RoleHost)
		now := tx.Now()
		host.Status = domain.ParticipantStatusJoined
		host.JoinedAt = &now
		tx.Call.AddParticipant(host)
		for _, id := range recipients {
			tx.Call.AddParticipant(domain.NewParticipant(id, domain.RoleParticipant))
		}
		tx.Emit(domain.EventIncomingCall, req.InitiatorID, map[string]any{
			"kind":         string(req.Kind),
			"is_group":     isGroup,
			"initiator_id": req.InitiatorID.String(),
		}, recipients...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Call initiated",
		zap.String("call_id", created.CallID.String()),
		zap.String("initiator_id", req.InitiatorID.String()),
		zap.Int("recipients", len(recipients)),
		zap.Bool("is_group", isGroup))

	return created, nil
}

// Ring records that a recipient's device is ringing
func (s *Service) Ring(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := tx.RequireCallStatus("ring", domain.CallStatusConnecting, domain.CallStatusOngoing); err != nil {
			return err
		}
		if _, err := tx.SetParticipantStatus(userID, domain.ParticipantStatusRinging); err != nil {
			return err
		}
		tx.Log(domain.EventParticipantRinging, userID, nil)
		return nil
	})
}

// Accept records that a recipient accepted and is about to join
func (s *Service) Accept(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := tx.RequireCallStatus("accept", domain.CallStatusConnecting, domain.CallStatusOngoing); err != nil {
			return err
		}
		if _, err := tx.SetParticipantStatus(userID, domain.ParticipantStatusAccepted); err != nil {
			return err
		}
		tx.Log(domain.EventParticipantAccepted, userID, nil)
		return nil
	})
}

// Decline records a refusal. A connecting call nobody else can still join is cancelled.
func (s *Service) Decline(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := tx.RequireCallStatus("decline", domain.CallStatusConnecting, domain.CallStatusOngoing); err != nil {
			return err
		}
		if _, err := tx.SetParticipantStatus(userID, domain.ParticipantStatusDeclined); err != nil {
			return err
		}
		tx.Log(domain.EventParticipantDeclined, userID, nil)

		if tx.Call.Status == domain.CallStatusConnecting && !anyoneElseReachable(tx.Call) {
			return closeWithEvent(tx, userID, domain.CallStatusCancelled, "declined")
		}
		return nil
	})
}

// Join moves an invited participant into the call. A user can be joined to
// only one live call at a time.
func (s *Service) Join(ctx context.Context, callID, userID uuid.UUID, device *domain.DeviceInfo) (*domain.Call, error) {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	other, err := s.store.ActiveCallFor(ctx, userID, callID)
	if err != nil {
		return nil, err
	}
	if other != nil {
		return nil, errors.ValidationError("User is already in another active call").
			WithDetails(map[string]any{"active_call_id": other.CallID.String()})
	}

	return s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := tx.RequireCallStatus("join", domain.CallStatusConnecting, domain.CallStatusOngoing); err != nil {
			return err
		}
		p, err := tx.Member(userID)
		if err != nil {
			return err
		}
		if !p.Status.Pending() {
			return errors.InvalidTransitionError("participant", string(p.Status), string(domain.ParticipantStatusJoined))
		}
		if tx.Call.IsGroup && tx.Call.CountJoined() >= tx.Call.Group.MaxParticipants {
			return errors.ResourceExhaustedError("Call is full").
				WithDetails(map[string]any{"max_participants": tx.Call.Group.MaxParticipants})
		}

		if _, err := tx.SetParticipantStatus(userID, domain.ParticipantStatusJoined); err != nil {
			return err
		}
		if device != nil {
			d := *device
			p.Device = &d
		}

		if tx.Call.Status == domain.CallStatusConnecting && userID != tx.Call.InitiatorID {
			if err := tx.TransitionStatus(domain.CallStatusOngoing); err != nil {
				return err
			}
		}

		tx.Emit(domain.EventParticipantJoined, userID, map[string]any{
			"role": string(p.Role),
		})
		return nil
	})
}

// Leave removes the caller from the call. A direct call ends when either
// party leaves; a group call ends when nobody is left.
func (s *Service) Leave(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.afterClose(s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := tx.RequireCallStatus("leave", domain.CallStatusConnecting, domain.CallStatusOngoing); err != nil {
			return err
		}
		if _, err := tx.SetParticipantStatus(userID, domain.ParticipantStatusLeft); err != nil {
			return err
		}
		tx.Emit(domain.EventParticipantLeft, userID, map[string]any{"reason": "left"})

		if !tx.Call.IsGroup || tx.Call.CountJoined() == 0 {
			return closeWithEvent(tx, userID, terminalStatusFor(tx.Call), "participant_left")
		}
		return nil
	}))
}

// RemoveParticipant lets a host or cohost take a joined participant out of the call
func (s *Service) RemoveParticipant(ctx context.Context, callID, moderatorID, targetID uuid.UUID) (*domain.Call, error) {
	return s.afterClose(s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := requireModerator(tx, moderatorID); err != nil {
			return err
		}
		if err := tx.RequireCallStatus("remove_participant", domain.CallStatusConnecting, domain.CallStatusOngoing); err != nil {
			return err
		}
		target := tx.Call.Participant(targetID)
		if target == nil {
			return errors.NotFoundError("Participant")
		}
		if target.Role == domain.RoleHost || targetID == tx.Call.InitiatorID {
			return errors.PermissionDeniedError("The host cannot be removed")
		}
		if _, err := tx.SetParticipantStatus(targetID, domain.ParticipantStatusRemoved); err != nil {
			return err
		}
		tx.Emit(domain.EventParticipantLeft, moderatorID, map[string]any{
			"reason":         "removed",
			"target_user_id": targetID.String(),
		})

		if tx.Call.CountJoined() == 0 {
			return closeWithEvent(tx, moderatorID, terminalStatusFor(tx.Call), "participant_removed")
		}
		return nil
	}))
}

// AddParticipant invites another user into a live group call
func (s *Service) AddParticipant(ctx context.Context, callID, moderatorID, userID uuid.UUID) (*domain.Call, error) {
	current, err := s.store.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if current.Participant(moderatorID) == nil {
		return nil, errors.PermissionDeniedError("User is not a participant of this call")
	}
	if blocked, err := s.isBlockedEitherWay(ctx, moderatorID, userID); err != nil {
		return nil, err
	} else if blocked {
		return nil, errors.PermissionDeniedError("Cannot add this user to the call")
	}
	if verdict := s.oracle.CheckAvailability(ctx, userID, availability.CheckOptions{ExcludeCallID: callID}); !verdict.Available {
		return nil, unavailableError(verdict)
	}

	return s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := requireModerator(tx, moderatorID); err != nil {
			return err
		}
		if !tx.Call.IsGroup {
			return errors.ValidationError("Participants can only be added to group calls")
		}
		if err := tx.RequireCallStatus("add_participant", domain.CallStatusConnecting, domain.CallStatusOngoing); err != nil {
			return err
		}
		if tx.Call.CountSeated() >= tx.Call.Group.MaxParticipants {
			return errors.ResourceExhaustedError("Call is full").
				WithDetails(map[string]any{"max_participants": tx.Call.Group.MaxParticipants})
		}
		if !tx.Call.AddParticipant(domain.NewParticipant(userID, domain.RoleParticipant)) {
			return errors.ValidationError("User is already a participant of this call")
		}
		tx.Emit(domain.EventIncomingCall, moderatorID, map[string]any{
			"kind":         string(tx.Call.Kind),
			"is_group":     true,
			"initiator_id": tx.Call.InitiatorID.String(),
		}, userID)
		return nil
	})
}

// AssignCohost promotes a participant to cohost. Only the host may do this.
func (s *Service) AssignCohost(ctx context.Context, callID, hostID, targetID uuid.UUID) (*domain.Call, error) {
	return s.store.Update(ctx, callID, func(tx *session.Tx) error {
		host, err := tx.Member(hostID)
		if err != nil {
			return err
		}
		if host.Role != domain.RoleHost {
			return errors.PermissionDeniedError("Only the host can assign cohosts")
		}
		if tx.Call.Status.Terminal() {
			return errors.InvalidTransitionError("call", string(tx.Call.Status), "assign_cohost")
		}
		target := tx.Call.Participant(targetID)
		if target == nil {
			return errors.NotFoundError("Participant")
		}
		if target.Role != domain.RoleParticipant {
			return nil
		}
		target.Role = domain.RoleCohost
		tx.Call.Group.CoHosts = append(tx.Call.Group.CoHosts, targetID)
		tx.Log(domain.EventCohostAssigned, hostID, map[string]string{"target_user_id": targetID.String()})
		return nil
	})
}

// End terminates the call for everyone. In a group call only the initiator,
// a host or a cohost may end it; in a direct call either party may.
func (s *Service) End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.afterClose(s.store.Update(ctx, callID, func(tx *session.Tx) error {
		p, err := tx.Member(userID)
		if err != nil {
			return err
		}
		if tx.Call.IsGroup && userID != tx.Call.InitiatorID && !p.Role.Moderates() {
			return errors.PermissionDeniedError("Only the host or a cohost can end this call")
		}
		if err := tx.RequireCallStatus(string(domain.CallStatusEnded), domain.CallStatusConnecting, domain.CallStatusOngoing); err != nil {
			return err
		}
		return closeWithEvent(tx, userID, terminalStatusFor(tx.Call), "ended_by_user")
	}))
}

// SetParticipantPermission toggles canSpeak, canVideo or canShare on target.
// Moderators may change anyone; everyone may change their own.
func (s *Service) SetParticipantPermission(ctx context.Context, callID, targetID, moderatorID uuid.UUID, permission domain.Permission, value bool) (*domain.Call, error) {
	if !permission.Valid() {
		return nil, errors.ValidationError(fmt.Sprintf("Unknown permission: %s", permission))
	}

	return s.store.Update(ctx, callID, func(tx *session.Tx) error {
		actor, err := tx.Member(moderatorID)
		if err != nil {
			return err
		}
		if moderatorID != targetID && !actor.Role.Moderates() {
			return errors.PermissionDeniedError("Only the host or a cohost can change other participants")
		}
		if err := tx.RequireCallStatus("set_permission", domain.CallStatusConnecting, domain.CallStatusOngoing); err != nil {
			return err
		}
		target := tx.Call.Participant(targetID)
		if target == nil {
			return errors.NotFoundError("Participant")
		}
		if target.Status != domain.ParticipantStatusJoined {
			return errors.ValidationError("Participant is not in the call")
		}

		if target.Permissions.Get(permission) == value {
			return nil
		}
		target.Permissions.Set(permission, value)

		payload := map[string]any{"target_user_id": targetID.String()}
		switch permission {
		case domain.PermissionSpeak:
			payload["muted"] = !value
			tx.Emit(domain.EventParticipantMuted, moderatorID, payload)
		case domain.PermissionVideo:
			payload["enabled"] = value
			tx.Emit(domain.EventVideoToggle, moderatorID, payload)
		case domain.PermissionShare:
			payload["enabled"] = value
			tx.Emit(domain.EventScreenShareToggle, moderatorID, payload)
		}
		return nil
	})
}

// Mute sets canSpeak=false (or true when muted is false) on target
func (s *Service) Mute(ctx context.Context, callID, actorID, targetID uuid.UUID, muted bool) (*domain.Call, error) {
	return s.SetParticipantPermission(ctx, callID, targetID, actorID, domain.PermissionSpeak, !muted)
}

// ToggleVideo sets canVideo on target
func (s *Service) ToggleVideo(ctx context.Context, callID, actorID, targetID uuid.UUID, enabled bool) (*domain.Call, error) {
	return s.SetParticipantPermission(ctx, callID, targetID, actorID, domain.PermissionVideo, enabled)
}

// ToggleScreenShare sets canShare on target
func (s *Service) ToggleScreenShare(ctx context.Context, callID, actorID, targetID uuid.UUID, enabled bool) (*domain.Call, error) {
	return s.SetParticipantPermission(ctx, callID, targetID, actorID, domain.PermissionShare, enabled)
}

// StartScheduled turns a scheduled call into a ringing one. Only the initiator may start it.
func (s *Service) StartScheduled(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	current, err := s.store.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if current.Participant(userID) == nil {
		return nil, errors.PermissionDeniedError("User is not a participant of this call")
	}
	if userID != current.InitiatorID {
		return nil, errors.PermissionDeniedError("Only the initiator can start a scheduled call")
	}
	if current.Status != domain.CallStatusScheduled {
		return nil, errors.InvalidTransitionError("call", string(current.Status), string(domain.CallStatusConnecting))
	}

	unlock := s.userLocks.Lock(userID)
	defer unlock()

	other, err := s.store.ActiveCallFor(ctx, userID, callID)
	if err != nil {
		return nil, err
	}
	if other != nil {
		return nil, errors.ValidationError("User is already in another active call").
			WithDetails(map[string]any{"active_call_id": other.CallID.String()})
	}

	var invited []uuid.UUID
	for _, p := range current.Participants {
		if p.UserID != userID && p.Status.Pending() {
			invited = append(invited, p.UserID)
		}
	}
	requiresPremium := current.IsGroup && len(invited)+1 > s.cfg.FreeGroupLimit
	if verdict := s.oracle.CheckInitiator(ctx, userID, requiresPremium); !verdict.Available {
		return nil, unavailableError(verdict)
	}
	verdicts := s.oracle.CheckMany(ctx, invited, availability.CheckOptions{ExcludeCallID: callID})
	if verdict, found := availability.FirstUnavailable(verdicts); found {
		return nil, unavailableError(verdict)
	}

	return s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if _, err := tx.Member(userID); err != nil {
			return err
		}
		if userID != tx.Call.InitiatorID {
			return errors.PermissionDeniedError("Only the initiator can start a scheduled call")
		}
		if err := tx.TransitionStatus(domain.CallStatusConnecting); err != nil {
			return err
		}
		if _, err := tx.SetParticipantStatus(userID, domain.ParticipantStatusJoined); err != nil {
			return err
		}

		var invitees []uuid.UUID
		for _, p := range tx.Call.Participants {
			if p.UserID != userID && p.Status.Pending() {
				invitees = append(invitees, p.UserID)
			}
		}
		if len(invitees) > 0 {
			tx.Emit(domain.EventIncomingCall, userID, map[string]any{
				"kind":         string(tx.Call.Kind),
				"is_group":     tx.Call.IsGroup,
				"initiator_id": userID.String(),
				"scheduled":    true,
			}, invitees...)
		}
		return nil
	})
}

// Details returns a call to one of its participants
func (s *Service) Details(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.store.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Participant(userID) == nil {
		return nil, errors.PermissionDeniedError("User is not a participant of this call")
	}
	return call, nil
}

// History returns the user's calls, newest first
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	return s.store.ListForUser(ctx, userID, domain.CallFilter{Limit: limit, Offset: offset})
}

// Scheduled returns the user's upcoming scheduled calls, soonest first
func (s *Service) Scheduled(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error) {
	calls, err := s.store.ListForUser(ctx, userID, domain.CallFilter{
		Statuses: []domain.CallStatus{domain.CallStatusScheduled},
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(calls, func(i, j int) bool {
		return calls[i].ScheduledFor.Before(*calls[j].ScheduledFor)
	})
	return calls, nil
}

// SweepMissed marks calls that have been connecting for longer than the
// ring timeout as missed. It returns the number of calls transitioned.
func (s *Service) SweepMissed(ctx context.Context) (int, error) {
	cutoff := s.store.Now().Add(-s.cfg.RingTimeout)
	stale, err := s.store.ListStale(ctx, domain.CallStatusConnecting, cutoff, 100)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, c := range stale {
		_, err := s.store.Update(ctx, c.CallID, func(tx *session.Tx) error {
			if tx.Call.Status != domain.CallStatusConnecting || !tx.Call.StatusChangedAt.Before(cutoff) {
				return errSkip
			}
			return closeWithEvent(tx, tx.Call.InitiatorID, domain.CallStatusMissed, "ring_timeout")
		})
		switch {
		case err == nil:
			swept++
			s.metrics.RecordMissedBySweep()
		case err == errSkip:
		default:
			logger.Warn("Failed to mark call missed",
				zap.String("call_id", c.CallID.String()),
				zap.Error(err))
		}
	}

	if swept > 0 {
		logger.Info("Ring timeout sweep", zap.Int("missed", swept), zap.Duration("ring_timeout", s.cfg.RingTimeout))
	}
	return swept, nil
}

var errSkip = fmt.Errorf("call no longer stale")

func (s *Service) checkBlocks(ctx context.Context, initiatorID uuid.UUID, recipients []uuid.UUID) error {
	for _, r := range recipients {
		blocked, err := s.isBlockedEitherWay(ctx, initiatorID, r)
		if err != nil {
			return err
		}
		if blocked {
			return errors.PermissionDeniedError("Cannot call this user").
				WithDetails(map[string]any{"user_id": r.String()})
		}
	}
	return nil
}

func (s *Service) isBlockedEitherWay(ctx context.Context, a, b uuid.UUID) (bool, error) {
	blocked, err := s.blocks.IsBlocked(ctx, a, b)
	if err != nil {
		return false, errors.DatabaseError(fmt.Errorf("failed to check block list: %w", err))
	}
	if blocked {
		return true, nil
	}
	blocked, err = s.blocks.IsBlocked(ctx, b, a)
	if err != nil {
		return false, errors.DatabaseError(fmt.Errorf("failed to check block list: %w", err))
	}
	return blocked, nil
}

func requireModerator(tx *session.Tx, userID uuid.UUID) error {
	p, err := tx.Member(userID)
	if err != nil {
		return err
	}
	if !p.Role.Moderates() {
		return errors.PermissionDeniedError("Only the host or a cohost can do this")
	}
	return nil
}

// afterClose hands a recording still running on a just closed call to the
// finalizer, which uploads it in the background.
func (s *Service) afterClose(call *domain.Call, err error) (*domain.Call, error) {
	if err != nil || s.recordings == nil || !call.Status.Terminal() || !call.Recording.Active() {
		return call, err
	}
	callID := call.CallID
	go func() {
		if _, err := s.recordings.Finalize(context.Background(), callID); err != nil {
			logger.Warn("Failed to finalize recording of closed call",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
	}()
	return call, nil
}

// closeWithEvent ends the call inside tx and emits call_ended to the room
func closeWithEvent(tx *session.Tx, actor uuid.UUID, to domain.CallStatus, reason string) error {
	if err := tx.Close(to); err != nil {
		return err
	}
	tx.Emit(domain.EventCallEnded, actor, map[string]any{
		"status":           string(to),
		"reason":           reason,
		"duration_seconds": tx.Call.DurationSeconds,
	})
	return nil
}

// terminalStatusFor picks ended for calls that started and cancelled otherwise
func terminalStatusFor(call *domain.Call) domain.CallStatus {
	if call.Status == domain.CallStatusOngoing {
		return domain.CallStatusEnded
	}
	return domain.CallStatusCancelled
}

// anyoneElseReachable reports whether a participant other than the
// initiator is joined or may still join
func anyoneElseReachable(call *domain.Call) bool {
	for _, p := range call.Participants {
		if p.UserID == call.InitiatorID {
			continue
		}
		if p.Status == domain.ParticipantStatusJoined || p.Status.Pending() {
			return true
		}
	}
	return false
}

func unavailableError(verdict availability.Availability) error {
	details := map[string]any{
		"user_id": verdict.UserID.String(),
		"reason":  string(verdict.Reason),
	}
	if verdict.Reason == availability.ReasonRateLimited {
		return errors.ResourceExhaustedError("Too many call attempts, please wait").WithDetails(details)
	}
	return errors.ValidationError("User is not available for a call").WithDetails(details)
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
