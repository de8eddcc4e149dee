package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/pkg/errors"
	"callorchestrator-backend/pkg/logger"
	"callorchestrator-backend/pkg/metrics"
)

// Repository persists call documents. Update must fail with
// domain.ErrVersionConflict when the stored version differs from expectedVersion.
type Repository interface {
	Insert(ctx context.Context, call *domain.Call) error
	Get(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	Update(ctx context.Context, call *domain.Call, expectedVersion int64) error
	ListByParticipant(ctx context.Context, userID uuid.UUID, filter domain.CallFilter) ([]*domain.Call, error)
	ListByStatus(ctx context.Context, status domain.CallStatus, changedBefore time.Time, limit int) ([]*domain.Call, error)
}

// EventSink receives committed session events. Emit must not block.
type EventSink interface {
	Emit(evt *domain.Event)
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxRetries bounds optimistic retries per mutation
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// Store is the single source of truth for call sessions. Mutations of one
// call are serialized by a per-call lock inside this process and by the
// version check in the repository across processes.
type Store struct {
	repo       Repository
	sink       EventSink
	metrics    *metrics.Metrics
	locks      *KeyedLocks
	now        func() time.Time
	maxRetries int
}

// NewStore creates a call session store
func NewStore(repo Repository, sink EventSink, m *metrics.Metrics, opts ...Option) *Store {
	s := &Store{
		repo:       repo,
		sink:       sink,
		metrics:    m,
		locks:      NewKeyedLocks(),
		now:        time.Now,
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store clock
func (s *Store) Now() time.Time {
	return s.now()
}

// Create persists a new call. build may emit the creation events.
func (s *Store) Create(ctx context.Context, call *domain.Call, build func(tx *Tx) error) (*domain.Call, error) {
	now := s.now()
	if call.CallID == uuid.Nil {
		call.CallID = uuid.New()
	}
	call.CreatedAt = now
	call.UpdatedAt = now
	call.StatusChangedAt = now
	call.Version = 1
	call.Reindex()

	tx := newTx(call, now)
	if build != nil {
		if err := build(tx); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Insert(ctx, tx.Call); err != nil {
		return nil, errors.DatabaseError(fmt.Errorf("failed to create call: %w", err))
	}

	s.metrics.RecordCall(string(call.Kind), string(call.Status))
	if call.Status.Live() {
		s.metrics.IncActiveCalls()
	}
	s.flush(tx)

	logger.Info("Call created",
		zap.String("call_id", call.CallID.String()),
		zap.String("kind", string(call.Kind)),
		zap.String("status", string(call.Status)),
		zap.Int("participants", len(call.Participants)))

	return tx.Call.Clone(), nil
}

// GetByID returns a copy of the call
func (s *Store) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	call, err := s.repo.Get(ctx, callID)
	if err != nil {
		return nil, s.translate(err)
	}
	return call, nil
}

// Update runs fn against the latest call state under the per-call lock and
// commits the result with an optimistic version check, re-running fn on a
// conflict. If fn fails nothing is written and no event is emitted.
func (s *Store) Update(ctx context.Context, callID uuid.UUID, fn func(tx *Tx) error) (*domain.Call, error) {
	unlock := s.locks.Lock(callID)
	defer unlock()

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		current, err := s.repo.Get(ctx, callID)
		if err != nil {
			return nil, s.translate(err)
		}

		expected := current.Version
		tx := newTx(current, s.now())
		if err := fn(tx); err != nil {
			return nil, err
		}

		tx.Call.Version = expected + 1
		tx.Call.UpdatedAt = tx.now

		err = s.repo.Update(ctx, tx.Call, expected)
		if stderrors.Is(err, domain.ErrVersionConflict) {
			s.metrics.RecordStoreConflict()
			logger.Debug("Call version conflict, retrying",
				zap.String("call_id", callID.String()),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, s.translate(err)
		}

		s.observeTransition(tx)
		s.flush(tx)
		return tx.Call.Clone(), nil
	}

	return nil, errors.ConflictError("Call was modified concurrently, please retry")
}

// AppendEvent adds an entry to the call's lifecycle log and pushes it when push is set
func (s *Store) AppendEvent(ctx context.Context, callID uuid.UUID, evt domain.CallEvent, push bool) (*domain.Call, error) {
	return s.Update(ctx, callID, func(tx *Tx) error {
		if push {
			payload := make(map[string]any, len(evt.Detail))
			for k, v := range evt.Detail {
				payload[k] = v
			}
			tx.Emit(evt.Type, evt.UserID, payload)
			return nil
		}
		tx.Log(evt.Type, evt.UserID, evt.Detail)
		return nil
	})
}

// UpdateParticipant applies fn to one participant atomically
func (s *Store) UpdateParticipant(ctx context.Context, callID, userID uuid.UUID, fn func(tx *Tx, p *domain.Participant) error) (*domain.Call, error) {
	return s.Update(ctx, callID, func(tx *Tx) error {
		p, err := tx.Member(userID)
		if err != nil {
			return err
		}
		return fn(tx, p)
	})
}

// TransitionStatus moves the call to a non-terminal status. Illegal moves
// return InvalidTransition and change nothing.
func (s *Store) TransitionStatus(ctx context.Context, callID uuid.UUID, to domain.CallStatus) (*domain.Call, error) {
	return s.Update(ctx, callID, func(tx *Tx) error {
		if to.Terminal() {
			return tx.Close(to)
		}
		return tx.TransitionStatus(to)
	})
}

// Close moves the call into a terminal status and emits call_ended to the room
func (s *Store) Close(ctx context.Context, callID, actor uuid.UUID, to domain.CallStatus, reason string) (*domain.Call, error) {
	return s.Update(ctx, callID, func(tx *Tx) error {
		if err := tx.Close(to); err != nil {
			return err
		}
		tx.Emit(domain.EventCallEnded, actor, map[string]any{
			"status":           string(to),
			"reason":           reason,
			"duration_seconds": tx.Call.DurationSeconds,
		})
		return nil
	})
}

// ListForUser returns the calls userID takes part in, newest first
func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID, filter domain.CallFilter) ([]*domain.Call, error) {
	calls, err := s.repo.ListByParticipant(ctx, userID, filter)
	if err != nil {
		return nil, errors.DatabaseError(fmt.Errorf("failed to list calls: %w", err))
	}
	return calls, nil
}

// ListStale returns calls that entered status before cutoff
func (s *Store) ListStale(ctx context.Context, status domain.CallStatus, cutoff time.Time, limit int) ([]*domain.Call, error) {
	calls, err := s.repo.ListByStatus(ctx, status, cutoff, limit)
	if err != nil {
		return nil, errors.DatabaseError(fmt.Errorf("failed to list %s calls: %w", status, err))
	}
	return calls, nil
}

// ActiveCallFor returns the live call userID is joined to, ignoring exclude
func (s *Store) ActiveCallFor(ctx context.Context, userID, exclude uuid.UUID) (*domain.Call, error) {
	calls, err := s.ListForUser(ctx, userID, domain.CallFilter{
		Statuses: []domain.CallStatus{domain.CallStatusConnecting, domain.CallStatusOngoing},
	})
	if err != nil {
		return nil, err
	}
	for _, c := range calls {
		if c.CallID != exclude && c.Occupies(userID) {
			return c, nil
		}
	}
	return nil, nil
}

// CountActiveRecordings counts recordings userID started that are still capturing
func (s *Store) CountActiveRecordings(ctx context.Context, userID uuid.UUID) (int, error) {
	calls, err := s.ListForUser(ctx, userID, domain.CallFilter{
		Statuses: []domain.CallStatus{domain.CallStatusOngoing},
	})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, c := range calls {
		if c.Recording.Active() && c.Recording.StartedBy == userID {
			count++
		}
	}
	return count, nil
}

func (s *Store) translate(err error) error {
	if stderrors.Is(err, domain.ErrCallNotFound) {
		return errors.CallNotFoundError()
	}
	if errors.IsAppError(err) {
		return err
	}
	return errors.DatabaseError(err)
}

func (s *Store) observeTransition(tx *Tx) {
	from, to := tx.fromStatus, tx.Call.Status
	if from == to {
		return
	}
	switch {
	case !from.Live() && to.Live():
		s.metrics.IncActiveCalls()
	case from.Live() && !to.Live():
		s.metrics.DecActiveCalls()
	}
	if to.Terminal() {
		kind := string(tx.Call.Kind)
		s.metrics.RecordCallTerminal(kind, string(to))
		if to == domain.CallStatusEnded {
			s.metrics.RecordCallDuration(kind, time.Duration(tx.Call.DurationSeconds)*time.Second)
		}
		logger.Info("Call closed",
			zap.String("call_id", tx.Call.CallID.String()),
			zap.String("from", string(from)),
			zap.String("status", string(to)),
			zap.Int64("duration_seconds", tx.Call.DurationSeconds))
	}
}

func (s *Store) flush(tx *Tx) {
	if s.sink == nil {
		return
	}
	for _, evt := range tx.resolve() {
		s.sink.Emit(evt)
	}
}
