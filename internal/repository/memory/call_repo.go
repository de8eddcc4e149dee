// Package memory holds in-process repositories for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"callorchestrator-backend/internal/domain"
)

// CallRepository keeps call documents in a map with version checks
type CallRepository struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*domain.Call
}

// NewCallRepository creates an empty repository
func NewCallRepository() *CallRepository {
	return &CallRepository{calls: make(map[uuid.UUID]*domain.Call)}
}

// Insert stores a new call
func (r *CallRepository) Insert(ctx context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.CallID]; exists {
		return domain.ErrVersionConflict
	}
	r.calls[call.CallID] = call.Clone()
	return nil
}

// Get returns a copy of the stored call
func (r *CallRepository) Get(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return call.Clone(), nil
}

// Update replaces the call if the stored version equals expectedVersion
func (r *CallRepository) Update(ctx context.Context, call *domain.Call, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.calls[call.CallID]
	if !ok {
		return domain.ErrCallNotFound
	}
	if stored.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	r.calls[call.CallID] = call.Clone()
	return nil
}

// ListByParticipant returns calls that include userID, newest first
func (r *CallRepository) ListByParticipant(ctx context.Context, userID uuid.UUID, filter domain.CallFilter) ([]*domain.Call, error) {
	r.mu.RLock()
	var out []*domain.Call
	for _, call := range r.calls {
		if !filter.Matches(call.Status) {
			continue
		}
		if call.Participant(userID) == nil {
			continue
		}
		out = append(out, call.Clone())
	}
	r.mu.RUnlock()

	sortNewestFirst(out)
	return paginate(out, filter.Offset, filter.Limit), nil
}

// ListByStatus returns calls that entered status before changedBefore, oldest first
func (r *CallRepository) ListByStatus(ctx context.Context, status domain.CallStatus, changedBefore time.Time, limit int) ([]*domain.Call, error) {
	r.mu.RLock()
	var out []*domain.Call
	for _, call := range r.calls {
		if call.Status == status && call.StatusChangedAt.Before(changedBefore) {
			out = append(out, call.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StatusChangedAt.Before(out[j].StatusChangedAt) })
	return paginate(out, 0, limit), nil
}

func sortNewestFirst(calls []*domain.Call) {
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].CreatedAt.Equal(calls[j].CreatedAt) {
			return calls[i].CallID.String() < calls[j].CallID.String()
		}
		return calls[i].CreatedAt.After(calls[j].CreatedAt)
	})
}

func paginate(calls []*domain.Call, offset, limit int) []*domain.Call {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(calls) {
		return nil
	}
	calls = calls[offset:]
	if limit > 0 && limit < len(calls) {
		calls = calls[:limit]
	}
	return calls
}
