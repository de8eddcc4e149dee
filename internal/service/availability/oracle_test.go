package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/pkg/metrics"
)

// MockUserDirectory is a mock implementation of UserDirectory
type MockUserDirectory struct {
	mock.Mock
}

func (m *MockUserDirectory) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

// MockPresenceRegistry is a mock implementation of PresenceRegistry
type MockPresenceRegistry struct {
	mock.Mock
}

func (m *MockPresenceRegistry) GetPresence(ctx context.Context, userID uuid.UUID) (*domain.Presence, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Presence), args.Error(1)
}

// MockActiveCallFinder is a mock implementation of ActiveCallFinder
type MockActiveCallFinder struct {
	mock.Mock
}

func (m *MockActiveCallFinder) ActiveCallFor(ctx context.Context, userID, exclude uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, userID, exclude)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestOracle(limiter *AttemptLimiter) (*Oracle, *MockUserDirectory, *MockPresenceRegistry, *MockActiveCallFinder) {
	users := new(MockUserDirectory)
	presence := new(MockPresenceRegistry)
	calls := new(MockActiveCallFinder)
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	oracle := NewOracle(users, presence, calls, limiter, m, func() time.Time { return testNow })
	return oracle, users, presence, calls
}

func activeUser(id uuid.UUID) *domain.User {
	return &domain.User{UserID: id, Status: domain.AccountActive}
}

func onlinePresence(id uuid.UUID) *domain.Presence {
	return &domain.Presence{UserID: id, Status: domain.PresenceOnline, OnlineDevices: 1}
}

func TestCheckAvailability_Available(t *testing.T) {
	oracle, users, presence, calls := newTestOracle(nil)
	userID := uuid.New()

	users.On("GetByID", mock.Anything, userID).Return(activeUser(userID), nil)
	calls.On("ActiveCallFor", mock.Anything, userID, uuid.Nil).Return(nil, nil)
	presence.On("GetPresence", mock.Anything, userID).Return(onlinePresence(userID), nil)

	result := oracle.CheckAvailability(context.Background(), userID, CheckOptions{})

	assert.True(t, result.Available)
	assert.Empty(t, result.Reason)
	users.AssertExpectations(t)
	calls.AssertExpectations(t)
	presence.AssertExpectations(t)
}

func TestCheckAvailability_ShortCircuits(t *testing.T) {
	oracle, users, presence, calls := newTestOracle(nil)
	userID := uuid.New()

	users.On("GetByID", mock.Anything, userID).Return(nil, domain.ErrUserNotFound)

	result := oracle.CheckAvailability(context.Background(), userID, CheckOptions{})

	assert.False(t, result.Available)
	assert.Equal(t, ReasonUserNotFound, result.Reason)
	calls.AssertNotCalled(t, "ActiveCallFor", mock.Anything, mock.Anything, mock.Anything)
	presence.AssertNotCalled(t, "GetPresence", mock.Anything, mock.Anything)
}

func TestCheckAvailability_Reasons(t *testing.T) {
	premiumUntil := testNow.Add(24 * time.Hour)
	limitedUntil := testNow.Add(time.Hour)

	tests := []struct {
		name     string
		user     *domain.User
		active   *domain.Call
		presence *domain.Presence
		opts     CheckOptions
		want     Reason
	}{
		{
			name: "suspended account",
			user: &domain.User{Status: domain.AccountSuspended},
			want: ReasonAccountInactive,
		},
		{
			name:   "in another call",
			user:   &domain.User{Status: domain.AccountActive},
			active: &domain.Call{CallID: uuid.New()},
			want:   ReasonInAnotherCall,
		},
		{
			name:     "do not disturb",
			user:     &domain.User{Status: domain.AccountActive},
			presence: &domain.Presence{Status: domain.PresenceDND, OnlineDevices: 2},
			want:     ReasonDoNotDisturb,
		},
		{
			name:     "busy",
			user:     &domain.User{Status: domain.AccountActive},
			presence: &domain.Presence{Status: domain.PresenceBusy, OnlineDevices: 1},
			want:     ReasonBusy,
		},
		{
			name:     "no device",
			user:     &domain.User{Status: domain.AccountActive},
			presence: &domain.Presence{Status: domain.PresenceOnline},
			want:     ReasonNoOnlineDevice,
		},
		{
			name:     "calls blocked",
			user:     &domain.User{Status: domain.AccountActive, CallsBlocked: true},
			presence: &domain.Presence{Status: domain.PresenceOnline, OnlineDevices: 1},
			want:     ReasonCallsBlocked,
		},
		{
			name:     "rate limited",
			user:     &domain.User{Status: domain.AccountActive, RateLimitedUntil: &limitedUntil},
			presence: &domain.Presence{Status: domain.PresenceOnline, OnlineDevices: 1},
			want:     ReasonRateLimited,
		},
		{
			name:     "premium required",
			user:     &domain.User{Status: domain.AccountActive},
			presence: &domain.Presence{Status: domain.PresenceOnline, OnlineDevices: 1},
			opts:     CheckOptions{RequiresPremium: true},
			want:     ReasonPremiumRequired,
		},
		{
			name:     "premium active",
			user:     &domain.User{Status: domain.AccountActive, PremiumUntil: &premiumUntil},
			presence: &domain.Presence{Status: domain.PresenceOnline, OnlineDevices: 1},
			opts:     CheckOptions{RequiresPremium: true},
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle, users, presence, calls := newTestOracle(nil)
			userID := uuid.New()
			tt.user.UserID = userID

			users.On("GetByID", mock.Anything, userID).Return(tt.user, nil)
			calls.On("ActiveCallFor", mock.Anything, userID, uuid.Nil).Return(tt.active, nil).Maybe()
			presence.On("GetPresence", mock.Anything, userID).Return(tt.presence, nil).Maybe()

			result := oracle.CheckAvailability(context.Background(), userID, tt.opts)

			assert.Equal(t, tt.want == "", result.Available)
			assert.Equal(t, tt.want, result.Reason)
		})
	}
}

func TestCheckAvailability_FutureSkipsPresenceAndActiveCall(t *testing.T) {
	oracle, users, presence, calls := newTestOracle(nil)
	userID := uuid.New()
	at := testNow.Add(48 * time.Hour)

	users.On("GetByID", mock.Anything, userID).Return(activeUser(userID), nil)

	result := oracle.CheckAvailability(context.Background(), userID, CheckOptions{At: &at})

	assert.True(t, result.Available)
	calls.AssertNotCalled(t, "ActiveCallFor", mock.Anything, mock.Anything, mock.Anything)
	presence.AssertNotCalled(t, "GetPresence", mock.Anything, mock.Anything)
}

func TestCheckAvailability_LookupErrorIsAReason(t *testing.T) {
	oracle, users, _, _ := newTestOracle(nil)
	userID := uuid.New()

	users.On("GetByID", mock.Anything, userID).Return(nil, errors.New("connection reset"))

	result := oracle.CheckAvailability(context.Background(), userID, CheckOptions{})

	assert.False(t, result.Available)
	assert.Equal(t, ReasonCheckFailed, result.Reason)
}

func TestCheckMany_KeepsOrder(t *testing.T) {
	oracle, users, presence, calls := newTestOracle(nil)
	ok, missing := uuid.New(), uuid.New()

	users.On("GetByID", mock.Anything, ok).Return(activeUser(ok), nil)
	users.On("GetByID", mock.Anything, missing).Return(nil, domain.ErrUserNotFound)
	calls.On("ActiveCallFor", mock.Anything, ok, uuid.Nil).Return(nil, nil)
	presence.On("GetPresence", mock.Anything, ok).Return(onlinePresence(ok), nil)

	results := oracle.CheckMany(context.Background(), []uuid.UUID{ok, missing}, CheckOptions{})

	assert.Len(t, results, 2)
	assert.Equal(t, ok, results[0].UserID)
	assert.True(t, results[0].Available)
	assert.Equal(t, missing, results[1].UserID)

	first, found := FirstUnavailable(results)
	assert.True(t, found)
	assert.Equal(t, ReasonUserNotFound, first.Reason)
}

func TestCheckInitiator_RateLimited(t *testing.T) {
	limiter := NewAttemptLimiter(2, func() time.Time { return testNow })
	oracle, users, _, calls := newTestOracle(limiter)
	userID := uuid.New()

	users.On("GetByID", mock.Anything, userID).Return(activeUser(userID), nil)
	calls.On("ActiveCallFor", mock.Anything, userID, uuid.Nil).Return(nil, nil)

	assert.True(t, oracle.CheckInitiator(context.Background(), userID, false).Available)
	assert.True(t, oracle.CheckInitiator(context.Background(), userID, false).Available)

	result := oracle.CheckInitiator(context.Background(), userID, false)
	assert.False(t, result.Available)
	assert.Equal(t, ReasonRateLimited, result.Reason)
}

func TestAttemptLimiter_Prune(t *testing.T) {
	now := testNow
	limiter := NewAttemptLimiter(10, func() time.Time { return now })

	limiter.Allow(uuid.New())
	now = now.Add(time.Hour)
	limiter.Allow(uuid.New())

	assert.Equal(t, 1, limiter.Prune(30*time.Minute))
}
