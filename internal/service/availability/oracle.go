package availability

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/pkg/logger"
	"callorchestrator-backend/pkg/metrics"
)

// Reason explains why a user is unavailable
type Reason string

const (
	ReasonUserNotFound    Reason = "user_not_found"
	ReasonAccountInactive Reason = "account_inactive"
	ReasonInAnotherCall   Reason = "in_another_call"
	ReasonOffline         Reason = "offline"
	ReasonBusy            Reason = "busy"
	ReasonDoNotDisturb    Reason = "do_not_disturb"
	ReasonNoOnlineDevice  Reason = "no_online_device"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonCallsBlocked    Reason = "calls_blocked"
	ReasonPremiumRequired Reason = "premium_required"
	ReasonCheckFailed     Reason = "check_failed"
)

// Availability is the verdict for one user
type Availability struct {
	UserID    uuid.UUID `json:"user_id"`
	Available bool      `json:"available"`
	Reason    Reason    `json:"reason,omitempty"`
}

// CheckOptions tunes one availability check
type CheckOptions struct {
	// At evaluates availability at a future instant; nil means now
	At *time.Time
	// RequiresPremium demands an active subscription
	RequiresPremium bool
	// ExcludeCallID ignores this call when looking for another active call
	ExcludeCallID uuid.UUID
}

// UserDirectory resolves accounts
type UserDirectory interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// PresenceRegistry reports presence and online devices
type PresenceRegistry interface {
	GetPresence(ctx context.Context, userID uuid.UUID) (*domain.Presence, error)
}

// ActiveCallFinder finds the live call a user is joined to
type ActiveCallFinder interface {
	ActiveCallFor(ctx context.Context, userID, exclude uuid.UUID) (*domain.Call, error)
}

// Oracle answers whether a user can take part in a call. It is read-only
// and reports every failure as a reason, never as an error.
type Oracle struct {
	users    UserDirectory
	presence PresenceRegistry
	calls    ActiveCallFinder
	limiter  *AttemptLimiter
	metrics  *metrics.Metrics
	now      func() time.Time
	parallel int
}

// NewOracle creates an availability oracle. limiter may be nil.
func NewOracle(users UserDirectory, presence PresenceRegistry, calls ActiveCallFinder, limiter *AttemptLimiter, m *metrics.Metrics, now func() time.Time) *Oracle {
	if now == nil {
		now = time.Now
	}
	return &Oracle{
		users:    users,
		presence: presence,
		calls:    calls,
		limiter:  limiter,
		metrics:  m,
		now:      now,
		parallel: 8,
	}
}

// CheckAvailability evaluates, in order and stopping at the first failure:
// account, other active call, presence, devices, call permissions.
// For a future instant only the account and permission rules apply.
func (o *Oracle) CheckAvailability(ctx context.Context, userID uuid.UUID, opts CheckOptions) Availability {
	now := o.now()
	at := now
	future := false
	if opts.At != nil && opts.At.After(now) {
		at = *opts.At
		future = true
	}

	user, reason := o.checkAccount(ctx, userID)
	if reason != "" {
		return o.reject(userID, reason)
	}

	if !future {
		if reason := o.checkActiveCall(ctx, userID, opts.ExcludeCallID); reason != "" {
			return o.reject(userID, reason)
		}
		if reason := o.checkPresence(ctx, userID); reason != "" {
			return o.reject(userID, reason)
		}
	}

	if reason := checkPermissions(user, at, opts.RequiresPremium); reason != "" {
		return o.reject(userID, reason)
	}

	return Availability{UserID: userID, Available: true}
}

// CheckInitiator validates the caller placing a call: account, other active
// call, permissions, and the per-user attempt rate.
func (o *Oracle) CheckInitiator(ctx context.Context, userID uuid.UUID, requiresPremium bool) Availability {
	user, reason := o.checkAccount(ctx, userID)
	if reason != "" {
		return o.reject(userID, reason)
	}
	if reason := o.checkActiveCall(ctx, userID, uuid.Nil); reason != "" {
		return o.reject(userID, reason)
	}
	if reason := checkPermissions(user, o.now(), requiresPremium); reason != "" {
		return o.reject(userID, reason)
	}
	if o.limiter != nil && !o.limiter.Allow(userID) {
		return o.reject(userID, ReasonRateLimited)
	}
	return Availability{UserID: userID, Available: true}
}

// CheckMany checks users concurrently and returns verdicts in input order
func (o *Oracle) CheckMany(ctx context.Context, userIDs []uuid.UUID, opts CheckOptions) []Availability {
	results := make([]Availability, len(userIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallel)
	for i, id := range userIDs {
		i, id := i, id
		g.Go(func() error {
			results[i] = o.CheckAvailability(gctx, id, opts)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// FirstUnavailable returns the first negative verdict, if any
func FirstUnavailable(results []Availability) (Availability, bool) {
	for _, r := range results {
		if !r.Available {
			return r, true
		}
	}
	return Availability{}, false
}

func (o *Oracle) checkAccount(ctx context.Context, userID uuid.UUID) (*domain.User, Reason) {
	user, err := o.users.GetByID(ctx, userID)
	if stderrors.Is(err, domain.ErrUserNotFound) || (err == nil && user == nil) {
		return nil, ReasonUserNotFound
	}
	if err != nil {
		logger.Warn("Availability: user lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return nil, ReasonCheckFailed
	}
	if !user.IsActive() {
		return nil, ReasonAccountInactive
	}
	return user, ""
}

func (o *Oracle) checkActiveCall(ctx context.Context, userID, exclude uuid.UUID) Reason {
	active, err := o.calls.ActiveCallFor(ctx, userID, exclude)
	if err != nil {
		logger.Warn("Availability: active call lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return ReasonCheckFailed
	}
	if active != nil {
		return ReasonInAnotherCall
	}
	return ""
}

func (o *Oracle) checkPresence(ctx context.Context, userID uuid.UUID) Reason {
	presence, err := o.presence.GetPresence(ctx, userID)
	if err != nil {
		logger.Warn("Availability: presence lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return ReasonCheckFailed
	}
	if presence == nil {
		return ReasonOffline
	}
	switch presence.Status {
	case domain.PresenceBusy:
		return ReasonBusy
	case domain.PresenceDND:
		return ReasonDoNotDisturb
	case domain.PresenceOffline:
		return ReasonOffline
	}
	if presence.OnlineDevices < 1 {
		return ReasonNoOnlineDevice
	}
	return ""
}

func checkPermissions(user *domain.User, at time.Time, requiresPremium bool) Reason {
	if user.CallsBlocked {
		return ReasonCallsBlocked
	}
	if user.RateLimitedAt(at) {
		return ReasonRateLimited
	}
	if requiresPremium && !user.HasPremium(at) {
		return ReasonPremiumRequired
	}
	return ""
}

func (o *Oracle) reject(userID uuid.UUID, reason Reason) Availability {
	if o.metrics != nil {
		o.metrics.RecordAvailabilityRejection(string(reason))
	}
	return Availability{UserID: userID, Available: false, Reason: reason}
}
