package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the account state kept by the identity service
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountDeleted   AccountStatus = "deleted"
)

// User is the read-only view of a user the orchestrator needs.
// Maps to CockroachDB users table
type User struct {
	UserID       uuid.UUID     `json:"user_id" db:"user_id"`
	Username     string        `json:"username" db:"username"`
	DisplayName  string        `json:"display_name" db:"display_name"`
	Status       AccountStatus `json:"status" db:"account_status"`
	PremiumUntil *time.Time    `json:"premium_until,omitempty" db:"premium_until"`
	CallsBlocked bool          `json:"calls_blocked" db:"calls_blocked"`
	// RateLimitedUntil is set by abuse handling upstream
	RateLimitedUntil *time.Time `json:"rate_limited_until,omitempty" db:"rate_limited_until"`
}

// IsActive reports whether the account may take part in calls
func (u *User) IsActive() bool {
	return u.Status == AccountActive
}

// HasPremium reports whether the subscription is active at t
func (u *User) HasPremium(t time.Time) bool {
	return u.PremiumUntil != nil && u.PremiumUntil.After(t)
}

// RateLimitedAt reports whether an upstream rate limit is in force at t
func (u *User) RateLimitedAt(t time.Time) bool {
	return u.RateLimitedUntil != nil && u.RateLimitedUntil.After(t)
}

// PresenceStatus is a user's presence as reported by the presence registry
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceDND     PresenceStatus = "dnd"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is a user's presence and online device count
type Presence struct {
	UserID        uuid.UUID      `json:"user_id"`
	Status        PresenceStatus `json:"status"`
	OnlineDevices int            `json:"online_devices"`
	LastSeen      time.Time      `json:"last_seen"`
}

// StorageQuota is a user's recording storage usage
type StorageQuota struct {
	UserID     uuid.UUID `json:"user_id"`
	TotalUsed  int64     `json:"total_used"`  // Bytes
	QuotaLimit int64     `json:"quota_limit"` // Bytes, based on subscription plan
}

// Remaining returns the free bytes left in the quota
func (q *StorageQuota) Remaining() int64 {
	if q.TotalUsed >= q.QuotaLimit {
		return 0
	}
	return q.QuotaLimit - q.TotalUsed
}
