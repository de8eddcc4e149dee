// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single WebSocket write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)

// Call-related defaults; every one of them can be overridden through config
const (
	// DefaultRingTimeout is how long a call may stay connecting before it is missed
	DefaultRingTimeout = 45 * time.Second

	// DefaultMaxParticipants bounds group call size
	DefaultMaxParticipants = 8

	// MinCallDuration is the shortest call that can be scheduled
	MinCallDuration = 5 * time.Minute

	// MaxCallDuration is the longest call that can be scheduled
	MaxCallDuration = 8 * time.Hour

	// MaxScheduleAhead is how far in the future a call may be scheduled
	MaxScheduleAhead = 30 * 24 * time.Hour

	// OngoingCallEstimate is the assumed remaining length of an unscheduled ongoing call
	OngoingCallEstimate = 60 * time.Minute

	// DefaultBitrateKbps is the initial media bitrate target
	DefaultBitrateKbps = 1200

	// MaxBitrateKbps caps renegotiated bitrate requests
	MaxBitrateKbps = 8000
)

// Recording constants
const (
	// MinRecordingReservation is the free storage required before a recording may start (100MiB)
	MinRecordingReservation = 100 * 1024 * 1024

	// DefaultStorageQuota is the storage quota of a user without an explicit quota row (10GiB)
	DefaultStorageQuota = 10 * 1024 * 1024 * 1024

	// MaxConcurrentRecordings is the per-user limit of simultaneously active recordings
	MaxConcurrentRecordings = 2
)
