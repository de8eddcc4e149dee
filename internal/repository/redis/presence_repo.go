package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"callorchestrator-backend/internal/database"
	"callorchestrator-backend/internal/domain"
)

// presenceTTL expires a presence entry whose owner stopped refreshing it
const presenceTTL = 5 * time.Minute

// PresenceRepository reads and maintains user presence in Redis.
//
// Layout:
//
//	presence:<user_id>          hash {status, last_seen}
//	presence:devices:<user_id>  set of connected device/connection IDs
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

func devicesKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:devices:%s", userID)
}

// GetPresence returns the user's status and online device count.
// A user without a presence entry is offline.
func (r *PresenceRepository) GetPresence(ctx context.Context, userID uuid.UUID) (*domain.Presence, error) {
	fields, err := r.client.SafeHGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	devices, err := r.client.SafeSCard(ctx, devicesKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}

	presence := &domain.Presence{
		UserID:        userID,
		Status:        domain.PresenceOffline,
		OnlineDevices: int(devices),
	}
	if status, ok := fields["status"]; ok && status != "" {
		presence.Status = domain.PresenceStatus(status)
	}
	if ts, ok := fields["last_seen"]; ok {
		if unix, err := strconv.ParseInt(ts, 10, 64); err == nil {
			presence.LastSeen = time.Unix(unix, 0).UTC()
		}
	}

	return presence, nil
}

// AddDevice marks a connection of the user as online. The status is set to
// online unless the user already chose another one (busy, dnd, away).
func (r *PresenceRepository) AddDevice(ctx context.Context, userID uuid.UUID, deviceID string) error {
	if r.client.IsDegraded() {
		return database.ErrRedisDegraded
	}

	key := presenceKey(userID)
	_, err := r.client.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, devicesKey(userID), deviceID)
		pipe.Expire(ctx, devicesKey(userID), presenceTTL)
		pipe.HSetNX(ctx, key, "status", string(domain.PresenceOnline))
		pipe.HSet(ctx, key, "last_seen", time.Now().Unix())
		pipe.Expire(ctx, key, presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add device: %w", err)
	}

	return nil
}

// RemoveDevice drops a connection. The last connection going away leaves
// the user offline.
func (r *PresenceRepository) RemoveDevice(ctx context.Context, userID uuid.UUID, deviceID string) error {
	if r.client.IsDegraded() {
		return database.ErrRedisDegraded
	}

	if err := r.client.Client.SRem(ctx, devicesKey(userID), deviceID).Err(); err != nil {
		return fmt.Errorf("failed to remove device: %w", err)
	}

	remaining, err := r.client.Client.SCard(ctx, devicesKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to count devices: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	err = r.client.Client.HSet(ctx, presenceKey(userID),
		"status", string(domain.PresenceOffline),
		"last_seen", time.Now().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set user offline: %w", err)
	}

	return nil
}

// RefreshPresence keeps the user's entries alive (heartbeat)
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userID uuid.UUID) error {
	if r.client.IsDegraded() {
		return database.ErrRedisDegraded
	}

	_, err := r.client.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, presenceKey(userID), presenceTTL)
		pipe.Expire(ctx, devicesKey(userID), presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}

	return nil
}
