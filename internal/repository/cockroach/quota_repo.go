package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callorchestrator-backend/internal/domain"
)

// QuotaRepository tracks recording storage usage per user.
// Users without a row get the default limit.
type QuotaRepository struct {
	pool         *pgxpool.Pool
	defaultLimit int64
}

// NewQuotaRepository creates a new QuotaRepository
func NewQuotaRepository(pool *pgxpool.Pool, defaultLimit int64) *QuotaRepository {
	return &QuotaRepository{pool: pool, defaultLimit: defaultLimit}
}

// GetQuota returns the user's usage and limit
func (r *QuotaRepository) GetQuota(ctx context.Context, userID uuid.UUID) (*domain.StorageQuota, error) {
	query := `SELECT total_used, quota_limit FROM storage_quotas WHERE user_id = $1`

	quota := &domain.StorageQuota{UserID: userID}
	err := r.pool.QueryRow(ctx, query, userID).Scan(&quota.TotalUsed, &quota.QuotaLimit)
	if err == pgx.ErrNoRows {
		quota.QuotaLimit = r.defaultLimit
		return quota, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get storage quota: %w", err)
	}

	return quota, nil
}

// AddUsage charges bytes to the user's quota, creating the row on first use
func (r *QuotaRepository) AddUsage(ctx context.Context, userID uuid.UUID, bytes int64) error {
	query := `
		INSERT INTO storage_quotas (user_id, total_used, quota_limit, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE
		SET total_used = storage_quotas.total_used + excluded.total_used, updated_at = now()
	`

	if _, err := r.pool.Exec(ctx, query, userID, bytes, r.defaultLimit); err != nil {
		return fmt.Errorf("failed to add storage usage: %w", err)
	}

	return nil
}
