package cockroach

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callorchestrator-backend/internal/domain"
)

// CallRepository stores call sessions as JSONB documents guarded by a version column.
//
// Schema:
//
//	CREATE TABLE calls (
//	    call_id UUID PRIMARY KEY,
//	    initiator_id UUID NOT NULL,
//	    status STRING NOT NULL,
//	    status_changed_at TIMESTAMPTZ NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL,
//	    version INT8 NOT NULL,
//	    document JSONB NOT NULL,
//	    INDEX (status, status_changed_at)
//	);
//	CREATE TABLE call_participants (
//	    call_id UUID NOT NULL REFERENCES calls (call_id),
//	    user_id UUID NOT NULL,
//	    PRIMARY KEY (call_id, user_id),
//	    INDEX (user_id)
//	);
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new CallRepository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Insert creates a call row and its participant index rows
func (r *CallRepository) Insert(ctx context.Context, call *domain.Call) error {
	doc, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to encode call: %w", err)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO calls (call_id, initiator_id, status, status_changed_at, created_at, updated_at, version, document)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (call_id) DO NOTHING
		`
		tag, err := tx.Exec(ctx, query,
			call.CallID,
			call.InitiatorID,
			call.Status,
			call.StatusChangedAt,
			call.CreatedAt,
			call.UpdatedAt,
			call.Version,
			doc,
		)
		if err != nil {
			return fmt.Errorf("failed to create call: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrVersionConflict
		}
		return indexParticipants(ctx, tx, call)
	})
}

// Get retrieves a call by ID
func (r *CallRepository) Get(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `SELECT document, version FROM calls WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// Update writes the call only if the stored version still equals expectedVersion
func (r *CallRepository) Update(ctx context.Context, call *domain.Call, expectedVersion int64) error {
	doc, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to encode call: %w", err)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE calls
			SET status = $3, status_changed_at = $4, updated_at = $5, version = $6, document = $7
			WHERE call_id = $1 AND version = $2
		`
		tag, err := tx.Exec(ctx, query,
			call.CallID,
			expectedVersion,
			call.Status,
			call.StatusChangedAt,
			call.UpdatedAt,
			call.Version,
			doc,
		)
		if err != nil {
			return fmt.Errorf("failed to update call: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM calls WHERE call_id = $1)`, call.CallID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check call: %w", err)
			}
			if !exists {
				return domain.ErrCallNotFound
			}
			return domain.ErrVersionConflict
		}
		return indexParticipants(ctx, tx, call)
	})
}

// ListByParticipant returns the calls userID was part of, newest first
func (r *CallRepository) ListByParticipant(ctx context.Context, userID uuid.UUID, filter domain.CallFilter) ([]*domain.Call, error) {
	var b strings.Builder
	args := []any{userID}

	b.WriteString(`
		SELECT c.document, c.version
		FROM calls c
		JOIN call_participants p ON p.call_id = c.call_id
		WHERE p.user_id = $1`)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		fmt.Fprintf(&b, " AND c.status = ANY($%d)", len(args))
	}
	b.WriteString(" ORDER BY c.created_at DESC, c.call_id")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	return collectCalls(rows)
}

// ListByStatus returns calls that entered status before changedBefore, oldest first
func (r *CallRepository) ListByStatus(ctx context.Context, status domain.CallStatus, changedBefore time.Time, limit int) ([]*domain.Call, error) {
	query := `
		SELECT document, version
		FROM calls
		WHERE status = $1 AND status_changed_at < $2
		ORDER BY status_changed_at ASC
		LIMIT $3
	`
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, query, status, changedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls by status: %w", err)
	}
	return collectCalls(rows)
}

// indexParticipants keeps call_participants in step with the document.
// Rescheduling may replace invitees, so stale rows are deleted first.
func indexParticipants(ctx context.Context, tx pgx.Tx, call *domain.Call) error {
	userIDs := make([]uuid.UUID, len(call.Participants))
	for i, p := range call.Participants {
		userIDs[i] = p.UserID
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM call_participants WHERE call_id = $1 AND NOT (user_id = ANY($2))`, call.CallID, userIDs)
	for _, userID := range userIDs {
		batch.Queue(`UPSERT INTO call_participants (call_id, user_id) VALUES ($1, $2)`, call.CallID, userID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to index call participants: %w", err)
	}
	return nil
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	var doc []byte
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}

	call := &domain.Call{}
	if err := json.Unmarshal(doc, call); err != nil {
		return nil, fmt.Errorf("failed to decode call: %w", err)
	}
	call.Version = version
	call.Reindex()
	return call, nil
}

func collectCalls(rows pgx.Rows) ([]*domain.Call, error) {
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}
	return calls, nil
}
