package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callbridge-backend/internal/domain"
	apperrors "callbridge-backend/pkg/errors"
)

// HistoryRepository persists finished-call summaries to CockroachDB. The
// live call record lives in the signaling store; this table is the durable
// call log that survives record cleanup.
type HistoryRepository struct {
	pool *pgxpool.Pool
}

// NewHistoryRepository creates a new call history repository
func NewHistoryRepository(pool *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{pool: pool}
}

// RecordCall inserts a finished-call summary. Idempotent on call_id: the
// coordinator may retry after a transient failure, and both sides of a call
// race to record the same terminal record.
func (r *HistoryRepository) RecordCall(ctx context.Context, rec *domain.CallRecord) error {
	query := `
		INSERT INTO call_history (
			call_id, chat_id, caller_id, callee_id, call_type, status,
			started_at, connected_at, ended_at, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (call_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		rec.CallID,
		rec.ChatID,
		rec.CallerID,
		rec.CalleeID,
		rec.Type,
		rec.Status,
		rec.StartedAt,
		rec.ConnectedAt,
		rec.EndedAt,
		rec.DurationSeconds,
	)

	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}

	return nil
}

// GetByID retrieves a single call history entry
func (r *HistoryRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	query := `
		SELECT call_id, chat_id, caller_id, callee_id, call_type, status,
		       started_at, connected_at, ended_at, duration_seconds
		FROM call_history
		WHERE call_id = $1
	`

	rec := &domain.CallRecord{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&rec.CallID,
		&rec.ChatID,
		&rec.CallerID,
		&rec.CalleeID,
		&rec.Type,
		&rec.Status,
		&rec.StartedAt,
		&rec.ConnectedAt,
		&rec.EndedAt,
		&rec.DurationSeconds,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewCallNotFound(callID.String())
		}
		return nil, fmt.Errorf("failed to get call history: %w", err)
	}

	return rec, nil
}

// ListForUser retrieves call history entries where the user was either
// party, newest first.
func (r *HistoryRepository) ListForUser(ctx context.Context, userID string, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT call_id, chat_id, caller_id, callee_id, call_type, status,
		       started_at, connected_at, ended_at, duration_seconds
		FROM call_history
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}
	defer rows.Close()

	var records []*domain.CallRecord
	for rows.Next() {
		rec := &domain.CallRecord{}
		err := rows.Scan(
			&rec.CallID,
			&rec.ChatID,
			&rec.CallerID,
			&rec.CalleeID,
			&rec.Type,
			&rec.Status,
			&rec.StartedAt,
			&rec.ConnectedAt,
			&rec.EndedAt,
			&rec.DurationSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call history row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read call history rows: %w", err)
	}

	return records, nil
}

// ListForChat retrieves the call log of a single chat, newest first
func (r *HistoryRepository) ListForChat(ctx context.Context, chatID string, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT call_id, chat_id, caller_id, callee_id, call_type, status,
		       started_at, connected_at, ended_at, duration_seconds
		FROM call_history
		WHERE chat_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat call history: %w", err)
	}
	defer rows.Close()

	var records []*domain.CallRecord
	for rows.Next() {
		rec := &domain.CallRecord{}
		err := rows.Scan(
			&rec.CallID,
			&rec.ChatID,
			&rec.CallerID,
			&rec.CalleeID,
			&rec.Type,
			&rec.Status,
			&rec.StartedAt,
			&rec.ConnectedAt,
			&rec.EndedAt,
			&rec.DurationSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call history row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read call history rows: %w", err)
	}

	return records, nil
}
