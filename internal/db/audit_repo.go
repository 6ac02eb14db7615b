package db

import (
	"context"

	"limitter/internal/types"
)

// AuditRepository records admin and billing actions for later review.
// Entries are append-only.
type AuditRepository struct {
	db DBTX
}

// NewAuditRepository creates a new AuditRepository backed by the given
// database connection (pool or transaction).
func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert writes an audit entry. Caller pre-populates the ID.
func (r *AuditRepository) Insert(ctx context.Context, entry *types.AuditEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_log (id, actor_id, action, target_user_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		entry.ID,
		entry.ActorID,
		entry.Action,
		nilIfEmpty(entry.TargetUserID),
		entry.Details,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert audit entry", err)
	}
	return nil
}

// ListByTarget returns the most recent entries affecting one user,
// newest first.
func (r *AuditRepository) ListByTarget(ctx context.Context, targetUserID string, limit int) ([]*types.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, actor_id, action, target_user_id, details, created_at
		 FROM audit_log WHERE target_user_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		targetUserID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list audit entries", err)
	}
	defer rows.Close()

	var results []*types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var target *string
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &target, &e.Details, &e.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan audit row", err)
		}
		if target != nil {
			e.TargetUserID = *target
		}
		results = append(results, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating audit rows", err)
	}
	return results, nil
}
