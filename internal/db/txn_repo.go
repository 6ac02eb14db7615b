package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"limitter/internal/types"
)

const txnColumns = `id, user_id, type, amount_cents, description, status, payment_method, metadata, created_at`

// TransactionRepo stores the immutable monetary ledger. Rows are insert-only:
// there is no Update or Delete. Corrections happen by inserting compensating
// entries with type admin_adjustment.
type TransactionRepo struct {
	db DBTX
}

// NewTransactionRepo creates a new TransactionRepo backed by the given
// database connection (pool or transaction).
func NewTransactionRepo(db DBTX) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// Insert writes a new ledger row. Caller pre-populates the ID.
func (r *TransactionRepo) Insert(ctx context.Context, txn *types.Transaction) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount_cents, description, status, payment_method, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		txn.ID,
		txn.UserID,
		txn.Type,
		txn.AmountCents,
		txn.Description,
		txn.Status,
		txn.PaymentMethod,
		txn.Metadata,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert transaction", err)
	}
	return nil
}

// GetByID retrieves a single ledger row.
func (r *TransactionRepo) GetByID(ctx context.Context, id string) (*types.Transaction, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`,
		id,
	)

	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get transaction", err)
	}
	return txn, nil
}

// List retrieves a user's ledger entries newest-first with cursor-based
// pagination. Uses limit+1 fetch strategy to determine HasMore without a
// separate COUNT query.
func (r *TransactionRepo) List(ctx context.Context, filter types.TransactionFilter) ([]*types.Transaction, types.PageInfo, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var conditions []string
	var args []any
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
	args = append(args, filter.UserID)
	argIdx++

	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIdx))
		args = append(args, filter.Type)
		argIdx++
	}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	// Cursor-based pagination: fetch items older than the cursor timestamp.
	if filter.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, filter.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	query := fmt.Sprintf(
		`SELECT %s FROM transactions WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		txnColumns,
		strings.Join(conditions, " AND "),
		argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list transactions", err)
	}
	defer rows.Close()

	var results []*types.Transaction
	for rows.Next() {
		txn, scanErr := scanTransaction(rows)
		if scanErr != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan transaction row", scanErr)
		}
		results = append(results, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating transaction rows", err)
	}

	pageInfo := types.PageInfo{}
	if len(results) > limit {
		pageInfo.HasMore = true
		pageInfo.NextCursor = results[limit-1].CreatedAt.Format(time.RFC3339Nano)
		results = results[:limit]
	}

	return results, pageInfo, nil
}

// RecordCompletedTransaction inserts a ledger row and, when it is completed,
// applies the coupled writes: the user's lifetime spend total and the global
// revenue and transaction counters. The ledger and the denormalized totals
// are one logical unit, so this must run inside the caller's transaction.
func RecordCompletedTransaction(ctx context.Context, tx DBTX, txn *types.Transaction) error {
	if err := NewTransactionRepo(tx).Insert(ctx, txn); err != nil {
		return err
	}
	if txn.Status != types.TxnStatusCompleted {
		return nil
	}
	if err := NewUserRepository(tx).AddSpent(ctx, txn.UserID, txn.AmountCents); err != nil {
		return err
	}
	deltas := map[string]int64{
		StatTotalRevenueCents:                    txn.AmountCents,
		"revenue." + string(txn.Type) + "_cents": txn.AmountCents,
		transactionCountKey(string(txn.Type), string(txn.Status), string(txn.PaymentMethod)): 1,
	}
	// Plan purchases additionally break revenue out per tier; the tier is
	// carried in the ledger metadata so the rebuilder can re-derive it.
	if txn.Type == types.TxnPlanPurchase {
		if plan, ok := txn.Metadata["plan"].(string); ok && plan != "" {
			deltas[planRevenueKey(plan)] = txn.AmountCents
		}
	}
	return NewAdminStatsRepo(tx).IncrementAll(ctx, deltas)
}

func transactionCountKey(txnType, status, method string) string {
	return "transactions." + txnType + "." + status + "." + method
}

func planRevenueKey(plan string) string {
	return "revenue.plan." + plan + "_cents"
}

// SumCompletedByUser returns the sum of completed ledger amounts for one
// user. Used by the stats rebuilder to cross-check users.total_spent_cents.
func (r *TransactionRepo) SumCompletedByUser(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM transactions
		 WHERE user_id = $1 AND status = $2`,
		userID,
		types.TxnStatusCompleted,
	).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum transactions", err)
	}
	return total, nil
}

// AggregateCompleted returns global totals over all completed transactions:
// overall revenue, revenue by type, counts keyed by type/status/payment
// method, and plan-purchase revenue by tier. Produces the same key scheme
// the incremental path writes, so the rebuilder can replace it wholesale.
func (r *TransactionRepo) AggregateCompleted(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT type, status, payment_method, COUNT(*), COALESCE(SUM(amount_cents), 0)
		 FROM transactions WHERE status = $1
		 GROUP BY type, status, payment_method`,
		types.TxnStatusCompleted,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate transactions", err)
	}
	defer rows.Close()

	totals := map[string]int64{}
	for rows.Next() {
		var txnType, status, method string
		var count, sum int64
		if err := rows.Scan(&txnType, &status, &method, &count, &sum); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan aggregate row", err)
		}
		totals[StatTotalRevenueCents] += sum
		totals["revenue."+txnType+"_cents"] += sum
		totals[transactionCountKey(txnType, status, method)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating aggregate rows", err)
	}

	planRows, err := r.db.Query(ctx,
		`SELECT metadata->>'plan', COALESCE(SUM(amount_cents), 0)
		 FROM transactions
		 WHERE status = $1 AND type = $2 AND metadata->>'plan' IS NOT NULL
		 GROUP BY metadata->>'plan'`,
		types.TxnStatusCompleted,
		types.TxnPlanPurchase,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate plan revenue", err)
	}
	defer planRows.Close()

	for planRows.Next() {
		var plan string
		var sum int64
		if err := planRows.Scan(&plan, &sum); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan revenue row", err)
		}
		totals[planRevenueKey(plan)] = sum
	}
	if err := planRows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plan revenue rows", err)
	}
	return totals, nil
}

func scanTransaction(row pgx.Row) (*types.Transaction, error) {
	var txn types.Transaction
	err := row.Scan(
		&txn.ID,
		&txn.UserID,
		&txn.Type,
		&txn.AmountCents,
		&txn.Description,
		&txn.Status,
		&txn.PaymentMethod,
		&txn.Metadata,
		&txn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}
