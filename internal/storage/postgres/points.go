package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PointsRepository provides append-only points ledger storage. It implements
// points.Applier.
type PointsRepository struct {
	db *pgxpool.Pool
}

// NewPointsRepository creates a PointsRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewPointsRepository(db *pgxpool.Pool) *PointsRepository {
	return &PointsRepository{db: db}
}

// Apply appends one ledger entry.
//
// Precondition: userID and reason must be non-empty.
func (r *PointsRepository) Apply(ctx context.Context, userID string, delta int, reason string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO points_ledger (user_id, delta, reason) VALUES ($1, $2, $3)`,
		userID, delta, reason,
	)
	if err != nil {
		return fmt.Errorf("appending ledger entry for %s: %w", userID, err)
	}
	return nil
}

// TotalFor returns the summed deltas for a user.
//
// Postcondition: Returns 0 for a user with no ledger entries.
func (r *PointsRepository) TotalFor(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM points_ledger WHERE user_id = $1`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing ledger for %s: %w", userID, err)
	}
	return total, nil
}
