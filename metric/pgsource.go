package metric

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGDataSource is the default DataSource: it queries the same wiki-replica
// revision table cohort.PGResolver's ActiveUsers query reads from. Kept
// outside the cohort package since a metric's data access is a distinct
// external collaborator from cohort membership (spec.md §1).
type PGDataSource struct {
	pool *pgxpool.Pool
}

// NewPGDataSource wraps an already-open pool, shared with the cohort
// resolver so the service does not open a second connection pool against
// the same database.
func NewPGDataSource(pool *pgxpool.Pool) *PGDataSource {
	return &PGDataSource{pool: pool}
}

func (s *PGDataSource) RevisionCount(ctx context.Context, userID uint64, project, start, end string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM revision
		 WHERE rev_user = $1 AND rev_project = $2 AND rev_timestamp BETWEEN $3 AND $4`,
		userID, project, start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("metric: query revision count: %w", err)
	}
	return count, nil
}

func (s *PGDataSource) BytesAdded(ctx context.Context, userID uint64, project, start, end string) (int, error) {
	var bytes int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(rev_len_delta), 0) FROM revision
		 WHERE rev_user = $1 AND rev_project = $2 AND rev_timestamp BETWEEN $3 AND $4`,
		userID, project, start, end).Scan(&bytes)
	if err != nil {
		return 0, fmt.Errorf("metric: query bytes added: %w", err)
	}
	return bytes, nil
}
