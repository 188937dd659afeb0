package cohort

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGResolver is the SQL-backed Resolver, querying the usertags/
// usertags_meta schema the source's cohort store uses: usertags maps a
// user to the cohorts (utm_id) they belong to, usertags_meta carries each
// cohort's display name and optional default project.
type PGResolver struct {
	pool *pgxpool.Pool
}

// NewPGResolver opens a connection pool against dsn (a postgres:// URL).
func NewPGResolver(ctx context.Context, dsn string) (*PGResolver, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("cohort: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cohort: ping postgres: %w", err)
	}
	return &PGResolver{pool: pool}, nil
}

func (r *PGResolver) Close() { r.pool.Close() }

// Pool exposes the underlying connection pool so other components (the
// metric package's PGDataSource) can share it instead of opening a second
// pool against the same database.
func (r *PGResolver) Pool() *pgxpool.Pool { return r.pool }

func (r *PGResolver) UsersByID(ctx context.Context, id int64) ([]uint64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ut_user FROM usertags WHERE ut_tag = $1 ORDER BY ut_user`, id)
	if err != nil {
		return nil, fmt.Errorf("cohort: query usertags: %w", err)
	}
	defer rows.Close()

	var users []uint64
	for rows.Next() {
		var u uint64
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("cohort: scan usertags row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *PGResolver) IDByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`SELECT utm_id FROM usertags_meta WHERE utm_name = $1`, name).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("cohort: unknown cohort name %q", name)
	}
	if err != nil {
		return 0, fmt.Errorf("cohort: query usertags_meta: %w", err)
	}
	return id, nil
}

func (r *PGResolver) DefaultProject(ctx context.Context, id int64) (string, bool, error) {
	var project *string
	err := r.pool.QueryRow(ctx,
		`SELECT utm_default_project FROM usertags_meta WHERE utm_id = $1`, id).Scan(&project)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cohort: query default project: %w", err)
	}
	if project == nil || *project == "" {
		return "", false, nil
	}
	return *project, true, nil
}

// UserIDByName resolves a bare user name to a single user ID, for the
// is_user request path.
func (r *PGResolver) UserIDByName(ctx context.Context, name string) (uint64, bool, error) {
	var id uint64
	err := r.pool.QueryRow(ctx,
		`SELECT user_id FROM "user" WHERE user_name = $1`, name).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cohort: query user by name: %w", err)
	}
	return id, true, nil
}

// ActiveUsers implements the worker's "all" cohort query: every user active
// on project within [start, end]. It is not part of the Resolver interface
// because spec.md §4.2 reserves "all" for the worker, not the resolver.
func (r *PGResolver) ActiveUsers(ctx context.Context, project, start, end string) ([]uint64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT rev_user FROM revision
		 WHERE rev_project = $1 AND rev_timestamp BETWEEN $2 AND $3
		 ORDER BY rev_user`, project, start, end)
	if err != nil {
		return nil, fmt.Errorf("cohort: query active users: %w", err)
	}
	defer rows.Close()

	var users []uint64
	for rows.Next() {
		var u uint64
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("cohort: scan active users row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
