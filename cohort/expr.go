// Package cohort implements the cohort-expression grammar and the resolver
// interface that turns a cohort expression into a user ID set.
package cohort

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"wikimetrics.dev/usermetrics/request"
)

// AllCohort is the reserved expression the worker expands itself (users
// active in [start,end] on project); the resolver never sees it.
const AllCohort = "all"

var (
	numericExprRe = regexp.MustCompile(`^([0-9]+[&~])*[0-9]+$`)
	nameRe        = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

// Resolver translates cohort IDs and names to user sets. A cohort's
// membership resolution and its name→ID lookup are both external
// (database-backed); the core only consumes this interface.
type Resolver interface {
	// UsersByID returns cohort id's members, in whatever order the backing
	// store returns them.
	UsersByID(ctx context.Context, id int64) ([]uint64, error)
	// IDByName resolves a cohort name to its numeric ID.
	IDByName(ctx context.Context, name string) (int64, error)
	// DefaultProject returns the project a cohort overrides Request.project
	// with, if it has one.
	DefaultProject(ctx context.Context, id int64) (project string, ok bool, err error)
	// UserIDByName resolves a bare user name to a single user ID, for the
	// is_user path (spec.md §4.6 step 1). ok is false if no such user
	// exists.
	UserIDByName(ctx context.Context, name string) (id uint64, ok bool, err error)
}

// IsNumericExpression reports whether expr is an ID/&/~ expression rather
// than a bare cohort name — the worker uses this to decide whether a
// default-project override applies (spec.md §4.6 step 3 only names a
// single named cohort, not a union-of-intersections expression).
func IsNumericExpression(expr string) bool { return numericExprRe.MatchString(expr) }

// Evaluate resolves expr to its de-duplicated, first-seen-order user set.
// expr must not be AllCohort — callers check for that reserved name before
// calling Evaluate, per spec.md §4.2's "all is handled by the worker, not
// the resolver".
func Evaluate(ctx context.Context, expr string, r Resolver) ([]uint64, error) {
	switch {
	case numericExprRe.MatchString(expr):
		return evaluateNumeric(ctx, expr, r)
	case nameRe.MatchString(expr):
		id, err := r.IDByName(ctx, expr)
		if err != nil {
			return nil, err
		}
		return r.UsersByID(ctx, id)
	default:
		return nil, request.ErrBadCohortExpression
	}
}

// evaluateNumeric implements the union-of-intersections evaluation: OR
// binds looser than AND, so expr is a '~'-separated list of '&'-separated
// AND groups.
func evaluateNumeric(ctx context.Context, expr string, r Resolver) ([]uint64, error) {
	groups := strings.Split(expr, "~")

	seen := make(map[uint64]bool)
	var result []uint64

	for _, group := range groups {
		ids := strings.Split(group, "&")
		members, err := intersectGroup(ctx, ids, r)
		if err != nil {
			return nil, err
		}
		for _, u := range members {
			if !seen[u] {
				seen[u] = true
				result = append(result, u)
			}
		}
	}
	return result, nil
}

// intersectGroup computes the AND of every cohort ID in ids, preserving the
// first ID's membership order. A single-ID group bypasses intersection
// entirely, per spec.md §4.2's edge case.
func intersectGroup(ctx context.Context, ids []string, r Resolver) ([]uint64, error) {
	sets := make([][]uint64, len(ids))
	for i, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, request.ErrBadCohortExpression
		}
		users, err := r.UsersByID(ctx, id)
		if err != nil {
			return nil, err
		}
		sets[i] = users
	}
	if len(sets) == 1 {
		return sets[0], nil
	}

	memberOf := make([]map[uint64]bool, len(sets))
	for i, s := range sets {
		m := make(map[uint64]bool, len(s))
		for _, u := range s {
			m[u] = true
		}
		memberOf[i] = m
	}

	var result []uint64
	for _, u := range sets[0] {
		inAll := true
		for i := 1; i < len(memberOf); i++ {
			if !memberOf[i][u] {
				inAll = false
				break
			}
		}
		if inAll {
			result = append(result, u)
		}
	}
	return result, nil
}
