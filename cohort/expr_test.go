package cohort

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"wikimetrics.dev/usermetrics/request"
)

// fakeResolver is a fixed membership table for expression-evaluation tests.
type fakeResolver struct {
	membership map[int64][]uint64
	names      map[string]int64
}

func (f *fakeResolver) UsersByID(_ context.Context, id int64) ([]uint64, error) {
	return f.membership[id], nil
}

func (f *fakeResolver) IDByName(_ context.Context, name string) (int64, error) {
	id, ok := f.names[name]
	if !ok {
		return 0, fmt.Errorf("unknown cohort %q", name)
	}
	return id, nil
}

func (f *fakeResolver) DefaultProject(_ context.Context, _ int64) (string, bool, error) {
	return "", false, nil
}

func (f *fakeResolver) UserIDByName(_ context.Context, _ string) (uint64, bool, error) {
	return 0, false, nil
}

func TestEvaluate_S2_UnionOfIntersections(t *testing.T) {
	r := &fakeResolver{membership: map[int64][]uint64{
		1: {10, 20, 30},
		2: {20, 30, 40},
		3: {50},
	}}

	got, err := Evaluate(context.Background(), "1&2~3", r)
	require.NoError(t, err)
	assert.Equal(t, []uint64{20, 30, 50}, got)
}

func TestEvaluate_SingleIDBypassesIntersection(t *testing.T) {
	r := &fakeResolver{membership: map[int64][]uint64{1: {10, 20, 30}}}
	got, err := Evaluate(context.Background(), "1", r)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20, 30}, got)
}

func TestEvaluate_S5_MalformedExpression(t *testing.T) {
	r := &fakeResolver{}
	_, err := Evaluate(context.Background(), "1&&2", r)
	assert.ErrorIs(t, err, request.ErrBadCohortExpression)
}

func TestEvaluate_NameResolvesToSingleCohort(t *testing.T) {
	r := &fakeResolver{
		membership: map[int64][]uint64{7: {1, 2, 3}},
		names:      map[string]int64{"e3_ob2b": 7},
	}
	got, err := Evaluate(context.Background(), "e3_ob2b", r)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestEvaluate_UnknownNameErrors(t *testing.T) {
	r := &fakeResolver{names: map[string]int64{}}
	_, err := Evaluate(context.Background(), "nosuchcohort", r)
	assert.Error(t, err)
}

func TestEvaluate_NoDuplicatesAcrossGroups(t *testing.T) {
	r := &fakeResolver{membership: map[int64][]uint64{
		1: {10, 20},
		2: {20, 30},
	}}
	got, err := Evaluate(context.Background(), "1~2", r)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20, 30}, got)
}
