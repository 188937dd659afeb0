package metric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct{}

func (stubSource) RevisionCount(_ context.Context, userID uint64, _, _, _ string) (int, error) {
	return int(userID) * 2, nil
}

func (stubSource) BytesAdded(_ context.Context, userID uint64, _, _, _ string) (int, error) {
	return int(userID) * 100, nil
}

func TestRegistry_LooksUpBuiltins(t *testing.T) {
	_, ok := Lookup("edit_count")
	assert.True(t, ok)
	_, ok = Lookup("bytes_added")
	assert.True(t, ok)
	_, ok = Lookup("nonexistent")
	assert.False(t, ok)
}

func TestEditCount_S6_ReceivesExactUserSet(t *testing.T) {
	factory, ok := Lookup("edit_count")
	require.True(t, ok)
	m := factory()

	result, err := m.Process(context.Background(), []uint64{100, 200}, Options{
		Start: "t0", End: "t1", Project: "enwiki", Source: stubSource{},
	})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, uint64(100), result.Rows[0].UserID)
	assert.Equal(t, uint64(200), result.Rows[1].UserID)
	assert.Equal(t, []string{"edit_count"}, result.Header)
}
