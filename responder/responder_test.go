package responder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"wikimetrics.dev/usermetrics/broker"
	"wikimetrics.dev/usermetrics/cache"
	"wikimetrics.dev/usermetrics/request"
	"wikimetrics.dev/usermetrics/transport"
)

func newTestStore(t *testing.T) broker.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.db")
	s, err := broker.OpenBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRequest(t *testing.T) *request.Request {
	t.Helper()
	r := request.New()
	r.Set("cohort_expression", "1")
	r.Set("cohort_refresh_timestamp", "latest")
	r.Set("metric", "edit_count")
	return r
}

func addChunks(t *testing.T, store broker.Store, fp string, chunks []transport.ResponseChunk) {
	t.Helper()
	for _, c := range chunks {
		wire, err := c.Marshal()
		require.NoError(t, err)
		require.NoError(t, store.Add(context.Background(), broker.TargetResponse, fp, wire))
	}
}

func TestResponder_SingleChunk_PopulatesCache(t *testing.T) {
	store := newTestStore(t)
	c := cache.New(store)
	r := New(store, c, time.Second)

	req := newRequest(t)
	fp := req.HashedFingerprint()
	serialized, err := req.Serialize()
	require.NoError(t, err)

	addChunks(t, store, fp, transport.SplitChunks(serialized, `{"header":["edit_count"],"data":{}}`, 5000))

	require.NoError(t, r.drainOne(context.Background(), fp))

	payload, ok, err := c.Get(context.Background(), req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"header":["edit_count"],"data":{}}`, payload)
}

func TestResponder_MultiChunk_ReassemblesInOrder(t *testing.T) {
	store := newTestStore(t)
	c := cache.New(store)
	r := New(store, c, time.Second)

	req := newRequest(t)
	fp := req.HashedFingerprint()
	serialized, err := req.Serialize()
	require.NoError(t, err)

	payload := "abcdefghijklmnopqrstuvwxyz"
	addChunks(t, store, fp, transport.SplitChunks(serialized, payload, 5))

	require.NoError(t, r.drainOne(context.Background(), fp))

	got, ok, err := c.Get(context.Background(), req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	remaining, err := store.GetAllItems(context.Background(), broker.TargetResponse)
	require.NoError(t, err)
	assert.Empty(t, remaining, "all chunks for a fully reassembled fingerprint must be consumed")
}

func TestResponder_DrainAll_HandlesMultipleFingerprintsIndependently(t *testing.T) {
	store := newTestStore(t)
	c := cache.New(store)
	r := New(store, c, time.Second)

	req1 := newRequest(t)
	req1.Set("project", "enwiki")
	req2 := newRequest(t)
	req2.Set("project", "dewiki")

	s1, _ := req1.Serialize()
	s2, _ := req2.Serialize()
	addChunks(t, store, req1.HashedFingerprint(), transport.SplitChunks(s1, "payload-1", 5000))
	addChunks(t, store, req2.HashedFingerprint(), transport.SplitChunks(s2, "payload-2", 5000))

	require.NoError(t, r.drainAll(context.Background()))

	p1, ok, err := c.Get(context.Background(), req1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload-1", p1)

	p2, ok, err := c.Get(context.Background(), req2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload-2", p2)
}

func TestResponder_DrainOne_AbsentFingerprintIsNoop(t *testing.T) {
	store := newTestStore(t)
	c := cache.New(store)
	r := New(store, c, time.Second)
	assert.NoError(t, r.drainOne(context.Background(), "no-such-fingerprint"))
}
