package request

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRequest(t *testing.T, cohort, metric string, q url.Values) *Request {
	t.Helper()
	r, err := FromHTTP(cohort, metric, q)
	require.NoError(t, err)
	return r
}

func TestFromHTTP_MissingBaseFieldIsBadRequest(t *testing.T) {
	_, err := FromHTTP("", "edit_count", url.Values{})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestFromHTTP_AppliesProjectDefault(t *testing.T) {
	r := mustRequest(t, "1", "edit_count", url.Values{})
	assert.Equal(t, "enwiki", r.Project())
}

func TestFromHTTP_IgnoresUnrecognizedParams(t *testing.T) {
	q := url.Values{"bogus": {"x"}}
	r := mustRequest(t, "1", "edit_count", q)
	_, ok := r.Get("bogus")
	assert.False(t, ok)
}

func TestFingerprint_EquivalentRequestsMatch(t *testing.T) {
	q1 := url.Values{"start": {"2013-01-01 00:00:00"}, "end": {"2013-01-08 00:00:00"}}
	q2 := url.Values{"start": {"2013-01-01 00:00:00"}, "end": {"2013-01-08 00:00:00"}, "refresh": {"true"}}

	r1 := mustRequest(t, "1", "edit_count", q1)
	r2 := mustRequest(t, "1", "edit_count", q2)

	assert.Equal(t, r1.HashedFingerprint(), r2.HashedFingerprint(), "refresh must not affect the fingerprint")
}

func TestFingerprint_DifferentValuesDiffer(t *testing.T) {
	r1 := mustRequest(t, "1", "edit_count", url.Values{})
	r2 := mustRequest(t, "2", "edit_count", url.Values{})
	assert.NotEqual(t, r1.HashedFingerprint(), r2.HashedFingerprint())
}

func TestFingerprint_EmptyWhenBaseFieldMissing(t *testing.T) {
	r := New()
	r.Set("metric", "edit_count")
	assert.Equal(t, "", r.HashedFingerprint())
	assert.Nil(t, r.UnhashedFingerprint())
}

func TestUnhashedFingerprint_PreservesCanonicalOrder(t *testing.T) {
	q := url.Values{"aggregator": {"sum"}, "start": {"2013-01-01 00:00:00"}}
	r := mustRequest(t, "1", "edit_count", q)
	fields := r.UnhashedFingerprint()

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{
		"cohort_expression", "cohort_refresh_timestamp", "metric",
		"start", "aggregator", "project",
	}, names)
}

func TestSerializeDeserialize_RoundTrips(t *testing.T) {
	q := url.Values{"start": {"2013-01-01 00:00:00"}, "aggregator": {"sum"}}
	r := mustRequest(t, "1", "edit_count", q)
	r.Refresh = true

	s, err := r.Serialize()
	require.NoError(t, err)

	r2, err := Deserialize(s)
	require.NoError(t, err)

	assert.Equal(t, r.HashedFingerprint(), r2.HashedFingerprint())
	assert.Equal(t, r.Refresh, r2.Refresh)
}

func TestSliceHours_DefaultsTo24(t *testing.T) {
	r := mustRequest(t, "1", "edit_count", url.Values{"time_series": {"true"}})
	assert.Equal(t, 24, r.SliceHours())
}

func TestSliceHours_Explicit(t *testing.T) {
	r := mustRequest(t, "1", "edit_count", url.Values{"slice": {"6"}})
	assert.Equal(t, 6, r.SliceHours())
}
