// Package request implements the canonical Request record: the ordered set
// of parameters identifying one metrics query, and the fingerprinting,
// serialization, and HTTP-parsing logic built around it.
package request

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// Field is one name/value pair in a Request's canonical, order-preserving
// form. Only fields that were actually set appear here — there is no open
// bag of arbitrary attributes (spec's "closed, enumerated record").
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// baseFields are the three identifying fields; all three must be present
// for a Request to be valid.
var baseFields = []string{"cohort_expression", "cohort_refresh_timestamp", "metric"}

// queryFields are the recognized modulating fields, in the fixed canonical
// order used to build both fingerprint forms. "refresh" is deliberately
// absent: it is never part of the fingerprint.
var queryFields = []string{
	"start", "end", "slice", "aggregator", "project", "namespace",
	"is_user", "time_series",
	// metric-specific options, carried as plain query fields since the
	// core does not interpret them. They take part in the fingerprint, but
	// the worker does not copy them into metric.Options.Params, so metrics
	// do not receive them.
	"look_ahead", "look_back", "threshold", "t",
}

// Request is the canonical, order-preserving record of one metrics query.
type Request struct {
	values  map[string]string
	Refresh bool
}

// New returns an empty Request ready for Set calls.
func New() *Request {
	return &Request{values: make(map[string]string)}
}

// Set assigns a recognized field. Unrecognized names are ignored, matching
// the spec's "ignores unrecognized [fields]" canonicalization rule.
func (r *Request) Set(name, value string) {
	if value == "" {
		return
	}
	if !isRecognized(name) {
		return
	}
	r.values[name] = value
}

func isRecognized(name string) bool {
	for _, f := range baseFields {
		if f == name {
			return true
		}
	}
	for _, f := range queryFields {
		if f == name {
			return true
		}
	}
	return false
}

// Get returns a field's raw string value and whether it was set.
func (r *Request) Get(name string) (string, bool) {
	v, ok := r.values[name]
	return v, ok
}

func (r *Request) CohortExpression() string       { v, _ := r.Get("cohort_expression"); return v }
func (r *Request) CohortRefreshTimestamp() string { v, _ := r.Get("cohort_refresh_timestamp"); return v }
func (r *Request) Metric() string                 { v, _ := r.Get("metric"); return v }
func (r *Request) Project() string {
	if v, ok := r.Get("project"); ok {
		return v
	}
	return "enwiki"
}
func (r *Request) Aggregator() string { v, _ := r.Get("aggregator"); return v }
func (r *Request) IsUser() bool       { v, _ := r.Get("is_user"); return v == "true" || v == "1" }
func (r *Request) IsTimeSeries() bool { v, _ := r.Get("time_series"); return v == "true" || v == "1" }

// SliceHours returns the time-series bucket width, defaulting to 24 when
// unset, per spec.md §4.3.
func (r *Request) SliceHours() int {
	v, ok := r.Get("slice")
	if !ok {
		return 24
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 24
	}
	return n
}

func (r *Request) Namespace() (int, bool) {
	v, ok := r.Get("namespace")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// HasRequiredBaseFields reports whether all three base fields are set.
func (r *Request) HasRequiredBaseFields() bool {
	for _, f := range baseFields {
		if _, ok := r.values[f]; !ok {
			return false
		}
	}
	return true
}

// orderedFields returns the canonical field list: base fields first (in
// their fixed order), then every set query field (in its fixed order).
func (r *Request) orderedFields() []Field {
	fields := make([]Field, 0, len(baseFields)+len(queryFields))
	for _, name := range baseFields {
		if v, ok := r.values[name]; ok {
			fields = append(fields, Field{Name: name, Value: v})
		}
	}
	for _, name := range queryFields {
		if v, ok := r.values[name]; ok {
			fields = append(fields, Field{Name: name, Value: v})
		}
	}
	return fields
}

// UnhashedFingerprint returns the ordered field list itself — the "key
// signature" the result cache stores alongside the hashed fingerprint so
// the /all_requests listing can rebuild a URL from it. Returns nil if a
// base field is missing.
func (r *Request) UnhashedFingerprint() []Field {
	if !r.HasRequiredBaseFields() {
		return nil
	}
	return r.orderedFields()
}

// HashedFingerprint returns the SHA-1 digest of the ordered field list,
// hex-encoded. Returns the empty string (the spec's invalid-fingerprint
// sentinel) if a base field is missing.
func (r *Request) HashedFingerprint() string {
	fields := r.UnhashedFingerprint()
	if fields == nil {
		return ""
	}
	h := sha1.New()
	for _, f := range fields {
		fmt.Fprintf(h, "%s--%s\x00", f.Name, f.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// wireFormat is the Serialize/Deserialize envelope, stable across the
// broker round-trip.
type wireFormat struct {
	Fields  []Field `json:"fields"`
	Refresh bool    `json:"refresh"`
}

// Serialize renders the Request to the stable string form the broker
// stores entries as.
func (r *Request) Serialize() (string, error) {
	data, err := json.Marshal(wireFormat{Fields: r.orderedFields(), Refresh: r.Refresh})
	if err != nil {
		return "", fmt.Errorf("request: serialize: %w", err)
	}
	return string(data), nil
}

// Deserialize reconstructs a Request from its Serialize form.
func Deserialize(s string) (*Request, error) {
	var w wireFormat
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil, fmt.Errorf("request: deserialize: %w", err)
	}
	r := New()
	r.Refresh = w.Refresh
	for _, f := range w.Fields {
		r.Set(f.Name, f.Value)
	}
	return r, nil
}

// FromHTTP builds a canonical Request from HTTP query parameters, applying
// the project default and the time-series slice default, and rejecting a
// request that is missing a base field.
func FromHTTP(cohortExpr, metric string, q url.Values) (*Request, error) {
	r := New()
	r.Set("cohort_expression", cohortExpr)
	r.Set("metric", metric)

	if ts, ok := q["cohort_refresh_timestamp"]; ok && len(ts) > 0 {
		r.Set("cohort_refresh_timestamp", ts[0])
	} else {
		// The source stamps this at parse time when the caller omits it,
		// since it identifies which cohort snapshot the request targets.
		r.Set("cohort_refresh_timestamp", "latest")
	}

	for _, name := range queryFields {
		if v := q.Get(name); v != "" {
			r.Set(name, v)
		}
	}
	// project always participates in the fingerprint, defaulted so two
	// requests differing only by an implicit vs. explicit enwiki collapse
	// to the same fingerprint.
	r.Set("project", r.Project())
	if r.IsTimeSeries() {
		r.Set("slice", strconv.Itoa(r.SliceHours()))
	}

	if q.Get("refresh") != "" {
		r.Refresh = true
	}

	if !r.HasRequiredBaseFields() {
		return nil, ErrBadRequest
	}
	return r, nil
}
