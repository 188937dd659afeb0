package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"wikimetrics.dev/usermetrics/aggregator"
	"wikimetrics.dev/usermetrics/cohort"
	"wikimetrics.dev/usermetrics/metric"
	"wikimetrics.dev/usermetrics/request"
)

// ActiveUsersFunc queries every user active on project within [start, end],
// the reserved "all" cohort's membership. Implemented by cohort.PGResolver.ActiveUsers.
type ActiveUsersFunc func(ctx context.Context, project, start, end string) ([]uint64, error)

// Executor runs one Request end-to-end, per spec.md §4.6's seven-step
// procedure, and always returns a payload — metric and lookup failures are
// caught and surfaced inside the payload rather than as a Go error, so the
// controller never blocks waiting on a worker that can't produce a result.
type Executor struct {
	Resolver    cohort.Resolver
	ActiveUsers ActiveUsersFunc
	Source      metric.DataSource

	// UserThreads and RevisionThreads are passed through to every
	// metric.Options, mirroring the source's USER_THREADS/REVISION_THREADS
	// tunables for how aggressively a metric may fan its own per-user work
	// out. A zero value means the metric implementation picks its own
	// default.
	UserThreads     int
	RevisionThreads int
}

// Payload is the JSON shape emitted for every completed request, matching
// spec.md §4.6 steps 5-7's three result shapes.
type Payload struct {
	Header []string    `json:"header"`
	Data   interface{} `json:"data"`
}

func errorPayload(err error) (string, error) {
	data, marshalErr := json.Marshal(Payload{Data: err.Error()})
	if marshalErr != nil {
		return "", marshalErr
	}
	return string(data), nil
}

// Execute runs req to completion and returns its serialized Payload. The
// returned error is non-nil only when the payload itself cannot be
// marshaled; every failure reported by a resolution, metric, or aggregation
// step is instead encoded as an error payload, per spec.md §4.6's "Failure"
// note.
func (e *Executor) Execute(ctx context.Context, req *request.Request) (string, error) {
	users, err := e.resolveUsers(ctx, req)
	if err != nil {
		return errorPayload(err)
	}

	factory, ok := metric.Lookup(req.Metric())
	if !ok {
		return errorPayload(fmt.Errorf("%w: %v", request.ErrUnknownMetric, metric.ErrUnknownMetric(req.Metric())))
	}

	namespace, _ := req.Namespace()
	start, _ := req.Get("start")
	end, _ := req.Get("end")

	switch {
	case req.IsTimeSeries():
		return e.runTimeSeries(ctx, factory, users, req, start, end, namespace)
	case req.Aggregator() != "":
		return e.runAggregate(ctx, factory(), users, req, start, end, namespace)
	default:
		return e.runRaw(ctx, factory(), users, req, start, end, namespace)
	}
}

// resolveUsers implements steps 1-3: is_user, the reserved all cohort, or
// an ordinary cohort expression (with the default-project override for a
// bare cohort name).
func (e *Executor) resolveUsers(ctx context.Context, req *request.Request) ([]uint64, error) {
	expr := req.CohortExpression()

	if req.IsUser() {
		id, ok, err := e.Resolver.UserIDByName(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", request.ErrUserNotFound, err)
		}
		if !ok {
			return nil, request.ErrUserNotFound
		}
		return []uint64{id}, nil
	}

	if expr == cohort.AllCohort {
		if e.ActiveUsers == nil {
			return nil, request.ErrUserLookupFailed
		}
		startV, _ := req.Get("start")
		endV, _ := req.Get("end")
		users, err := e.ActiveUsers(ctx, req.Project(), startV, endV)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", request.ErrUserLookupFailed, err)
		}
		return users, nil
	}

	if !cohort.IsNumericExpression(expr) {
		id, err := e.Resolver.IDByName(ctx, expr)
		if err != nil {
			return nil, err
		}
		if project, ok, err := e.Resolver.DefaultProject(ctx, id); err == nil && ok {
			req.Set("project", project)
		}
		return e.Resolver.UsersByID(ctx, id)
	}

	return cohort.Evaluate(ctx, expr, e.Resolver)
}

func (e *Executor) runRaw(ctx context.Context, m metric.Metric, users []uint64, req *request.Request, start, end string, namespace int) (string, error) {
	result, err := m.Process(ctx, users, e.options(start, end, req.Project(), namespace))
	if err != nil {
		return errorPayload(err)
	}
	data := make(map[string][]float64, len(result.Rows))
	for _, row := range result.Rows {
		data[fmt.Sprintf("%d", row.UserID)] = row.Values
	}
	return marshalPayload(result.Header, data)
}

func (e *Executor) runAggregate(ctx context.Context, m metric.Metric, users []uint64, req *request.Request, start, end string, namespace int) (string, error) {
	agg, ok := aggregator.Lookup(req.Aggregator())
	if !ok {
		return errorPayload(fmt.Errorf("worker: unknown aggregator %q", req.Aggregator()))
	}
	result, err := m.Process(ctx, users, e.options(start, end, req.Project(), namespace))
	if err != nil {
		return errorPayload(err)
	}
	row, err := agg.Aggregate(result.Rows)
	if err != nil {
		return errorPayload(err)
	}
	return marshalPayload(agg.Header(), row)
}

// options builds the metric.Options shared by every call site, carrying the
// executor's configured thread counts alongside the per-request window.
func (e *Executor) options(start, end, project string, namespace int) metric.Options {
	return metric.Options{
		Start:           start,
		End:             end,
		Project:         project,
		Namespace:       namespace,
		UserThreads:     e.UserThreads,
		RevisionThreads: e.RevisionThreads,
		Source:          e.Source,
	}
}

// runTimeSeries implements step 5: bucket the window into slice_hours-wide
// buckets, run the metric per bucket, and aggregate each bucket's rows.
// runTimeSeries implements step 5's bucket fan-out: each bucket gets its own
// metric instance (factory()) since Metric.Process carries per-run window
// state that must not leak across concurrent buckets, run through a Pool
// bounded to workerThreads(len(buckets)) concurrent buckets.
func (e *Executor) runTimeSeries(ctx context.Context, factory metric.Factory, users []uint64, req *request.Request, start, end string, namespace int) (string, error) {
	agg, ok := aggregator.Lookup(req.Aggregator())
	if !ok {
		return errorPayload(fmt.Errorf("worker: unknown aggregator %q", req.Aggregator()))
	}

	buckets, err := bucketize(start, end, req.SliceHours())
	if err != nil {
		return errorPayload(err)
	}

	header := append([]string{"timestamp"}, agg.Header()...)
	data := make(map[string][]float64, len(buckets))
	var mu sync.Mutex

	pool := NewPool(workerThreads(len(buckets)))
	runErr := pool.Run(ctx, len(buckets), func(ctx context.Context, i int) error {
		b := buckets[i]
		result, err := factory().Process(ctx, users, e.options(b.start, b.end, req.Project(), namespace))
		if err != nil {
			return err
		}
		row, err := agg.Aggregate(result.Rows)
		if err != nil {
			return err
		}
		mu.Lock()
		data[b.start] = row
		mu.Unlock()
		return nil
	})
	if runErr != nil {
		return errorPayload(runErr)
	}
	return marshalPayload(header, data)
}

func marshalPayload(header []string, data interface{}) (string, error) {
	out, err := json.Marshal(Payload{Header: header, Data: data})
	if err != nil {
		return "", fmt.Errorf("worker: marshal payload: %w", err)
	}
	return string(out), nil
}

// workerThreads clamps ceil(buckets/10) into [1,5], per spec.md §4.6 step 5,
// sizing the Pool runTimeSeries fans its buckets out across.
func workerThreads(buckets int) int {
	n := int(math.Ceil(float64(buckets) / 10))
	if n < 1 {
		return 1
	}
	if n > 5 {
		return 5
	}
	return n
}

type bucket struct{ start, end string }

// timeLayout is the wire format spec.md §4.3 defines for start/end:
// "%Y-%m-%d %H:%M:%S", e.g. "2013-01-01 00:00:00".
const timeLayout = "2006-01-02 15:04:05"

// bucketize splits [start, end] into sliceHours-wide buckets, per spec.md
// §4.6 step 5's "bucket count = ceil((end - start) / slice_hours)". Falls
// back to one opaque bucket if start/end don't parse as timeLayout, since
// the core leaves the wire timestamp format to the metric collaborator
// (spec.md §1) and some deployments pass opaque cursor values instead.
func bucketize(start, end string, sliceHours int) ([]bucket, error) {
	if sliceHours <= 0 {
		sliceHours = 24
	}
	if start == "" || end == "" {
		return []bucket{{start: start, end: end}}, nil
	}

	startT, errS := time.Parse(timeLayout, start)
	endT, errE := time.Parse(timeLayout, end)
	if errS != nil || errE != nil {
		return []bucket{{start: start, end: end}}, nil
	}
	if !endT.After(startT) {
		return nil, fmt.Errorf("worker: end %s is not after start %s", end, start)
	}

	width := time.Duration(sliceHours) * time.Hour
	count := int(math.Ceil(float64(endT.Sub(startT)) / float64(width)))
	if count < 1 {
		count = 1
	}

	buckets := make([]bucket, 0, count)
	cursor := startT
	for i := 0; i < count; i++ {
		next := cursor.Add(width)
		if next.After(endT) {
			next = endT
		}
		buckets = append(buckets, bucket{start: cursor.Format(timeLayout), end: next.Format(timeLayout)})
		cursor = next
	}
	return buckets, nil
}
