// Package controller implements the job controller: the single reader that
// moves fingerprints through the request -> process -> response transition
// under bounded concurrency (spec.md §4.5).
package controller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"wikimetrics.dev/usermetrics/broker"
	"wikimetrics.dev/usermetrics/common"
	"wikimetrics.dev/usermetrics/request"
	"wikimetrics.dev/usermetrics/statemanager"
	"wikimetrics.dev/usermetrics/transport"
)

// Executor runs one Request to completion. worker.Executor implements this;
// the controller depends only on the interface so it can be tested with a
// stub.
type Executor interface {
	Execute(ctx context.Context, req *request.Request) (string, error)
}

// Config holds the controller's tunables, all sourced from config.Config.
type Config struct {
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	PollInterval      time.Duration
	MaxBlockSize      int
}

type job struct {
	fingerprint   string
	serializedReq string
	cancel        context.CancelFunc
}

// Controller is the bounded-concurrency poll loop described by spec.md
// §4.5, adapted from worker/pool.go's goroutine-per-worker shape: instead
// of a fixed set of long-lived workers pulling from named queues, it forks
// one short-lived goroutine per dispatched job, capped at MaxConcurrentJobs.
type Controller struct {
	store   broker.Store
	exec    Executor
	cfg     Config
	done    chan result
	drop    chan string
	jobs    map[string]job
	states  *statemanager.Manager
	running int64 // atomic; mirrors len(jobs) for RunningJobs callers outside the loop goroutine
}

type result struct {
	fingerprint string
	payload     string
	err         error
}

// New constructs a Controller. cfg is validated by config.Config.Validate
// before this is called.
func New(store broker.Store, exec Executor, cfg Config) *Controller {
	return &Controller{
		store: store,
		exec:  exec,
		cfg:   cfg,
		done:  make(chan result, cfg.MaxConcurrentJobs),
		drop:  make(chan string, 64),
		jobs:  make(map[string]job, cfg.MaxConcurrentJobs),
	}
}

// DropJob requests that fingerprint's running job be cancelled and failed
// out to response, implementing spec.md §4.5's suggested admin "drop job"
// operation. Safe to call from any goroutine (an HTTP handler, typically);
// the removal itself runs on the Run loop's own goroutine. Returns false if
// too many drop requests are already pending.
func (c *Controller) DropJob(fingerprint string) bool {
	select {
	case c.drop <- fingerprint:
		return true
	default:
		return false
	}
}

// WithStateManager attaches a statemanager.Manager so dispatched jobs are
// tracked by metric and cohort, surfaced by the controller admin server's
// /admin/jobs routes (cli/root.go). Optional: a Controller with no attached Manager
// behaves exactly as before.
func (c *Controller) WithStateManager(m *statemanager.Manager) *Controller {
	c.states = m
	return c
}

// RunningJobs returns the number of jobs currently dispatched. Safe to call
// from outside the controller's own loop goroutine — e.g. the admin HTTP
// server's health check — since it only ever reads an atomic counter kept
// in lockstep with the loop-owned jobs map, never the map itself.
func (c *Controller) RunningJobs() int {
	return int(atomic.LoadInt64(&c.running))
}

// Run recovers any abandoned process-target entries, then loops until ctx
// is cancelled, draining completions and dispatching new jobs each tick.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.recoverAbandoned(ctx); err != nil {
		return fmt.Errorf("controller: recover abandoned jobs: %w", err)
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fp := <-c.drop:
			c.dropJob(ctx, fp)
		case <-ticker.C:
			c.drainCompleted(ctx)
			c.dispatchNew(ctx)
		}
	}
}

// dropJob cancels and removes fingerprint's in-flight job, if any, failing
// it out to response exactly like a timed-out job.
func (c *Controller) dropJob(ctx context.Context, fingerprint string) {
	j, ok := c.jobs[fingerprint]
	if !ok {
		return
	}
	j.cancel()
	delete(c.jobs, fingerprint)
	atomic.AddInt64(&c.running, -1)

	if err := c.store.Remove(ctx, broker.TargetProcess, fingerprint); err != nil {
		common.Logger.WithError(err).Error("controller: remove dropped job from process")
	}
	if c.states != nil {
		c.states.CompleteJob(fingerprint, fmt.Errorf("job dropped by operator"))
	}
	failure := errorPayloadString(fmt.Errorf("job dropped by operator"))
	if err := c.writeResponse(ctx, fingerprint, j.serializedReq, failure); err != nil {
		common.Logger.WithError(err).Error("controller: write dropped-job failure payload")
	}
}

// recoverAbandoned implements spec.md §4.5's pessimistic restart recovery:
// every fingerprint left in process from a previous run is failed out to
// response rather than re-run, to avoid double-billing expensive metrics.
func (c *Controller) recoverAbandoned(ctx context.Context) error {
	items, err := c.store.GetAllItems(ctx, broker.TargetProcess)
	if err != nil {
		return err
	}
	for _, item := range items {
		common.Logger.WithFields(common.JobFields("", item.Key)).
			Warn("controller: failing abandoned job found in process on startup")

		if err := c.store.Remove(ctx, broker.TargetProcess, item.Key); err != nil {
			common.Logger.WithError(err).Error("controller: remove abandoned process entry")
		}
		failure := fmt.Errorf("job abandoned by controller restart")
		if err := c.writeResponse(ctx, item.Key, item.Value, errorPayloadString(failure)); err != nil {
			common.Logger.WithError(err).Error("controller: write abandoned-job failure payload")
		}
	}
	return nil
}

// drainCompleted collects every job that finished since the last tick,
// before any new job is dispatched, so long queues cannot starve
// completions (spec.md §4.5's tie-breaking rule).
func (c *Controller) drainCompleted(ctx context.Context) {
	for {
		select {
		case r := <-c.done:
			j, ok := c.jobs[r.fingerprint]
			if !ok {
				continue
			}
			delete(c.jobs, r.fingerprint)
			atomic.AddInt64(&c.running, -1)

			if err := c.store.Remove(ctx, broker.TargetProcess, r.fingerprint); err != nil {
				common.Logger.WithError(err).Error("controller: remove completed job from process")
			}

			payload := r.payload
			if r.err != nil {
				payload = errorPayloadString(r.err)
			}
			if c.states != nil {
				c.states.CompleteJob(r.fingerprint, r.err)
			}
			if err := c.writeResponse(ctx, r.fingerprint, j.serializedReq, payload); err != nil {
				common.Logger.WithError(err).Error("controller: write response")
			}
		default:
			return
		}
	}
}

// dispatchNew pops queued requests while running count is below
// MaxConcurrentJobs, per spec.md §4.5 step 3.
func (c *Controller) dispatchNew(ctx context.Context) {
	for len(c.jobs) < c.cfg.MaxConcurrentJobs {
		item, err := c.store.Pop(ctx, broker.TargetRequest)
		if err == broker.ErrAbsent {
			return
		}
		if err != nil {
			common.Logger.WithError(err).Error("controller: pop request")
			return
		}

		req, err := request.Deserialize(item.Value)
		if err != nil {
			common.Logger.WithError(err).Error("controller: deserialize queued request")
			continue
		}
		fp := req.HashedFingerprint()
		if fp == "" {
			common.Logger.Error("controller: queued request missing required base fields")
			continue
		}

		if err := c.store.Add(ctx, broker.TargetProcess, fp, item.Value); err != nil {
			common.Logger.WithError(err).Error("controller: add to process")
			continue
		}

		jobCtx, cancel := context.WithTimeout(ctx, c.cfg.JobTimeout)
		c.jobs[fp] = job{fingerprint: fp, serializedReq: item.Value, cancel: cancel}
		atomic.AddInt64(&c.running, 1)

		if c.states != nil {
			c.states.StartJob(fp, req.Metric(), req.CohortExpression())
		}

		common.Logger.WithFields(common.JobFields(fp, fp)).Info("controller: dispatched job")
		go c.runJob(jobCtx, cancel, fp, req)
	}
}

// runJob executes one job in its own goroutine. It must not touch c.jobs —
// that map belongs to the single controller loop goroutine; completions are
// handed back exclusively through c.done.
func (c *Controller) runJob(ctx context.Context, cancel context.CancelFunc, fingerprint string, req *request.Request) {
	defer cancel()
	payload, err := c.exec.Execute(ctx, req)
	if ctxErr := ctx.Err(); ctxErr != nil && err == nil && payload == "" {
		err = ctxErr
	}
	c.done <- result{fingerprint: fingerprint, payload: payload, err: err}
}

// writeResponse splits payload into MaxBlockSize chunks and appends them to
// the response target under fingerprint, in order, per spec.md §4.6's
// "Size handling" note. The response handler retrieves them with repeated
// Get/Remove calls, which the broker guarantees act on the oldest matching
// entry for that key (spec.md §5's FIFO-with-duplicate-keys ordering).
func (c *Controller) writeResponse(ctx context.Context, fingerprint, serializedReq, payload string) error {
	chunks := transport.SplitChunks(serializedReq, payload, c.cfg.MaxBlockSize)
	for _, chunk := range chunks {
		wire, err := chunk.Marshal()
		if err != nil {
			return err
		}
		if err := c.store.Add(ctx, broker.TargetResponse, fingerprint, wire); err != nil {
			return err
		}
	}
	return nil
}

func errorPayloadString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf(`{"header":null,"data":%q}`, err.Error())
}
