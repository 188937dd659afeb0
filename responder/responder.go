// Package responder implements the response handler: it drains the
// broker's response target, reassembles each fingerprint's chunked
// payload, and writes the result into the result cache (spec.md §4.7).
package responder

import (
	"context"
	"fmt"
	"time"

	"wikimetrics.dev/usermetrics/broker"
	"wikimetrics.dev/usermetrics/cache"
	"wikimetrics.dev/usermetrics/common"
	"wikimetrics.dev/usermetrics/request"
	"wikimetrics.dev/usermetrics/transport"
)

// Responder is the response-handler loop: a single reader, like the job
// controller, grounded on the same poll-drain cycle shape.
type Responder struct {
	store        broker.Store
	cache        *cache.Cache
	pollInterval time.Duration
}

// New constructs a Responder over store's response target, writing
// completed results into c.
func New(store broker.Store, c *cache.Cache, pollInterval time.Duration) *Responder {
	return &Responder{store: store, cache: c, pollInterval: pollInterval}
}

// Run drains the response target every pollInterval until ctx is
// cancelled.
func (r *Responder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.drainAll(ctx); err != nil {
				common.Logger.WithError(err).Error("responder: drain response target")
			}
		}
	}
}

// drainAll reassembles and caches every fingerprint currently present in
// response, handling each independently so one malformed entry cannot
// block the rest.
func (r *Responder) drainAll(ctx context.Context) error {
	keys, err := r.store.GetKeys(ctx, broker.TargetResponse)
	if err != nil {
		return fmt.Errorf("responder: list response keys: %w", err)
	}

	seen := make(map[string]bool, len(keys))
	for _, fp := range keys {
		if seen[fp] {
			continue
		}
		seen[fp] = true

		if err := r.drainOne(ctx, fp); err != nil {
			common.Logger.WithError(err).WithFields(common.JobFields("", fp)).
				Error("responder: reassemble response")
		}
	}
	return nil
}

// drainOne pops every chunk belonging to fp, oldest first — the broker's
// duplicate-key FIFO contract (spec.md §5) guarantees this returns chunks
// in the index order the controller wrote them — reassembles the payload,
// and writes it into the cache under the rebuilt Request.
func (r *Responder) drainOne(ctx context.Context, fp string) error {
	first, err := r.popChunk(ctx, fp)
	if err == broker.ErrAbsent {
		return nil
	}
	if err != nil {
		return err
	}

	chunks := []transport.ResponseChunk{first}
	for i := 1; i < first.Total; i++ {
		c, err := r.popChunk(ctx, fp)
		if err != nil {
			return fmt.Errorf("responder: fingerprint %s expected %d chunks, got %d: %w", fp, first.Total, i, err)
		}
		chunks = append(chunks, c)
	}

	req, err := request.Deserialize(first.Request)
	if err != nil {
		return fmt.Errorf("responder: rebuild request for %s: %w", fp, err)
	}

	payload := transport.Reassemble(chunks)
	if err := r.cache.Set(ctx, req, payload); err != nil {
		return fmt.Errorf("responder: cache set for %s: %w", fp, err)
	}
	return nil
}

func (r *Responder) popChunk(ctx context.Context, fp string) (transport.ResponseChunk, error) {
	raw, err := r.store.Get(ctx, broker.TargetResponse, fp)
	if err != nil {
		return transport.ResponseChunk{}, err
	}
	if err := r.store.Remove(ctx, broker.TargetResponse, fp); err != nil {
		return transport.ResponseChunk{}, err
	}
	return transport.UnmarshalResponseChunk(raw)
}
