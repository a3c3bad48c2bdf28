package accel

import (
	"context"
	"time"

	"speechrnt-accel/pkg/cuda"
	"speechrnt-accel/pkg/defaults"
	"speechrnt-accel/pkg/errors"
	"speechrnt-accel/pkg/model"
	"speechrnt-accel/pkg/session"
)

// Translate runs one text through the model, on a pooled stream when one is
// available and on the default stream otherwise.
func (a *Accelerator) Translate(ctx context.Context, h model.Handle, text string) (string, error) {
	models, streams, _, err := a.guard()
	if err != nil {
		return "", err
	}

	m, err := models.Resolve(h)
	if err != nil {
		return "", a.fail(err)
	}

	sh, leased := streams.Lease()
	if leased {
		defer streams.Release(sh)
	}

	start := time.Now()
	out, err := a.eng.Translate(ctx, m, text, cuda.StreamID(sh))
	if err != nil {
		a.counters.Record(0, false)
		return "", a.fail(errors.NewEngineError(err.Error()))
	}

	a.counters.Record(time.Since(start), true)

	return out, nil
}

// TranslateBatch translates texts in optimal-size sub-batches. Any input
// size is accepted. The output slice is index-aligned with the input; a
// failed item yields an empty string and sets someFailed rather than
// aborting the batch.
func (a *Accelerator) TranslateBatch(ctx context.Context, h model.Handle, texts []string) ([]string, bool, error) {
	models, streams, _, err := a.guard()
	if err != nil {
		return nil, false, err
	}

	maxBatch, optimal := a.batchLimits()
	if optimal > maxBatch {
		optimal = maxBatch
	}

	m, err := models.Resolve(h)
	if err != nil {
		return nil, false, a.fail(err)
	}

	outs := make([]string, len(texts))
	someFailed := false

	for lo := 0; lo < len(texts); lo += optimal {
		hi := lo + optimal
		if hi > len(texts) {
			hi = len(texts)
		}

		sh, leased := streams.Lease()

		for i := lo; i < hi; i++ {
			start := time.Now()
			out, err := a.eng.Translate(ctx, m, texts[i], cuda.StreamID(sh))
			if err != nil {
				a.logger.Debugf("Batch item %d failed: %v", i, err)
				a.counters.Record(0, false)
				someFailed = true
				continue
			}
			outs[i] = out
			a.counters.Record(time.Since(start), true)
		}

		if leased {
			streams.Release(sh)
		}
	}

	a.counters.RecordBatch()

	return outs, someFailed, nil
}

// StartSession opens a streaming session pinned to the model. The session
// leases a dedicated stream when one is available.
func (a *Accelerator) StartSession(h model.Handle, id string) error {
	models, streams, _, err := a.guard()
	if err != nil {
		return err
	}

	a.sweepSessions()

	m, err := models.Resolve(h)
	if err != nil {
		return a.fail(err)
	}
	if err := models.Retain(h); err != nil {
		return a.fail(err)
	}

	sh, _ := streams.Lease()

	if err := a.sessions.Start(id, m.Pair(), h, sh); err != nil {
		streams.Release(sh)
		if rerr := models.Release(h); rerr != nil {
			a.logger.Warnf("Releasing model after failed session start: %v", rerr)
		}
		return a.fail(err)
	}

	return nil
}

// PushChunk appends a text fragment to the session and translates the full
// accumulation. A failed translation leaves the session intact.
func (a *Accelerator) PushChunk(ctx context.Context, id, chunk string) (string, error) {
	models, _, _, err := a.guard()
	if err != nil {
		return "", err
	}

	accumulated, mh, sh, err := a.sessions.Append(id, chunk)
	if err != nil {
		return "", a.fail(err)
	}

	m, err := models.Resolve(mh)
	if err != nil {
		return "", a.fail(err)
	}

	start := time.Now()
	out, err := a.eng.Translate(ctx, m, accumulated, cuda.StreamID(sh))
	if err != nil {
		a.counters.Record(0, false)
		return "", a.fail(errors.NewEngineError(err.Error()))
	}

	a.counters.Record(time.Since(start), true)

	return out, nil
}

// EndSession closes a session and returns its resources to their pools.
// Ending an unknown or already-ended session succeeds.
func (a *Accelerator) EndSession(id string) error {
	models, streams, _, err := a.guard()
	if err != nil {
		return err
	}

	res, ok := a.sessions.End(id)
	if !ok {
		return nil
	}

	streams.Release(res.Stream)
	if err := models.Release(res.Model); err != nil {
		a.logger.Debugf("Session %s held a stale model handle: %v", id, err)
	}

	return nil
}

// Sessions returns snapshots of every live session.
func (a *Accelerator) Sessions() []session.Info {
	return a.sessions.List()
}

// SessionCount returns the number of live sessions.
func (a *Accelerator) SessionCount() int {
	return a.sessions.Count()
}

// sweepSessions expires idle sessions and returns their resources. Callers
// must hold no locks.
func (a *Accelerator) sweepSessions() {
	expired := a.sessions.Sweep(defaults.SessionIdleTimeout)
	if len(expired) == 0 {
		return
	}

	a.mu.Lock()
	models, streams := a.models, a.streams
	a.mu.Unlock()

	for _, res := range expired {
		if streams != nil {
			streams.Release(res.Stream)
		}
		if models != nil {
			if err := models.Release(res.Model); err != nil {
				a.logger.Debugf("Expired session %s held a stale model handle: %v", res.ID, err)
			}
		}
	}
}

func (a *Accelerator) batchLimits() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	maxBatch, optimal := a.cfg.Batching.MaxBatch, a.cfg.Batching.OptimalBatch
	if maxBatch <= 0 {
		maxBatch = defaults.MaxBatchSize
	}
	if optimal <= 0 {
		optimal = defaults.OptimalBatchSize
	}

	return maxBatch, optimal
}
