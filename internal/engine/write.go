package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/dconfengine/dconfengine/internal/changeset"
	"github.com/dconfengine/dconfengine/internal/dpath"
	"github.com/dconfengine/dconfengine/internal/metrics"
	"github.com/dconfengine/dconfengine/internal/source"
	"github.com/dconfengine/dconfengine/internal/variant"
	"github.com/dconfengine/dconfengine/internal/wire"
)

// ChangeFast submits delta as an optimistic write: it is applied to the
// pending queue immediately (so subsequent reads observe it) and a change
// notification is synthesized before the writer has confirmed anything.
// originTag is attached to that synthesized notification so a caller that
// tracks its own tags can recognize it.
func (e *Engine) ChangeFast(ctx context.Context, delta *changeset.ChangeSet, originTag string) error {
	if delta.IsEmpty() {
		return nil
	}

	redundant, err := e.isRedundant(ctx, delta)
	if err != nil {
		return err
	}

	if err := e.checkWritable(ctx, delta); err != nil {
		return err
	}

	delta.Seal()

	e.queueMu.Lock()
	if e.pending == nil {
		e.pending = changeset.New()
	}
	if applyErr := e.pending.Apply(delta); applyErr != nil {
		e.queueMu.Unlock()
		return &FailedError{Op: "change_fast/apply", Err: applyErr}
	}
	metrics.QueueDepth.WithLabelValues("pending").Set(1)
	e.manageQueueLocked()
	e.queueMu.Unlock()

	if !redundant {
		e.emitFromChangeset(delta, originTag)
	}
	return nil
}

// isRedundant evaluates whether delta, if applied, would have no effect on
// the currently-visible user view: every dir reset targets a subtree with
// no writable contents, and every key write/reset matches the key's current
// USER_VALUE read.
func (e *Engine) isRedundant(ctx context.Context, delta *changeset.ChangeSet) (bool, error) {
	redundant := true
	delta.All(func(path string, value *variant.Value) bool {
		if dpath.Dir(path) {
			hasContent, err := e.hasAnyUnderDir(ctx, path)
			if err != nil || hasContent {
				redundant = false
				return false
			}
			return true
		}
		current, err := e.Read(ctx, UserValue, nil, path)
		if err != nil {
			redundant = false
			return false
		}
		if value == nil {
			if current != nil {
				redundant = false
				return false
			}
			return true
		}
		if current == nil || !variant.Equal(*current, *value) {
			redundant = false
			return false
		}
		return true
	})
	return redundant, nil
}

func (e *Engine) hasAnyUnderDir(ctx context.Context, dir string) (bool, error) {
	has := false
	err := e.acquireSources(ctx, func(sources []*source.Source) error {
		if len(sources) > 0 && sources[0].Writable && sources[0].Values() != nil {
			has = len(sources[0].Values().List(dir)) > 0
		}
		return nil
	})
	e.queueMu.Lock()
	for _, cs := range []*changeset.ChangeSet{e.pending, e.inFlight} {
		if cs != nil && !cs.All(func(p string, v *variant.Value) bool { return v == nil || !dpath.HasPrefixDir(dir, p) }) {
			has = true
		}
	}
	e.queueMu.Unlock()
	return has, err
}

// checkWritable fails with NotWritable if any non-reset entry in delta
// targets a key this engine cannot currently write; resets always succeed
// locally, even against a locked or non-writable key.
func (e *Engine) checkWritable(ctx context.Context, delta *changeset.ChangeSet) error {
	var failPath string
	var failed bool
	delta.All(func(path string, value *variant.Value) bool {
		if value == nil {
			return true
		}
		writable, err := e.IsWritable(ctx, path)
		if err != nil || !writable {
			failed = true
			failPath = path
			return false
		}
		return true
	})
	if failed {
		return &NotWritableError{Path: failPath}
	}
	return nil
}

// manageQueueLocked must be called with queueMu held. If there is pending
// work and nothing currently in flight, it promotes pending to in-flight and
// dispatches an async Change RPC against source 0's endpoint.
func (e *Engine) manageQueueLocked() {
	if e.pending == nil || e.inFlight != nil {
		if e.inFlight == nil {
			e.queueCnd.Broadcast()
		}
		return
	}

	toSend := e.pending
	e.pending = nil
	toSend.Seal()
	e.inFlight = toSend
	metrics.QueueDepth.WithLabelValues("pending").Set(0)
	metrics.QueueDepth.WithLabelValues("in_flight").Set(1)

	// sources and each source's Endpoint are fixed at construction time
	// (see source.Source's doc comment), so this is safe to read without
	// sourcesMu even while queueMu is held; taking sourcesMu here would
	// invert the sources-before-queue lock order Read/acquireSources rely
	// on and risk a deadlock between a reader and a writer on two threads.
	var ep *wire.Endpoint
	if len(e.sources) > 0 {
		ep = e.sources[0].Endpoint
	}
	if ep == nil || e.transport == nil {
		// No writer endpoint to send to (e.g. a file-only source 0); drop
		// the in-flight marker immediately so future changes are not
		// starved.
		e.inFlight = nil
		metrics.QueueDepth.WithLabelValues("in_flight").Set(0)
		e.queueCnd.Broadcast()
		return
	}

	payload := toSend.Serialize()
	start := time.Now()
	handle := wire.NewCallHandle("s", func(reply []byte, err error) {
		e.onChangeComplete(toSend, reply, err, start)
	})
	e.transport.CallAsync(*ep, "Change", payload, handle)
}

func (e *Engine) onChangeComplete(sent *changeset.ChangeSet, reply []byte, err error, start time.Time) {
	metrics.RPCCallDuration.WithLabelValues("Change").Observe(time.Since(start).Seconds())

	e.queueMu.Lock()
	e.inFlight = nil
	metrics.QueueDepth.WithLabelValues("in_flight").Set(0)
	if err == nil {
		e.lastHandled = string(reply)
		e.hasLastHandled = true
	}
	e.manageQueueLocked()
	e.queueMu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		slog.Warn("engine: Change RPC failed, unwinding optimistic write", "err", err)
		e.emitFromChangeset(sent, "")
	}
	metrics.RPCCallsTotal.WithLabelValues("Change", outcome).Inc()
}

// ChangeSync submits delta synchronously, bypassing the pending/in-flight
// queue entirely, and returns the writer's reply tag.
func (e *Engine) ChangeSync(ctx context.Context, delta *changeset.ChangeSet) (string, error) {
	if delta.IsEmpty() {
		return "", nil
	}
	if err := e.checkWritable(ctx, delta); err != nil {
		return "", err
	}
	delta.Seal()

	e.sourcesMu.Lock()
	var ep *wire.Endpoint
	if len(e.sources) > 0 {
		ep = e.sources[0].Endpoint
	}
	e.sourcesMu.Unlock()
	if ep == nil || e.transport == nil {
		return "", &FailedError{Op: "change_sync", Err: errNoWriterEndpoint}
	}

	reply, err := e.transport.CallSync(ctx, *ep, "Change", delta.Serialize())
	if err != nil {
		if wire.IsNotWritable(err) {
			return "", &NotWritableError{}
		}
		return "", &FailedError{Op: "change_sync", Err: err}
	}
	return string(reply), nil
}

type sentinelError string

func (s sentinelError) Error() string { return string(s) }

var errNoWriterEndpoint sentinelError = "engine: no writable source endpoint"
