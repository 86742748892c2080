package engine

import (
	"context"

	"github.com/dconfengine/dconfengine/internal/metrics"
	"github.com/dconfengine/dconfengine/internal/wire"
)

// watchEndpoints returns the object-path/bus pairs of every source with an
// RPC endpoint, used to fan out AddMatch/RemoveMatch.
func (e *Engine) watchEndpoints() []wire.Endpoint {
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()
	var out []wire.Endpoint
	for _, s := range e.sources {
		if s.Endpoint != nil {
			out = append(out, *s.Endpoint)
		}
	}
	return out
}

// WatchFast registers interest in path without blocking on the wire. The
// first subscriber for a path sends an AddMatch per source endpoint; later
// subscribers merely bump the reference count. If the engine's state
// changed between the request and the AddMatch ack, a synthetic
// notification is delivered after the ack so a change is not silently
// missed during the establishment race.
func (e *Engine) WatchFast(path string) {
	e.subMu.Lock()
	if e.active[path] > 0 {
		e.active[path]++
		e.subMu.Unlock()
		metrics.SubscriptionsActive.WithLabelValues("active").Set(float64(e.active[path]))
		return
	}
	e.establishing[path]++
	first := e.establishing[path] == 1
	e.subMu.Unlock()
	metrics.SubscriptionsActive.WithLabelValues("establishing").Inc()
	if !first {
		return
	}

	endpoints := e.watchEndpoints()
	state := &watchState{expected: len(endpoints), capturedState: e.State()}
	e.subMu.Lock()
	e.pendingWatch[path] = state
	e.subMu.Unlock()

	if len(endpoints) == 0 {
		e.completeEstablish(path)
		return
	}
	for _, ep := range endpoints {
		ep := ep
		rule := wire.MakeMatchRule(ep.Object, path)
		e.transport.AddMatchAsync(ep.Bus, rule, func(err error) {
			e.onAddMatchAck(path, err)
		})
	}
}

func (e *Engine) onAddMatchAck(path string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RPCCallsTotal.WithLabelValues("Watch", outcome).Inc()

	e.subMu.Lock()
	state, ok := e.pendingWatch[path]
	if !ok {
		e.subMu.Unlock()
		return
	}
	state.acked++
	done := state.acked >= state.expected
	e.subMu.Unlock()
	if done {
		e.completeEstablish(path)
	}
}

func (e *Engine) completeEstablish(path string) {
	e.subMu.Lock()
	state := e.pendingWatch[path]
	delete(e.pendingWatch, path)
	count := e.establishing[path]
	delete(e.establishing, path)
	e.active[path] += count
	activeCount := e.active[path]
	e.subMu.Unlock()
	metrics.SubscriptionsActive.WithLabelValues("establishing").Add(-float64(count))
	metrics.SubscriptionsActive.WithLabelValues("active").Set(float64(activeCount))

	if state != nil && state.capturedState != e.State() {
		e.emit(path, []string{""}, "", false)
	}
}

// UnwatchFast drops one reference on path, preferring to decrement an
// active subscription over an establishing one. When both counts reach
// zero, RemoveMatch is sent to every source endpoint (fire-and-forget).
func (e *Engine) UnwatchFast(path string) error {
	e.subMu.Lock()
	switch {
	case e.active[path] > 0:
		e.active[path]--
		if e.active[path] == 0 {
			delete(e.active, path)
		}
	case e.establishing[path] > 0:
		e.establishing[path]--
		if e.establishing[path] == 0 {
			delete(e.establishing, path)
		}
	default:
		e.subMu.Unlock()
		return sentinelError("engine: unwatch_fast called with no outstanding subscription for " + path)
	}
	drained := e.active[path] == 0 && e.establishing[path] == 0
	e.subMu.Unlock()
	metrics.SubscriptionsActive.WithLabelValues("active").Set(float64(e.active[path]))

	if drained {
		for _, ep := range e.watchEndpoints() {
			e.transport.RemoveMatch(ep.Bus, wire.MakeMatchRule(ep.Object, path))
		}
	}
	return nil
}

// WatchSync registers interest in path synchronously, with no establishing
// phase; AddMatch is sent only on the 0→1 transition. UnwatchSync is the
// counterpart that drops it on 1→0.
func (e *Engine) WatchSync(ctx context.Context, path string) error {
	e.subMu.Lock()
	e.active[path]++
	first := e.active[path] == 1
	e.subMu.Unlock()
	if !first {
		return nil
	}
	for _, ep := range e.watchEndpoints() {
		err := e.transport.AddMatch(ctx, ep.Bus, wire.MakeMatchRule(ep.Object, path))
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.RPCCallsTotal.WithLabelValues("Watch", outcome).Inc()
		if err != nil {
			return &FailedError{Op: "watch_sync", Err: err}
		}
	}
	return nil
}

func (e *Engine) UnwatchSync(path string) error {
	e.subMu.Lock()
	if e.active[path] == 0 {
		e.subMu.Unlock()
		return sentinelError("engine: unwatch_sync called with no outstanding subscription for " + path)
	}
	e.active[path]--
	last := e.active[path] == 0
	if last {
		delete(e.active, path)
	}
	e.subMu.Unlock()
	if last {
		for _, ep := range e.watchEndpoints() {
			e.transport.RemoveMatch(ep.Bus, wire.MakeMatchRule(ep.Object, path))
		}
	}
	return nil
}
