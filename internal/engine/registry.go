package engine

import (
	"log/slog"
	"sync"

	"github.com/dconfengine/dconfengine/internal/dpath"
	"github.com/dconfengine/dconfengine/internal/metrics"
	"github.com/dconfengine/dconfengine/internal/wire"
)

// registryMu guards the process-wide engine registry and every engine's
// refcount transition through zero. It is a leaf lock: never acquired while
// holding an engine's own sourcesMu, queueMu, or subMu.
var (
	registryMu sync.Mutex
	registry   = make(map[uint64]*Engine)
	nextID     uint64
)

func register(e *Engine) {
	registryMu.Lock()
	defer registryMu.Unlock()
	nextID++
	e.id = nextID
	registry[e.id] = e
}

func unregisterLocked(e *Engine) {
	delete(registry, e.id)
}

// snapshot returns every currently-registered engine with an extra
// reference taken on each, so the caller may invoke into them without
// holding registryMu.
func snapshot() []*Engine {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]*Engine, 0, len(registry))
	for _, e := range registry {
		e.Ref()
		out = append(out, e)
	}
	return out
}

// dispatch is installed as the single process-wide wire.SignalHandler. It
// snapshots the engine list, then hands the signal to every engine's own
// handler, releasing each engine's temporary reference afterward.
func dispatch(sig wire.Signal) {
	engines := snapshot()
	defer func() {
		for _, e := range engines {
			e.Unref()
		}
	}()
	for _, e := range engines {
		e.handleSignal(sig)
	}
}

// handleSignal implements §4.7.9: junk rejection, echo suppression via
// last_handled, and dispatch to the user's change callback.
func (e *Engine) handleSignal(sig wire.Signal) {
	switch sig.Member {
	case "Notify":
		prefix, changes, tag, ok := wire.DecodeNotifyBody(sig.Body)
		if !ok || len(changes) == 0 {
			return
		}
		isDir := prefix != "" && prefix[len(prefix)-1] == '/'
		if !isDir {
			if len(changes) != 1 || changes[0] != "" {
				return
			}
		} else {
			for _, c := range changes {
				if !isValidRelPath(c) {
					return
				}
			}
		}

		e.queueMu.Lock()
		isEcho := e.hasLastHandled && tag == e.lastHandled
		e.queueMu.Unlock()
		if isEcho {
			metrics.NotifyEchoSuppressedTotal.Inc()
			return
		}

		if !e.endpointMatches(sig.Bus, sig.ObjectPath) {
			return
		}
		e.emit(prefix, changes, tag, false)

	case "WritabilityNotify":
		path, ok := wire.DecodeWritabilityBody(sig.Body)
		if !ok || dpath.IsPath(path) != nil {
			return
		}
		e.emit(path, []string{""}, "", true)

	default:
		slog.Debug("engine: ignoring unrecognized signal member", "member", sig.Member)
	}
}

func isValidRelPath(s string) bool {
	if s == "" {
		return true
	}
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '/' && s[i+1] == '/' {
			return false
		}
	}
	return s[0] != '/'
}

func (e *Engine) endpointMatches(bus, objectPath string) bool {
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()
	for _, s := range e.sources {
		if s.Endpoint != nil && s.Endpoint.Bus == bus && s.Endpoint.Object == objectPath {
			return true
		}
	}
	return false
}
