// Package wire implements the pluggable RPC layer between the engine and
// the writer service: synchronous and asynchronous method calls, match-rule
// (un)registration, and inbound signal dispatch.
package wire

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Endpoint names one writer-side object this engine's sources talk to.
type Endpoint struct {
	Bus    string // "session" or "system"
	Name   string // well-known bus name of the writer service
	Object string // object path, e.g. "/ca/desrt/dconf/Writer/user"
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%s%s", e.Bus, e.Name, e.Object)
}

const writerInterface = "ca.desrt.dconf.Writer"

// CallHandle is a heap-owned record identifying one outstanding async call.
// It is released on first invocation of OnReply, mirroring the call-handle
// machinery of the reference engine: a single-fire completion closure kept
// alive until the transport invokes it.
type CallHandle struct {
	ID               string
	ExpectedReplyType string
	OnReply          func(reply []byte, err error)

	fired bool
}

// NewCallHandle allocates a handle with a fresh opaque id.
func NewCallHandle(expectedReplyType string, onReply func(reply []byte, err error)) *CallHandle {
	return &CallHandle{ID: uuid.NewString(), ExpectedReplyType: expectedReplyType, OnReply: onReply}
}

// Fire invokes OnReply exactly once; subsequent calls are no-ops.
func (h *CallHandle) Fire(reply []byte, err error) {
	if h.fired {
		return
	}
	h.fired = true
	if h.OnReply != nil {
		h.OnReply(reply, err)
	}
}

// Signal is one inbound bus signal delivered to the engine's global
// dispatcher.
type Signal struct {
	Bus        string
	Sender     string
	ObjectPath string
	Member     string
	Body       []byte
}

// SignalHandler processes one inbound signal. It must not block for long
// and must not call back into the transport while holding application
// locks; the transport guarantees it will not hold its own locks across
// this call either.
type SignalHandler func(sig Signal)

// Transport is the contract the engine depends on; DBusTransport is the
// real implementation and FakeTransport (fake_transport.go) is an in-memory
// double used by the tests of this package and of internal/engine,
// internal/source and pkg/dconf.
type Transport interface {
	// CallSync performs a blocking method call and returns the raw reply
	// body, or a *CallError if the writer reported a failure.
	CallSync(ctx context.Context, ep Endpoint, method string, args []byte) ([]byte, error)

	// CallAsync performs a non-blocking method call; handle.Fire is
	// invoked exactly once, from a transport worker, when the reply (or a
	// transport failure) arrives.
	CallAsync(ep Endpoint, method string, args []byte, handle *CallHandle)

	// AddMatch registers a match rule against bus. Synchronous.
	AddMatch(ctx context.Context, bus string, rule string) error

	// AddMatchAsync registers a match rule without blocking the caller;
	// onAck is invoked once, from a transport worker, when the
	// registration completes (successfully or not).
	AddMatchAsync(bus string, rule string, onAck func(err error))

	// RemoveMatch unregisters a match rule. Fire-and-forget: replies, if
	// any, are discarded by the caller.
	RemoveMatch(bus string, rule string)

	// SetSignalHandler installs the single process-wide signal dispatcher.
	// engine.New calls it each time an engine is constructed on this
	// transport, always with the same registry dispatcher.
	SetSignalHandler(h SignalHandler)
}

// CallError is returned by CallSync/delivered to CallAsync handles when the
// writer reports a typed failure rather than a transport-level error.
type CallError struct {
	Name    string // e.g. "ca.desrt.dconf.Writer.Error.NotWritable"
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("wire: %s: %s", e.Name, e.Message)
}

// IsNotWritable reports whether err is a writer-reported NotWritable fault.
func IsNotWritable(err error) bool {
	ce, ok := err.(*CallError)
	return ok && ce.Name == writerInterface+".Error.NotWritable"
}

// MakeMatchRule builds the textual match-rule filter expression used to
// subscribe to Notify signals scoped to one source's object path and one
// subtree (argPath), e.g. for the subscription contract in watch_fast.
func MakeMatchRule(objectPath, argPath string) string {
	return fmt.Sprintf("type='signal',interface='%s',path='%s',arg0path='%s'", writerInterface, objectPath, argPath)
}
