package wire

import "context"

// FakeTransport is an in-memory Transport double for tests: it records
// every call and match-rule (de)registration, and lets the test script
// answer synchronous calls or complete asynchronous ones under its own
// control.
type FakeTransport struct {
	Calls         []FakeCall
	AddMatches    []string
	RemoveMatches []string

	// CallSyncFunc, if set, answers CallSync; otherwise CallSync returns
	// (nil, nil).
	CallSyncFunc func(ep Endpoint, method string, args []byte) ([]byte, error)

	handler SignalHandler
	pending []AsyncCall
}

// FakeCall records one CallSync/CallAsync invocation.
type FakeCall struct {
	Endpoint Endpoint
	Method   string
	Args     []byte
}

// AsyncCall is a pending async call captured for the test to complete by
// calling Reply.
type AsyncCall struct {
	FakeCall
	handle *CallHandle
}

// Reply completes the call, invoking the handle exactly once.
func (c AsyncCall) Reply(body []byte, err error) {
	c.handle.Fire(body, err)
}

func NewFakeTransport() *FakeTransport { return &FakeTransport{} }

func (f *FakeTransport) CallSync(ctx context.Context, ep Endpoint, method string, args []byte) ([]byte, error) {
	f.Calls = append(f.Calls, FakeCall{Endpoint: ep, Method: method, Args: args})
	if f.CallSyncFunc != nil {
		return f.CallSyncFunc(ep, method, args)
	}
	return nil, nil
}

func (f *FakeTransport) CallAsync(ep Endpoint, method string, args []byte, handle *CallHandle) {
	call := FakeCall{Endpoint: ep, Method: method, Args: args}
	f.Calls = append(f.Calls, call)
	f.pending = append(f.pending, AsyncCall{FakeCall: call, handle: handle})
}

func (f *FakeTransport) AddMatch(ctx context.Context, bus string, rule string) error {
	f.AddMatches = append(f.AddMatches, rule)
	return nil
}

func (f *FakeTransport) AddMatchAsync(bus string, rule string, onAck func(err error)) {
	f.AddMatches = append(f.AddMatches, rule)
	onAck(nil)
}

func (f *FakeTransport) RemoveMatch(bus string, rule string) {
	f.RemoveMatches = append(f.RemoveMatches, rule)
}

func (f *FakeTransport) SetSignalHandler(h SignalHandler) { f.handler = h }

// Deliver injects an inbound signal as if it arrived from the bus.
func (f *FakeTransport) Deliver(sig Signal) {
	if f.handler != nil {
		f.handler(sig)
	}
}

// Pending returns and clears the queue of not-yet-replied async calls.
func (f *FakeTransport) Pending() []AsyncCall {
	p := f.pending
	f.pending = nil
	return p
}
