package wire

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/time/rate"
)

// DBusTransport implements Transport over real session and system bus
// connections, rate-limiting outbound calls so a pathological caller cannot
// flood either bus.
type DBusTransport struct {
	mu      sync.Mutex
	conns   map[string]*dbus.Conn // "session" | "system"
	limiter *rate.Limiter
	logger  *slog.Logger

	handlerMu sync.RWMutex
	handler   SignalHandler
}

// DBusTransportOption configures a DBusTransport at construction.
type DBusTransportOption func(*DBusTransport)

// WithRateLimit overrides the default outbound call rate limit.
func WithRateLimit(rps float64, burst int) DBusTransportOption {
	return func(t *DBusTransport) { t.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(l *slog.Logger) DBusTransportOption {
	return func(t *DBusTransport) { t.logger = l }
}

// NewDBusTransport constructs a transport with no bus connections open yet;
// connections are established lazily per bus kind on first use.
func NewDBusTransport(opts ...DBusTransportOption) *DBusTransport {
	t := &DBusTransport{
		conns:   make(map[string]*dbus.Conn),
		limiter: rate.NewLimiter(50, 10),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *DBusTransport) conn(bus string) (*dbus.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[bus]; ok {
		return c, nil
	}
	var c *dbus.Conn
	var err error
	switch bus {
	case "system":
		c, err = dbus.ConnectSystemBus()
	default:
		c, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("wire: connect %s bus: %w", bus, err)
	}
	t.conns[bus] = c
	t.startSignalLoop(bus, c)
	return c, nil
}

func (t *DBusTransport) startSignalLoop(bus string, c *dbus.Conn) {
	ch := make(chan *dbus.Signal, 64)
	c.Signal(ch)
	go func() {
		for sig := range ch {
			t.handlerMu.RLock()
			h := t.handler
			t.handlerMu.RUnlock()
			if h == nil {
				continue
			}
			member := lastDotSegment(sig.Name)
			body, ok := encodeSignalBody(member, sig.Body)
			if !ok {
				t.logger.Warn("wire: dropped signal with unrecognized body shape", "member", member)
				continue
			}
			h(Signal{
				Bus:        bus,
				Sender:     sig.Sender,
				ObjectPath: string(sig.Path),
				Member:     member,
				Body:       body,
			})
		}
	}()
}

func lastDotSegment(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}

func (t *DBusTransport) SetSignalHandler(h SignalHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

func (t *DBusTransport) CallSync(ctx context.Context, ep Endpoint, method string, args []byte) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wire: rate limit wait: %w", err)
	}
	c, err := t.conn(ep.Bus)
	if err != nil {
		return nil, err
	}
	obj := c.Object(ep.Name, dbus.ObjectPath(ep.Object))
	call := obj.CallWithContext(ctx, writerInterface+"."+method, 0, decodeArgs(args)...)
	if call.Err != nil {
		return nil, classifyDBusError(call.Err)
	}
	return encodeBody(call.Body)
}

func (t *DBusTransport) CallAsync(ep Endpoint, method string, args []byte, handle *CallHandle) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		reply, err := t.CallSync(ctx, ep, method, args)
		handle.Fire(reply, err)
	}()
}

func (t *DBusTransport) AddMatch(ctx context.Context, bus string, rule string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	c, err := t.conn(bus)
	if err != nil {
		return err
	}
	return c.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, rule).Err
}

func (t *DBusTransport) AddMatchAsync(bus string, rule string, onAck func(err error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		onAck(t.AddMatch(ctx, bus, rule))
	}()
}

func (t *DBusTransport) RemoveMatch(bus string, rule string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c, err := t.conn(bus)
		if err != nil {
			return
		}
		if err := c.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.RemoveMatch", 0, rule).Err; err != nil {
			t.logger.Warn("wire: RemoveMatch failed", "rule", rule, "err", err)
		}
	}()
}

// encodeSignalBody converts a real D-Bus signal's native argument types into
// this package's opaque byte encoding, based on which of the two inbound
// signal shapes the engine understands the member names.
func encodeSignalBody(member string, body []interface{}) ([]byte, bool) {
	switch member {
	case "Notify":
		if len(body) != 3 {
			return nil, false
		}
		prefix, ok := body[0].(string)
		if !ok {
			return nil, false
		}
		changes, ok := body[1].([]string)
		if !ok {
			return nil, false
		}
		tag, ok := body[2].(string)
		if !ok {
			return nil, false
		}
		return EncodeNotifyBody(prefix, changes, tag), true
	case "WritabilityNotify":
		if len(body) != 1 {
			return nil, false
		}
		path, ok := body[0].(string)
		if !ok {
			return nil, false
		}
		return EncodeWritabilityBody(path), true
	default:
		return nil, false
	}
}

func classifyDBusError(err error) error {
	dbusErr, ok := err.(dbus.Error)
	if !ok {
		return err
	}
	msg := ""
	if len(dbusErr.Body) > 0 {
		if s, ok := dbusErr.Body[0].(string); ok {
			msg = s
		}
	}
	return &CallError{Name: dbusErr.Name, Message: msg}
}

// encodeBody and decodeArgs bridge between this package's opaque []byte
// call payloads (produced by the changeset wire serializer, consumed
// verbatim by the engine) and godbus's native variant-typed call arguments.
// The engine always sends and expects a single byte-array argument/body,
// matching the writer RPC contract's `ay`-typed Change payload and `s`
// reply tag.
func encodeBody(body []interface{}) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}
	switch v := body[0].(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("wire: unexpected reply body type %T", v)
	}
}

func decodeArgs(args []byte) []interface{} {
	if args == nil {
		return nil
	}
	return []interface{}{args}
}
