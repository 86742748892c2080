package wire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeMatchRule(t *testing.T) {
	rule := MakeMatchRule("/ca/desrt/dconf/Writer/user", "/a/b/c")
	assert.Contains(t, rule, "interface='ca.desrt.dconf.Writer'")
	assert.Contains(t, rule, "path='/ca/desrt/dconf/Writer/user'")
	assert.Contains(t, rule, "arg0path='/a/b/c'")
}

func TestCallHandleFiresOnce(t *testing.T) {
	var calls int
	h := NewCallHandle("s", func(reply []byte, err error) { calls++ })
	h.Fire([]byte("tag"), nil)
	h.Fire([]byte("tag-again"), nil)
	assert.Equal(t, 1, calls)
	assert.NotEmpty(t, h.ID)
}

func TestFakeTransportRecordsAndAcksAsync(t *testing.T) {
	ft := NewFakeTransport()
	ep := Endpoint{Bus: "session", Name: "ca.desrt.dconf", Object: "/ca/desrt/dconf/Writer/user"}

	var reply []byte
	var replyErr error
	h := NewCallHandle("s", func(r []byte, err error) { reply = r; replyErr = err })
	ft.CallAsync(ep, "Change", []byte("payload"), h)

	pending := ft.Pending()
	require.Len(t, pending, 1)
	pending[0].Reply([]byte("tag-1"), nil)

	assert.Equal(t, []byte("tag-1"), reply)
	assert.NoError(t, replyErr)
}

func TestFakeTransportAddMatchAsyncAcksImmediately(t *testing.T) {
	ft := NewFakeTransport()
	var acked bool
	ft.AddMatchAsync("session", "rule", func(err error) { acked = true })
	assert.True(t, acked)
	assert.Len(t, ft.AddMatches, 1)
}

func TestFakeTransportDeliversSignals(t *testing.T) {
	ft := NewFakeTransport()
	var got Signal
	ft.SetSignalHandler(func(sig Signal) { got = sig })
	ft.Deliver(Signal{Member: "Notify", ObjectPath: "/x"})
	assert.Equal(t, "Notify", got.Member)
}

func TestIsNotWritable(t *testing.T) {
	err := &CallError{Name: "ca.desrt.dconf.Writer.Error.NotWritable"}
	assert.True(t, IsNotWritable(err))
	assert.False(t, IsNotWritable(context.Canceled))
}
