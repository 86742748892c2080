package wire

import "encoding/binary"

// Signal bodies are carried as an opaque []byte so that Transport stays
// agnostic to the two inbound signal shapes the engine understands
// (Notify's `(sass)` and WritabilityNotify's `(s)`). These helpers encode
// and decode that byte form; DBusTransport's signal loop produces it from
// real D-Bus signal arguments, and FakeTransport-based tests can construct
// it directly.

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readString(b []byte) (s string, rest []byte, ok bool) {
	if len(b) < 4 {
		return "", nil, false
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, false
	}
	return string(b[:n]), b[n:], true
}

// EncodeNotifyBody encodes the (prefix, changes, tag) triple of a Notify
// signal.
func EncodeNotifyBody(prefix string, changes []string, tag string) []byte {
	var buf []byte
	buf = appendString(buf, prefix)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(changes)))
	for _, c := range changes {
		buf = appendString(buf, c)
	}
	buf = appendString(buf, tag)
	return buf
}

// DecodeNotifyBody decodes a Notify signal body produced by EncodeNotifyBody.
func DecodeNotifyBody(body []byte) (prefix string, changes []string, tag string, ok bool) {
	prefix, rest, ok := readString(body)
	if !ok || len(rest) < 4 {
		return "", nil, "", false
	}
	n := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	changes = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		var c string
		c, rest, ok = readString(rest)
		if !ok {
			return "", nil, "", false
		}
		changes = append(changes, c)
	}
	tag, _, ok = readString(rest)
	if !ok {
		return "", nil, "", false
	}
	return prefix, changes, tag, true
}

// EncodeWritabilityBody encodes the path argument of a WritabilityNotify
// signal.
func EncodeWritabilityBody(path string) []byte {
	return appendString(nil, path)
}

// DecodeWritabilityBody decodes a WritabilityNotify signal body.
func DecodeWritabilityBody(body []byte) (path string, ok bool) {
	path, _, ok = readString(body)
	return path, ok
}
