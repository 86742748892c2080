// Package gvdb implements a read-only binary hash-file reader for the
// variant database format used to persist configuration layers: a
// signature header followed by one or more nested hash tables of key/value
// and key/subtable records.
package gvdb

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dconfengine/dconfengine/internal/metrics"
	"github.com/dconfengine/dconfengine/internal/variant"
)

const (
	signature   = "GVariant"
	headerSize  = 24 // sig(8) + version(4) + flags(4) + rootStart(4) + rootLen(4)
	itemRecSize = 28 // hash(4) next(4) keyStart(4) keySize(4) type+pad(4) valStart(4) valSize(4)
	sentinel    = 0xFFFFFFFF

	typeValue    = byte('v')
	typeSubtable = byte('L')

	flagByteSwapped = 1 << 0
)

// Table is a read-only view over one hash-table region of a decoded GVDB
// byte blob. The root Table and every Table returned by GetSubtable share
// the same backing byte slice.
type Table struct {
	data        []byte // whole-file backing bytes, shared across subtables
	regionStart uint32
	regionSize  uint32

	cache *lru.Cache[string, variant.Value]
}

// hashString computes the djb2-style polynomial hash used to bucket keys.
func hashString(s string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}

// Open decodes a GVDB byte blob already read into memory (e.g. via mmap).
// The returned Table is invalid from the start if the first 8 bytes are all
// zero, matching the invalidation convention of the external format.
func Open(data []byte) (*Table, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("gvdb: file too small to contain a header (%d bytes)", len(data))
	}
	if !isZeroed(data[:8]) && string(data[:8]) != signature {
		return nil, fmt.Errorf("gvdb: bad signature %q", data[:8])
	}
	rootStart := binary.LittleEndian.Uint32(data[16:20])
	rootSize := binary.LittleEndian.Uint32(data[20:24])
	if uint64(rootStart)+uint64(rootSize) > uint64(len(data)) {
		return nil, fmt.Errorf("gvdb: root region out of bounds")
	}
	cache, _ := lru.New[string, variant.Value](256)
	return &Table{data: data, regionStart: rootStart, regionSize: rootSize, cache: cache}, nil
}

func isZeroed(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// IsValid reports whether the backing storage has not been signaled invalid
// (its first 8 bytes are not all zero).
func (t *Table) IsValid() bool {
	if len(t.data) < 8 {
		return false
	}
	return !isZeroed(t.data[:8])
}

type item struct {
	hash       uint32
	next       uint32
	keyStart   uint32
	keySize    uint32
	typeMarker byte
	valueStart uint32
	valueSize  uint32
}

func (t *Table) region() []byte {
	return t.data[t.regionStart : t.regionStart+t.regionSize]
}

func (t *Table) header() (nBuckets, nItems uint32, ok bool) {
	r := t.region()
	if len(r) < 8 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(r[0:4]), binary.LittleEndian.Uint32(r[4:8]), true
}

func (t *Table) bucket(i uint32) uint32 {
	r := t.region()
	off := 8 + 4*i
	return binary.LittleEndian.Uint32(r[off : off+4])
}

func (t *Table) item(idx uint32) item {
	nBuckets, _, _ := t.header()
	r := t.region()
	off := 8 + 4*nBuckets + idx*itemRecSize
	rec := r[off : off+itemRecSize]
	return item{
		hash:       binary.LittleEndian.Uint32(rec[0:4]),
		next:       binary.LittleEndian.Uint32(rec[4:8]),
		keyStart:   binary.LittleEndian.Uint32(rec[8:12]),
		keySize:    binary.LittleEndian.Uint32(rec[12:16]),
		typeMarker: rec[16],
		valueStart: binary.LittleEndian.Uint32(rec[20:24]),
		valueSize:  binary.LittleEndian.Uint32(rec[24:28]),
	}
}

func (t *Table) keyOf(it item) string {
	return string(t.data[it.keyStart : it.keyStart+it.keySize])
}

func (t *Table) valueBytes(it item) []byte {
	return t.data[it.valueStart : it.valueStart+it.valueSize]
}

func (t *Table) lookup(key string) (item, bool) {
	nBuckets, _, ok := t.header()
	if !ok || nBuckets == 0 {
		return item{}, false
	}
	h := hashString(key)
	idx := t.bucket(h % nBuckets)
	for idx != sentinel {
		it := t.item(idx)
		if t.keyOf(it) == key {
			return it, true
		}
		idx = it.next
	}
	return item{}, false
}

// HasValue reports whether key names a leaf value in this table.
func (t *Table) HasValue(key string) bool {
	it, ok := t.lookup(key)
	return ok && it.typeMarker == typeValue
}

// GetValue returns the decoded value named key, if present.
func (t *Table) GetValue(key string) (variant.Value, bool) {
	cacheKey := t.cacheKey(key)
	if t.cache != nil {
		if v, ok := t.cache.Get(cacheKey); ok {
			metrics.ReadCacheHits.Inc()
			return v, true
		}
		metrics.ReadCacheMisses.Inc()
	}
	it, ok := t.lookup(key)
	if !ok || it.typeMarker != typeValue {
		return variant.Value{}, false
	}
	var v variant.Value
	if err := v.UnmarshalBinary(t.valueBytes(it)); err != nil {
		return variant.Value{}, false
	}
	if t.cache != nil {
		t.cache.Add(cacheKey, v)
	}
	return v, true
}

// cacheKey disambiguates identical leaf names across different subtables by
// folding in this table's region offset, since the LRU cache is shared with
// every subtable reached from the same root.
func (t *Table) cacheKey(key string) string {
	var b strings.Builder
	b.WriteString(key)
	b.WriteByte(0)
	writeUint32(&b, t.regionStart)
	return b.String()
}

func writeUint32(b *strings.Builder, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.Write(buf[:])
}

// GetSubtable returns the nested table named key, if present.
func (t *Table) GetSubtable(key string) (*Table, bool) {
	it, ok := t.lookup(key)
	if !ok || it.typeMarker != typeSubtable {
		return nil, false
	}
	return &Table{data: t.data, regionStart: it.valueStart, regionSize: it.valueSize, cache: t.cache}, true
}

// List returns the sorted, deduplicated set of immediate child path
// components under dir, which must end in "/". Matching items whose key is
// exactly dir are excluded (a directory has no entry naming itself).
func (t *Table) List(dir string) []string {
	_, nItems, ok := t.header()
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	for i := uint32(0); i < nItems; i++ {
		it := t.item(i)
		key := t.keyOf(it)
		if key == dir || !strings.HasPrefix(key, dir) {
			continue
		}
		rest := key[len(dir):]
		if rest == "" {
			continue
		}
		if idx := strings.Index(rest, "/"); idx >= 0 {
			seen[rest[:idx+1]] = struct{}{}
		} else {
			seen[rest] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GetNames returns every leaf key present in this table, sorted.
func (t *Table) GetNames() []string {
	_, nItems, ok := t.header()
	if !ok {
		return nil
	}
	out := make([]string, 0, nItems)
	for i := uint32(0); i < nItems; i++ {
		it := t.item(i)
		if it.typeMarker == typeValue {
			out = append(out, t.keyOf(it))
		}
	}
	sort.Strings(out)
	return out
}
