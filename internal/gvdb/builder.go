package gvdb

import (
	"encoding/binary"
	"sort"

	"github.com/dconfengine/dconfengine/internal/variant"
)

// Builder assembles an in-memory GVDB byte blob. It exists so this
// package's own tests, and any code that materializes a database layer
// in-process, can produce valid input for Open without a real on-disk
// database file.
type Builder struct {
	values    map[string]variant.Value
	subtables map[string]*Builder
}

// NewBuilder returns an empty table builder.
func NewBuilder() *Builder {
	return &Builder{
		values:    make(map[string]variant.Value),
		subtables: make(map[string]*Builder),
	}
}

// Set records a leaf value under key.
func (b *Builder) Set(key string, v variant.Value) {
	b.values[key] = v
}

// Subtable returns the nested builder named name, creating it if absent.
func (b *Builder) Subtable(name string) *Builder {
	if sub, ok := b.subtables[name]; ok {
		return sub
	}
	sub := NewBuilder()
	b.subtables[name] = sub
	return sub
}

// Build serializes the builder tree into a GVDB byte blob readable by Open.
func (b *Builder) Build() ([]byte, error) {
	fb := &fileBuilder{buf: make([]byte, headerSize)}
	rootStart, rootSize, err := b.buildRegion(fb)
	if err != nil {
		return nil, err
	}
	copy(fb.buf[0:8], signature)
	binary.LittleEndian.PutUint32(fb.buf[8:12], 0) // version
	binary.LittleEndian.PutUint32(fb.buf[12:16], 0) // flags: host-native, not byteswapped
	binary.LittleEndian.PutUint32(fb.buf[16:20], rootStart)
	binary.LittleEndian.PutUint32(fb.buf[20:24], rootSize)
	return fb.buf, nil
}

type fileBuilder struct {
	buf []byte
}

func (fb *fileBuilder) alloc(b []byte) (start, size uint32) {
	start = uint32(len(fb.buf))
	fb.buf = append(fb.buf, b...)
	size = uint32(len(b))
	return
}

type rawItem struct {
	key        string
	typeMarker byte
	valueStart uint32
	valueSize  uint32
}

func (b *Builder) buildRegion(fb *fileBuilder) (start, size uint32, err error) {
	keys := make([]string, 0, len(b.values)+len(b.subtables))
	for k := range b.values {
		keys = append(keys, k)
	}
	for k := range b.subtables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]rawItem, 0, len(keys))
	for _, k := range keys {
		if sub, ok := b.subtables[k]; ok {
			subStart, subSize, err := sub.buildRegion(fb)
			if err != nil {
				return 0, 0, err
			}
			items = append(items, rawItem{key: k, typeMarker: typeSubtable, valueStart: subStart, valueSize: subSize})
			continue
		}
		v := b.values[k]
		vb, err := v.MarshalBinary()
		if err != nil {
			return 0, 0, err
		}
		vStart, vSize := fb.alloc(vb)
		items = append(items, rawItem{key: k, typeMarker: typeValue, valueStart: vStart, valueSize: vSize})
	}

	nItems := uint32(len(items))
	nBuckets := nItems
	if nBuckets == 0 {
		nBuckets = 1
	}
	buckets := make([]uint32, nBuckets)
	for i := range buckets {
		buckets[i] = sentinel
	}
	nexts := make([]uint32, nItems)
	hashes := make([]uint32, nItems)
	keyStarts := make([]uint32, nItems)
	keySizes := make([]uint32, nItems)
	for i, it := range items {
		h := hashString(it.key)
		hashes[i] = h
		bucket := h % nBuckets
		nexts[i] = buckets[bucket]
		buckets[bucket] = uint32(i)
		ks, ksz := fb.alloc([]byte(it.key))
		keyStarts[i] = ks
		keySizes[i] = ksz
	}

	region := make([]byte, 8+4*nBuckets+itemRecSize*nItems)
	binary.LittleEndian.PutUint32(region[0:4], nBuckets)
	binary.LittleEndian.PutUint32(region[4:8], nItems)
	for i, v := range buckets {
		off := 8 + 4*uint32(i)
		binary.LittleEndian.PutUint32(region[off:off+4], v)
	}
	base := 8 + 4*nBuckets
	for i, it := range items {
		off := base + uint32(i)*itemRecSize
		rec := region[off : off+itemRecSize]
		binary.LittleEndian.PutUint32(rec[0:4], hashes[i])
		binary.LittleEndian.PutUint32(rec[4:8], nexts[i])
		binary.LittleEndian.PutUint32(rec[8:12], keyStarts[i])
		binary.LittleEndian.PutUint32(rec[12:16], keySizes[i])
		rec[16] = it.typeMarker
		binary.LittleEndian.PutUint32(rec[20:24], it.valueStart)
		binary.LittleEndian.PutUint32(rec[24:28], it.valueSize)
	}

	start, size = fb.alloc(region)
	return start, size, nil
}
