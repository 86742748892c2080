// Package changeset implements the ordered path-to-optional-value mapping
// submitted to the writer and used to represent database snapshots for
// diffing.
package changeset

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/dconfengine/dconfengine/internal/dpath"
	"github.com/dconfengine/dconfengine/internal/variant"
)

// entry is either a write (Value != nil) or a reset (Value == nil).
type entry struct {
	value *variant.Value
}

// ChangeSet is a mapping from path to optional value. In delta mode it may
// contain key writes, key resets, and dir resets. In database mode it may
// contain only key writes.
type ChangeSet struct {
	table      map[string]entry
	isDatabase bool
	sealed     bool

	// derived, populated by Seal.
	prefix   string
	suffixes []string
	values   []*variant.Value
}

// New returns an empty delta-mode change set.
func New() *ChangeSet {
	return &ChangeSet{table: make(map[string]entry)}
}

// NewDatabase returns an empty database-mode change set, optionally seeded
// by copying every write from template (which must itself be database-mode).
func NewDatabase(template *ChangeSet) (*ChangeSet, error) {
	cs := &ChangeSet{table: make(map[string]entry), isDatabase: true}
	if template == nil {
		return cs, nil
	}
	if !template.isDatabase {
		return nil, fmt.Errorf("changeset: NewDatabase template must itself be database-mode")
	}
	for k, e := range template.table {
		v := e.value
		cs.table[k] = entry{value: v}
	}
	return cs, nil
}

// NewWrite returns a delta-mode change set containing a single entry: a
// write if value is non-nil, a reset otherwise.
func NewWrite(path string, value *variant.Value) (*ChangeSet, error) {
	cs := New()
	if err := cs.Set(path, value); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *ChangeSet) checkMutable() error {
	if cs.sealed {
		return fmt.Errorf("changeset: cannot modify a sealed change set")
	}
	return nil
}

// Set records a write (value != nil) or reset (value == nil) at path.
//
// Setting a dir path to a value is always forbidden. Setting any path to
// nil (a reset) is forbidden in database mode. When a dir reset is recorded
// in delta mode, every existing entry whose key has that dir as a string
// prefix is dropped first.
func (cs *ChangeSet) Set(path string, value *variant.Value) error {
	if err := cs.checkMutable(); err != nil {
		return err
	}
	isDir := dpath.Dir(path)
	if !isDir && !dpath.Key(path) {
		if relErr := dpath.IsRelKey(path); relErr != nil {
			if relDirErr := dpath.IsRelDir(path); relDirErr != nil {
				return fmt.Errorf("changeset: %q is not a valid key or dir path", path)
			}
			isDir = true
		}
	}
	if isDir && value != nil {
		return fmt.Errorf("changeset: cannot set directory %q to a value", path)
	}
	if value == nil && cs.isDatabase {
		return fmt.Errorf("changeset: cannot reset %q in a database-mode change set", path)
	}
	if isDir {
		for k := range cs.table {
			if strings.HasPrefix(k, path) {
				delete(cs.table, k)
			}
		}
	}
	cs.table[path] = entry{value: value}
	return nil
}

// Get returns (present, value). If present is false the path has no entry.
// If present is true and value is nil, the entry is a reset.
func (cs *ChangeSet) Get(path string) (present bool, value *variant.Value) {
	e, ok := cs.table[path]
	if !ok {
		return false, nil
	}
	return true, e.value
}

// IsEmpty reports whether the change set has no entries.
func (cs *ChangeSet) IsEmpty() bool { return len(cs.table) == 0 }

// IsDatabase reports whether this change set is in database mode.
func (cs *ChangeSet) IsDatabase() bool { return cs.isDatabase }

// IsSimilarTo reports whether two change sets have identical key sets,
// independent of the values recorded for each key.
func (cs *ChangeSet) IsSimilarTo(other *ChangeSet) bool {
	if other == nil {
		return cs.IsEmpty()
	}
	if len(cs.table) != len(other.table) {
		return false
	}
	for k := range cs.table {
		if _, ok := other.table[k]; !ok {
			return false
		}
	}
	return true
}

// All visits entries in an unspecified order before Seal, sorted order
// after. It stops and returns false as soon as pred returns false.
func (cs *ChangeSet) All(pred func(path string, value *variant.Value) bool) bool {
	if cs.sealed {
		for i, suffix := range cs.suffixes {
			path := cs.prefix + suffix
			if !pred(path, cs.values[i]) {
				return false
			}
		}
		return true
	}
	for k, e := range cs.table {
		if !pred(k, e.value) {
			return false
		}
	}
	return true
}

// Seal makes the change set immutable and computes the derived common
// prefix, sorted suffix list, and aligned value list. Idempotent.
func (cs *ChangeSet) Seal() {
	if cs.sealed {
		return
	}
	cs.sealed = true
	keys := make([]string, 0, len(cs.table))
	for k := range cs.table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prefix := commonPrefix(keys)
	cs.prefix = prefix
	cs.suffixes = make([]string, len(keys))
	cs.values = make([]*variant.Value, len(keys))
	for i, k := range keys {
		cs.suffixes[i] = k[len(prefix):]
		cs.values[i] = cs.table[k].value
	}
}

// commonPrefix returns the longest common prefix of keys, trimmed back to
// the last '/' so the prefix is itself always a valid directory path (or
// empty). A single key's prefix is the full key string.
func commonPrefix(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	if len(keys) == 1 {
		return keys[0]
	}
	first, last := keys[0], keys[len(keys)-1]
	n := len(first)
	if len(last) < n {
		n = len(last)
	}
	i := 0
	for i < n && first[i] == last[i] {
		i++
	}
	prefix := first[:i]
	if idx := strings.LastIndex(prefix, "/"); idx >= 0 {
		prefix = prefix[:idx+1]
	} else {
		prefix = ""
	}
	return prefix
}

// Describe returns the sealed representation directly, sealing first if
// necessary.
func (cs *ChangeSet) Describe() (prefix string, suffixes []string, values []*variant.Value, count int) {
	cs.Seal()
	return cs.prefix, cs.suffixes, cs.values, len(cs.suffixes)
}

// Serialize encodes the change set as a length-prefixed sequence of
// path/value-or-reset records.
func (cs *ChangeSet) Serialize() []byte {
	var buf []byte
	var mode byte
	if cs.isDatabase {
		mode = 1
	}
	buf = append(buf, mode)
	keys := make([]string, 0, len(cs.table))
	for k := range cs.table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	countOff := len(buf)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	var written uint32
	for _, k := range keys {
		v := cs.table[k].value
		var vb []byte
		if v != nil {
			var err error
			if vb, err = v.MarshalBinary(); err != nil {
				// A value that fails to marshal cannot have been constructed
				// through this package's API; drop it rather than corrupt the
				// stream, matching the deserialize side's drop-malformed rule.
				continue
			}
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		written++
		if v == nil {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(vb)))
		buf = append(buf, vb...)
	}
	binary.LittleEndian.PutUint32(buf[countOff:], written)
	return buf
}

// Deserialize decodes bytes produced by Serialize. Malformed entries
// (invalid path, or a value present for a directory path) are silently
// dropped rather than causing the whole decode to fail.
func Deserialize(data []byte) *ChangeSet {
	cs := New()
	if len(data) < 1 {
		return cs
	}
	mode := data[0]
	data = data[1:]
	cs.isDatabase = mode == 1
	if len(data) < 4 {
		return cs
	}
	n := binary.LittleEndian.Uint32(data)
	data = data[4:]
	for i := uint32(0); i < n; i++ {
		if len(data) < 4 {
			return cs
		}
		klen := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < klen {
			return cs
		}
		key := string(data[:klen])
		data = data[klen:]
		if len(data) < 1 {
			return cs
		}
		hasValue := data[0]
		data = data[1:]

		isDir := dpath.Dir(key)
		validKey := dpath.Key(key)
		if !isDir && !validKey {
			// not a valid path at all; still have to keep parsing the
			// stream for subsequent entries.
			if hasValue == 1 {
				if len(data) < 4 {
					return cs
				}
				vlen := binary.LittleEndian.Uint32(data)
				data = data[4:]
				if uint32(len(data)) < vlen {
					return cs
				}
				data = data[vlen:]
			}
			continue
		}

		if hasValue == 0 {
			// A reset in a database-mode stream is malformed; drop it.
			if !cs.isDatabase {
				cs.table[key] = entry{value: nil}
			}
			continue
		}

		if len(data) < 4 {
			return cs
		}
		vlen := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < vlen {
			return cs
		}
		var v variant.Value
		if err := v.UnmarshalBinary(data[:vlen]); err != nil {
			data = data[vlen:]
			continue
		}
		data = data[vlen:]
		if isDir {
			// a value for a directory path is malformed; drop it.
			continue
		}
		cs.table[key] = entry{value: &v}
	}
	return cs
}

// Apply merges delta into cs. Resets in delta are applied in sorted order
// so that a dir reset clears same-dir writes already present in cs before
// delta's key writes for that dir are recorded.
func (cs *ChangeSet) Apply(delta *ChangeSet) error {
	if err := cs.checkMutable(); err != nil {
		return err
	}
	keys := make([]string, 0, len(delta.table))
	for k := range delta.table {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		// Dir resets must be applied before key writes in the same dir, so
		// that the reset's prefix-drop in Set does not clobber a write
		// from this same delta that landed in the table first.
		iDir, jDir := dpath.Dir(keys[i]), dpath.Dir(keys[j])
		if iDir != jDir {
			return iDir
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		e := delta.table[k]
		if err := cs.Set(k, e.value); err != nil {
			return err
		}
	}
	return nil
}

// Diff computes the minimal delta between two database-mode change sets: a
// write for every key in to that differs from (or is absent in) from, and a
// reset for every key in from that is absent from to. The result is always
// constructed in delta mode — never database mode — specifically so it may
// legally carry reset entries even though both inputs are database-mode.
// Returns nil if from and to have identical mappings.
func Diff(from, to *ChangeSet) (*ChangeSet, error) {
	if !from.isDatabase || !to.isDatabase {
		return nil, fmt.Errorf("changeset: Diff requires database-mode inputs")
	}
	result := New()
	for k, e := range to.table {
		fe, ok := from.table[k]
		if !ok || !variant.Equal(*fe.value, *e.value) {
			v := e.value
			if err := result.Set(k, v); err != nil {
				return nil, err
			}
		}
	}
	for k := range from.table {
		if _, ok := to.table[k]; !ok {
			if err := result.Set(k, nil); err != nil {
				return nil, err
			}
		}
	}
	if result.IsEmpty() {
		return nil, nil
	}
	return result, nil
}

// FilterChanges returns the subset of delta (delta-mode) that would
// actually alter base (database-mode): a dir reset is kept only if base has
// any key under that dir; a key reset only if base has that key; a write
// only if its value differs from base's current value. Returns nil if the
// filtered result would be empty.
func FilterChanges(base, delta *ChangeSet) (*ChangeSet, error) {
	if !base.isDatabase {
		return nil, fmt.Errorf("changeset: FilterChanges requires a database-mode base")
	}
	result := New()
	for k, e := range delta.table {
		if dpath.Dir(k) {
			hasAny := false
			for bk := range base.table {
				if strings.HasPrefix(bk, k) {
					hasAny = true
					break
				}
			}
			if hasAny {
				if err := result.Set(k, nil); err != nil {
					return nil, err
				}
			}
			continue
		}
		if e.value == nil {
			if _, ok := base.table[k]; ok {
				if err := result.Set(k, nil); err != nil {
					return nil, err
				}
			}
			continue
		}
		bv, ok := base.table[k]
		if !ok || bv.value == nil || !variant.Equal(*bv.value, *e.value) {
			if err := result.Set(k, e.value); err != nil {
				return nil, err
			}
		}
	}
	if result.IsEmpty() {
		return nil, nil
	}
	return result, nil
}
