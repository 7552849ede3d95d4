package blockdoc

import (
	"maps"
	"slices"

	"github.com/drpcorg/blockdoc/rdx"
)

// Record is the value of a map key: field name to field value.
type Record map[string]string

func (r Record) Clone() Record {
	return maps.Clone(r)
}

// register is a last-writer-wins cell; the later Time wins.
type register struct {
	time  rdx.Time
	value string
}

// merge reports whether the incoming write took over.
func (r *register) merge(t rdx.Time, value string) bool {
	if !t.After(r.time) {
		return false
	}
	r.time = t
	r.value = value
	return true
}

// entry is one key of a replicated map. The key is present while its
// liveness register holds "1"; fields survive removal and come back
// with the key.
type entry struct {
	live   register
	fields map[string]*register
}

func (e *entry) alive() bool {
	return e.live.value == "1"
}

func (e *entry) record() Record {
	rec := make(Record, len(e.fields))
	for f, r := range e.fields {
		rec[f] = r.value
	}
	return rec
}

type lwwMap struct {
	entries map[string]*entry
}

func newLWWMap() *lwwMap {
	return &lwwMap{entries: make(map[string]*entry)}
}

func (m *lwwMap) entry(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		e = &entry{fields: make(map[string]*register)}
		m.entries[key] = e
	}
	return e
}

// merge integrates an A, R or S op; reports whether anything visible
// changed.
func (m *lwwMap) merge(op *Op) bool {
	e := m.entry(op.Key)
	t := op.Time()
	switch op.Kind {
	case OpAdd:
		was := e.alive()
		return e.live.merge(t, "1") && !was
	case OpRemove:
		was := e.alive()
		return e.live.merge(t, "") && was
	case OpSet:
		r, ok := e.fields[op.Field]
		if !ok {
			r = &register{}
			e.fields[op.Field] = r
		}
		old := r.value
		return r.merge(t, op.Value) && (old != op.Value || !ok) && e.alive()
	}
	return false
}

func (m *lwwMap) get(key string) (Record, bool) {
	e, ok := m.entries[key]
	if !ok || !e.alive() {
		return nil, false
	}
	return e.record(), true
}

func (m *lwwMap) keys() []string {
	ret := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if e.alive() {
			ret = append(ret, k)
		}
	}
	slices.Sort(ret)
	return ret
}

// Map is a transaction's view of a named replicated map of records.
type Map struct {
	tx   *Tx
	name string
}

func (m Map) Name() string {
	return m.name
}

func (m Map) Get(key string) (Record, bool) {
	if !m.tx.doc.hasMap(m.name) {
		return nil, false
	}
	return m.tx.doc.lww(m.name).get(key)
}

func (m Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys lists the present keys, sorted.
func (m Map) Keys() []string {
	if !m.tx.doc.hasMap(m.name) {
		return []string{}
	}
	return m.tx.doc.lww(m.name).keys()
}

func (m Map) Len() int {
	return len(m.Keys())
}

// Set makes the key present and writes every field of rec. Fields the
// key had before and rec lacks keep their values.
func (m Map) Set(key string, rec Record) error {
	if err := m.tx.writable(); err != nil {
		return err
	}
	op := m.tx.stamp(OpAdd, m.name)
	op.Key = key
	m.tx.apply(op)
	fields := make([]string, 0, len(rec))
	for f := range rec {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	for _, f := range fields {
		m.setField(key, f, rec[f])
	}
	return nil
}

// SetField writes one field of a present key.
func (m Map) SetField(key, field, value string) error {
	if err := m.tx.writable(); err != nil {
		return err
	}
	if !m.Has(key) {
		return ErrKeyNotFound
	}
	m.setField(key, field, value)
	return nil
}

func (m Map) setField(key, field, value string) {
	op := m.tx.stamp(OpSet, m.name)
	op.Key = key
	op.Field = field
	op.Value = value
	m.tx.apply(op)
}

// Delete removes the key; deleting an absent key does nothing.
func (m Map) Delete(key string) error {
	if err := m.tx.writable(); err != nil {
		return err
	}
	if !m.Has(key) {
		return nil
	}
	op := m.tx.stamp(OpRemove, m.name)
	op.Key = key
	m.tx.apply(op)
	return nil
}
