package blockdoc

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/drpcorg/blockdoc/blockdoc_errors"
	"github.com/drpcorg/blockdoc/rdx"
	"github.com/drpcorg/blockdoc/utils"
)

var (
	ErrMalformedUpdate = blockdoc_errors.ErrMalformedUpdate
	ErrIndexOutOfRange = blockdoc_errors.ErrIndexOutOfRange
	ErrReadOnly        = blockdoc_errors.ErrReadOnly
	ErrTxClosed        = blockdoc_errors.ErrTxClosed
	ErrKeyNotFound     = blockdoc_errors.ErrKeyNotFound
)

// Event describes one committed transaction or one remote apply that
// changed anything visible.
type Event struct {
	Origin Origin
	// names of arrays whose visible sequence changed
	Arrays []string
	// map name to the keys that were added, removed or rewritten
	Keys map[string][]string
}

func (ev *Event) ArrayChanged(name string) bool {
	return slices.Contains(ev.Arrays, name)
}

func (ev *Event) MapChanged(name string) bool {
	return len(ev.Keys[name]) > 0
}

// UpdateEvent carries the encoded delta of a commit.
type UpdateEvent struct {
	Update []byte
	Origin Origin
	// own op sequence high-water mark after the commit
	Seq uint64
}

type changes struct {
	arrays map[string]struct{}
	keys   map[string]map[string]struct{}
}

func (ch *changes) array(name string) {
	if ch.arrays == nil {
		ch.arrays = make(map[string]struct{})
	}
	ch.arrays[name] = struct{}{}
}

func (ch *changes) key(name, key string) {
	if ch.keys == nil {
		ch.keys = make(map[string]map[string]struct{})
	}
	keys, ok := ch.keys[name]
	if !ok {
		keys = make(map[string]struct{})
		ch.keys[name] = keys
	}
	keys[key] = struct{}{}
}

func (ch *changes) event(origin Origin) *Event {
	if len(ch.arrays) == 0 && len(ch.keys) == 0 {
		return nil
	}
	ev := &Event{Origin: origin, Keys: make(map[string][]string, len(ch.keys))}
	for name := range ch.arrays {
		ev.Arrays = append(ev.Arrays, name)
	}
	slices.Sort(ev.Arrays)
	for name, keys := range ch.keys {
		list := make([]string, 0, len(keys))
		for k := range keys {
			list = append(list, k)
		}
		slices.Sort(list)
		ev.Keys[name] = list
	}
	return ev
}

// Doc is one replica of a document made of named arrays and maps.
// Local edits go through Transact, remote ones through ApplyUpdate;
// both produce one Event and one UpdateEvent per commit, delivered
// in commit order after the state lock is released.
//
// Listeners run while the emission lock is held: they may read the
// Doc through View but must not call Transact or ApplyUpdate
// synchronously.
type Doc struct {
	src   uint64
	clock rdx.Clock
	vv    rdx.VV

	arrays map[string]*rga
	maps   map[string]*lwwMap

	// every integrated op, in integration (thus causal) order
	ops []Op
	// own ops, own[seq-1] has sequence number seq
	own []Op
	// ops waiting for their causal dependencies
	pending []Op

	// guards the state
	lock sync.Mutex
	// serializes commits with their emission
	emit sync.Mutex

	observers utils.Listeners[*Event]
	updates   utils.Listeners[*UpdateEvent]

	log utils.Logger
}

type DocOpt func(doc *Doc)

func WithLogger(log utils.Logger) DocOpt {
	return func(doc *Doc) {
		doc.log = log
	}
}

func WithClock(clock rdx.Clock) DocOpt {
	return func(doc *Doc) {
		doc.clock = clock
	}
}

// NewDoc creates an empty replica; src must be unique among the
// replicas of the document and non-zero.
func NewDoc(src uint64, opts ...DocOpt) *Doc {
	if src == 0 {
		panic("blockdoc: zero replica id")
	}
	doc := &Doc{
		src:    src,
		vv:     make(rdx.VV),
		arrays: make(map[string]*rga),
		maps:   make(map[string]*lwwMap),
	}
	for _, opt := range opts {
		opt(doc)
	}
	if doc.clock == nil {
		doc.clock = &rdx.LamportClock{}
	}
	if doc.log == nil {
		doc.log = utils.NewDefaultLogger(slog.LevelWarn)
	}
	return doc
}

func (doc *Doc) Source() uint64 {
	return doc.src
}

// StateVector returns a copy of the version vector of integrated ops.
func (doc *Doc) StateVector() rdx.VV {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	return doc.vv.Clone()
}

// Seq is the sequence number of the last own op.
func (doc *Doc) Seq() uint64 {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	return uint64(len(doc.own))
}

// Pending is the number of received ops waiting for dependencies.
func (doc *Doc) Pending() int {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	return len(doc.pending)
}

// Observe registers a change listener; call the returned func to
// unregister it.
func (doc *Doc) Observe(fn func(ev *Event)) (unobserve func()) {
	return doc.observers.Add(fn)
}

// OnUpdate registers a listener for the encoded deltas of commits.
func (doc *Doc) OnUpdate(fn func(ev *UpdateEvent)) (off func()) {
	return doc.updates.Add(fn)
}

// Destroy unregisters every listener; the state stays readable.
func (doc *Doc) Destroy() {
	doc.observers.Clear()
	doc.updates.Clear()
}

func (doc *Doc) hasArray(name string) bool {
	_, ok := doc.arrays[name]
	return ok
}

func (doc *Doc) array(name string) *rga {
	a, ok := doc.arrays[name]
	if !ok {
		a = newRGA()
		doc.arrays[name] = a
	}
	return a
}

func (doc *Doc) hasMap(name string) bool {
	_, ok := doc.maps[name]
	return ok
}

func (doc *Doc) lww(name string) *lwwMap {
	m, ok := doc.maps[name]
	if !ok {
		m = newLWWMap()
		doc.maps[name] = m
	}
	return m
}

// ready reports whether every causal dependency of op is integrated.
func (doc *Doc) ready(op *Op) bool {
	if !doc.vv.Next(op.ID) {
		return false
	}
	switch op.Kind {
	case OpInsert:
		return op.Ref == rdx.ID0 || doc.hasArray(op.Coll) && doc.arrays[op.Coll].known(op.Ref)
	case OpDelete:
		return doc.hasArray(op.Coll) && doc.arrays[op.Coll].known(op.Ref)
	}
	return true
}

// integrate applies a ready op to the state. With undo non-nil it
// also records how to revert the op.
func (doc *Doc) integrate(op *Op, ch *changes, undo *[]func()) {
	doc.vv.PutID(op.ID)
	doc.clock.See(op.Rev)
	doc.ops = append(doc.ops, *op)
	if op.ID.Src() == doc.src {
		doc.own = append(doc.own, *op)
	}
	switch op.Kind {
	case OpInsert:
		a := doc.array(op.Coll)
		a.insert(op)
		ch.array(op.Coll)
		if undo != nil {
			id, ref := op.ID, op.Ref
			*undo = append(*undo, func() {
				par := a.parent(ref)
				par.kids = slices.DeleteFunc(par.kids, func(e *elem) bool { return e.id == id })
				delete(a.elems, id)
				a.dirty = true
			})
		}
	case OpDelete:
		a := doc.array(op.Coll)
		if a.remove(op.Ref) {
			ch.array(op.Coll)
			if undo != nil {
				e := a.elems[op.Ref]
				*undo = append(*undo, func() {
					e.deleted = false
					a.dirty = true
				})
			}
		}
	case OpAdd, OpRemove, OpSet:
		m := doc.lww(op.Coll)
		if undo != nil {
			*undo = append(*undo, m.snapshot(op.Key))
		}
		if m.merge(op) {
			ch.key(op.Coll, op.Key)
		}
	}
}

// snapshot returns a func restoring the key to its current state.
func (m *lwwMap) snapshot(key string) func() {
	e, ok := m.entries[key]
	if !ok {
		return func() { delete(m.entries, key) }
	}
	live := e.live
	fields := make(map[string]register, len(e.fields))
	for f, r := range e.fields {
		fields[f] = *r
	}
	return func() {
		e.live = live
		for f := range e.fields {
			if _, had := fields[f]; !had {
				delete(e.fields, f)
			}
		}
		for f, r := range fields {
			*e.fields[f] = r
		}
	}
}

// Transact runs fn as one atomic transaction. If fn fails, every
// change it made is reverted and nothing is emitted.
func (doc *Doc) Transact(origin Origin, fn func(tx *Tx) error) error {
	if origin == "" {
		origin = OriginLocal
	}
	doc.emit.Lock()
	defer doc.emit.Unlock()
	doc.lock.Lock()
	tx := &Tx{
		doc:    doc,
		origin: origin,
	}
	nops, nown := len(doc.ops), len(doc.own)
	err := doc.run(tx, fn)
	tx.closed = true
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		doc.ops = doc.ops[:nops]
		doc.own = doc.own[:nown]
		doc.vv.Set(doc.src, uint64(nown))
		if nown == 0 {
			delete(doc.vv, doc.src)
		}
		doc.lock.Unlock()
		return err
	}
	if len(tx.ops) == 0 {
		doc.lock.Unlock()
		return nil
	}
	uev := &UpdateEvent{
		Update: EncodeOps(tx.ops),
		Origin: origin,
		Seq:    uint64(len(doc.own)),
	}
	ev := tx.changes.event(origin)
	doc.lock.Unlock()

	if ev != nil {
		doc.observers.Emit(ev)
	}
	doc.updates.Emit(uev)
	return nil
}

func (doc *Doc) run(tx *Tx, fn func(tx *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("blockdoc: transaction panicked: %v", r)
		}
	}()
	return fn(tx)
}

// View runs fn against a consistent read-only snapshot.
func (doc *Doc) View(fn func(tx *Tx)) {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	tx := &Tx{doc: doc, readOnly: true}
	fn(tx)
	tx.closed = true
}

// ApplyUpdate merges a delta produced by any replica. The delta is
// parsed entirely before any state is touched; a malformed one is
// rejected with ErrMalformedUpdate. Ops seen before are skipped, ops
// missing their dependencies wait in the pending list.
func (doc *Doc) ApplyUpdate(data []byte, origin Origin) error {
	ops, err := DecodeUpdate(data)
	if err != nil {
		doc.log.Warn("rejected update", "len", len(data), "err", err)
		return fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
	}
	if origin == "" {
		origin = OriginRemote
	}
	doc.emit.Lock()
	defer doc.emit.Unlock()
	doc.lock.Lock()
	var ch changes
	var applied []Op
	parked := 0
	for i := range ops {
		op := &ops[i]
		if doc.vv.SeenID(op.ID) {
			continue
		}
		if doc.ready(op) {
			doc.integrate(op, &ch, nil)
			applied = append(applied, *op)
		} else if doc.park(op) {
			parked++
		}
	}
	if len(applied) > 0 && len(doc.pending) > 0 {
		applied = doc.flush(&ch, applied)
	}
	if parked > 0 {
		doc.log.Debug("ops parked", "count", parked, "pending", len(doc.pending), "vv", doc.vv.String())
	}
	if len(applied) == 0 {
		doc.lock.Unlock()
		return nil
	}
	uev := &UpdateEvent{
		Update: EncodeOps(applied),
		Origin: origin,
		Seq:    uint64(len(doc.own)),
	}
	ev := ch.event(origin)
	doc.lock.Unlock()

	if ev != nil {
		doc.observers.Emit(ev)
	}
	doc.updates.Emit(uev)
	return nil
}

func (doc *Doc) park(op *Op) bool {
	for i := range doc.pending {
		if doc.pending[i].ID == op.ID {
			return false
		}
	}
	doc.pending = append(doc.pending, *op)
	return true
}

// flush integrates parked ops until no more of them become ready.
func (doc *Doc) flush(ch *changes, applied []Op) []Op {
	slices.SortStableFunc(doc.pending, func(a, b Op) int {
		switch {
		case a.ID.Seq() < b.ID.Seq():
			return -1
		case a.ID.Seq() > b.ID.Seq():
			return 1
		}
		return 0
	})
	for progress := true; progress; {
		progress = false
		rest := doc.pending[:0]
		for i := range doc.pending {
			op := doc.pending[i]
			switch {
			case doc.vv.SeenID(op.ID):
			case doc.ready(&op):
				doc.integrate(&op, ch, nil)
				applied = append(applied, op)
				progress = true
			default:
				rest = append(rest, op)
			}
		}
		clear(doc.pending[len(rest):])
		doc.pending = rest
	}
	return applied
}

// EncodeStateAsUpdate encodes every integrated op the replica with
// the given version vector lacks, in causal order. A nil vector
// means the whole state.
func (doc *Doc) EncodeStateAsUpdate(since rdx.VV) []byte {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	var update []byte
	for i := range doc.ops {
		if since != nil && since.SeenID(doc.ops[i].ID) {
			continue
		}
		update = doc.ops[i].AppendTLV(update)
	}
	return update
}

// EncodeOwnSince encodes own ops with sequence numbers above seq.
func (doc *Doc) EncodeOwnSince(seq uint64) []byte {
	update, _ := doc.EncodeOwnRange(seq, math.MaxUint64)
	return update
}

// EncodeOwnRange encodes own ops numbered from+1 to till and returns
// the number of the last one encoded.
func (doc *Doc) EncodeOwnRange(from, till uint64) (update []byte, last uint64) {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	last = min(till, uint64(len(doc.own)))
	if from >= last {
		return nil, from
	}
	return EncodeOps(doc.own[from:last]), last
}

// Tx is the handle a transaction function works through; it is
// invalid once the function returns.
type Tx struct {
	doc      *Doc
	origin   Origin
	readOnly bool
	closed   bool
	ops      []Op
	changes  changes
	undo     []func()
}

func (tx *Tx) Origin() Origin {
	return tx.origin
}

func (tx *Tx) Array(name string) Array {
	return Array{tx: tx, name: name}
}

func (tx *Tx) Map(name string) Map {
	return Map{tx: tx, name: name}
}

func (tx *Tx) writable() error {
	if tx.closed {
		return ErrTxClosed
	}
	if tx.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (tx *Tx) stamp(kind byte, coll string) *Op {
	doc := tx.doc
	return &Op{
		Kind: kind,
		ID:   rdx.NewID(doc.src, uint64(len(doc.own))+1),
		Rev:  doc.clock.Tick(),
		Coll: coll,
	}
}

func (tx *Tx) apply(op *Op) {
	tx.doc.integrate(op, &tx.changes, &tx.undo)
	tx.ops = append(tx.ops, *op)
}
