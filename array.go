package blockdoc

import (
	"slices"

	"github.com/drpcorg/blockdoc/rdx"
)

/*
rga is a replicated growable array. Each element hangs off the element
it was inserted after (its parent), so the document is a tree rooted
at the virtual head ID0. The visible sequence is the pre-order walk of
that tree with tombstones skipped:

	head
	 ├─ c (rev 5)      order: c d a b
	 │   └─ d
	 └─ a (rev 2)
	     └─ b

Siblings go newest first, by (rev, src) descending. A local insert
ticks the clock past every rev it has seen, so it always lands right
after its anchor regardless of what else hangs off that anchor.
*/
type rga struct {
	head  elem
	elems map[rdx.ID]*elem
	// visible elements, rebuilt lazily
	order []*elem
	dirty bool
}

type elem struct {
	id      rdx.ID
	rev     uint64
	value   string
	deleted bool
	kids    []*elem
}

func (e *elem) time() rdx.Time {
	return rdx.Time{Rev: e.rev, Src: e.id.Src()}
}

func newRGA() *rga {
	return &rga{
		elems: make(map[rdx.ID]*elem),
	}
}

func (a *rga) known(id rdx.ID) bool {
	if id == rdx.ID0 {
		return true
	}
	_, ok := a.elems[id]
	return ok
}

func (a *rga) parent(id rdx.ID) *elem {
	if id == rdx.ID0 {
		return &a.head
	}
	return a.elems[id]
}

// insert integrates an insert op; the parent must be known.
func (a *rga) insert(op *Op) {
	par := a.parent(op.Ref)
	e := &elem{
		id:    op.ID,
		rev:   op.Rev,
		value: op.Value,
	}
	t := e.time()
	at := len(par.kids)
	for i, k := range par.kids {
		if t.After(k.time()) {
			at = i
			break
		}
	}
	par.kids = slices.Insert(par.kids, at, e)
	a.elems[op.ID] = e
	a.dirty = true
}

// remove tombstones the element; reports whether it was visible.
func (a *rga) remove(id rdx.ID) bool {
	e, ok := a.elems[id]
	if !ok || e.deleted {
		return false
	}
	e.deleted = true
	a.dirty = true
	return true
}

func (a *rga) visible() []*elem {
	if !a.dirty && a.order != nil {
		return a.order
	}
	order := make([]*elem, 0, len(a.order)+1)
	stack := make([]*elem, 0, 16)
	for i := len(a.head.kids) - 1; i >= 0; i-- {
		stack = append(stack, a.head.kids[i])
	}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !e.deleted {
			order = append(order, e)
		}
		for i := len(e.kids) - 1; i >= 0; i-- {
			stack = append(stack, e.kids[i])
		}
	}
	a.order = order
	a.dirty = false
	return order
}

func (a *rga) values() []string {
	vis := a.visible()
	ret := make([]string, len(vis))
	for i, e := range vis {
		ret[i] = e.value
	}
	return ret
}

// Array is a transaction's view of a named replicated sequence of
// strings. Indexes are positions in the current visible sequence.
type Array struct {
	tx   *Tx
	name string
}

func (arr Array) rga() *rga {
	return arr.tx.doc.array(arr.name)
}

func (arr Array) Name() string {
	return arr.name
}

func (arr Array) Len() int {
	if !arr.tx.doc.hasArray(arr.name) {
		return 0
	}
	return len(arr.rga().visible())
}

func (arr Array) Get(index int) (string, bool) {
	if !arr.tx.doc.hasArray(arr.name) {
		return "", false
	}
	vis := arr.rga().visible()
	if index < 0 || index >= len(vis) {
		return "", false
	}
	return vis[index].value, true
}

// Slice returns a copy of the visible values.
func (arr Array) Slice() []string {
	if !arr.tx.doc.hasArray(arr.name) {
		return []string{}
	}
	return arr.rga().values()
}

// Index returns the position of the first occurrence of value, or -1.
func (arr Array) Index(value string) int {
	if !arr.tx.doc.hasArray(arr.name) {
		return -1
	}
	for i, e := range arr.rga().visible() {
		if e.value == value {
			return i
		}
	}
	return -1
}

// Insert puts values at index, in the given order; index == Len() appends.
func (arr Array) Insert(index int, values ...string) error {
	if err := arr.tx.writable(); err != nil {
		return err
	}
	a := arr.rga()
	vis := a.visible()
	if index < 0 || index > len(vis) {
		return ErrIndexOutOfRange
	}
	if len(values) == 0 {
		return nil
	}
	anchor := rdx.ID0
	if index > 0 {
		anchor = vis[index-1].id
	}
	for _, v := range values {
		op := arr.tx.stamp(OpInsert, arr.name)
		op.Ref = anchor
		op.Value = v
		arr.tx.apply(op)
		anchor = op.ID
	}
	return nil
}

// Delete removes count values starting at index.
func (arr Array) Delete(index, count int) error {
	if err := arr.tx.writable(); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	a := arr.rga()
	vis := a.visible()
	if index < 0 || count < 0 || index+count > len(vis) {
		return ErrIndexOutOfRange
	}
	doomed := make([]rdx.ID, count)
	for i := range doomed {
		doomed[i] = vis[index+i].id
	}
	for _, id := range doomed {
		op := arr.tx.stamp(OpDelete, arr.name)
		op.Ref = id
		arr.tx.apply(op)
	}
	return nil
}

func (arr Array) Push(values ...string) error {
	return arr.Insert(arr.Len(), values...)
}

func (arr Array) Unshift(values ...string) error {
	return arr.Insert(0, values...)
}
