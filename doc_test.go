package blockdoc

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func localUpdates(doc *Doc) *[][]byte {
	var ups [][]byte
	doc.OnUpdate(func(ev *UpdateEvent) {
		if !ev.Origin.IsRemote() {
			ups = append(ups, ev.Update)
		}
	})
	return &ups
}

func slice(doc *Doc, name string) (ret []string) {
	doc.View(func(tx *Tx) {
		ret = tx.Array(name).Slice()
	})
	return
}

func record(doc *Doc, name, key string) (rec Record, ok bool) {
	doc.View(func(tx *Tx) {
		rec, ok = tx.Map(name).Get(key)
	})
	return
}

func TestArrayOps(t *testing.T) {
	doc := NewDoc(1)
	err := doc.Transact(OriginLocal, func(tx *Tx) error {
		arr := tx.Array("order")
		assert.NoError(t, arr.Push("a", "b", "c"))
		assert.NoError(t, arr.Insert(1, "x"))
		assert.NoError(t, arr.Unshift("first"))
		assert.Equal(t, []string{"first", "a", "x", "b", "c"}, arr.Slice())
		assert.NoError(t, arr.Delete(1, 2))
		assert.Equal(t, 3, arr.Len())
		v, ok := arr.Get(1)
		assert.True(t, ok)
		assert.Equal(t, "b", v)
		_, ok = arr.Get(3)
		assert.False(t, ok)
		assert.Equal(t, 2, arr.Index("c"))
		assert.Equal(t, -1, arr.Index("a"))
		assert.ErrorIs(t, arr.Insert(5, "z"), ErrIndexOutOfRange)
		assert.ErrorIs(t, arr.Delete(2, 2), ErrIndexOutOfRange)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"first", "b", "c"}, slice(doc, "order"))
	assert.Equal(t, []string{}, slice(doc, "nothing"))
	assert.Equal(t, uint64(7), doc.Seq())
}

func TestReadOnlyView(t *testing.T) {
	doc := NewDoc(1)
	doc.View(func(tx *Tx) {
		assert.ErrorIs(t, tx.Array("order").Push("a"), ErrReadOnly)
		assert.ErrorIs(t, tx.Map("blocks").Set("a", Record{"type": "code"}), ErrReadOnly)
	})
	var leaked *Tx
	assert.NoError(t, doc.Transact(OriginLocal, func(tx *Tx) error {
		leaked = tx
		return nil
	}))
	assert.ErrorIs(t, leaked.Array("order").Push("a"), ErrTxClosed)
}

func TestConcurrentInsertsConverge(t *testing.T) {
	d1, d2 := NewDoc(1), NewDoc(2)
	u1, u2 := localUpdates(d1), localUpdates(d2)

	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Array("order").Push("A")
	}))
	assert.NoError(t, d2.ApplyUpdate((*u1)[0], OriginRemote))

	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Array("order").Insert(1, "x")
	}))
	assert.NoError(t, d2.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Array("order").Insert(1, "y")
	}))
	assert.NoError(t, d2.ApplyUpdate((*u1)[1], OriginRemote))
	assert.NoError(t, d1.ApplyUpdate((*u2)[0], OriginRemote))

	assert.Equal(t, slice(d1, "order"), slice(d2, "order"))
	assert.ElementsMatch(t, []string{"A", "x", "y"}, slice(d1, "order"))
	assert.Equal(t, "A", slice(d1, "order")[0])
}

func TestLocalInsertLandsAfterAnchor(t *testing.T) {
	d1, d2 := NewDoc(1), NewDoc(2)
	u2 := localUpdates(d2)
	for i := 0; i < 5; i++ {
		assert.NoError(t, d2.Transact(OriginLocal, func(tx *Tx) error {
			return tx.Array("order").Insert(0, "old")
		}))
	}
	for _, u := range *u2 {
		assert.NoError(t, d1.ApplyUpdate(u, OriginRemote))
	}
	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Array("order").Insert(0, "new")
	}))
	assert.Equal(t, "new", slice(d1, "order")[0])
}

func TestApplyIdempotent(t *testing.T) {
	d1, d2 := NewDoc(1), NewDoc(2)
	u1 := localUpdates(d1)
	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		if err := tx.Array("order").Push("a", "b"); err != nil {
			return err
		}
		return tx.Map("blocks").Set("a", Record{"type": "paragraph", "content": "hi"})
	}))
	events := 0
	d2.Observe(func(ev *Event) {
		events++
	})
	assert.NoError(t, d2.ApplyUpdate((*u1)[0], OriginRemote))
	assert.NoError(t, d2.ApplyUpdate((*u1)[0], OriginRemote))
	assert.Equal(t, 1, events)
	assert.Equal(t, []string{"a", "b"}, slice(d2, "order"))
	assert.Equal(t, d1.EncodeStateAsUpdate(nil), d2.EncodeStateAsUpdate(nil))
}

func TestApplyOutOfOrder(t *testing.T) {
	d1, d2 := NewDoc(1), NewDoc(2)
	u1 := localUpdates(d1)
	for _, v := range []string{"a", "b", "c"} {
		assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
			return tx.Array("order").Push(v)
		}))
	}
	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Array("order").Delete(0, 1)
	}))
	ups := *u1
	assert.Len(t, ups, 4)

	assert.NoError(t, d2.ApplyUpdate(ups[3], OriginRemote))
	assert.NoError(t, d2.ApplyUpdate(ups[2], OriginRemote))
	assert.Equal(t, 2, d2.Pending())
	assert.Equal(t, []string{}, slice(d2, "order"))
	assert.NoError(t, d2.ApplyUpdate(ups[1], OriginRemote))
	assert.Equal(t, 3, d2.Pending())
	assert.NoError(t, d2.ApplyUpdate(ups[0], OriginRemote))
	assert.Equal(t, 0, d2.Pending())
	assert.Equal(t, []string{"b", "c"}, slice(d2, "order"))
	assert.Equal(t, slice(d1, "order"), slice(d2, "order"))
}

func TestMalformedUpdateRejected(t *testing.T) {
	d1, d2 := NewDoc(1), NewDoc(2)
	u1 := localUpdates(d1)
	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Array("order").Push("a", "b", "c")
	}))
	full := (*u1)[0]
	before := d2.EncodeStateAsUpdate(nil)

	err := d2.ApplyUpdate(full[:len(full)-3], OriginRemote)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	err = d2.ApplyUpdate([]byte("garbage!"), OriginRemote)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Equal(t, before, d2.EncodeStateAsUpdate(nil))
	assert.Equal(t, 0, d2.Pending())

	assert.NoError(t, d2.ApplyUpdate(full, OriginRemote))
	assert.Equal(t, []string{"a", "b", "c"}, slice(d2, "order"))
}

func TestTransactRollback(t *testing.T) {
	d1, d2 := NewDoc(1), NewDoc(2)
	u1 := localUpdates(d1)
	events := 0
	d1.Observe(func(ev *Event) { events++ })
	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		if err := tx.Array("order").Push("a"); err != nil {
			return err
		}
		return tx.Map("blocks").Set("a", Record{"type": "code"})
	}))
	boom := errors.New("boom")
	err := d1.Transact(OriginLocal, func(tx *Tx) error {
		_ = tx.Array("order").Push("b")
		_ = tx.Array("order").Delete(0, 1)
		_ = tx.Map("blocks").SetField("a", "type", "quote")
		_ = tx.Map("blocks").Set("b", Record{"type": "code"})
		_ = tx.Map("blocks").Delete("a")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, events)
	assert.Len(t, *u1, 1)
	assert.Equal(t, []string{"a"}, slice(d1, "order"))
	rec, ok := record(d1, "blocks", "a")
	assert.True(t, ok)
	assert.Equal(t, Record{"type": "code"}, rec)
	_, ok = record(d1, "blocks", "b")
	assert.False(t, ok)
	assert.Equal(t, uint64(3), d1.Seq())

	// sequence numbers of rolled back ops are reused without gaps
	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Array("order").Push("c")
	}))
	for _, u := range *u1 {
		assert.NoError(t, d2.ApplyUpdate(u, OriginRemote))
	}
	assert.Equal(t, 0, d2.Pending())
	assert.Equal(t, []string{"a", "c"}, slice(d2, "order"))
}

func TestMapLastWriterWins(t *testing.T) {
	d1, d2 := NewDoc(1), NewDoc(2)
	u1, u2 := localUpdates(d1), localUpdates(d2)
	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Map("blocks").Set("k", Record{"type": "paragraph", "content": ""})
	}))
	assert.NoError(t, d2.ApplyUpdate((*u1)[0], OriginRemote))

	// same field: the tie on rev goes to the larger replica id
	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Map("blocks").SetField("k", "content", "one")
	}))
	assert.NoError(t, d2.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Map("blocks").SetField("k", "content", "two")
	}))
	// different fields both survive
	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Map("blocks").SetField("k", "type", "quote")
	}))
	for _, u := range (*u1)[1:] {
		assert.NoError(t, d2.ApplyUpdate(u, OriginRemote))
	}
	for _, u := range *u2 {
		assert.NoError(t, d1.ApplyUpdate(u, OriginRemote))
	}
	r1, _ := record(d1, "blocks", "k")
	r2, _ := record(d2, "blocks", "k")
	assert.Equal(t, r1, r2)
	assert.Equal(t, Record{"type": "quote", "content": "two"}, r1)
}

func TestMapDeleteAndKeys(t *testing.T) {
	doc := NewDoc(7)
	assert.NoError(t, doc.Transact(OriginLocal, func(tx *Tx) error {
		m := tx.Map("blocks")
		assert.NoError(t, m.Set("b", Record{"type": "code"}))
		assert.NoError(t, m.Set("a", Record{"type": "quote"}))
		assert.ErrorIs(t, m.SetField("zzz", "type", "code"), ErrKeyNotFound)
		assert.Equal(t, []string{"a", "b"}, m.Keys())
		assert.NoError(t, m.Delete("b"))
		assert.NoError(t, m.Delete("b"))
		assert.False(t, m.Has("b"))
		assert.Equal(t, 1, m.Len())
		return nil
	}))
}

func TestObserveAfterCommit(t *testing.T) {
	doc := NewDoc(1)
	var seen [][]string
	var evs []*Event
	off := doc.Observe(func(ev *Event) {
		evs = append(evs, ev)
		seen = append(seen, slice(doc, "order"))
	})
	assert.NoError(t, doc.Transact(OriginLocal, func(tx *Tx) error {
		arr := tx.Array("order")
		_ = arr.Push("a", "b", "c")
		_ = arr.Delete(0, 1)
		_ = arr.Insert(2, "a")
		assert.Empty(t, evs)
		return tx.Map("blocks").Set("a", Record{"type": "code"})
	}))
	assert.Len(t, evs, 1)
	assert.Equal(t, [][]string{{"b", "c", "a"}}, seen)
	assert.True(t, evs[0].ArrayChanged("order"))
	assert.True(t, evs[0].MapChanged("blocks"))
	assert.Equal(t, []string{"a"}, evs[0].Keys["blocks"])
	assert.Equal(t, OriginLocal, evs[0].Origin)

	assert.NoError(t, doc.Transact(OriginLocal, func(tx *Tx) error { return nil }))
	assert.Len(t, evs, 1)

	off()
	off()
	assert.NoError(t, doc.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Array("order").Push("d")
	}))
	assert.Len(t, evs, 1)
}

func TestEncodeSince(t *testing.T) {
	d1, d2 := NewDoc(1), NewDoc(2)
	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Array("order").Push("a", "b")
	}))
	assert.NoError(t, d2.ApplyUpdate(d1.EncodeStateAsUpdate(d2.StateVector()), OriginRemote))
	assert.NoError(t, d1.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Array("order").Push("c")
	}))
	delta := d1.EncodeStateAsUpdate(d2.StateVector())
	ops, err := DecodeUpdate(delta)
	assert.NoError(t, err)
	assert.Len(t, ops, 1)
	assert.NoError(t, d2.ApplyUpdate(delta, OriginRemote))
	assert.Equal(t, []string{"a", "b", "c"}, slice(d2, "order"))

	assert.Nil(t, d1.EncodeOwnSince(3))
	own, err := DecodeUpdate(d1.EncodeOwnSince(1))
	assert.NoError(t, err)
	assert.Len(t, own, 2)
	assert.Equal(t, uint64(2), own[0].ID.Seq())
}

func TestRandomConvergence(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	docs := []*Doc{NewDoc(1), NewDoc(2), NewDoc(3)}
	var ups [][]byte
	for _, doc := range docs {
		doc.OnUpdate(func(ev *UpdateEvent) {
			if !ev.Origin.IsRemote() {
				ups = append(ups, ev.Update)
			}
		})
	}
	for round := 0; round < 5; round++ {
		for n, doc := range docs {
			for i := 0; i < 10; i++ {
				err := doc.Transact(OriginLocal, func(tx *Tx) error {
					arr := tx.Array("order")
					if arr.Len() > 0 && rnd.Intn(3) == 0 {
						return arr.Delete(rnd.Intn(arr.Len()), 1)
					}
					m := tx.Map("blocks")
					key := string(rune('a' + rnd.Intn(5)))
					if err := m.Set(key, Record{"by": string(rune('0' + n))}); err != nil {
						return err
					}
					return arr.Insert(rnd.Intn(arr.Len()+1), key)
				})
				assert.NoError(t, err)
			}
		}
		// partial, shuffled delivery
		for _, doc := range docs {
			perm := rnd.Perm(len(ups))
			for _, p := range perm[:len(perm)/2] {
				assert.NoError(t, doc.ApplyUpdate(ups[p], OriginRemote))
			}
		}
	}
	for _, doc := range docs {
		for _, p := range rnd.Perm(len(ups)) {
			assert.NoError(t, doc.ApplyUpdate(ups[p], OriginRemote))
		}
	}
	for _, doc := range docs[1:] {
		assert.Equal(t, 0, doc.Pending())
		assert.Equal(t, slice(docs[0], "order"), slice(doc, "order"))
		assert.Equal(t, docs[0].StateVector(), doc.StateVector())
		for _, key := range []string{"a", "b", "c", "d", "e"} {
			r0, ok0 := record(docs[0], "blocks", key)
			r, ok := record(doc, "blocks", key)
			assert.Equal(t, ok0, ok)
			assert.Equal(t, r0, r)
		}
	}
}
