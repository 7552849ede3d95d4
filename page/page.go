package page

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/drpcorg/blockdoc"
	"github.com/drpcorg/blockdoc/blockdoc_errors"
	"github.com/drpcorg/blockdoc/utils"
)

// Names of the engine collections a page lives in.
const (
	OrderName  = "order"
	BlocksName = "blocks"
)

// Defaults seeded into a page nobody has written yet.
var DefaultBlocks = []Block{
	{Type: Heading1, Content: "Welcome to Your Notion-like Editor"},
	{Type: Paragraph, Content: "Start typing or use \"/\" for commands"},
}

var (
	ErrBlockNotFound    = blockdoc_errors.ErrBlockNotFound
	ErrIndexOutOfRange  = blockdoc_errors.ErrIndexOutOfRange
	ErrUnknownBlockType = blockdoc_errors.ErrUnknownBlockType
)

// Page is the block list view of a Doc: an array of block ids giving
// the order and a map of block records. Every operation is a single
// engine transaction.
type Page struct {
	id  string
	doc *blockdoc.Doc
	log utils.Logger

	loaded    atomic.Bool
	listeners utils.Listeners[[]Block]
	unobserve func()
	once      sync.Once

	// block id generator
	NewID func() string
}

func New(pageID string, doc *blockdoc.Doc, log utils.Logger) *Page {
	p := &Page{
		id:    pageID,
		doc:   doc,
		log:   log,
		NewID: uuid.NewString,
	}
	p.unobserve = doc.Observe(p.onChange)
	return p
}

func (p *Page) ID() string {
	return p.id
}

func (p *Page) Doc() *blockdoc.Doc {
	return p.doc
}

func (p *Page) onChange(ev *blockdoc.Event) {
	if !ev.ArrayChanged(OrderName) && !ev.MapChanged(BlocksName) {
		return
	}
	if p.listeners.Len() == 0 {
		return
	}
	p.listeners.Emit(p.Blocks())
}

// Observe registers fn to get the block list after every change.
func (p *Page) Observe(fn func(blocks []Block)) (off func()) {
	return p.listeners.Add(fn)
}

// Destroy detaches the page from its Doc.
func (p *Page) Destroy() {
	p.once.Do(func() {
		p.unobserve()
		p.listeners.Clear()
	})
}

// slot is a rendered block and the position of its entry in the order
// array. Order entries without a record are dangling and skipped;
// concurrent moves may leave an id twice, only the first one counts.
type slot struct {
	at int
	id string
}

func rendered(tx *blockdoc.Tx) (slots []slot) {
	order := tx.Array(OrderName).Slice()
	blocks := tx.Map(BlocksName)
	seen := make(map[string]struct{}, len(order))
	for at, id := range order {
		if _, dup := seen[id]; dup {
			continue
		}
		if !blocks.Has(id) {
			continue
		}
		seen[id] = struct{}{}
		slots = append(slots, slot{at: at, id: id})
	}
	return
}

func find(slots []slot, id string) int {
	for i, s := range slots {
		if s.id == id {
			return i
		}
	}
	return -1
}

func (p *Page) Blocks() (blocks []Block) {
	blocks = []Block{}
	p.doc.View(func(tx *blockdoc.Tx) {
		store := tx.Map(BlocksName)
		for _, s := range rendered(tx) {
			rec, _ := store.Get(s.id)
			blocks = append(blocks, blockFromRecord(s.id, rec))
		}
	})
	return
}

func (p *Page) Block(id string) (block Block, ok bool) {
	p.doc.View(func(tx *blockdoc.Tx) {
		var rec blockdoc.Record
		if rec, ok = tx.Map(BlocksName).Get(id); ok && tx.Array(OrderName).Index(id) >= 0 {
			block = blockFromRecord(id, rec)
		} else {
			ok = false
		}
	})
	return
}

func (p *Page) Len() (n int) {
	p.doc.View(func(tx *blockdoc.Tx) {
		n = len(rendered(tx))
	})
	return
}

func (p *Page) transact(fn func(tx *blockdoc.Tx) error) error {
	return p.doc.Transact(blockdoc.OriginLocal, fn)
}

// LoadOrCreate seeds the default blocks if the order is still empty.
// Call it once the replica is caught up; later calls do nothing.
func (p *Page) LoadOrCreate() (seeded bool, err error) {
	if !p.loaded.CompareAndSwap(false, true) {
		return false, nil
	}
	err = p.transact(func(tx *blockdoc.Tx) error {
		order := tx.Array(OrderName)
		if order.Len() != 0 {
			return nil
		}
		ids := make([]string, 0, len(DefaultBlocks))
		for _, b := range DefaultBlocks {
			id := p.NewID()
			if err := tx.Map(BlocksName).Set(id, b.record()); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		seeded = true
		return order.Push(ids...)
	})
	if err != nil {
		p.loaded.Store(false)
		return false, err
	}
	if seeded {
		p.log.Info("seeded default blocks", "page", p.id)
	}
	return
}

// InsertBlockAfter puts a new block right after the anchor block.
func (p *Page) InsertBlockAfter(anchorID string, bt BlockType, content string) (id string, err error) {
	if !bt.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownBlockType, bt)
	}
	newID := p.NewID()
	err = p.transact(func(tx *blockdoc.Tx) error {
		slots := rendered(tx)
		i := find(slots, anchorID)
		if i < 0 {
			return ErrBlockNotFound
		}
		rec := Block{Type: bt, Content: content}.record()
		if err := tx.Map(BlocksName).Set(newID, rec); err != nil {
			return err
		}
		return tx.Array(OrderName).Insert(slots[i].at+1, newID)
	})
	if err != nil {
		p.log.Debug("insert skipped", "page", p.id, "anchor", anchorID, "err", err)
		return "", err
	}
	return newID, nil
}

// AppendBlock adds a block at the end of the page.
func (p *Page) AppendBlock(bt BlockType, content string) (id string, err error) {
	if !bt.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownBlockType, bt)
	}
	newID := p.NewID()
	err = p.transact(func(tx *blockdoc.Tx) error {
		rec := Block{Type: bt, Content: content}.record()
		if err := tx.Map(BlocksName).Set(newID, rec); err != nil {
			return err
		}
		return tx.Array(OrderName).Push(newID)
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

func (p *Page) setFields(id string, fields blockdoc.Record) error {
	return p.transact(func(tx *blockdoc.Tx) error {
		if find(rendered(tx), id) < 0 {
			return ErrBlockNotFound
		}
		store := tx.Map(BlocksName)
		for _, f := range []string{fieldType, fieldContent} {
			if v, ok := fields[f]; ok {
				if err := store.SetField(id, f, v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (p *Page) UpdateBlockContent(id, content string) error {
	return p.setFields(id, blockdoc.Record{fieldContent: content})
}

func (p *Page) UpdateBlockType(id string, bt BlockType) error {
	if !bt.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownBlockType, bt)
	}
	return p.setFields(id, blockdoc.Record{fieldType: string(bt)})
}

// ConvertBlock turns a block into another type with empty content,
// the way picking a type from the slash menu does.
func (p *Page) ConvertBlock(id string, bt BlockType) error {
	if !bt.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownBlockType, bt)
	}
	return p.setFields(id, blockdoc.Record{fieldType: string(bt), fieldContent: ""})
}

// DeleteBlock removes the block record and every order entry of it.
func (p *Page) DeleteBlock(id string) error {
	return p.transact(func(tx *blockdoc.Tx) error {
		order := tx.Array(OrderName)
		store := tx.Map(BlocksName)
		ids := order.Slice()
		found := store.Has(id)
		for at := len(ids) - 1; at >= 0; at-- {
			if ids[at] != id {
				continue
			}
			found = true
			if err := order.Delete(at, 1); err != nil {
				return err
			}
		}
		if !found {
			return ErrBlockNotFound
		}
		return store.Delete(id)
	})
}

// dropCopies deletes every order entry of id except the one at keep.
func dropCopies(order blockdoc.Array, id string, keep int) error {
	ids := order.Slice()
	for at := len(ids) - 1; at >= 0; at-- {
		if ids[at] == id && at != keep {
			if err := order.Delete(at, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// MoveBlock moves the block at dragIndex so that it ends up at
// hoverIndex; hoverIndex == Len() means the end. Both indexes are
// resolved to blocks before anything changes; the new entry is
// inserted before the old one is deleted.
func (p *Page) MoveBlock(dragIndex, hoverIndex int) error {
	return p.transact(func(tx *blockdoc.Tx) error {
		slots := rendered(tx)
		n := len(slots)
		if dragIndex < 0 || dragIndex >= n || hoverIndex < 0 || hoverIndex > n {
			return ErrIndexOutOfRange
		}
		target := utils.Clamp(hoverIndex, 0, n-1)
		if target == dragIndex {
			return nil
		}
		drag := slots[dragIndex]
		at := slots[target].at
		if target > dragIndex {
			at++
		}
		order := tx.Array(OrderName)
		if err := order.Insert(at, drag.id); err != nil {
			return err
		}
		return dropCopies(order, drag.id, at)
	})
}

// SwapBlocks exchanges the blocks at i and j: the lower block is put
// after the upper one, the upper block's old entry goes, then the
// upper block is put after the lower one and the lower block's old
// entry goes.
func (p *Page) SwapBlocks(i, j int) error {
	return p.transact(func(tx *blockdoc.Tx) error {
		slots := rendered(tx)
		n := len(slots)
		if i < 0 || i >= n || j < 0 || j >= n {
			return ErrIndexOutOfRange
		}
		if i == j {
			return nil
		}
		lo, hi := slots[min(i, j)], slots[max(i, j)]
		order := tx.Array(OrderName)
		if err := order.Insert(hi.at+1, lo.id); err != nil {
			return err
		}
		if err := order.Delete(hi.at, 1); err != nil {
			return err
		}
		if err := order.Insert(lo.at+1, hi.id); err != nil {
			return err
		}
		return order.Delete(lo.at, 1)
	})
}

// MoveSelection takes the selected blocks out, keeping their relative
// order, and puts them back as one run starting at hoverIndex, clamped
// so the run fits into the page.
func (p *Page) MoveSelection(ids []string, hoverIndex int) error {
	if len(ids) == 0 {
		return nil
	}
	return p.transact(func(tx *blockdoc.Tx) error {
		slots := rendered(tx)
		idx := make([]int, 0, len(ids))
		for _, id := range ids {
			i := find(slots, id)
			if i < 0 {
				return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
			}
			if !slices.Contains(idx, i) {
				idx = append(idx, i)
			}
		}
		slices.Sort(idx)
		batch := make([]string, len(idx))
		for k, i := range idx {
			batch[k] = slots[i].id
		}
		order := tx.Array(OrderName)
		// highest first so the lower positions stay valid
		for k := len(idx) - 1; k >= 0; k-- {
			if err := order.Delete(slots[idx[k]].at, 1); err != nil {
				return err
			}
		}
		for _, id := range batch {
			if err := dropCopies(order, id, -1); err != nil {
				return err
			}
		}
		target := utils.Clamp(hoverIndex, 0, len(slots)-len(batch))
		rest := rendered(tx)
		at := order.Len()
		if target < len(rest) {
			at = rest[target].at
		}
		return order.Insert(at, batch...)
	})
}
