package page

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/blockdoc"
	testutils "github.com/drpcorg/blockdoc/test_utils"
	"github.com/drpcorg/blockdoc/utils"
)

func newPage(src uint64) *Page {
	log := utils.NewDefaultLogger(slog.LevelDebug)
	return New("1", blockdoc.NewDoc(src, blockdoc.WithLogger(log)), log)
}

// fill appends blocks named by their content, ids made predictable.
func fill(t *testing.T, p *Page, names ...string) {
	for _, name := range names {
		p.NewID = func() string { return name }
		_, err := p.AppendBlock(Paragraph, name)
		assert.NoError(t, err)
	}
	p.NewID = uuid.NewString
}

func ids(p *Page) (ret []string) {
	for _, b := range p.Blocks() {
		ret = append(ret, b.ID)
	}
	return
}

func TestLoadOrCreate(t *testing.T) {
	p := newPage(1)
	seeded, err := p.LoadOrCreate()
	assert.NoError(t, err)
	assert.True(t, seeded)
	blocks := p.Blocks()
	assert.Len(t, blocks, 2)
	assert.Equal(t, Heading1, blocks[0].Type)
	assert.Equal(t, "Welcome to Your Notion-like Editor", blocks[0].Content)
	assert.Equal(t, Paragraph, blocks[1].Type)

	seeded, err = p.LoadOrCreate()
	assert.NoError(t, err)
	assert.False(t, seeded)
	assert.Equal(t, 2, p.Len())

	// a replica that caught up with a written page leaves it alone
	q := newPage(2)
	assert.NoError(t, testutils.SyncData(p.Doc(), q.Doc()))
	seeded, err = q.LoadOrCreate()
	assert.NoError(t, err)
	assert.False(t, seeded)
	assert.Equal(t, 2, q.Len())
}

func TestInsertBlockAfter(t *testing.T) {
	p := newPage(1)
	fill(t, p, "A", "B")
	p.NewID = func() string { return "new" }
	id, err := p.InsertBlockAfter("A", Paragraph, "")
	assert.NoError(t, err)
	assert.Equal(t, "new", id)
	assert.Equal(t, []string{"A", "new", "B"}, ids(p))

	id, err = p.InsertBlockAfter("gone", Paragraph, "")
	assert.ErrorIs(t, err, ErrBlockNotFound)
	assert.Empty(t, id)
	assert.Equal(t, 3, p.Len())

	_, err = p.InsertBlockAfter("A", BlockType("table"), "")
	assert.ErrorIs(t, err, ErrUnknownBlockType)
	assert.Equal(t, 3, p.Len())
}

func TestUpdateBlock(t *testing.T) {
	p := newPage(1)
	fill(t, p, "A")
	assert.NoError(t, p.UpdateBlockContent("A", "hello"))
	assert.NoError(t, p.UpdateBlockType("A", Quote))
	b, ok := p.Block("A")
	assert.True(t, ok)
	assert.Equal(t, Block{ID: "A", Type: Quote, Content: "hello"}, b)

	assert.NoError(t, p.ConvertBlock("A", Code))
	b, _ = p.Block("A")
	assert.Equal(t, Block{ID: "A", Type: Code, Content: ""}, b)

	assert.ErrorIs(t, p.UpdateBlockType("A", "table"), ErrUnknownBlockType)
	assert.ErrorIs(t, p.UpdateBlockContent("B", "x"), ErrBlockNotFound)
	_, err := ParseBlockType("numbered-list")
	assert.NoError(t, err)
}

func TestUpdateNotifies(t *testing.T) {
	p := newPage(1)
	fill(t, p, "A", "B")
	var got [][]Block
	off := p.Observe(func(blocks []Block) {
		got = append(got, blocks)
	})
	defer off()
	assert.NoError(t, p.UpdateBlockContent("B", "changed"))
	assert.Len(t, got, 1)
	assert.Equal(t, "changed", got[0][1].Content)
	assert.Equal(t, []string{"A", "B"}, ids(p))
}

func TestDeleteBlock(t *testing.T) {
	p := newPage(1)
	fill(t, p, "A", "B", "C")
	assert.NoError(t, p.DeleteBlock("B"))
	assert.Equal(t, []string{"A", "C"}, ids(p))
	assert.ErrorIs(t, p.DeleteBlock("B"), ErrBlockNotFound)
	_, ok := p.Block("B")
	assert.False(t, ok)
	p.Doc().View(func(tx *blockdoc.Tx) {
		assert.Equal(t, []string{"A", "C"}, tx.Map(BlocksName).Keys())
		assert.Equal(t, []string{"A", "C"}, tx.Array(OrderName).Slice())
	})
}

func TestMoveBlock(t *testing.T) {
	p := newPage(1)
	fill(t, p, "A", "B", "C")
	assert.NoError(t, p.MoveBlock(0, 2))
	assert.Equal(t, []string{"B", "C", "A"}, ids(p))

	assert.NoError(t, p.MoveBlock(2, 0))
	assert.Equal(t, []string{"A", "B", "C"}, ids(p))

	assert.NoError(t, p.MoveBlock(1, 1))
	assert.Equal(t, []string{"A", "B", "C"}, ids(p))

	assert.NoError(t, p.MoveBlock(0, 3))
	assert.Equal(t, []string{"B", "C", "A"}, ids(p))

	assert.ErrorIs(t, p.MoveBlock(3, 0), ErrIndexOutOfRange)
	assert.ErrorIs(t, p.MoveBlock(0, 4), ErrIndexOutOfRange)
	assert.ErrorIs(t, p.MoveBlock(-1, 0), ErrIndexOutOfRange)
	assert.Equal(t, []string{"B", "C", "A"}, ids(p))
	p.Doc().View(func(tx *blockdoc.Tx) {
		assert.Equal(t, 3, tx.Array(OrderName).Len())
	})
}

func TestMovePreservesSet(t *testing.T) {
	names := []string{"A", "B", "C", "D", "E"}
	for drag := range names {
		for hover := 0; hover <= len(names); hover++ {
			p := newPage(1)
			fill(t, p, names...)
			assert.NoError(t, p.MoveBlock(drag, hover))
			got := ids(p)
			assert.ElementsMatch(t, names, got)
			want := min(hover, len(names)-1)
			assert.Equal(t, names[drag], got[want], fmt.Sprintf("move %d to %d", drag, hover))
		}
	}
}

func TestMoveIsAtomic(t *testing.T) {
	p := newPage(1)
	fill(t, p, "A", "B", "C", "D")
	var sizes []int
	p.Observe(func(blocks []Block) {
		sizes = append(sizes, len(blocks))
	})
	assert.NoError(t, p.MoveBlock(0, 3))
	assert.NoError(t, p.SwapBlocks(0, 3))
	assert.NoError(t, p.MoveSelection([]string{"A", "C"}, 2))
	assert.Equal(t, []int{4, 4, 4}, sizes)
}

func TestSwapBlocks(t *testing.T) {
	p := newPage(1)
	fill(t, p, "A", "B", "C", "D")
	assert.NoError(t, p.SwapBlocks(0, 2))
	assert.Equal(t, []string{"C", "B", "A", "D"}, ids(p))
	assert.NoError(t, p.SwapBlocks(3, 2))
	assert.Equal(t, []string{"C", "B", "D", "A"}, ids(p))
	assert.NoError(t, p.SwapBlocks(1, 1))
	assert.ErrorIs(t, p.SwapBlocks(1, 4), ErrIndexOutOfRange)
	assert.Equal(t, []string{"C", "B", "D", "A"}, ids(p))
}

func TestMoveSelection(t *testing.T) {
	p := newPage(1)
	fill(t, p, "A", "B", "C", "D")
	assert.NoError(t, p.MoveSelection([]string{"C", "A"}, 1))
	assert.Equal(t, []string{"B", "A", "C", "D"}, ids(p))

	assert.NoError(t, p.MoveSelection([]string{"B", "A"}, 10))
	assert.Equal(t, []string{"C", "D", "B", "A"}, ids(p))

	assert.NoError(t, p.MoveSelection([]string{"A"}, -3))
	assert.Equal(t, []string{"A", "C", "D", "B"}, ids(p))

	assert.ErrorIs(t, p.MoveSelection([]string{"A", "gone"}, 0), ErrBlockNotFound)
	assert.Equal(t, []string{"A", "C", "D", "B"}, ids(p))
}

func TestConcurrentInsertAfter(t *testing.T) {
	p1, p2 := newPage(1), newPage(2)
	fill(t, p1, "A", "B")
	assert.NoError(t, testutils.SyncData(p1.Doc(), p2.Doc()))

	x, err := p1.InsertBlockAfter("A", Paragraph, "from one")
	assert.NoError(t, err)
	y, err := p2.InsertBlockAfter("A", Quote, "from two")
	assert.NoError(t, err)
	assert.NoError(t, testutils.SyncData(p1.Doc(), p2.Doc()))

	assert.Equal(t, p1.Blocks(), p2.Blocks())
	got := ids(p1)
	if !assert.Len(t, got, 4) {
		t.FailNow()
	}
	assert.Equal(t, "A", got[0])
	assert.Equal(t, "B", got[3])
	assert.ElementsMatch(t, []string{x, y}, got[1:3])
}

func TestConcurrentMovesConverge(t *testing.T) {
	p1, p2 := newPage(1), newPage(2)
	fill(t, p1, "A", "B", "C")
	assert.NoError(t, testutils.SyncData(p1.Doc(), p2.Doc()))

	assert.NoError(t, p1.MoveBlock(0, 2))
	assert.NoError(t, p2.MoveBlock(0, 1))
	assert.NoError(t, testutils.SyncData(p1.Doc(), p2.Doc()))

	assert.Equal(t, ids(p1), ids(p2))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, ids(p1))

	// the next move drops the leftover copy
	assert.NoError(t, p1.MoveBlock(p1.index("A"), 0))
	assert.NoError(t, testutils.SyncData(p1.Doc(), p2.Doc()))
	assert.Equal(t, []string{"A", "B", "C"}, ids(p2))
	p2.Doc().View(func(tx *blockdoc.Tx) {
		assert.Equal(t, 3, tx.Array(OrderName).Len())
	})
}

func TestConcurrentDeleteAndUpdate(t *testing.T) {
	p1, p2 := newPage(1), newPage(2)
	fill(t, p1, "A", "B")
	assert.NoError(t, testutils.SyncData(p1.Doc(), p2.Doc()))

	assert.NoError(t, p1.DeleteBlock("B"))
	assert.NoError(t, p2.UpdateBlockContent("B", "still here?"))
	assert.NoError(t, testutils.SyncData(p1.Doc(), p2.Doc()))

	assert.Equal(t, []string{"A"}, ids(p1))
	assert.Equal(t, []string{"A"}, ids(p2))
}

func TestDanglingOrderEntrySkipped(t *testing.T) {
	p := newPage(1)
	fill(t, p, "A")
	assert.NoError(t, p.Doc().Transact(blockdoc.OriginLocal, func(tx *blockdoc.Tx) error {
		return tx.Array(OrderName).Push("ghost")
	}))
	assert.Equal(t, []string{"A"}, ids(p))
	_, err := p.InsertBlockAfter("ghost", Paragraph, "")
	assert.ErrorIs(t, err, ErrBlockNotFound)
	assert.NoError(t, p.MoveBlock(0, 1))
	assert.Equal(t, []string{"A"}, ids(p))
}

func (p *Page) index(id string) int {
	for i, b := range p.Blocks() {
		if b.ID == id {
			return i
		}
	}
	return -1
}
