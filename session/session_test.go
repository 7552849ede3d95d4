package session

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/blockdoc/broker"
	"github.com/drpcorg/blockdoc/page"
	"github.com/drpcorg/blockdoc/provider"
)

func open(t *testing.T, pageID string, m broker.Broker, user string) *Session {
	s, err := Open(pageID, m, Options{
		UserID: user,
		Provider: provider.Options{
			ReconnectDelay: 10 * time.Millisecond,
			Heartbeat:      50 * time.Millisecond,
		},
	})
	assert.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.WaitSynced(ctx))
	// the seed is out before anyone else joins
	assert.Eventually(t, func() bool {
		return s.Provider().Published() == s.Doc().Seq()
	}, 2*time.Second, time.Millisecond)
	return s
}

func types(p *page.Page) (ret []page.BlockType) {
	for _, b := range p.Blocks() {
		ret = append(ret, b.Type)
	}
	return
}

// a fresh page gets the defaults exactly once, even with two clients
func TestSeedOnce(t *testing.T) {
	m := broker.NewMemory()
	a := open(t, "100", m, "alice")
	defer a.Close()
	assert.Equal(t, []page.BlockType{page.Heading1, page.Paragraph}, types(a.Page()))

	b := open(t, "100", m, "bob")
	defer b.Close()
	assert.Equal(t, a.Page().Blocks(), b.Page().Blocks())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, a.Page().Len())
}

func TestEditsReachPeer(t *testing.T) {
	m := broker.NewMemory()
	a := open(t, "7", m, "alice")
	defer a.Close()
	b := open(t, "7", m, "bob")
	defer b.Close()

	first := a.Page().Blocks()[0].ID
	id, err := a.Page().InsertBlockAfter(first, page.Quote, "to be")
	assert.NoError(t, err)
	assert.NoError(t, a.Page().MoveBlock(1, 0))
	assert.Eventually(t, func() bool {
		blk, ok := b.Page().Block(id)
		return ok && b.Page().Blocks()[0].ID == id && blk.Content == "to be"
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, a.Page().Blocks(), b.Page().Blocks())
}

func TestCursorPresence(t *testing.T) {
	m := broker.NewMemory()
	a := open(t, "9", m, "alice")
	b := open(t, "9", m, "bob")
	defer b.Close()

	a.SetCursor("blk", 4)
	assert.Eventually(t, func() bool {
		st, ok := b.Presence().GetStates()[a.ClientID()]
		return ok && st.Cursor != nil && st.Cursor.Offset == 4
	}, 2*time.Second, time.Millisecond)

	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
	assert.Eventually(t, func() bool {
		_, ok := b.Presence().GetStates()[a.ClientID()]
		return !ok
	}, 2*time.Second, time.Millisecond)
}

func TestWaitAfterClose(t *testing.T) {
	m := broker.NewMemory()
	m.SetDown(true)
	s, err := Open("5", m, Options{})
	assert.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.WaitSynced(context.Background()), ErrClosed)

	_, err = Open("", m, Options{})
	assert.ErrorIs(t, err, ErrNoPageID)
}

func TestIDs(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := NewClientID()
		assert.NotZero(t, id)
		assert.LessOrEqual(t, id, uint64(clientIDMask))
		_, err := strconv.ParseUint(NewPageID(), 10, 32)
		assert.NoError(t, err)
	}
}
