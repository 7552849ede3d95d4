package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/blockdoc/broker"
	"github.com/drpcorg/blockdoc/page"
	"github.com/drpcorg/blockdoc/provider"
	"github.com/drpcorg/blockdoc/session"
	"github.com/drpcorg/blockdoc/utils"
)

func start(t *testing.T) (*Relay, *httptest.Server, *broker.Relay) {
	log := utils.NewDefaultLogger(slog.LevelDebug)
	r, err := New(Options{Logger: log})
	assert.NoError(t, err)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = r.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client := broker.NewRelay(url, log)
	client.Heartbeat = 100 * time.Millisecond
	return r, srv, client
}

type inbox struct {
	lock sync.Mutex
	msgs []string
}

func (in *inbox) handle(msg broker.Message) {
	in.lock.Lock()
	in.msgs = append(in.msgs, string(msg.Body))
	in.lock.Unlock()
}

func (in *inbox) get() []string {
	in.lock.Lock()
	defer in.lock.Unlock()
	return append([]string(nil), in.msgs...)
}

func dial(t *testing.T, b broker.Broker) broker.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := b.Dial(ctx)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRetainedBeforeReceipt(t *testing.T) {
	_, _, client := start(t)
	ctx := context.Background()

	a := dial(t, client)
	var own inbox
	_, err := a.Subscribe(ctx, broker.DocTopic("1"), own.handle)
	assert.NoError(t, err)
	assert.NoError(t, a.Publish(ctx, broker.DocDestination("1"), []byte("one")))
	assert.NoError(t, a.Publish(ctx, broker.DocDestination("1"), []byte("two")))
	assert.NoError(t, a.Publish(ctx, broker.PresenceDestination("1"), []byte("here")))
	assert.Eventually(t, func() bool {
		return len(own.get()) == 2
	}, 2*time.Second, time.Millisecond)

	b := dial(t, client)
	var docs, pres inbox
	_, err = b.Subscribe(ctx, broker.DocTopic("1"), docs.handle)
	assert.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, docs.get())
	_, err = b.Subscribe(ctx, broker.PresenceTopic("1"), pres.handle)
	assert.NoError(t, err)
	assert.Empty(t, pres.get())

	assert.NoError(t, a.Publish(ctx, broker.PresenceDestination("1"), []byte("still here")))
	assert.Eventually(t, func() bool {
		return len(pres.get()) == 1
	}, 2*time.Second, time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	_, _, client := start(t)
	ctx := context.Background()
	a := dial(t, client)
	var in, probe inbox
	sub, err := a.Subscribe(ctx, broker.DocTopic("2"), in.handle)
	assert.NoError(t, err)
	assert.NoError(t, sub.Unsubscribe())
	_, err = a.Subscribe(ctx, broker.DocTopic("2"), probe.handle)
	assert.NoError(t, err)
	assert.NoError(t, a.Publish(ctx, broker.DocDestination("2"), []byte("x")))
	assert.Eventually(t, func() bool {
		return len(probe.get()) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Empty(t, in.get())
}

func TestSubscribeRejected(t *testing.T) {
	r, _, client := start(t)
	ctx := context.Background()
	a := dial(t, client)
	_, err := a.Subscribe(ctx, "/app/page/1", func(broker.Message) {})
	assert.ErrorIs(t, err, broker.ErrRelay)
	// the connection survives a refused subscription
	assert.NoError(t, a.Ping(ctx))
	assert.Equal(t, 1, r.Conns())
}

func TestHandshakeRequired(t *testing.T) {
	_, srv, _ := start(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NoError(t, err)
	defer ws.Close()
	hello := broker.Frame{Command: broker.CmdSend, Destination: broker.DocDestination("1")}
	assert.NoError(t, ws.WriteMessage(websocket.TextMessage, hello.Encode()))
	_, data, err := ws.ReadMessage()
	assert.NoError(t, err)
	frame, err := broker.ParseFrame(data)
	assert.NoError(t, err)
	assert.Equal(t, broker.CmdError, frame.Command)
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestDropClosesClient(t *testing.T) {
	r, _, client := start(t)
	a := dial(t, client)
	assert.Eventually(t, func() bool {
		return r.Conns() == 1
	}, 2*time.Second, time.Millisecond)
	assert.NoError(t, r.Close())
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice")
	}
	assert.Error(t, a.Err())
}

func TestSessionsOverRelay(t *testing.T) {
	_, _, client := start(t)
	opts := session.Options{Provider: provider.Options{ReconnectDelay: 50 * time.Millisecond}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := session.Open("77", client, opts)
	assert.NoError(t, err)
	defer a.Close()
	assert.NoError(t, a.WaitSynced(ctx))
	assert.Eventually(t, func() bool {
		return a.Provider().Published() == a.Doc().Seq()
	}, 2*time.Second, time.Millisecond)

	b, err := session.Open("77", client, opts)
	assert.NoError(t, err)
	defer b.Close()
	assert.NoError(t, b.WaitSynced(ctx))
	// caught up on sync: no second set of defaults
	assert.Equal(t, a.Page().Blocks(), b.Page().Blocks())

	id, err := b.Page().AppendBlock(page.Code, "fmt.Println()")
	assert.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := a.Page().Block(id)
		return ok
	}, 2*time.Second, time.Millisecond)
	assert.NoError(t, a.Page().DeleteBlock(a.Page().Blocks()[0].ID))
	assert.Eventually(t, func() bool {
		return b.Page().Len() == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, a.Page().Blocks(), b.Page().Blocks())
}

func TestHTTPEndpoints(t *testing.T) {
	_, srv, client := start(t)
	_ = dial(t, client)

	resp, err := http.Get(srv.URL + "/healthz")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	assert.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "blockdoc_relay_connections")
	assert.Contains(t, string(body), "blockdoc_relay_store_memtables")
}

func TestClosedConnStaysDetached(t *testing.T) {
	r, _, _ := start(t)
	t9 := r.topic(broker.DocTopic("9"))

	gone := &conn{relay: r, out: utils.NewQueue(1 << 16), subs: make(map[string]*subscription)}
	sub := &subscription{conn: gone, id: "s1", topic: t9}
	assert.True(t, gone.addSub(sub))
	// the conn closes between addSub and attach
	gone.lock.Lock()
	gone.subs = nil
	gone.lock.Unlock()
	assert.ErrorIs(t, r.attach(sub), broker.ErrClosed)
	assert.Empty(t, t9.subs)

	live := &conn{relay: r, out: utils.NewQueue(1 << 16), subs: make(map[string]*subscription)}
	sub = &subscription{conn: live, id: "s1", topic: t9}
	assert.True(t, live.addSub(sub))
	assert.NoError(t, r.attach(sub))
	assert.Len(t, t9.subs, 1)
	r.unsubscribe(sub)
	assert.Empty(t, t9.subs)
}
