package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/blockdoc/utils"
)

var ErrBrokerDown = errors.New("broker: unreachable")

// Memory is an in-process broker. It behaves like the relay: document
// topics are retained and replayed to new subscribers before the
// subscription is acknowledged, deliveries to a subscriber keep the
// publishing order. Drop and SetDown simulate network failures.
type Memory struct {
	topics *xsync.MapOf[string, *memTopic]
	conns  *xsync.MapOf[uint64, *memConn]
	seq    atomic.Uint64
	down   atomic.Bool
	// per subscriber queue limit, bytes
	QueueLimit int
}

type memTopic struct {
	lock     sync.Mutex
	subs     []*memSub
	retained [][]byte
}

func NewMemory() *Memory {
	return &Memory{
		topics:     xsync.NewMapOf[string, *memTopic](),
		conns:      xsync.NewMapOf[uint64, *memConn](),
		QueueLimit: 1 << 24,
	}
}

func (m *Memory) topic(name string) *memTopic {
	t, _ := m.topics.LoadOrCompute(name, func() *memTopic { return &memTopic{} })
	return t
}

func (m *Memory) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.down.Load() {
		return nil, ErrBrokerDown
	}
	conn := &memConn{
		broker: m,
		id:     m.seq.Add(1),
		done:   make(chan struct{}),
	}
	m.conns.Store(conn.id, conn)
	return conn, nil
}

// SetDown makes new dials fail (true) or succeed again (false).
func (m *Memory) SetDown(down bool) {
	m.down.Store(down)
}

// Drop kills every live connection.
func (m *Memory) Drop() {
	m.conns.Range(func(_ uint64, conn *memConn) bool {
		conn.fail(ErrClosed)
		return true
	})
}

// Conns is the number of live connections.
func (m *Memory) Conns() int {
	return m.conns.Size()
}

// Retained returns a copy of the history of a topic.
func (m *Memory) Retained(topic string) [][]byte {
	t := m.topic(topic)
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([][]byte(nil), t.retained...)
}

// Truncate forgets the history of a topic, like a relay restarted
// without its data dir.
func (m *Memory) Truncate(topic string) {
	t := m.topic(topic)
	t.lock.Lock()
	t.retained = nil
	t.lock.Unlock()
}

type memConn struct {
	broker *Memory
	id     uint64
	lock   sync.Mutex
	subs   []*memSub
	done   chan struct{}
	once   sync.Once
	err    error
}

type memSub struct {
	conn    *memConn
	topic   string
	handler Handler
	queue   *utils.Queue
	cancel  context.CancelFunc
	once    sync.Once
}

func (c *memConn) alive() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *memConn) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &memSub{
		conn:    c,
		topic:   topic,
		handler: handler,
		queue:   utils.NewQueue(c.broker.QueueLimit),
		cancel:  cancel,
	}
	c.lock.Lock()
	c.subs = append(c.subs, sub)
	c.lock.Unlock()

	t := c.broker.topic(topic)
	t.lock.Lock()
	history := append([][]byte(nil), t.retained...)
	t.subs = append(t.subs, sub)
	t.lock.Unlock()

	for _, body := range history {
		handler(Message{Topic: topic, Body: body})
	}
	go sub.deliver(subCtx)
	return sub, nil
}

func (s *memSub) deliver(ctx context.Context) {
	for {
		recs, err := s.queue.Feed(ctx)
		if err != nil {
			if errors.Is(err, utils.ErrOverflow) {
				s.conn.fail(err)
			}
			return
		}
		for _, body := range recs {
			s.handler(Message{Topic: s.topic, Body: body})
		}
	}
}

func (s *memSub) Topic() string {
	return s.topic
}

func (s *memSub) Unsubscribe() error {
	s.once.Do(func() {
		t := s.conn.broker.topic(s.topic)
		t.lock.Lock()
		for i, sub := range t.subs {
			if sub == s {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				break
			}
		}
		t.lock.Unlock()
		_ = s.queue.Close()
		s.cancel()
	})
	return nil
}

func (c *memConn) Publish(ctx context.Context, destination string, body []byte) error {
	if err := c.alive(); err != nil {
		return err
	}
	topic, ok := Route(destination)
	if !ok {
		return ErrBadFrame
	}
	rec := append([]byte(nil), body...)
	t := c.broker.topic(topic)
	t.lock.Lock()
	if Retained(topic) {
		t.retained = append(t.retained, rec)
	}
	for _, sub := range t.subs {
		_ = sub.queue.Drain(utils.Records{rec})
	}
	t.lock.Unlock()
	return nil
}

func (c *memConn) Ping(ctx context.Context) error {
	return c.alive()
}

func (c *memConn) Done() <-chan struct{} {
	return c.done
}

func (c *memConn) Err() error {
	return c.alive()
}

func (c *memConn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		c.broker.conns.Delete(c.id)
		c.lock.Lock()
		subs := c.subs
		c.subs = nil
		c.lock.Unlock()
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		close(c.done)
	})
}

func (c *memConn) Close() error {
	c.fail(ErrClosed)
	return nil
}
