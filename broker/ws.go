package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/blockdoc/utils"
)

const (
	DefaultHeartbeat    = 4 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

var ErrRelay = errors.New("broker: relay error")

// Relay dials the blockdoc relay over WebSocket.
type Relay struct {
	URL       string
	Heartbeat time.Duration
	Dialer    *websocket.Dialer
	Log       utils.Logger
}

func NewRelay(url string, log utils.Logger) *Relay {
	return &Relay{
		URL:       url,
		Heartbeat: DefaultHeartbeat,
		Dialer:    websocket.DefaultDialer,
		Log:       log,
	}
}

func (r *Relay) Dial(ctx context.Context) (Conn, error) {
	ws, _, err := r.Dialer.DialContext(ctx, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", r.URL, err)
	}
	c := &wsConn{
		ws:        ws,
		heartbeat: r.Heartbeat,
		log:       r.Log,
		subs:      xsync.NewMapOf[string, *wsSub](),
		receipts:  xsync.NewMapOf[string, chan error](),
		done:      make(chan struct{}),
	}
	if c.heartbeat <= 0 {
		c.heartbeat = DefaultHeartbeat
	}
	if c.log == nil {
		c.log = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if err := c.handshake(ctx); err != nil {
		_ = ws.Close()
		return nil, err
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.timeout()))
	})
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	heartbeat time.Duration
	log       utils.Logger
	session   string

	wlock    sync.Mutex
	seq      atomic.Uint64
	subs     *xsync.MapOf[string, *wsSub]
	receipts *xsync.MapOf[string, chan error]

	done chan struct{}
	once sync.Once
	err  error
}

type wsSub struct {
	conn    *wsConn
	id      string
	topic   string
	handler Handler
	once    sync.Once
}

// the peer is considered dead after missing two heartbeats
func (c *wsConn) timeout() time.Duration {
	return c.heartbeat*2 + c.heartbeat/2
}

func (c *wsConn) handshake(ctx context.Context) error {
	deadline := time.Now().Add(DefaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	hello := Frame{Command: CmdConnect, Heartbeat: c.heartbeat.Milliseconds()}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, hello.Encode()); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	_ = c.ws.SetReadDeadline(deadline)
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	frame, err := ParseFrame(data)
	if err != nil {
		return err
	}
	switch frame.Command {
	case CmdConnected:
		c.session = frame.Session
		_ = c.ws.SetReadDeadline(time.Now().Add(c.timeout()))
		return nil
	case CmdError:
		return fmt.Errorf("%w: %s", ErrRelay, frame.Message)
	default:
		return fmt.Errorf("%w: unexpected %s", ErrBadFrame, frame.Command)
	}
}

func (c *wsConn) alive() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *wsConn) write(frame *Frame) error {
	if err := c.alive(); err != nil {
		return err
	}
	c.wlock.Lock()
	defer c.wlock.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame.Encode()); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.timeout()))
		frame, err := ParseFrame(data)
		if err != nil {
			c.log.Warn("relay: bad frame", "err", err)
			continue
		}
		switch frame.Command {
		case CmdMessage:
			if sub, ok := c.subs.Load(frame.ID); ok {
				sub.handler(Message{Topic: frame.Destination, Body: frame.Body})
			}
		case CmdReceipt:
			if ch, ok := c.receipts.LoadAndDelete(frame.Receipt); ok {
				ch <- nil
			}
		case CmdError:
			rerr := fmt.Errorf("%w: %s", ErrRelay, frame.Message)
			if ch, ok := c.receipts.LoadAndDelete(frame.Receipt); ok && frame.Receipt != "" {
				ch <- rerr
				continue
			}
			c.fail(rerr)
			return
		default:
			c.log.Debug("relay: unexpected frame", "command", frame.Command)
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(DefaultWriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *wsConn) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	n := strconv.FormatUint(c.seq.Add(1), 10)
	sub := &wsSub{conn: c, id: "sub-" + n, topic: topic, handler: handler}
	receipt := "rcpt-" + n
	ack := make(chan error, 1)
	// retained messages arrive before the receipt
	c.subs.Store(sub.id, sub)
	c.receipts.Store(receipt, ack)
	err := c.write(&Frame{
		Command:     CmdSubscribe,
		Destination: topic,
		ID:          sub.id,
		Receipt:     receipt,
	})
	if err == nil {
		select {
		case err = <-ack:
		case <-ctx.Done():
			err = ctx.Err()
		case <-c.done:
			err = c.err
		}
	}
	if err != nil {
		c.receipts.Delete(receipt)
		_ = sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func (s *wsSub) Topic() string {
	return s.topic
}

func (s *wsSub) Unsubscribe() (err error) {
	s.once.Do(func() {
		s.conn.subs.Delete(s.id)
		if s.conn.alive() == nil {
			err = s.conn.write(&Frame{Command: CmdUnsubscribe, ID: s.id})
		}
	})
	return
}

func (c *wsConn) Publish(ctx context.Context, destination string, body []byte) error {
	if _, ok := Route(destination); !ok {
		return ErrBadFrame
	}
	return c.write(&Frame{Command: CmdSend, Destination: destination, Body: body})
}

func (c *wsConn) Ping(ctx context.Context) error {
	if err := c.alive(); err != nil {
		return err
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(DefaultWriteTimeout))
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) Err() error {
	return c.alive()
}

// Session is the id the relay assigned to this connection.
func (c *wsConn) Session() string {
	return c.session
}

func (c *wsConn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		_ = c.ws.Close()
		c.receipts.Range(func(key string, _ chan error) bool {
			if ch, ok := c.receipts.LoadAndDelete(key); ok {
				ch <- err
			}
			return true
		})
	})
}

func (c *wsConn) Close() error {
	if c.alive() != nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.fail(ErrClosed)
	return nil
}
