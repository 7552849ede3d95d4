package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/drpcorg/blockdoc/broker"
	"github.com/drpcorg/blockdoc/utils"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// conn is one client. Frames to the client go through an ordered
// queue drained by the write loop; a client that lags more than
// QueueLimit bytes behind is dropped.
type conn struct {
	relay   *Relay
	ws      *websocket.Conn
	name    string
	session string
	out     *utils.Queue
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	lock sync.Mutex
	subs map[string]*subscription
	once sync.Once
}

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("relay: upgrade failed", "remote", req.RemoteAddr, "err", err)
		return
	}
	name := uuid.NewString()
	ctx, cancel := context.WithCancel(r.ctx)
	c := &conn{
		relay:   r,
		ws:      ws,
		name:    name,
		session: ulid.Make().String(),
		out:     utils.NewQueue(r.opts.QueueLimit),
		ctx:     utils.WithDefaultArgs(ctx, "conn", name, "remote", req.RemoteAddr),
		cancel:  cancel,
		subs:    make(map[string]*subscription),
	}
	r.conns.Store(name, c)
	Connections.Inc()
	c.serve()
}

func (c *conn) serve() {
	if err := c.handshake(); err != nil {
		c.relay.log.WarnCtx(c.ctx, "relay: handshake failed", "err", err)
		Dropped.WithLabelValues("handshake").Inc()
		c.close(err)
		return
	}
	c.relay.log.DebugCtx(c.ctx, "relay: connected", "session", c.session)
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.timeout))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go c.writeLoop()
	c.readLoop()
}

func (c *conn) handshake() error {
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	frame, err := broker.ParseFrame(data)
	if err == nil && frame.Command != broker.CmdConnect {
		err = fmt.Errorf("%w: expected %s, got %s", broker.ErrBadFrame, broker.CmdConnect, frame.Command)
	}
	if err != nil {
		reply := broker.Frame{Command: broker.CmdError, Message: err.Error()}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.ws.WriteMessage(websocket.TextMessage, reply.Encode())
		return err
	}
	FramesIn.WithLabelValues(frame.Command).Inc()
	heartbeat := time.Duration(frame.Heartbeat) * time.Millisecond
	if heartbeat <= 0 {
		heartbeat = c.relay.opts.Heartbeat
	}
	c.timeout = heartbeat*2 + heartbeat/2
	reply := broker.Frame{
		Command:   broker.CmdConnected,
		Session:   c.session,
		Heartbeat: heartbeat.Milliseconds(),
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, reply.Encode()); err != nil {
		return err
	}
	FramesOut.WithLabelValues(reply.Command).Inc()
	return c.ws.SetReadDeadline(time.Now().Add(c.timeout))
}

func (c *conn) send(frame *broker.Frame) {
	FramesOut.WithLabelValues(frame.Command).Inc()
	// an overflow surfaces in the write loop
	_ = c.out.Drain(utils.Records{frame.Encode()})
}

func (c *conn) fault(err error, receipt string) {
	c.send(&broker.Frame{Command: broker.CmdError, Message: err.Error(), Receipt: receipt})
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.close(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.timeout))
		frame, err := broker.ParseFrame(data)
		if err != nil {
			c.relay.log.DebugCtx(c.ctx, "relay: bad frame", "err", err)
			c.fault(err, "")
			continue
		}
		FramesIn.WithLabelValues(frame.Command).Inc()
		switch frame.Command {
		case broker.CmdSubscribe:
			if err := c.relay.subscribe(c, &frame); err != nil {
				c.fault(fmt.Errorf("subscribe %s: %w", frame.Destination, err), frame.Receipt)
			}
		case broker.CmdUnsubscribe:
			if sub := c.removeSub(frame.ID); sub != nil {
				c.relay.unsubscribe(sub)
			}
		case broker.CmdSend:
			if err := c.relay.publish(frame.Destination, frame.Body); err != nil {
				c.relay.log.WarnCtx(c.ctx, "relay: send failed", "destination", frame.Destination, "err", err)
				c.fault(fmt.Errorf("send %s: %w", frame.Destination, err), "")
			}
		default:
			c.fault(fmt.Errorf("%w: unexpected %s", broker.ErrBadFrame, frame.Command), "")
		}
	}
}

func (c *conn) writeLoop() {
	for {
		recs, err := c.out.Feed(c.ctx)
		if err != nil {
			if errors.Is(err, utils.ErrOverflow) {
				Dropped.WithLabelValues("slow").Inc()
			}
			c.close(err)
			return
		}
		for _, rec := range recs {
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, rec); err != nil {
				c.close(err)
				return
			}
		}
	}
}

func (c *conn) addSub(sub *subscription) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.subs == nil {
		return false
	}
	if _, dup := c.subs[sub.id]; dup {
		return false
	}
	c.subs[sub.id] = sub
	return true
}

func (c *conn) holds(sub *subscription) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.subs[sub.id] == sub
}

func (c *conn) removeSub(id string) *subscription {
	c.lock.Lock()
	defer c.lock.Unlock()
	sub := c.subs[id]
	delete(c.subs, id)
	return sub
}

func (c *conn) close(err error) {
	c.once.Do(func() {
		c.lock.Lock()
		subs := c.subs
		c.subs = nil
		c.lock.Unlock()
		for _, sub := range subs {
			c.relay.unsubscribe(sub)
		}
		_ = c.out.Close()
		c.cancel()
		_ = c.ws.Close()
		c.relay.conns.Delete(c.name)
		Connections.Dec()
		c.relay.log.DebugCtx(c.ctx, "relay: disconnected", "reason", err)
	})
}
