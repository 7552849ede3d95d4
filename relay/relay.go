// Package relay is the broker the editors connect to over WebSocket.
//
// Clients SEND to /app/page/{id}[/presence|/sync] and SUBSCRIBE to
// /topic/page/{id}[/presence|/sync]. Document topics are retained in a
// pebble store; a new subscriber gets the whole history before its
// RECEIPT, so by the time it is acknowledged the client is caught up.
// With Redis configured, several relays share one fan-out: SEND goes
// to Redis, every relay delivers (and retains) what Redis publishes.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"

	"github.com/drpcorg/blockdoc/broker"
	"github.com/drpcorg/blockdoc/utils"
)

const (
	DefaultAddr       = ":8080"
	DefaultHeartbeat  = 4 * time.Second
	DefaultQueueLimit = 1 << 24
)

type Options struct {
	Addr string
	// retention store directory, in memory when empty
	DataDir string
	// Redis for fan-out between relays, none when empty
	RedisAddr string
	// heartbeat expected from clients that do not announce one
	Heartbeat time.Duration
	// outbound bytes a connection may lag behind before it is dropped
	QueueLimit int
	Logger     utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.Heartbeat == 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = DefaultQueueLimit
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

type Relay struct {
	opts     Options
	log      utils.Logger
	store    *Store
	redis    *redis.Client
	topics   *xsync.MapOf[string, *topic]
	conns    *xsync.MapOf[string, *conn]
	upgrader websocket.Upgrader
	router   *mux.Router
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closing  sync.Once
}

type topic struct {
	lock sync.Mutex
	name string
	subs map[*subscription]struct{}
}

type subscription struct {
	conn  *conn
	id    string
	topic *topic
}

func New(opts Options) (*Relay, error) {
	opts.SetDefaults()
	store, err := OpenStore(opts.DataDir)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		opts:   opts,
		log:    opts.Logger,
		store:  store,
		topics: xsync.NewMapOf[string, *topic](),
		conns:  xsync.NewMapOf[string, *conn](),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.RedisAddr != "" {
		if err := r.joinRedis(); err != nil {
			cancel()
			_ = store.Close()
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(Metrics()...)
	registry.MustRegister(NewStoreCollector(store))
	r.router = mux.NewRouter()
	r.router.HandleFunc("/ws", r.serveWS)
	r.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r, nil
}

func (r *Relay) joinRedis() error {
	r.redis = redis.NewClient(&redis.Options{Addr: r.opts.RedisAddr})
	if err := r.redis.Ping(r.ctx).Err(); err != nil {
		_ = r.redis.Close()
		return err
	}
	pubsub := r.redis.PSubscribe(r.ctx, broker.TopicPrefix+"*")
	if _, err := pubsub.Receive(r.ctx); err != nil {
		_ = pubsub.Close()
		_ = r.redis.Close()
		return err
	}
	ch := pubsub.Channel()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer pubsub.Close()
		for {
			select {
			case <-r.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := r.fanout(msg.Channel, []byte(msg.Payload)); err != nil {
					r.log.Error("relay: fan-out failed", "topic", msg.Channel, "err", err)
				}
			}
		}
	}()
	r.log.Info("relay: joined redis", "addr", r.opts.RedisAddr)
	return nil
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

// ListenAndServe serves until ctx is done.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: r.opts.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	r.log.Info("relay: listening", "addr", r.opts.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (r *Relay) topic(name string) *topic {
	t, _ := r.topics.LoadOrCompute(name, func() *topic {
		return &topic{name: name, subs: make(map[*subscription]struct{})}
	})
	return t
}

// Conns is the number of connected clients.
func (r *Relay) Conns() int {
	return r.conns.Size()
}

// publish handles a SEND.
func (r *Relay) publish(destination string, body []byte) error {
	name, ok := broker.Route(destination)
	if !ok {
		return broker.ErrBadFrame
	}
	if r.redis != nil {
		return r.redis.Publish(r.ctx, name, body).Err()
	}
	return r.fanout(name, body)
}

// fanout retains and delivers one message; the topic lock keeps the
// history and the live stream of every subscriber in the same order.
func (r *Relay) fanout(name string, body []byte) error {
	t := r.topic(name)
	t.lock.Lock()
	defer t.lock.Unlock()
	if broker.Retained(name) {
		if _, err := r.store.Append(name, body); err != nil {
			return err
		}
		Retained.Inc()
	}
	for sub := range t.subs {
		sub.conn.send(&broker.Frame{
			Command:     broker.CmdMessage,
			Destination: name,
			ID:          sub.id,
			Body:        body,
		})
	}
	return nil
}

// subscribe replays the history, then acknowledges.
func (r *Relay) subscribe(c *conn, frame *broker.Frame) error {
	if !broker.IsTopic(frame.Destination) {
		return broker.ErrBadFrame
	}
	sub := &subscription{conn: c, id: frame.ID, topic: r.topic(frame.Destination)}
	if !c.addSub(sub) {
		return broker.ErrBadFrame
	}
	if err := r.attach(sub); err != nil {
		c.removeSub(sub.id)
		return err
	}
	if frame.Receipt != "" {
		c.send(&broker.Frame{Command: broker.CmdReceipt, Receipt: frame.Receipt})
	}
	return nil
}

// attach replays the history to sub and puts it on the live stream.
// A conn closed meanwhile has detached its subs already, so sub stays
// out of the topic.
func (r *Relay) attach(sub *subscription) (err error) {
	t, c := sub.topic, sub.conn
	t.lock.Lock()
	defer t.lock.Unlock()
	if !c.holds(sub) {
		return broker.ErrClosed
	}
	if broker.Retained(t.name) {
		err = r.store.Scan(t.name, func(_ uint64, body []byte) error {
			c.send(&broker.Frame{
				Command:     broker.CmdMessage,
				Destination: t.name,
				ID:          sub.id,
				Body:        body,
			})
			return nil
		})
		if err != nil {
			return err
		}
	}
	t.subs[sub] = struct{}{}
	return nil
}

func (r *Relay) unsubscribe(sub *subscription) {
	t := sub.topic
	t.lock.Lock()
	delete(t.subs, sub)
	t.lock.Unlock()
}

// Close drops every client and releases the store.
func (r *Relay) Close() (err error) {
	r.closing.Do(func() {
		r.cancel()
		r.conns.Range(func(_ string, c *conn) bool {
			c.close(broker.ErrClosed)
			return true
		})
		r.wg.Wait()
		if r.redis != nil {
			_ = r.redis.Close()
		}
		err = r.store.Close()
	})
	return
}
