// Package provider keeps a Doc in sync with the other replicas of a
// page through a broker.
//
// The provider owns the connection lifecycle: it dials, subscribes to
// the document topic, reports the replica as synced once the broker
// acknowledged the subscription (retained updates are applied by
// then), publishes local updates and reconnects after a fixed delay
// whenever the connection drops. Remote updates enter the Doc tagged
// with the remote origin and are never published back.
//
// Once synced the provider announces its state vector on the sync
// topic. Every peer that published own ops the announcer lacks sends
// them again, which covers a broker that lost its retained history.
package provider

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/drpcorg/blockdoc"
	"github.com/drpcorg/blockdoc/blockdoc_errors"
	"github.com/drpcorg/blockdoc/broker"
	"github.com/drpcorg/blockdoc/presence"
	"github.com/drpcorg/blockdoc/rdx"
	"github.com/drpcorg/blockdoc/utils"
)

var (
	ErrDestroyed    = blockdoc_errors.ErrDestroyed
	ErrNotConnected = blockdoc_errors.ErrNotConnected
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultHeartbeat      = 4 * time.Second
	DefaultEchoCacheSize  = 1024
)

type Options struct {
	PageID string
	// ClientID tags published envelopes, the Doc source by default.
	ClientID       uint64
	ReconnectDelay time.Duration
	Heartbeat      time.Duration
	// how often the own presence is re-announced and silent peers pruned
	PresenceRefresh time.Duration
	// digests of recent updates kept to drop duplicates
	EchoCacheSize int
	Logger        utils.Logger
}

func (o *Options) SetDefaults() {
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.Heartbeat == 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.PresenceRefresh == 0 {
		o.PresenceRefresh = presence.DefaultRefresh
	}
	if o.EchoCacheSize == 0 {
		o.EchoCacheSize = DefaultEchoCacheSize
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

// own ops numbered from+1..till, waiting to be published
type span struct {
	from, till uint64
}

type Provider struct {
	doc      *blockdoc.Doc
	broker   broker.Broker
	presence *presence.Tracker
	opts     Options
	log      utils.Logger
	ctx      context.Context

	lock    sync.Mutex
	state   State
	conn    broker.Conn
	outbox  []span
	lastSeq uint64
	// own published ops from resend+1 on were asked for by a peer
	resend    uint64
	resending bool

	// orders state changes with their sync/status emission
	emit sync.Mutex

	published atomic.Uint64
	seen      *lru.Cache[uint64, struct{}]
	syncs     utils.Listeners[bool]
	statuses  utils.Listeners[State]

	kick      chan struct{}
	offs      []func()
	cancel    context.CancelFunc
	done      chan struct{}
	destroyed atomic.Bool
}

// New starts syncing doc through the broker. tracker may be nil when
// presence is not wanted.
func New(doc *blockdoc.Doc, b broker.Broker, tracker *presence.Tracker, opts Options) *Provider {
	opts.SetDefaults()
	if opts.ClientID == 0 {
		opts.ClientID = doc.Source()
	}
	seen, _ := lru.New[uint64, struct{}](opts.EchoCacheSize)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		doc:      doc,
		broker:   b,
		presence: tracker,
		opts:     opts,
		log:      opts.Logger,
		ctx:      utils.WithDefaultArgs(ctx, "page", opts.PageID, "client", opts.ClientID),
		seen:     seen,
		kick:     make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	States.WithLabelValues(Disconnected.String()).Inc()

	p.lock.Lock()
	p.offs = append(p.offs, doc.OnUpdate(p.onDocUpdate))
	// edits made before the provider existed go out first
	if seq := doc.Seq(); seq > 0 {
		p.outbox = append(p.outbox, span{0, seq})
		p.lastSeq = seq
	}
	p.lock.Unlock()

	if tracker != nil {
		p.offs = append(p.offs,
			tracker.OnBroadcast(p.publishPresence),
			tracker.OnChange(p.onPresenceChange),
		)
	}
	go p.run()
	return p
}

func (p *Provider) PageID() string {
	return p.opts.PageID
}

func (p *Provider) ClientID() uint64 {
	return p.opts.ClientID
}

func (p *Provider) State() State {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

func (p *Provider) Synced() bool {
	return p.State() == Synced
}

// Published is the sequence number of the last own op published.
func (p *Provider) Published() uint64 {
	return p.published.Load()
}

// OnSync registers fn for sync(true) after every acknowledged
// subscription and sync(false) on every drop. If the replica is
// synced already fn gets true right away.
func (p *Provider) OnSync(fn func(synced bool)) (off func()) {
	p.emit.Lock()
	defer p.emit.Unlock()
	off = p.syncs.Add(fn)
	if p.Synced() {
		fn(true)
	}
	return off
}

func (p *Provider) OnStatus(fn func(state State)) (off func()) {
	return p.statuses.Add(fn)
}

func (p *Provider) setState(state State) {
	p.emit.Lock()
	defer p.emit.Unlock()
	p.lock.Lock()
	old := p.state
	p.state = state
	p.lock.Unlock()
	if old == state {
		return
	}
	States.WithLabelValues(old.String()).Dec()
	States.WithLabelValues(state.String()).Inc()
	p.log.DebugCtx(p.ctx, "provider: state", "from", old, "to", state)
	p.statuses.Emit(state)
	switch {
	case state == Synced:
		p.syncs.Emit(true)
	case old == Synced:
		p.syncs.Emit(false)
	}
}

func (p *Provider) onDocUpdate(ev *blockdoc.UpdateEvent) {
	p.lock.Lock()
	if ev.Seq <= p.lastSeq {
		p.lock.Unlock()
		return
	}
	if !ev.Origin.IsRemote() {
		if n := len(p.outbox); n > 0 && p.outbox[n-1].till == p.lastSeq {
			p.outbox[n-1].till = ev.Seq
		} else {
			p.outbox = append(p.outbox, span{p.lastSeq, ev.Seq})
		}
	}
	p.lastSeq = ev.Seq
	p.lock.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// flush publishes the outbox in emission order; a span leaves the
// outbox only once the broker took it.
func (p *Provider) flush(conn broker.Conn) error {
	dest := broker.DocDestination(p.opts.PageID)
	for {
		p.lock.Lock()
		if len(p.outbox) == 0 {
			p.lock.Unlock()
			return nil
		}
		next := p.outbox[0]
		p.lock.Unlock()

		update, last := p.doc.EncodeOwnRange(next.from, next.till)
		if update != nil {
			body, err := broker.EncodeEnvelope(update, p.opts.ClientID)
			if err == nil {
				err = conn.Publish(p.ctx, dest, body)
			}
			if err != nil {
				UpdatesOut.WithLabelValues("dropped").Inc()
				return err
			}
			p.seen.Add(xxhash.Sum64(update), struct{}{})
			p.published.Store(last)
			UpdatesOut.WithLabelValues("published").Inc()
		}
		p.lock.Lock()
		p.outbox = p.outbox[1:]
		p.lock.Unlock()
	}
}

func (p *Provider) receive(msg broker.Message) {
	if p.destroyed.Load() {
		return
	}
	env, err := broker.DecodeEnvelope(msg.Body)
	if err != nil {
		UpdatesIn.WithLabelValues("rejected").Inc()
		p.log.WarnCtx(p.ctx, "provider: bad envelope", "err", err)
		return
	}
	if env.ClientID == p.opts.ClientID {
		UpdatesIn.WithLabelValues("echo").Inc()
		return
	}
	sum := xxhash.Sum64(env.Update)
	if p.seen.Contains(sum) {
		UpdatesIn.WithLabelValues("duplicate").Inc()
		return
	}
	if err := p.doc.ApplyUpdate(env.Update, blockdoc.OriginRemote); err != nil {
		UpdatesIn.WithLabelValues("rejected").Inc()
		p.log.WarnCtx(p.ctx, "provider: update rejected", "from", env.ClientID, "err", err)
		return
	}
	p.seen.Add(sum, struct{}{})
	UpdatesIn.WithLabelValues("applied").Inc()
}

// announce tells the peers what the replica has seen so far.
func (p *Provider) announce(conn broker.Conn) error {
	body, err := broker.EncodeEnvelope(p.doc.StateVector().TLV(), p.opts.ClientID)
	if err != nil {
		return err
	}
	return conn.Publish(p.ctx, broker.SyncDestination(p.opts.PageID), body)
}

func (p *Provider) receiveSync(msg broker.Message) {
	if p.destroyed.Load() {
		return
	}
	env, err := broker.DecodeEnvelope(msg.Body)
	if err != nil {
		p.log.WarnCtx(p.ctx, "provider: bad sync envelope", "err", err)
		return
	}
	if env.ClientID == p.opts.ClientID {
		return
	}
	vv, err := rdx.VVFromTLV(env.Update)
	if err != nil {
		p.log.WarnCtx(p.ctx, "provider: bad state vector", "from", env.ClientID, "err", err)
		return
	}
	since := vv.Get(p.doc.Source())
	if since >= p.published.Load() {
		return
	}
	p.log.DebugCtx(p.ctx, "provider: peer is behind", "peer", env.ClientID, "since", since)
	p.lock.Lock()
	if !p.resending || since < p.resend {
		p.resend, p.resending = since, true
	}
	p.lock.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// resendPublished publishes again own ops a peer reported missing;
// ops still in the outbox go out with it.
func (p *Provider) resendPublished(conn broker.Conn) error {
	p.lock.Lock()
	since, ok := p.resend, p.resending
	p.resending = false
	p.lock.Unlock()
	till := p.published.Load()
	if !ok || since >= till {
		return nil
	}
	update, _ := p.doc.EncodeOwnRange(since, till)
	if update == nil {
		return nil
	}
	body, err := broker.EncodeEnvelope(update, p.opts.ClientID)
	if err == nil {
		err = conn.Publish(p.ctx, broker.DocDestination(p.opts.PageID), body)
	}
	if err != nil {
		UpdatesOut.WithLabelValues("dropped").Inc()
		return err
	}
	p.seen.Add(xxhash.Sum64(update), struct{}{})
	UpdatesOut.WithLabelValues("resent").Inc()
	return nil
}

func (p *Provider) liveConn() broker.Conn {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.state != Synced {
		return nil
	}
	return p.conn
}

func (p *Provider) publishPresence(payload []byte) {
	conn := p.liveConn()
	if conn == nil {
		return
	}
	err := conn.Publish(p.ctx, broker.PresenceDestination(p.opts.PageID), payload)
	if err != nil {
		p.log.DebugCtx(p.ctx, "provider: presence not sent", "err", err)
	}
}

func (p *Provider) receivePresence(msg broker.Message) {
	if p.destroyed.Load() {
		return
	}
	if err := p.presence.Apply(msg.Body); err != nil {
		p.log.WarnCtx(p.ctx, "provider: bad presence", "err", err)
	}
}

// a newcomer learns about us without waiting for the next refresh
func (p *Provider) onPresenceChange(ch presence.Change) {
	if !ch.Local && len(ch.Added) > 0 {
		p.presence.Refresh()
	}
}

func (p *Provider) run() {
	defer close(p.done)
	delay := backoff.NewConstantBackOff(p.opts.ReconnectDelay)
	for p.ctx.Err() == nil {
		p.setState(Connecting)
		conn, err := p.broker.Dial(p.ctx)
		if err == nil {
			p.log.InfoCtx(p.ctx, "provider: connected")
			delay.Reset()
			err = p.serve(conn)
			_ = conn.Close()
		}
		p.disconnect()
		if p.ctx.Err() != nil {
			return
		}
		p.log.WarnCtx(p.ctx, "provider: disconnected", "err", err)
		Reconnects.Inc()
		select {
		case <-time.After(delay.NextBackOff()):
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Provider) serve(conn broker.Conn) error {
	p.lock.Lock()
	p.conn = conn
	p.lock.Unlock()
	p.setState(Connected)

	// retained updates are applied by the time Subscribe returns
	_, err := conn.Subscribe(p.ctx, broker.DocTopic(p.opts.PageID), p.receive)
	if err != nil {
		return err
	}
	if _, err = conn.Subscribe(p.ctx, broker.SyncTopic(p.opts.PageID), p.receiveSync); err != nil {
		return err
	}
	if p.presence != nil {
		_, err = conn.Subscribe(p.ctx, broker.PresenceTopic(p.opts.PageID), p.receivePresence)
		if err != nil {
			return err
		}
	}
	if err = p.announce(conn); err != nil {
		return err
	}
	p.setState(Synced)
	if p.presence != nil {
		p.presence.Refresh()
	}

	heartbeat := time.NewTicker(p.opts.Heartbeat)
	defer heartbeat.Stop()
	refresh := time.NewTicker(p.opts.PresenceRefresh)
	defer refresh.Stop()
	for {
		if err := p.flush(conn); err != nil {
			return err
		}
		if err := p.resendPublished(conn); err != nil {
			return err
		}
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case <-conn.Done():
			return conn.Err()
		case <-p.kick:
		case <-heartbeat.C:
			if err := conn.Ping(p.ctx); err != nil {
				return err
			}
		case <-refresh.C:
			if p.presence != nil {
				p.presence.Refresh()
				p.presence.Prune(time.Now())
			}
		}
	}
}

func (p *Provider) disconnect() {
	p.lock.Lock()
	p.conn = nil
	p.lock.Unlock()
	p.setState(Disconnected)
	if p.presence != nil {
		p.presence.Forget()
	}
}

// Destroy stops syncing. Local state stays as it is. Safe to call
// more than once and before any connection was made.
func (p *Provider) Destroy() {
	if !p.destroyed.CompareAndSwap(false, true) {
		return
	}
	for _, off := range p.offs {
		off()
	}
	p.cancel()
	<-p.done
	States.WithLabelValues(p.State().String()).Dec()
	p.syncs.Clear()
	p.statuses.Clear()
	p.log.InfoCtx(p.ctx, "provider: destroyed")
}
