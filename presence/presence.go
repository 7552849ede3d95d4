package presence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/blockdoc/utils"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultRefresh = 15 * time.Second
)

type Cursor struct {
	BlockID string `json:"blockId"`
	Offset  int    `json:"offset"`
}

// PeerState is what a user shares with the others while connected.
type PeerState struct {
	UserID string  `json:"userId"`
	Cursor *Cursor `json:"cursor"`
}

// Message is the presence wire payload. A nil State says the client
// is gone. Clock grows with every message of a client, so a replica
// keeps the newest state of each client no matter the arrival order.
type Message struct {
	ClientID uint64     `json:"clientId"`
	Clock    uint64     `json:"clock"`
	State    *PeerState `json:"state"`
}

// Change lists the clients whose state was added, updated or removed.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Local   bool
}

func (ch Change) Empty() bool {
	return len(ch.Added) == 0 && len(ch.Updated) == 0 && len(ch.Removed) == 0
}

type peer struct {
	clock uint64
	state *PeerState
	seen  time.Time
}

// Tracker keeps the presence of every client of one page. Nothing of
// it is persisted; a peer that stops refreshing is pruned.
type Tracker struct {
	clientID uint64
	peers    *xsync.MapOf[uint64, peer]
	// serializes updates so Change events come in order
	lock  sync.Mutex
	clock uint64

	changes   utils.Listeners[Change]
	broadcast utils.Listeners[[]byte]

	Timeout time.Duration
	Now     func() time.Time
	log     utils.Logger
}

func New(clientID uint64, log utils.Logger) *Tracker {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelWarn)
	}
	return &Tracker{
		clientID: clientID,
		peers:    xsync.NewMapOf[uint64, peer](),
		Timeout:  DefaultTimeout,
		Now:      time.Now,
		log:      log,
	}
}

func (t *Tracker) ClientID() uint64 {
	return t.clientID
}

// OnChange registers a listener for state changes of any client.
func (t *Tracker) OnChange(fn func(ch Change)) (off func()) {
	return t.changes.Add(fn)
}

// OnBroadcast registers a sink for the payloads that must reach the
// other clients.
func (t *Tracker) OnBroadcast(fn func(payload []byte)) (off func()) {
	return t.broadcast.Add(fn)
}

// SetLocalState replaces the own state and broadcasts it; nil clears it.
func (t *Tracker) SetLocalState(state *PeerState) {
	t.lock.Lock()
	t.clock++
	msg := Message{ClientID: t.clientID, Clock: t.clock, State: clone(state)}
	ch := t.put(msg, true)
	t.lock.Unlock()
	ch.Local = true
	if !ch.Empty() {
		t.changes.Emit(ch)
	}
	t.send(msg)
}

// Refresh re-broadcasts the own state under a new clock so the other
// clients do not prune it.
func (t *Tracker) Refresh() {
	t.lock.Lock()
	own, ok := t.peers.Load(t.clientID)
	if !ok || own.state == nil {
		t.lock.Unlock()
		return
	}
	t.clock++
	own.clock = t.clock
	own.seen = t.Now()
	t.peers.Store(t.clientID, own)
	msg := Message{ClientID: t.clientID, Clock: t.clock, State: own.state}
	t.lock.Unlock()
	t.send(msg)
}

// Encode returns the payload announcing the current own state.
func (t *Tracker) Encode() []byte {
	t.lock.Lock()
	defer t.lock.Unlock()
	own, _ := t.peers.Load(t.clientID)
	payload, _ := json.Marshal(Message{ClientID: t.clientID, Clock: t.clock, State: own.state})
	return payload
}

func (t *Tracker) send(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		t.log.Error("presence encoding failed", "err", err)
		return
	}
	t.broadcast.Emit(payload)
}

func (t *Tracker) LocalState() *PeerState {
	own, _ := t.peers.Load(t.clientID)
	return clone(own.state)
}

// GetStates returns the known state of every client, own included.
func (t *Tracker) GetStates() map[uint64]PeerState {
	ret := make(map[uint64]PeerState)
	t.peers.Range(func(id uint64, p peer) bool {
		if p.state != nil {
			ret[id] = *clone(p.state)
		}
		return true
	})
	return ret
}

// Apply merges a payload received from another client.
func (t *Tracker) Apply(payload []byte) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	if msg.ClientID == 0 {
		return fmt.Errorf("presence: no client id")
	}
	if msg.ClientID == t.clientID {
		return nil
	}
	t.lock.Lock()
	ch := t.put(msg, false)
	t.lock.Unlock()
	if !ch.Empty() {
		t.changes.Emit(ch)
	}
	return nil
}

func (t *Tracker) put(msg Message, local bool) (ch Change) {
	now := t.Now()
	t.peers.Compute(msg.ClientID, func(old peer, loaded bool) (peer, bool) {
		if loaded && msg.Clock < old.clock {
			return old, false
		}
		if loaded && msg.Clock == old.clock && !local {
			old.seen = now
			return old, false
		}
		switch {
		case msg.State == nil && loaded && old.state != nil:
			ch.Removed = append(ch.Removed, msg.ClientID)
		case msg.State != nil && (!loaded || old.state == nil):
			ch.Added = append(ch.Added, msg.ClientID)
		case msg.State != nil && !reflect.DeepEqual(msg.State, old.state):
			ch.Updated = append(ch.Updated, msg.ClientID)
		}
		return peer{clock: msg.Clock, state: msg.State, seen: now}, false
	})
	return
}

// Prune forgets the clients not heard of for longer than Timeout.
func (t *Tracker) Prune(now time.Time) (removed []uint64) {
	return t.drop(func(p peer) bool {
		return now.Sub(p.seen) > t.Timeout
	})
}

// Forget drops every other client, as when the connection is lost.
func (t *Tracker) Forget() (removed []uint64) {
	return t.drop(func(peer) bool { return true })
}

func (t *Tracker) drop(doomed func(p peer) bool) (removed []uint64) {
	t.lock.Lock()
	t.peers.Range(func(id uint64, p peer) bool {
		if id != t.clientID && doomed(p) {
			removed = append(removed, id)
		}
		return true
	})
	var ch Change
	for _, id := range removed {
		p, _ := t.peers.LoadAndDelete(id)
		if p.state != nil {
			ch.Removed = append(ch.Removed, id)
		}
	}
	t.lock.Unlock()
	slices.Sort(removed)
	slices.Sort(ch.Removed)
	if !ch.Empty() {
		t.log.Debug("presence dropped", "clients", ch.Removed)
		t.changes.Emit(ch)
	}
	return
}

// Destroy clears the own state and every listener.
func (t *Tracker) Destroy() {
	t.SetLocalState(nil)
	t.changes.Clear()
	t.broadcast.Clear()
}

func clone(state *PeerState) *PeerState {
	if state == nil {
		return nil
	}
	ret := *state
	if state.Cursor != nil {
		cur := *state.Cursor
		ret.Cursor = &cur
	}
	return &ret
}
