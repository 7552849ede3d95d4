// Package session opens one editing session on one page: a Doc, the
// Page model over it, the presence tracker and the provider syncing
// both through a broker. Sessions share nothing; open as many as
// needed.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/drpcorg/blockdoc"
	"github.com/drpcorg/blockdoc/broker"
	"github.com/drpcorg/blockdoc/page"
	"github.com/drpcorg/blockdoc/presence"
	"github.com/drpcorg/blockdoc/provider"
	"github.com/drpcorg/blockdoc/utils"
)

var (
	ErrNoPageID = errors.New("session: no page id")
	ErrClosed   = errors.New("session: closed")
)

// client ids travel as JSON numbers, keep them exact in a float64
const clientIDMask = 1<<53 - 1

type Options struct {
	// ClientID is the replica id, random when zero.
	ClientID uint64
	UserID   string
	Provider provider.Options
	Logger   utils.Logger
}

func (o *Options) SetDefaults() {
	if o.ClientID == 0 {
		o.ClientID = NewClientID()
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.Provider.Logger == nil {
		o.Provider.Logger = o.Logger
	}
}

func NewClientID() uint64 {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint64(u[:8]) & clientIDMask; id != 0 {
			return id
		}
	}
}

// NewPageID makes a fresh shareable page id, a short decimal number.
func NewPageID() string {
	u := uuid.New()
	return strconv.FormatUint(uint64(binary.BigEndian.Uint32(u[:4])), 10)
}

type Session struct {
	id       string
	userID   string
	log      utils.Logger
	doc      *blockdoc.Doc
	page     *page.Page
	presence *presence.Tracker
	provider *provider.Provider

	ready   chan struct{}
	once    sync.Once
	seedErr error
	offSync func()
	done    chan struct{}
	closed  atomic.Bool
}

// Open starts a session on pageID. The default blocks are seeded into
// an empty page once the first sync is complete.
func Open(pageID string, b broker.Broker, opts Options) (*Session, error) {
	if pageID == "" {
		return nil, ErrNoPageID
	}
	opts.SetDefaults()
	log := opts.Logger
	doc := blockdoc.NewDoc(opts.ClientID, blockdoc.WithLogger(log))
	s := &Session{
		id:       pageID,
		userID:   opts.UserID,
		log:      log,
		doc:      doc,
		page:     page.New(pageID, doc, log),
		presence: presence.New(opts.ClientID, log),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	popts := opts.Provider
	popts.PageID = pageID
	popts.ClientID = opts.ClientID
	s.provider = provider.New(doc, b, s.presence, popts)
	s.offSync = s.provider.OnSync(s.onSync)
	return s, nil
}

func (s *Session) onSync(synced bool) {
	if !synced {
		return
	}
	s.once.Do(func() {
		seeded, err := s.page.LoadOrCreate()
		if err != nil {
			s.log.Error("session: seeding failed", "page", s.id, "err", err)
		} else if seeded {
			s.log.Debug("session: new page", "page", s.id)
		}
		s.seedErr = err
		close(s.ready)
	})
}

// WaitSynced blocks until the first sync is complete and the page is
// loaded.
func (s *Session) WaitSynced(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.seedErr
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) ClientID() uint64 {
	return s.doc.Source()
}

func (s *Session) Doc() *blockdoc.Doc {
	return s.doc
}

func (s *Session) Page() *page.Page {
	return s.page
}

func (s *Session) Presence() *presence.Tracker {
	return s.presence
}

func (s *Session) Provider() *provider.Provider {
	return s.provider
}

// SetCursor announces where the user is; an empty block id clears the
// cursor but keeps the user present.
func (s *Session) SetCursor(blockID string, offset int) {
	state := &presence.PeerState{UserID: s.userID}
	if blockID != "" {
		state.Cursor = &presence.Cursor{BlockID: blockID, Offset: offset}
	}
	s.presence.SetLocalState(state)
}

// Close leaves the page: peers see the presence go, syncing stops.
// Local state stays readable.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.offSync()
	s.presence.Destroy()
	s.provider.Destroy()
	s.page.Destroy()
	s.doc.Destroy()
	return nil
}
