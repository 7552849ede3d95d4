package relay

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// Store keeps the history of retained topics in pebble.
//
//	key:   'T' topic 0x00 seq(8, big-endian)
//	value: message body
//
// Appends to one topic must be serialized by the caller.
type Store struct {
	db   *pebble.DB
	wo   *pebble.WriteOptions
	seqs *xsync.MapOf[string, uint64]
	// held for reading by every operation, for writing by Close
	lock   sync.RWMutex
	closed bool
}

var ErrStoreClosed = errors.New("relay: store closed")

// OpenStore opens the store in dir, or in memory when dir is empty.
func OpenStore(dir string) (*Store, error) {
	opts := pebble.Options{}
	wo := pebble.Sync
	if dir == "" {
		opts.FS = vfs.NewMem()
		wo = pebble.NoSync
	}
	db, err := pebble.Open(dir, &opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open store %q", dir)
	}
	return &Store{
		db:   db,
		wo:   wo,
		seqs: xsync.NewMapOf[string, uint64](),
	}, nil
}

func topicPrefix(topic string) []byte {
	key := make([]byte, 0, len(topic)+2)
	key = append(key, 'T')
	key = append(key, topic...)
	return append(key, 0)
}

func topicKey(topic string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(topicPrefix(topic), seq)
}

func upperBound(prefix []byte) []byte {
	hi := bytes.Clone(prefix)
	hi[len(hi)-1]++
	return hi
}

func (s *Store) lastSeq(topic string) (seq uint64, err error) {
	prefix := topicPrefix(topic)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	if it.Last() {
		seq = binary.BigEndian.Uint64(it.Key()[len(prefix):])
	}
	return seq, nil
}

// Append adds body to the history of topic, returns its number.
func (s *Store) Append(topic string, body []byte) (seq uint64, err error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	seq, ok := s.seqs.Load(topic)
	if !ok {
		if seq, err = s.lastSeq(topic); err != nil {
			return 0, errors.Wrapf(err, "history of %s", topic)
		}
	}
	seq++
	if err = s.db.Set(topicKey(topic, seq), body, s.wo); err != nil {
		return 0, errors.Wrapf(err, "append to %s", topic)
	}
	s.seqs.Store(topic, seq)
	return seq, nil
}

// Scan calls fn for the history of topic, oldest first.
func (s *Store) Scan(topic string, fn func(seq uint64, body []byte) error) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	prefix := topicPrefix(topic)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return errors.Wrapf(err, "scan %s", topic)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		seq := binary.BigEndian.Uint64(it.Key()[len(prefix):])
		if err := fn(seq, bytes.Clone(it.Value())); err != nil {
			return err
		}
	}
	return errors.Wrapf(it.Error(), "scan %s", topic)
}

// Drop forgets the history of topic.
func (s *Store) Drop(topic string) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	prefix := topicPrefix(topic)
	s.seqs.Delete(topic)
	return errors.Wrapf(s.db.DeleteRange(prefix, upperBound(prefix), s.wo), "drop %s", topic)
}

func (s *Store) metrics() *pebble.Metrics {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil
	}
	return s.db.Metrics()
}

func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
