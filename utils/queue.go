package utils

import (
	"context"
	"errors"
	"sync"
)

// Records is a batch of byte records.
type Records [][]byte

var ErrClosed = errors.New("[blockdoc] queue is closed")
var ErrOverflow = errors.New("[blockdoc] queue is overflowed")

// Queue hands records from any number of producers (Drain) to one
// consumer (Feed) in order. Drain never blocks; once more than limit
// bytes are waiting the queue overflows and stays that way, so a stuck
// consumer gets cut off instead of stalling its producers.
type Queue struct {
	lock       sync.Mutex
	recs       Records
	size       int
	limit      int
	closed     bool
	overflowed bool
	signal     chan struct{}
}

func NewQueue(limit int) *Queue {
	return &Queue{
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

func (q *Queue) Drain(recs Records) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.overflowed {
		return ErrOverflow
	}
	for _, rec := range recs {
		q.size += len(rec)
	}
	q.recs = append(q.recs, recs...)
	if q.size > q.limit {
		q.overflowed = true
		q.recs, q.size = nil, 0
		q.wake()
		return ErrOverflow
	}
	q.wake()
	return nil
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Feed waits for records and returns all of them.
func (q *Queue) Feed(ctx context.Context) (recs Records, err error) {
	for {
		q.lock.Lock()
		switch {
		case q.overflowed:
			err = ErrOverflow
		case len(q.recs) > 0:
			recs, q.recs, q.size = q.recs, nil, 0
		case q.closed:
			err = ErrClosed
		}
		q.lock.Unlock()
		if recs != nil || err != nil {
			return
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Size is the number of bytes waiting.
func (q *Queue) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

// Close lets the consumer take what is left, then get ErrClosed.
func (q *Queue) Close() error {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()
	q.wake()
	return nil
}
