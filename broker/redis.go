package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RetainPrefix prefixes the Redis list that keeps the history of a
// retained topic.
const RetainPrefix = "blockdoc:retained:"

// Redis brokers over Redis pub/sub. A topic is a Redis channel; the
// history of a retained topic is a Redis list, appended in the same
// MULTI as the PUBLISH so a subscriber sees every message either in
// the list or on the channel.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string) *Redis {
	return NewRedisClient(redis.NewClient(&redis.Options{Addr: addr}))
}

func NewRedisClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Dial(ctx context.Context) (Conn, error) {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisConn{
		client: r.client,
		done:   make(chan struct{}),
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisConn struct {
	client *redis.Client
	lock   sync.Mutex
	subs   []*redisSub
	done   chan struct{}
	once   sync.Once
	err    error
}

type redisSub struct {
	topic  string
	pubsub *redis.PubSub
	once   sync.Once
}

func (c *redisConn) alive() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *redisConn) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	pubsub := c.client.Subscribe(ctx, topic)
	// the first reply is the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	if Retained(topic) {
		history, err := c.client.LRange(ctx, RetainPrefix+topic, 0, -1).Result()
		if err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("redis history %s: %w", topic, err)
		}
		// may overlap with the channel; updates are idempotent
		for _, body := range history {
			handler(Message{Topic: topic, Body: []byte(body)})
		}
	}
	sub := &redisSub{topic: topic, pubsub: pubsub}
	c.lock.Lock()
	c.subs = append(c.subs, sub)
	c.lock.Unlock()
	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			handler(Message{Topic: msg.Channel, Body: []byte(msg.Payload)})
		}
	}()
	return sub, nil
}

func (s *redisSub) Topic() string {
	return s.topic
}

func (s *redisSub) Unsubscribe() (err error) {
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return
}

func (c *redisConn) Publish(ctx context.Context, destination string, body []byte) error {
	if err := c.alive(); err != nil {
		return err
	}
	topic, ok := Route(destination)
	if !ok {
		return ErrBadFrame
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if Retained(topic) {
			pipe.RPush(ctx, RetainPrefix+topic, body)
		}
		pipe.Publish(ctx, topic, body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (c *redisConn) Ping(ctx context.Context) error {
	if err := c.alive(); err != nil {
		return err
	}
	return c.client.Ping(ctx).Err()
}

func (c *redisConn) Done() <-chan struct{} {
	return c.done
}

func (c *redisConn) Err() error {
	return c.alive()
}

func (c *redisConn) Close() error {
	c.once.Do(func() {
		c.err = ErrClosed
		c.lock.Lock()
		subs := c.subs
		c.subs = nil
		c.lock.Unlock()
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		close(c.done)
	})
	return nil
}
