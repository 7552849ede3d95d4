/*
Package broker connects a replica to a publish/subscribe message broker.

Clients publish to application destinations and receive from topics:

	/app/page/{id}            ->  /topic/page/{id}            document updates
	/app/page/{id}/presence   ->  /topic/page/{id}/presence   presence payloads
	/app/page/{id}/sync       ->  /topic/page/{id}/sync       state vectors

The broker routes every message sent to a destination to every
subscriber of the matching topic, the sender included. Document
topics may be retained: a new subscriber then receives everything
published so far before its subscription is acknowledged.
*/
package broker

import (
	"context"
	"strings"

	"github.com/drpcorg/blockdoc/blockdoc_errors"
)

var (
	ErrClosed   = blockdoc_errors.ErrClosed
	ErrBadFrame = blockdoc_errors.ErrBadFrame
)

const (
	AppPrefix   = "/app/"
	TopicPrefix = "/topic/"

	presenceSuffix = "/presence"
	syncSuffix     = "/sync"
)

func DocTopic(pageID string) string {
	return TopicPrefix + "page/" + pageID
}

func DocDestination(pageID string) string {
	return AppPrefix + "page/" + pageID
}

func PresenceTopic(pageID string) string {
	return DocTopic(pageID) + presenceSuffix
}

func PresenceDestination(pageID string) string {
	return DocDestination(pageID) + presenceSuffix
}

// SyncTopic carries the state vectors replicas announce once caught
// up, so peers can resend what a retained history lacks.
func SyncTopic(pageID string) string {
	return DocTopic(pageID) + syncSuffix
}

func SyncDestination(pageID string) string {
	return DocDestination(pageID) + syncSuffix
}

// Route maps an application destination to its topic.
func Route(destination string) (topic string, ok bool) {
	rest, ok := strings.CutPrefix(destination, AppPrefix)
	if !ok || !strings.HasPrefix(rest, "page/") || len(rest) == len("page/") {
		return "", false
	}
	return TopicPrefix + rest, true
}

// IsTopic tells whether clients may subscribe to topic.
func IsTopic(topic string) bool {
	rest, ok := strings.CutPrefix(topic, TopicPrefix)
	return ok && strings.HasPrefix(rest, "page/") && len(rest) > len("page/")
}

// Retained reports whether a topic keeps its history for late joiners;
// document topics do, presence and sync do not.
func Retained(topic string) bool {
	return strings.HasPrefix(topic, TopicPrefix) &&
		!strings.HasSuffix(topic, presenceSuffix) &&
		!strings.HasSuffix(topic, syncSuffix)
}

// Message is one delivery on a topic.
type Message struct {
	Topic string
	Body  []byte
}

// Handler gets the messages of a subscription, one at a time, in the
// order the broker delivers them.
type Handler func(msg Message)

type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Conn is one live broker connection. Once Done is closed the
// connection is dead and every call fails; dial a new one.
type Conn interface {
	// Subscribe returns after the broker acknowledged the subscription.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Publish(ctx context.Context, destination string, body []byte) error
	// Ping checks the connection is alive.
	Ping(ctx context.Context) error
	Done() <-chan struct{}
	// Err tells why the connection ended.
	Err() error
	Close() error
}

type Broker interface {
	Dial(ctx context.Context) (Conn, error)
}
