package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{
		Command:     CmdMessage,
		Destination: DocTopic("123"),
		ID:          "sub-1",
		Body:        []byte{1, 2, 3},
	}
	g, err := ParseFrame(f.Encode())
	assert.Nil(t, err)
	assert.Equal(t, f, g)
}

func TestFrameValidate(t *testing.T) {
	_, err := ParseFrame([]byte(`{"command":"SUBSCRIBE","id":"sub-1"}`))
	assert.ErrorIs(t, err, ErrBadFrame)
	_, err = ParseFrame([]byte(`{"command":"RECEIPT"}`))
	assert.ErrorIs(t, err, ErrBadFrame)
	_, err = ParseFrame([]byte(`{"command":"NACK"}`))
	assert.ErrorIs(t, err, ErrBadFrame)
	_, err = ParseFrame([]byte(`{"command":`))
	assert.ErrorIs(t, err, ErrBadFrame)
	_, err = ParseFrame([]byte(`{"command":"CONNECT","heartbeat":4000}`))
	assert.Nil(t, err)
}

func TestRoute(t *testing.T) {
	topic, ok := Route(DocDestination("42"))
	assert.True(t, ok)
	assert.Equal(t, "/topic/page/42", topic)
	assert.True(t, Retained(topic))

	topic, ok = Route(PresenceDestination("42"))
	assert.True(t, ok)
	assert.Equal(t, "/topic/page/42/presence", topic)
	assert.Equal(t, PresenceTopic("42"), topic)
	assert.False(t, Retained(topic))

	topic, ok = Route(SyncDestination("42"))
	assert.True(t, ok)
	assert.Equal(t, SyncTopic("42"), topic)
	assert.False(t, Retained(topic))

	assert.True(t, IsTopic(DocTopic("42")))
	assert.True(t, IsTopic(PresenceTopic("42")))
	assert.False(t, IsTopic("/topic/page/"))
	assert.False(t, IsTopic(DocDestination("42")))

	for _, bad := range []string{"/topic/page/42", "/app/page/", "/app/chat/1", ""} {
		_, ok = Route(bad)
		assert.False(t, ok, bad)
	}
}
