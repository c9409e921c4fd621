package pubsub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishOrderAndReplay(t *testing.T) {
	topic := NewTopic[int]("numbers")
	topic.Publish(1)

	var got []int
	tok := topic.Subscribe(func(v int) { got = append(got, v) }, true)
	topic.Publish(2)
	topic.Publish(3)

	assert.Equal(t, []int{1, 2, 3}, got)
	latest, ok := topic.Latest()
	assert.True(t, ok)
	assert.Equal(t, 3, latest)

	tok.Unsubscribe()
	tok.Unsubscribe()
	topic.Publish(4)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 0, topic.Subscribers())
}

func TestSubscribeWithoutReplay(t *testing.T) {
	topic := NewTopic[string]("names")
	topic.Publish("old")

	var got []string
	topic.Subscribe(func(v string) { got = append(got, v) }, false)
	topic.Publish("new")
	assert.Equal(t, []string{"new"}, got)
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	topic := NewTopic[int]("panics")
	var mu sync.Mutex
	var got []int
	topic.Subscribe(func(int) { panic("boom") }, false)
	topic.Subscribe(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	}, false)

	assert.NotPanics(t, func() { topic.Publish(7) })
	assert.Equal(t, []int{7}, got)
}

func TestNilTokenUnsubscribe(t *testing.T) {
	var tok *Token
	assert.NotPanics(t, tok.Unsubscribe)
}
