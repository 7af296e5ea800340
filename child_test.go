package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareChild() *child {
	return &child{
		serverID:       "test_0",
		pkg:            "test",
		state:          childRunning,
		spawnedAt:      time.Now(),
		lastActivityAt: time.Now(),
		subscribers:    make(map[string]chan json.RawMessage),
	}
}

func TestChildBroadcastDeliversToAllSubscribers(t *testing.T) {
	c := newBareChild()
	ch1 := c.subscribe("sub-1")
	ch2 := c.subscribe("sub-2")

	c.broadcast(json.RawMessage(`{"hello":"world"}`))

	assert.JSONEq(t, `{"hello":"world"}`, string(<-ch1))
	assert.JSONEq(t, `{"hello":"world"}`, string(<-ch2))
}

func TestChildSubscribeIsIdempotentPerID(t *testing.T) {
	c := newBareChild()
	ch1 := c.subscribe("sub-1")
	ch2 := c.subscribe("sub-1")
	assert.Equal(t, ch1, ch2)
	assert.Equal(t, 1, c.subscriberCount())
}

func TestChildUnsubscribeClosesChannel(t *testing.T) {
	c := newBareChild()
	ch := c.subscribe("sub-1")
	c.unsubscribe("sub-1")

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	assert.Equal(t, 0, c.subscriberCount())
}

func TestChildUnsubscribeUnknownIDIsNoop(t *testing.T) {
	c := newBareChild()
	require.NotPanics(t, func() { c.unsubscribe("never-subscribed") })
}

func TestChildBroadcastTearsDownFullSubscriberButKeepsOthers(t *testing.T) {
	c := newBareChild()

	full := make(chan json.RawMessage) // unbuffered: first send with no reader blocks/fails
	c.mu.Lock()
	c.subscribers["slow"] = full
	c.mu.Unlock()
	healthy := c.subscribe("healthy")

	c.broadcast(json.RawMessage(`{"n":1}`))

	_, ok := <-full
	assert.False(t, ok, "slow subscriber's channel should have been closed")
	assert.Equal(t, json.RawMessage(`{"n":1}`), <-healthy)
	assert.Equal(t, 1, c.subscriberCount())
}

func TestChildMarkExitedClosesAllSubscribers(t *testing.T) {
	c := newBareChild()
	ch1 := c.subscribe("sub-1")
	ch2 := c.subscribe("sub-2")

	c.markExited()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.Equal(t, childExited, c.state)
}

func TestChildMarkExitedInvokesOnExitExactlyOnce(t *testing.T) {
	c := newBareChild()
	calls := 0
	c.onExit = func(serverID string) {
		calls++
		assert.Equal(t, "test_0", serverID)
	}

	c.markExited()
	c.markExited() // second call must be a no-op, not a second callback

	assert.Equal(t, 1, calls)
}

func TestChildTouchUpdatesLastActivity(t *testing.T) {
	c := newBareChild()
	before := c.idleSince()
	time.Sleep(2 * time.Millisecond)
	c.touch()
	assert.True(t, c.idleSince().After(before))
}
