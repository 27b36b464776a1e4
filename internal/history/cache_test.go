package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChatCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newChatCache(2)
	a := &ChatWithMessages{Chat: Chat{ID: "a"}}
	b := &ChatWithMessages{Chat: Chat{ID: "b"}}
	d := &ChatWithMessages{Chat: Chat{ID: "d"}}

	c.put("a", a)
	c.put("b", b)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.get("a")
	assert.True(t, ok)

	c.put("d", d)

	_, ok = c.get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	got, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, "a", got.ID)
}

func TestChatCache_Invalidate(t *testing.T) {
	c := newChatCache(2)
	c.put("a", &ChatWithMessages{Chat: Chat{ID: "a"}})
	c.invalidate("a")
	_, ok := c.get("a")
	assert.False(t, ok)
}
