package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionPoolGetReset(t *testing.T) {
	pool := NewConnectionPool(4)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := pool.Get("conn-1", "recipient-1", "node-1", server)
	assert.Equal(t, "conn-1", c.ID)
	assert.Equal(t, "recipient-1", c.RecipientID)
	assert.Equal(t, "node-1", c.NodeID)
	assert.False(t, c.IsClosed())
	assert.Equal(t, int64(1), c.nextSeq())
	assert.Equal(t, int64(2), c.nextSeq())

	pool.Put(c)

	c2 := pool.Get("conn-2", "recipient-2", "node-1", client)
	assert.Same(t, c, c2, "sync.Pool should recycle the same struct")
	assert.Equal(t, "conn-2", c2.ID)
	assert.Equal(t, int64(1), c2.nextSeq(), "seq must reset across reuse")
	assert.False(t, c2.IsClosed())
}

func TestClientTouchUpdatesLastActivity(t *testing.T) {
	pool := NewConnectionPool(1)
	server, _ := net.Pipe()
	defer server.Close()
	c := pool.Get("conn-1", "recipient-1", "node-1", server)

	before := c.lastActivity
	c.touch()
	assert.GreaterOrEqual(t, c.lastActivity, before)
}
