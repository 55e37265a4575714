package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is one open recipient connection, owned by exactly one node.
// Pooled via ConnectionPool to avoid per-connect allocation churn
// under high connect/disconnect churn, mirroring the teacher's
// connection pooling for the same reason.
type Client struct {
	ID          string
	RecipientID string
	NodeID      string
	conn        net.Conn

	send chan Envelope

	seq            int64
	connectedAt    time.Time
	lastActivity   int64 // unix milli, atomic
	closeOnce      sync.Once
	closed         atomic.Bool
	slowFlushes    int32 // count of timed-out flushes in the current window, atomic
	slowWindowFrom int64 // unix milli when the slow-flush window started
}

func (c *Client) nextSeq() int64 {
	return atomic.AddInt64(&c.seq, 1)
}

func (c *Client) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixMilli())
}

func (c *Client) IsClosed() bool { return c.closed.Load() }

// ConnectionPool recycles Client structs across connect/disconnect
// cycles, the same sync.Pool shape the teacher uses to keep GC
// pressure flat under churn.
type ConnectionPool struct {
	pool    sync.Pool
	queueCap int
}

func NewConnectionPool(queueCap int) *ConnectionPool {
	p := &ConnectionPool{queueCap: queueCap}
	p.pool.New = func() any {
		return &Client{}
	}
	return p
}

func (p *ConnectionPool) Get(id, recipientID, nodeID string, conn net.Conn) *Client {
	c := p.pool.Get().(*Client)
	c.ID = id
	c.RecipientID = recipientID
	c.NodeID = nodeID
	c.conn = conn
	c.send = make(chan Envelope, p.queueCap)
	c.seq = 0
	c.connectedAt = time.Now()
	c.lastActivity = time.Now().UnixMilli()
	c.closeOnce = sync.Once{}
	c.closed.Store(false)
	c.slowFlushes = 0
	c.slowWindowFrom = 0
	return c
}

func (p *ConnectionPool) Put(c *Client) {
	c.conn = nil
	c.send = nil
	p.pool.Put(c)
}
