// Package session implements the push session layer (C5): per-node
// connection tracking, bounded outbound queues with priority-aware
// backpressure, and the registry/inbox wiring around connect/close.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
	"github.com/adred-codev/broadcastd/internal/platform"
)

// Registry is the subset of the C4 contract the session layer needs.
type Registry interface {
	Register(ctx context.Context, recipientID, connectionID, nodeID, clusterID string) error
	Heartbeat(ctx context.Context, nodeID string, connectionIDs []string) error
	Remove(ctx context.Context, connectionIDs []string) error
}

// InboxStore is the subset of the C6 contract the session layer needs
// to pull a reconnecting recipient's pending entries and to spool
// events that could not be delivered live.
type InboxStore interface {
	GetPending(ctx context.Context, recipientID string) ([]domain.CachedInboxEntry, error)
	Spool(ctx context.Context, recipientID string, entry domain.CachedInboxEntry) error
}

// EmitReadEvent is how a READ acknowledgement re-enters the outbox
// (§4.6: client-initiated state changes use the same durable path as
// server-initiated ones).
type EmitReadEvent func(ctx context.Context, recipientID, broadcastID string) error

// BroadcastGetter is the subset of the catalog store needed to render
// a MESSAGE frame's body.
type BroadcastGetter interface {
	Get(ctx context.Context, broadcastID string) (domain.Broadcast, error)
}

// OutboxAppender re-enters the outbox with the DELIVERY.DELIVERED
// event a successful live push produces (§4.3 data flow: "C5 pushes
// to live connections / C6 marks pending->delivered"). Every path that
// lands a MESSAGE frame on a live connection — a fresh push from C3 or
// a reconnecting recipient's inbox drain — goes through this, so
// neither one can leave a delivery row stuck PENDING.
type OutboxAppender interface {
	AppendEvent(ctx context.Context, ev domain.OutboxEvent) error
}

// Config bounds the push layer's backpressure behavior.
type Config struct {
	NodeID           string
	ClusterID        string
	QueueCapacity    int           // K: per-connection outbound queue depth
	FlushTimeout     time.Duration // time allowed for one flush once a queue is full
	MaxSlowFlushes   int           // M: force-close after this many timeouts in a window
	SlowFlushWindow  time.Duration
	HeartbeatPeriod  time.Duration
}

// Manager is the per-node push session layer.
type Manager struct {
	cfg        Config
	pool       *ConnectionPool
	registry   Registry
	inbox      InboxStore
	broadcasts BroadcastGetter
	outbox     OutboxAppender
	emitRead   EmitReadEvent
	guard      *platform.ResourceGuard
	log        zerolog.Logger

	mu       sync.RWMutex
	byConn   map[string]*Client
	index    *RecipientIndex

	draining atomic.Bool
}

func NewManager(cfg Config, pool *ConnectionPool, registry Registry, inbox InboxStore, broadcasts BroadcastGetter, outbox OutboxAppender, emitRead EmitReadEvent, guard *platform.ResourceGuard, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		pool:       pool,
		registry:   registry,
		inbox:      inbox,
		broadcasts: broadcasts,
		outbox:     outbox,
		emitRead:   emitRead,
		guard:      guard,
		log:        log.With().Str("component", "session_manager").Logger(),
		byConn:     make(map[string]*Client),
		index:      NewRecipientIndex(),
	}
}

// Connect allocates a connection for recipientID, registers it in C4,
// drains the recipient's pending inbox rows as MESSAGE frames, sends
// CONNECTED, and starts the read/write pumps (§4.5).
func (m *Manager) Connect(ctx context.Context, recipientID string, conn net.Conn) (*Client, error) {
	if m.draining.Load() {
		return nil, apierr.ExternalUnavailable("session layer draining, refusing new connects", nil)
	}
	if m.guard != nil {
		if ok, reason := m.guard.ShouldAcceptConnection(); !ok {
			return nil, apierr.ExternalUnavailable("connection rejected: "+reason, nil)
		}
	}

	connID := uuid.NewString()
	c := m.pool.Get(connID, recipientID, m.cfg.NodeID, conn)

	if err := m.registry.Register(ctx, recipientID, connID, m.cfg.NodeID, m.cfg.ClusterID); err != nil {
		m.pool.Put(c)
		return nil, apierr.Retryable("register session", err)
	}

	m.mu.Lock()
	m.byConn[connID] = c
	m.mu.Unlock()
	m.index.Add(recipientID, connID)

	if m.guard != nil {
		m.guard.ConnectionOpened()
	}

	m.sendFrame(c, wrap(c.nextSeq(), domain.WireConnected, nil))

	pending, err := m.inbox.GetPending(ctx, recipientID)
	if err != nil {
		m.log.Warn().Err(err).Str("recipient_id", recipientID).Msg("failed to drain pending inbox on connect")
	}
	for _, entry := range pending {
		if err := m.deliverMessage(ctx, c, recipientID, entry.BroadcastID, ""); err != nil {
			m.log.Warn().Err(err).Str("recipient_id", recipientID).Str("broadcast_id", entry.BroadcastID).
				Msg("failed to deliver drained inbox entry")
		}
	}

	return c, nil
}

// deliverMessage renders broadcastID's content as a MESSAGE frame,
// enqueues it on c, and — if it actually reached the connection's
// queue rather than falling back to the inbox spool — appends the
// DELIVERY.DELIVERED event that stamps the recipient's delivery row
// and advances statistics (§4.3). This is the single path that lands
// a MESSAGE frame on a live connection: both a fresh push from C3 and
// a reconnecting recipient's inbox drain go through it, so neither one
// can leave a delivery row stuck PENDING.
func (m *Manager) deliverMessage(ctx context.Context, c *Client, recipientID, broadcastID, correlationID string) error {
	b, err := m.broadcasts.Get(ctx, broadcastID)
	if err != nil {
		return err
	}

	messageID := fmt.Sprintf("%s:%s", broadcastID, recipientID)
	payload := MessagePayload{
		MessageID:   messageID,
		BroadcastID: broadcastID,
		SenderName:  b.SenderName,
		Content:     b.Content,
		Priority:    string(b.Priority),
		Category:    b.Category,
	}
	fallback := domain.CachedInboxEntry{
		MessageID:           messageID,
		BroadcastID:         broadcastID,
		DeliveryStatus:      domain.DeliveryPending,
		ReadStatus:          domain.ReadUnread,
		CreatedAtEpochMilli: time.Now().UnixMilli(),
	}
	delivered := m.Enqueue(ctx, c, domain.WireMessage, payload, fallback)
	if !delivered {
		return nil
	}

	deliveredEv := domain.OutboxEvent{
		AggregateType: domain.AggregateDelivery,
		AggregateID:   broadcastID,
		RecipientID:   recipientID,
		EventType:     domain.EventDeliveryDelivered,
		CorrelationID: correlationID,
	}
	return m.outbox.AppendEvent(ctx, deliveredEv)
}

// Enqueue delivers event to conn's outbound queue, non-blocking. If
// the queue is saturated, it retries once within FlushTimeout; on
// continued saturation the event is spooled to the durable inbox
// instead of being dropped outright (§4.5 backpressure). The return
// value reports whether the frame reached the connection's queue
// (true) or was spooled instead (false) — callers that need to know
// whether a push actually went out live (e.g. to emit a DELIVERED
// event) key off this.
func (m *Manager) Enqueue(ctx context.Context, c *Client, typ domain.WireEventType, payload any, fallback domain.CachedInboxEntry) bool {
	env := wrap(c.nextSeq(), typ, payload)

	select {
	case c.send <- env:
		return true
	default:
	}

	timer := time.NewTimer(m.cfg.FlushTimeout)
	defer timer.Stop()
	select {
	case c.send <- env:
		return true
	case <-timer.C:
		m.recordSlowFlush(c)
		if err := m.inbox.Spool(ctx, c.RecipientID, fallback); err != nil {
			m.log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to spool backpressured event to inbox")
		}
		return false
	}
}

func (m *Manager) recordSlowFlush(c *Client) {
	now := time.Now().UnixMilli()
	windowStart := c.slowWindowFrom
	if windowStart == 0 || time.Duration(now-windowStart)*time.Millisecond > m.cfg.SlowFlushWindow {
		c.slowWindowFrom = now
		c.slowFlushes = 1
		return
	}
	c.slowFlushes++
	if int(c.slowFlushes) > m.cfg.MaxSlowFlushes {
		m.log.Warn().Str("connection_id", c.ID).Int32("slow_flushes", c.slowFlushes).
			Msg("connection exceeded slow-flush budget, force-closing")
		go m.Close(context.Background(), c, "slow_flush_budget_exceeded")
	}
}

func (m *Manager) sendFrame(c *Client, env Envelope) {
	select {
	case c.send <- env:
	default:
	}
}

// Heartbeat refreshes registry TTLs for every connection on this node
// and sends a HEARTBEAT frame to each.
func (m *Manager) Heartbeat(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byConn))
	clients := make([]*Client, 0, len(m.byConn))
	for id, c := range m.byConn {
		ids = append(ids, id)
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	if len(ids) == 0 {
		return
	}
	if err := m.registry.Heartbeat(ctx, m.cfg.NodeID, ids); err != nil {
		m.log.Warn().Err(err).Msg("registry heartbeat failed")
	}
	for _, c := range clients {
		c.touch()
		m.sendFrame(c, wrap(c.nextSeq(), domain.WireHeartbeat, nil))
	}
}

// Close removes conn from the local map and registry, draining its
// pending queue to the durable inbox so no message is lost (§4.5).
func (m *Manager) Close(ctx context.Context, c *Client, cause string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		m.mu.Lock()
		delete(m.byConn, c.ID)
		m.mu.Unlock()
		m.index.Remove(c.RecipientID, c.ID)

		if err := m.registry.Remove(ctx, []string{c.ID}); err != nil {
			m.log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to remove session from registry")
		}

		drained := 0
	drainLoop:
		for {
			select {
			case env := <-c.send:
				if payload, ok := env.Payload.(MessagePayload); ok {
					_ = m.inbox.Spool(ctx, c.RecipientID, domain.CachedInboxEntry{
						MessageID:   payload.MessageID,
						BroadcastID: payload.BroadcastID,
					})
					drained++
				}
			default:
				break drainLoop
			}
		}

		if m.guard != nil {
			m.guard.ConnectionClosed()
		}

		m.log.Debug().Str("connection_id", c.ID).Str("cause", cause).Int("drained", drained).Msg("connection closed")
		if c.conn != nil {
			c.conn.Close()
		}
		m.pool.Put(c)
	})
}

// ConnectionsFor returns the live connection ids for recipientID on
// this node, the lock-free hot path used by the orchestrator (C3) to
// decide whether a recipient has a live session to push to.
func (m *Manager) ConnectionsFor(recipientID string) []string {
	return m.index.Get(recipientID)
}

// ClientByID looks up a connected Client, for delivering a routed push.
func (m *Manager) ClientByID(connID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byConn[connID]
	return c, ok
}

// Shutdown refuses new connects, flushes queues with a grace timeout,
// then removes every session this node owns from the registry (§4.5).
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) {
	m.draining.Store(true)

	m.mu.RLock()
	clients := make([]*Client, 0, len(m.byConn))
	for _, c := range m.byConn {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	deadline := time.Now().Add(grace)
	for _, c := range clients {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = 0
		}
		flushCtx, cancel := context.WithTimeout(ctx, remaining)
		m.Close(flushCtx, c, "shutdown")
		cancel()
	}
}
