// Package orchestrator implements the orchestration bus consumer
// (C3): idempotent-by-eventId processing of the single orchestration
// topic plus its dead-letter companion.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/singleflight"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
	"github.com/adred-codev/broadcastd/internal/platform"
)

// InboxStore is the subset of C6 the consumer writes through.
type InboxStore interface {
	MarkDelivered(ctx context.Context, broadcastID, recipientID string) (bool, error)
	MarkRead(ctx context.Context, broadcastID, recipientID string) (bool, error)
	ResetToPending(ctx context.Context, broadcastID, recipientID string) error
	IncrementDelivered(ctx context.Context, broadcastID string) error
	IncrementRead(ctx context.Context, broadcastID string) error
	RemoveBroadcast(ctx context.Context, recipientID, broadcastID string)
	SupersedePending(ctx context.Context, broadcastID string) (int64, error)
}

// BroadcastStore mutates broadcast-level state (status transitions).
type BroadcastStore interface {
	MarkTerminal(ctx context.Context, broadcastID string, status domain.BroadcastStatus) error
	Get(ctx context.Context, broadcastID string) (domain.Broadcast, error)
	RecipientsOf(ctx context.Context, broadcastID string) ([]string, error)
}

// Targeting precomputes recipient rows for a newly created broadcast.
type Targeting interface {
	PrecomputeAndStore(ctx context.Context, broadcastID string, targetType domain.TargetType, targetIDs []string) (int, error)
}

// SessionLookup answers every live session for a recipient across the
// whole cluster (C4), so the consumer can route a DELIVERY.PUSH work
// item to whichever node actually holds the connection rather than
// only the local one.
type SessionLookup interface {
	Lookup(ctx context.Context, recipientID string) ([]domain.Session, error)
}

// Pusher delivers a push work item to a specific connection, wherever
// in the cluster it lives — implementations route locally when nodeID
// is this node and forward to the owning node otherwise.
type Pusher interface {
	PushMessage(ctx context.Context, nodeID, connectionID string, env domain.BusEnvelope) error
	PushRemoval(ctx context.Context, nodeID, connectionID string, broadcastID, reason string) error
}

// OutboxAppender re-enters the outbox for events the consumer itself
// produces as a side effect (e.g. a FireAndForget auto-expire).
type OutboxAppender interface {
	AppendEvent(ctx context.Context, ev domain.OutboxEvent) error
}

// DeadLetterSink persists exhausted messages (C9).
type DeadLetterSink interface {
	Record(ctx context.Context, rec domain.DeadLetterRecord) error
}

// FaultInjector lets C10 force-fail specific broadcast ids.
type FaultInjector interface {
	ShouldFail(ctx context.Context, broadcastID string) (bool, error)
}

// Consumer is the orchestration bus consumer (C3).
type Consumer struct {
	client    *kgo.Client
	topic     string
	dltTopic  string
	broadcast BroadcastStore
	inbox     InboxStore
	targeting Targeting
	sessions  SessionLookup
	pusher    Pusher
	outbox    OutboxAppender
	dlt       DeadLetterSink
	faults    FaultInjector
	guard     *platform.ResourceGuard
	log       zerolog.Logger

	maxRetries int
	group      singleflight.Group
}

type Deps struct {
	Client     *kgo.Client
	Topic      string
	DLTTopic   string
	Broadcast  BroadcastStore
	Inbox      InboxStore
	Targeting  Targeting
	Sessions   SessionLookup
	Pusher     Pusher
	Outbox     OutboxAppender
	DLT        DeadLetterSink
	Faults     FaultInjector
	Guard      *platform.ResourceGuard
	MaxRetries int
}

func NewConsumer(d Deps, log zerolog.Logger) *Consumer {
	if d.MaxRetries <= 0 {
		d.MaxRetries = 3
	}
	return &Consumer{
		client:     d.Client,
		topic:      d.Topic,
		dltTopic:   d.DLTTopic,
		broadcast:  d.Broadcast,
		inbox:      d.Inbox,
		targeting:  d.Targeting,
		sessions:   d.Sessions,
		pusher:     d.Pusher,
		outbox:     d.Outbox,
		dlt:        d.DLT,
		faults:     d.Faults,
		guard:      d.Guard,
		maxRetries: d.MaxRetries,
		log:        log.With().Str("component", "orchestrator_consumer").Logger(),
	}
}

// Run polls the orchestration topic and its DLT companion until ctx
// is cancelled. Commits are manual and follow a successful read-model
// write (at-least-once, §4.3).
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if c.guard != nil && c.guard.ShouldPauseBus() {
			time.Sleep(250 * time.Millisecond)
			continue
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Warn().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			if c.guard != nil {
				if err := c.guard.AllowBusEvent(ctx); err != nil {
					return
				}
			}
			c.handleRecord(ctx, rec)
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.log.Warn().Err(err).Msg("commit offsets failed")
		}
	}
}

func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record) {
	var env domain.BusEnvelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		c.log.Error().Err(err).Msg("malformed bus envelope, routing to DLT")
		c.deadLetter(ctx, rec, "", err)
		return
	}

	// Idempotent-by-eventId: singleflight collapses concurrent
	// redelivery of the same eventId within this process into one
	// attempt; cross-process idempotency comes from each processing
	// rule's own conditional read-model writes. Non-fatal errors get up
	// to maxRetries attempts with linear backoff, then go to the DLT.
	var err error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		_, err, _ = c.group.Do(env.EventID, func() (any, error) {
			return nil, c.process(ctx, env)
		})
		if err == nil {
			return
		}

		if apierr.KindOf(err) == apierr.KindFatal {
			c.log.Error().Err(err).Str("event_id", env.EventID).Msg("fatal error processing bus event, routing to DLT")
			c.deadLetter(ctx, rec, env.BroadcastID, err)
			return
		}
		c.log.Warn().Err(err).Str("event_id", env.EventID).Int("attempt", attempt).Msg("retryable error processing bus event")
		if attempt < c.maxRetries {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	c.log.Error().Err(err).Str("event_id", env.EventID).Msg("retries exhausted, routing to DLT")
	c.deadLetter(ctx, rec, env.BroadcastID, err)
}

func (c *Consumer) process(ctx context.Context, env domain.BusEnvelope) error {
	if c.faults != nil {
		if fail, ferr := c.faults.ShouldFail(ctx, env.BroadcastID); ferr == nil && fail {
			return apierr.Fatal("forced failure via failure-injection harness", nil)
		}
	}

	switch env.EventType {
	case domain.EventBroadcastCreated:
		return c.onBroadcastCreated(ctx, env)
	case domain.EventBroadcastCancelled:
		return c.onBroadcastTerminal(ctx, env, domain.BroadcastCancelled, "cancelled")
	case domain.EventBroadcastExpired:
		return c.onBroadcastTerminal(ctx, env, domain.BroadcastExpired, "expired")
	case domain.EventDeliveryDelivered:
		return c.onDelivered(ctx, env)
	case domain.EventDeliveryRead:
		return c.onRead(ctx, env)
	case domain.EventRedriveRequested:
		return c.onRedriveRequested(ctx, env)
	default:
		c.log.Debug().Str("event_type", string(env.EventType)).Msg("unhandled event type, ignoring")
		return nil
	}
}

// onBroadcastCreated expands targets, materializes PENDING rows, and
// pushes live recipients — offline recipients pick the message up via
// inbox on next connect (§4.3).
func (c *Consumer) onBroadcastCreated(ctx context.Context, env domain.BusEnvelope) error {
	b, err := c.broadcast.Get(ctx, env.BroadcastID)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return nil
	}

	var payload struct {
		TargetType domain.TargetType `json:"targetType"`
		TargetIDs  []string          `json:"targetIds"`
	}
	_ = json.Unmarshal(env.Payload, &payload)

	count, err := c.targeting.PrecomputeAndStore(ctx, env.BroadcastID, payload.TargetType, payload.TargetIDs)
	if err != nil {
		return err
	}

	recipients, err := c.broadcast.RecipientsOf(ctx, env.BroadcastID)
	if err != nil {
		return err
	}

	for _, rid := range recipients {
		sessions, err := c.sessions.Lookup(ctx, rid)
		if err != nil {
			c.log.Warn().Err(err).Str("recipient_id", rid).Msg("session lookup failed, recipient will pick up from inbox")
			continue
		}
		for _, sess := range sessions {
			pushEnv := domain.BusEnvelope{
				EventID:       env.EventID,
				BroadcastID:   env.BroadcastID,
				RecipientID:   rid,
				EventType:     domain.EventDeliveryPush,
				Timestamp:     time.Now().UTC(),
				CorrelationID: env.CorrelationID,
			}
			if err := c.pusher.PushMessage(ctx, sess.NodeID, sess.ConnectionID, pushEnv); err != nil {
				c.log.Debug().Err(err).Str("connection_id", sess.ConnectionID).Msg("push failed, recipient will pick up from inbox")
			}
		}
	}

	_ = count
	return nil
}

// onBroadcastTerminal marks the broadcast terminal and notifies every
// connected recipient to drop the cached entry (§4.3).
func (c *Consumer) onBroadcastTerminal(ctx context.Context, env domain.BusEnvelope, status domain.BroadcastStatus, reason string) error {
	if err := c.broadcast.MarkTerminal(ctx, env.BroadcastID, status); err != nil {
		return err
	}
	if _, err := c.inbox.SupersedePending(ctx, env.BroadcastID); err != nil {
		return err
	}

	recipients, err := c.broadcast.RecipientsOf(ctx, env.BroadcastID)
	if err != nil {
		return err
	}
	for _, rid := range recipients {
		c.inbox.RemoveBroadcast(ctx, rid, env.BroadcastID)
		sessions, err := c.sessions.Lookup(ctx, rid)
		if err != nil {
			c.log.Warn().Err(err).Str("recipient_id", rid).Msg("session lookup failed, skipping removal push")
			continue
		}
		for _, sess := range sessions {
			if err := c.pusher.PushRemoval(ctx, sess.NodeID, sess.ConnectionID, env.BroadcastID, reason); err != nil {
				c.log.Debug().Err(err).Str("connection_id", sess.ConnectionID).Msg("removal push failed")
			}
		}
	}
	return nil
}

// onDelivered stamps PENDING->DELIVERED and increments statistics,
// ignoring an already-DELIVERED/READ row (§4.3). On the first
// transition for a fireAndForget broadcast, also emits an EXPIRE
// event in the same logical step, bounding delivery to exactly one
// recipient touch (§4.7 FireAndForgetTrigger).
func (c *Consumer) onDelivered(ctx context.Context, env domain.BusEnvelope) error {
	transitioned, err := c.inbox.MarkDelivered(ctx, env.BroadcastID, env.RecipientID)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	if err := c.inbox.IncrementDelivered(ctx, env.BroadcastID); err != nil {
		return err
	}

	b, err := c.broadcast.Get(ctx, env.BroadcastID)
	if err == nil && b.FireAndForget {
		expireEv := domain.OutboxEvent{
			AggregateType: domain.AggregateBroadcast,
			AggregateID:   env.BroadcastID,
			EventType:     domain.EventBroadcastExpired,
			CorrelationID: env.CorrelationID,
		}
		if err := c.outbox.AppendEvent(ctx, expireEv); err != nil {
			c.log.Warn().Err(err).Str("broadcast_id", env.BroadcastID).Msg("failed to enqueue fire-and-forget expire event")
		}
	}
	return nil
}

// onRead stamps UNREAD->READ and increments statistics, ignoring an
// already-READ row (§4.3).
func (c *Consumer) onRead(ctx context.Context, env domain.BusEnvelope) error {
	transitioned, err := c.inbox.MarkRead(ctx, env.BroadcastID, env.RecipientID)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	return c.inbox.IncrementRead(ctx, env.BroadcastID)
}

// onRedriveRequested resets the delivery row to PENDING and re-enqueues
// a push work item (§4.3).
func (c *Consumer) onRedriveRequested(ctx context.Context, env domain.BusEnvelope) error {
	if err := c.inbox.ResetToPending(ctx, env.BroadcastID, env.RecipientID); err != nil {
		return err
	}
	sessions, err := c.sessions.Lookup(ctx, env.RecipientID)
	if err != nil {
		c.log.Warn().Err(err).Str("recipient_id", env.RecipientID).Msg("session lookup failed, recipient will pick up from inbox")
		return nil
	}
	for _, sess := range sessions {
		pushEnv := domain.BusEnvelope{
			EventID:       env.EventID,
			BroadcastID:   env.BroadcastID,
			RecipientID:   env.RecipientID,
			EventType:     domain.EventDeliveryPush,
			Timestamp:     time.Now().UTC(),
			CorrelationID: env.CorrelationID,
		}
		if err := c.pusher.PushMessage(ctx, sess.NodeID, sess.ConnectionID, pushEnv); err != nil {
			c.log.Debug().Err(err).Str("connection_id", sess.ConnectionID).Msg("redrive push failed")
		}
	}
	return nil
}

// deadLetter persists a record with full replay context for a
// malformed envelope, a Fatal error, or a message whose retries are
// exhausted (§4.3/§4.9).
func (c *Consumer) deadLetter(ctx context.Context, rec *kgo.Record, broadcastID string, cause error) {
	exceptionMsg := ""
	if cause != nil {
		exceptionMsg = cause.Error()
	}
	dlRec := domain.DeadLetterRecord{
		BroadcastID:            broadcastID,
		OriginalKey:            string(rec.Key),
		OriginalTopic:          rec.Topic,
		OriginalPartition:      rec.Partition,
		OriginalOffset:         rec.Offset,
		ExceptionMessage:       exceptionMsg,
		OriginalMessagePayload: rec.Value,
		FailedAt:               time.Now().UTC(),
	}
	if err := c.dlt.Record(ctx, dlRec); err != nil {
		c.log.Error().Err(err).Msg("failed to persist dead letter record")
	}
}
