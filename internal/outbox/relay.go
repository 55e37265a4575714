package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/broadcastd/internal/domain"
	"github.com/adred-codev/broadcastd/internal/lock"
)

// Publisher is the bus-send contract the relay needs; satisfied by a
// thin wrapper over *kgo.Client so tests can fake it.
type Publisher interface {
	Produce(ctx context.Context, topic, key string, value []byte) error
}

// KgoPublisher adapts a franz-go client to Publisher.
type KgoPublisher struct {
	Client *kgo.Client
}

func (p *KgoPublisher) Produce(ctx context.Context, topic, key string, value []byte) error {
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	results := p.Client.ProduceSync(ctx, record)
	return results.FirstErr()
}

// Relay is the single-winner worker (C2) that drains the outbox onto
// the bus. Exactly one instance across the cluster runs the drain
// loop body at a time, via the shared distributed lock.
type Relay struct {
	store     *Store
	publisher Publisher
	redis     *redis.Client
	log       zerolog.Logger

	lockKey       string
	lockAtLeast   time.Duration
	lockAtMost    time.Duration
	drainInterval time.Duration
	batchSize     int
}

func NewRelay(store *Store, publisher Publisher, redisClient *redis.Client, log zerolog.Logger, lockKey string, lockAtLeast, lockAtMost, drainInterval time.Duration, batchSize int) *Relay {
	return &Relay{
		store:         store,
		publisher:     publisher,
		redis:         redisClient,
		log:           log.With().Str("component", "outbox_relay").Logger(),
		lockKey:       lockKey,
		lockAtLeast:   lockAtLeast,
		lockAtMost:    lockAtMost,
		drainInterval: drainInterval,
		batchSize:     batchSize,
	}
}

// Run loops forever until ctx is cancelled, attempting one guarded
// drain tick per interval. Only the node holding the lock actually
// drains; the rest skip the tick cheaply.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.RunGuarded(ctx, r.redis, r.log, r.lockKey, r.lockAtLeast, r.lockAtMost, r.drainOnce); err != nil {
				r.log.Warn().Err(err).Msg("outbox drain tick failed")
			}
		}
	}
}

// drainOnce performs one open-transaction → readBatch → publish-all →
// delete-ids → commit cycle (§4.2). Backoff is linear on bus error,
// immediate retry (next tick) on empty batch.
func (r *Relay) drainOnce(ctx context.Context) error {
	handle, events, err := r.store.ReadBatch(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		handle.Abort(ctx)
		return nil
	}

	var publishErr error
	for _, ev := range events {
		key := publicationKey(ev)
		value, err := envelopeFor(ev)
		if err != nil {
			r.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to encode bus envelope, dropping event")
			continue
		}
		if err := r.publisher.Produce(ctx, ev.Topic, key, value); err != nil {
			publishErr = err
			break
		}
	}

	if publishErr != nil {
		handle.Abort(ctx)
		r.log.Warn().Err(publishErr).Int("batch_size", len(events)).Msg("bus publish failed, batch retained for retry")
		time.Sleep(linearBackoff(len(events)))
		return nil
	}

	if err := handle.Complete(ctx); err != nil {
		r.log.Warn().Err(err).Msg("failed to delete drained outbox batch; consumers must tolerate republish")
		return nil
	}

	r.log.Debug().Int("batch_size", len(events)).Msg("drained outbox batch")
	return nil
}

// envelopeFor wraps an outbox row into the wire shape consumers read
// off the bus (§4.3: {eventId, broadcastId, recipientId?, eventType,
// correlationId, payload}) — the relay publishes this, not the row's
// raw inner payload.
func envelopeFor(ev domain.OutboxEvent) ([]byte, error) {
	return json.Marshal(domain.BusEnvelope{
		EventID:       ev.ID,
		BroadcastID:   ev.AggregateID,
		RecipientID:   ev.RecipientID,
		EventType:     ev.EventType,
		Timestamp:     ev.CreatedAt,
		Payload:       ev.Payload,
		CorrelationID: ev.CorrelationID,
	})
}

// publicationKey picks recipientId for DELIVERY/READ events and
// broadcastId for BROADCAST events, guaranteeing per-recipient
// ordering on the bus (§4.2).
func publicationKey(ev domain.OutboxEvent) string {
	if ev.AggregateType == domain.AggregateDelivery && ev.RecipientID != "" {
		return ev.RecipientID
	}
	return ev.AggregateID
}

func linearBackoff(batchSize int) time.Duration {
	d := time.Duration(batchSize) * 10 * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}
