package session

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
)

// NodeRouter satisfies the orchestrator's Pusher contract across the
// whole cluster: a push addressed to a session on this node is
// delivered directly through Manager; a push addressed to a session on
// another node is forwarded over that node's Redis pub/sub channel,
// so a recipient connected to a different node is never silently
// demoted to inbox-only delivery just because the consumer happened to
// process the event here (§4.3/§4.4).
type NodeRouter struct {
	nodeID string
	mgr    *Manager
	redis  *redis.Client
	log    zerolog.Logger
}

func NewNodeRouter(nodeID string, mgr *Manager, redisClient *redis.Client, log zerolog.Logger) *NodeRouter {
	return &NodeRouter{nodeID: nodeID, mgr: mgr, redis: redisClient, log: log.With().Str("component", "node_router").Logger()}
}

func nodeChannel(nodeID string) string { return "broadcastd:push:" + nodeID }

// routedPush is the wire shape published to a remote node's channel.
type routedPush struct {
	Kind         string             `json:"kind"` // "message" or "removal"
	ConnectionID string             `json:"connectionId"`
	Env          domain.BusEnvelope `json:"env,omitempty"`
	BroadcastID  string             `json:"broadcastId,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

// PushMessage delivers locally when nodeID is this node, otherwise
// forwards to the owning node's channel. A forwarded push is
// best-effort, same as a local one: loss only demotes the recipient to
// picking the message up from the durable inbox on next connect.
func (r *NodeRouter) PushMessage(ctx context.Context, nodeID, connectionID string, env domain.BusEnvelope) error {
	if nodeID == r.nodeID {
		c, ok := r.mgr.ClientByID(connectionID)
		if !ok {
			return apierr.NotFound("connection no longer open", nil)
		}
		return r.mgr.deliverMessage(ctx, c, env.RecipientID, env.BroadcastID, env.CorrelationID)
	}
	return r.publish(ctx, nodeID, routedPush{Kind: "message", ConnectionID: connectionID, Env: env})
}

// PushRemoval mirrors PushMessage for MESSAGE_REMOVED notifications.
func (r *NodeRouter) PushRemoval(ctx context.Context, nodeID, connectionID string, broadcastID, reason string) error {
	if nodeID == r.nodeID {
		c, ok := r.mgr.ClientByID(connectionID)
		if !ok {
			return apierr.NotFound("connection no longer open", nil)
		}
		r.mgr.Enqueue(ctx, c, domain.WireMessageRemoved, MessageRemovedPayload{BroadcastID: broadcastID, Reason: reason}, domain.CachedInboxEntry{})
		return nil
	}
	return r.publish(ctx, nodeID, routedPush{Kind: "removal", ConnectionID: connectionID, BroadcastID: broadcastID, Reason: reason})
}

func (r *NodeRouter) publish(ctx context.Context, nodeID string, msg routedPush) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return apierr.Fatal("marshal routed push", err)
	}
	if err := r.redis.Publish(ctx, nodeChannel(nodeID), raw).Err(); err != nil {
		return apierr.Retryable("publish routed push", err)
	}
	return nil
}

// Subscribe listens on this node's own channel until ctx is
// cancelled, applying every routed push locally exactly the way
// PushMessage/PushRemoval would for a same-node target. Run it once
// per process alongside the consumer and scheduler loops.
func (r *NodeRouter) Subscribe(ctx context.Context) {
	sub := r.redis.Subscribe(ctx, nodeChannel(r.nodeID))
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.applyLocally(ctx, msg.Payload)
		}
	}
}

func (r *NodeRouter) applyLocally(ctx context.Context, payload string) {
	var rp routedPush
	if err := json.Unmarshal([]byte(payload), &rp); err != nil {
		r.log.Warn().Err(err).Msg("malformed routed push, dropping")
		return
	}
	c, ok := r.mgr.ClientByID(rp.ConnectionID)
	if !ok {
		return
	}
	switch rp.Kind {
	case "message":
		if err := r.mgr.deliverMessage(ctx, c, rp.Env.RecipientID, rp.Env.BroadcastID, rp.Env.CorrelationID); err != nil {
			r.log.Debug().Err(err).Str("connection_id", rp.ConnectionID).Msg("routed push delivery failed")
		}
	case "removal":
		r.mgr.Enqueue(ctx, c, domain.WireMessageRemoved, MessageRemovedPayload{BroadcastID: rp.BroadcastID, Reason: rp.Reason}, domain.CachedInboxEntry{})
	}
}
