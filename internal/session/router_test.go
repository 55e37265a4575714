package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/broadcastd/internal/domain"
)

func newTestRouter(t *testing.T, nodeID string, mgr *Manager) (*NodeRouter, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewNodeRouter(nodeID, mgr, client, zerolog.Nop()), client
}

func TestNodeRouterPushMessageDeliversLocallyForOwnNode(t *testing.T) {
	broadcasts := map[string]domain.Broadcast{"b1": {ID: "b1", Content: "hi"}}
	mgr, _, _, _, outbox := newTestManagerWithBroadcasts(t, defaultCfg(), broadcasts)
	server, _ := net.Pipe()
	defer server.Close()

	c, err := mgr.Connect(context.Background(), "recipient-1", server)
	require.NoError(t, err)
	<-c.send // drain CONNECTED

	router, _ := newTestRouter(t, "node-1", mgr)
	env := domain.BusEnvelope{BroadcastID: "b1", RecipientID: "recipient-1", Timestamp: time.Now()}
	require.NoError(t, router.PushMessage(context.Background(), "node-1", c.ID, env))

	msg := <-c.send
	assert.Equal(t, domain.WireMessage, msg.Type)
	require.Len(t, outbox.events, 1)
	assert.Equal(t, domain.EventDeliveryDelivered, outbox.events[0].EventType)
}

func TestNodeRouterPushMessageForwardsToRemoteNode(t *testing.T) {
	mgr, _, _, _, _ := newTestManagerWithBroadcasts(t, defaultCfg(), nil)
	router, client := newTestRouter(t, "node-1", mgr)
	defer client.Close()

	sub := client.Subscribe(context.Background(), nodeChannel("node-2"))
	defer sub.Close()

	env := domain.BusEnvelope{BroadcastID: "b1", RecipientID: "recipient-1", Timestamp: time.Now()}
	require.NoError(t, router.PushMessage(context.Background(), "node-2", "conn-9", env))

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"conn-9"`)
}

func TestNodeRouterApplyLocallyDeliversRoutedMessage(t *testing.T) {
	broadcasts := map[string]domain.Broadcast{"b1": {ID: "b1", Content: "hi"}}
	mgr, _, _, _, outbox := newTestManagerWithBroadcasts(t, defaultCfg(), broadcasts)
	server, _ := net.Pipe()
	defer server.Close()

	c, err := mgr.Connect(context.Background(), "recipient-1", server)
	require.NoError(t, err)
	<-c.send // drain CONNECTED

	router, _ := newTestRouter(t, "node-2", mgr)
	raw := `{"kind":"message","connectionId":"` + c.ID + `","env":{"broadcastId":"b1","recipientId":"recipient-1"}}`
	router.applyLocally(context.Background(), raw)

	msg := <-c.send
	assert.Equal(t, domain.WireMessage, msg.Type)
	require.Len(t, outbox.events, 1)
}
