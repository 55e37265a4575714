package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// clientMessage is an inbound frame from a recipient connection —
// currently only read acknowledgements travel this direction.
type clientMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// ReadPump consumes frames from c's connection until it closes,
// dispatching READ acknowledgements back through emitRead so they
// re-enter the durable outbox path (§4.6). Mirrors the teacher's
// read-pump shape: panic-recovered, deadline-bound, dispatches on
// OpText, ignores OpPing (library auto-handles pong).
func (m *Manager) ReadPump(ctx context.Context, c *Client, limiter *ClientRateLimiter) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("connection_id", c.ID).Msg("recovered panic in read pump")
		}
		m.Close(ctx, c, "read_pump_exit")
	}()

	for {
		if c.conn == nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.log.Debug().Err(err).Str("connection_id", c.ID).Msg("read pump closing")
			}
			return
		}

		switch op {
		case ws.OpClose:
			return
		case ws.OpPing:
			continue
		case ws.OpText:
			if limiter != nil && !limiter.CheckLimit() {
				m.log.Debug().Str("connection_id", c.ID).Msg("client frame rate limit exceeded, dropping frame")
				continue
			}
			c.touch()
			m.handleClientMessage(ctx, c, data)
		}
	}
}

func (m *Manager) handleClientMessage(ctx context.Context, c *Client, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.log.Debug().Err(err).Str("connection_id", c.ID).Msg("malformed client frame, ignoring")
		return
	}
	if msg.Type != "READ" || msg.MessageID == "" {
		return
	}
	if m.emitRead == nil {
		return
	}
	broadcastID := broadcastIDFromMessageID(msg.MessageID)
	if err := m.emitRead(ctx, c.RecipientID, broadcastID); err != nil {
		m.log.Warn().Err(err).Str("connection_id", c.ID).Str("message_id", msg.MessageID).Msg("failed to emit read event")
	}
}

// broadcastIDFromMessageID extracts the broadcastId half of a
// "broadcastId:recipientId" MessagePayload.MessageID, the composite
// identifier the client echoes back in its READ acknowledgement.
func broadcastIDFromMessageID(messageID string) string {
	if idx := strings.LastIndex(messageID, ":"); idx >= 0 {
		return messageID[:idx]
	}
	return messageID
}

// WritePump batches and flushes c's outbound queue until it closes,
// ticker-driven pings, write deadlines — mirroring the teacher's
// write-pump shape so one slow recipient's writes never block others
// sharing the node's write-side resources.
func (m *Manager) WritePump(ctx context.Context, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("connection_id", c.ID).Msg("recovered panic in write pump")
		}
	}()

	writer := bufio.NewWriter(c.conn)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.send:
			if !ok {
				return
			}
			if c.conn == nil {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			body, err := env.Marshal()
			if err != nil {
				continue
			}
			if err := wsutil.WriteServerMessage(writer, ws.OpText, body); err != nil {
				m.log.Debug().Err(err).Str("connection_id", c.ID).Msg("write pump closing")
				return
			}

			// Drain and batch anything else already queued before flushing,
			// the same batching the teacher's write pump does to avoid a
			// syscall per message under burst.
		drain:
			for {
				select {
				case more, ok := <-c.send:
					if !ok {
						break drain
					}
					body, err := more.Marshal()
					if err != nil {
						continue
					}
					if err := wsutil.WriteServerMessage(writer, ws.OpText, body); err != nil {
						m.log.Debug().Err(err).Str("connection_id", c.ID).Msg("write pump closing mid-batch")
						return
					}
				default:
					break drain
				}
			}

			if err := writer.Flush(); err != nil {
				m.log.Debug().Err(err).Str("connection_id", c.ID).Msg("flush failed, closing")
				return
			}

		case <-ticker.C:
			if c.conn == nil {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpPing, nil); err != nil {
				return
			}
			writer.Flush()
		}
	}
}
