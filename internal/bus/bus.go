// Package bus wires franz-go clients for the orchestration topic and
// its dead-letter companion, shared by the outbox relay (producer)
// and the orchestration bus consumer (C2/C3).
package bus

import (
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DLTTopic derives the dead-letter companion topic name for topic.
func DLTTopic(topic string) string {
	return topic + ".DLT"
}

// NewProducerClient builds a franz-go client tuned for the relay's
// synchronous per-batch produce calls.
func NewProducerClient(brokers []string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
}

// NewConsumerClient builds a franz-go client joined to group,
// consuming topic and its DLT companion, with manual commits so a
// commit only happens after a successful read-model write (§4.3).
func NewConsumerClient(brokers []string, group string, topic string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic, DLTTopic(topic)),
		kgo.DisableAutoCommit(),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
	)
}

// ParseBrokers splits a comma-separated broker list, trimming
// whitespace, the same helper shape the teacher's main.go uses for
// KAFKA_BROKERS.
func ParseBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
