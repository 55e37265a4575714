package bus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adred-codev/broadcastd/internal/bus"
)

func TestDLTTopic(t *testing.T) {
	assert.Equal(t, "broadcast.orchestration.DLT", bus.DLTTopic("broadcast.orchestration"))
}

func TestParseBrokers(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"localhost:9092", []string{"localhost:9092"}},
		{"a:9092,b:9092", []string{"a:9092", "b:9092"}},
		{" a:9092 , b:9092 ,, ", []string{"a:9092", "b:9092"}},
		{"", nil},
	}
	for _, tc := range cases {
		got := bus.ParseBrokers(tc.raw)
		if tc.want == nil {
			assert.Empty(t, got)
			continue
		}
		assert.Equal(t, tc.want, got)
	}
}
