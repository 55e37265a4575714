package audit_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/broadcastd/internal/audit"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []audit.Level
}

func (r *recordingAlerter) Alert(level audit.Level, message string, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, level)
}

func (r *recordingAlerter) snapshot() []audit.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Level, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func TestLoggerOnlyAlertsOnWarningAndAbove(t *testing.T) {
	rec := &recordingAlerter{}
	log := audit.New(zerolog.Nop(), rec)

	log.Info("routine event", nil)
	log.Warning("rate limit tripped", map[string]any{"node": "n1"})
	log.Critical("lock lost mid-drain", nil)

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, time.Millisecond, "Info must not reach the alerter")

	got := rec.snapshot()
	assert.Contains(t, got, audit.Warning)
	assert.Contains(t, got, audit.Critical)
	assert.NotContains(t, got, audit.Info)
}

func TestMultiAlerterFansOutToAll(t *testing.T) {
	a, b := &recordingAlerter{}, &recordingAlerter{}
	multi := audit.NewMultiAlerter(a, b)

	multi.Alert(audit.Critical, "both must see this", nil)

	assert.Eventually(t, func() bool {
		return len(a.snapshot()) == 1 && len(b.snapshot()) == 1
	}, time.Second, time.Millisecond)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "INFO", audit.Info.String())
	assert.Equal(t, "WARNING", audit.Warning.String())
	assert.Equal(t, "CRITICAL", audit.Critical.String())
	assert.Equal(t, "UNKNOWN", audit.Level(99).String())
}

func TestSlackAlerterPostsWebhook(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	alerter := audit.NewSlackAlerter(srv.URL)
	alerter.Alert(audit.Critical, "lock lost", map[string]any{"key": "job-lock"})

	require.Eventually(t, func() bool { return len(gotBody) > 0 }, time.Second, time.Millisecond)
}

func TestSlackAlerterNoopWithoutURL(t *testing.T) {
	alerter := audit.NewSlackAlerter("")
	// Must not panic or attempt any network call.
	alerter.Alert(audit.Warning, "no webhook configured", nil)
}
