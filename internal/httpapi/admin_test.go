package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/catalog"
	"github.com/adred-codev/broadcastd/internal/domain"
	"github.com/adred-codev/broadcastd/internal/httpapi"
)

type fakeCatalog struct {
	created  domain.Broadcast
	createErr error
	got      domain.Broadcast
	getErr   error
	list     []domain.Broadcast
	cancelErr error
}

func (f *fakeCatalog) Create(ctx context.Context, p catalog.CreatePayload) (domain.Broadcast, error) {
	return f.created, f.createErr
}
func (f *fakeCatalog) Cancel(ctx context.Context, broadcastID string) error { return f.cancelErr }
func (f *fakeCatalog) Get(ctx context.Context, broadcastID string) (domain.Broadcast, error) {
	return f.got, f.getErr
}
func (f *fakeCatalog) List(ctx context.Context, limit int) ([]domain.Broadcast, error) {
	return f.list, nil
}

type fakeStats struct {
	stats domain.Statistics
	err   error
}

func (f *fakeStats) GetStatistics(ctx context.Context, broadcastID string) (domain.Statistics, error) {
	return f.stats, f.err
}

type fakeFaultInjector struct {
	armed        bool
	marked       map[string]bool
	shouldFail   bool
}

func newFakeFaultInjector() *fakeFaultInjector {
	return &fakeFaultInjector{marked: map[string]bool{}}
}

func (f *fakeFaultInjector) Arm(ctx context.Context) error { f.armed = true; return nil }
func (f *fakeFaultInjector) Unmark(ctx context.Context, broadcastID string) error {
	delete(f.marked, broadcastID)
	return nil
}
func (f *fakeFaultInjector) MarkBroadcastForFailure(ctx context.Context, broadcastID string) error {
	f.marked[broadcastID] = true
	return nil
}
func (f *fakeFaultInjector) ShouldFail(ctx context.Context, broadcastID string) (bool, error) {
	return f.marked[broadcastID] || f.shouldFail, nil
}

func newTestAdminHandler(cat *fakeCatalog, stats *fakeStats, faults *fakeFaultInjector) *httpapi.AdminHandler {
	return httpapi.NewAdminHandler(cat, stats, nil, nil, nil, nil, faults, zerolog.Nop())
}

func TestHandleCreateRejectsMissingContent(t *testing.T) {
	h := newTestAdminHandler(&fakeCatalog{}, &fakeStats{}, newFakeFaultInjector())
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(catalog.CreatePayload{TargetType: domain.TargetAll})
	req := httptest.NewRequest(http.MethodPost, "/admin/broadcasts", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateRejectsSelectedWithoutTargetIDs(t *testing.T) {
	h := newTestAdminHandler(&fakeCatalog{}, &fakeStats{}, newFakeFaultInjector())
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(catalog.CreatePayload{Content: "hi", TargetType: domain.TargetSelected})
	req := httptest.NewRequest(http.MethodPost, "/admin/broadcasts", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateSucceeds(t *testing.T) {
	cat := &fakeCatalog{created: domain.Broadcast{ID: "b1", Status: domain.BroadcastActive}}
	h := newTestAdminHandler(cat, &fakeStats{}, newFakeFaultInjector())
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(catalog.CreatePayload{Content: "hi", TargetType: domain.TargetAll})
	req := httptest.NewRequest(http.MethodPost, "/admin/broadcasts", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got domain.Broadcast
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "b1", got.ID)
}

func TestHandleStatsComputesRates(t *testing.T) {
	stats := &fakeStats{stats: domain.Statistics{
		BroadcastID: "b1", TotalTargeted: 4, TotalDelivered: 2, TotalRead: 1,
	}}
	h := newTestAdminHandler(&fakeCatalog{}, stats, newFakeFaultInjector())
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/admin/broadcasts/b1/stats", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0.5, resp["deliveryRate"])
	require.Equal(t, 0.5, resp["readRate"])
}

func TestHandleFaultArmAndQuery(t *testing.T) {
	faults := newFakeFaultInjector()
	h := newTestAdminHandler(&fakeCatalog{}, &fakeStats{}, faults)
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(map[string]string{"broadcastId": "b1"})
	req := httptest.NewRequest(http.MethodPost, "/admin/failure-injection/arm", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, faults.armed)
	require.True(t, faults.marked["b1"])

	req2 := httptest.NewRequest(http.MethodGet, "/admin/failure-injection/b1", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	require.True(t, resp["armed"])
}

func TestHandleCancelPropagatesNotFound(t *testing.T) {
	cat := &fakeCatalog{cancelErr: apierr.NotFound("broadcast not found", notFoundErr{})}
	h := newTestAdminHandler(cat, &fakeStats{}, newFakeFaultInjector())
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/admin/broadcasts/missing/cancel", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }
