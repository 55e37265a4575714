package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/catalog"
	"github.com/adred-codev/broadcastd/internal/dlt"
	"github.com/adred-codev/broadcastd/internal/domain"
)

// BroadcastCatalog is the subset of the C1/catalog surface the admin
// handlers drive.
type BroadcastCatalog interface {
	Create(ctx context.Context, p catalog.CreatePayload) (domain.Broadcast, error)
	Cancel(ctx context.Context, broadcastID string) error
	Get(ctx context.Context, broadcastID string) (domain.Broadcast, error)
	List(ctx context.Context, limit int) ([]domain.Broadcast, error)
}

// StatisticsReader is the C6 read path the stats RPC uses.
type StatisticsReader interface {
	GetStatistics(ctx context.Context, broadcastID string) (domain.Statistics, error)
}

// DeadLetterAdmin is the C9 surface the DLT RPCs drive.
type DeadLetterAdmin interface {
	List(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error)
	Purge(ctx context.Context, id string) error
}

// FailureInjector is the C10 surface the failure-injection RPCs drive.
type FailureInjector interface {
	Arm(ctx context.Context) error
	Unmark(ctx context.Context, broadcastID string) error
	MarkBroadcastForFailure(ctx context.Context, broadcastID string) error
	ShouldFail(ctx context.Context, broadcastID string) (bool, error)
}

// AdminHandler implements the admin RPCs (§6): create/cancel/list/
// stats, DLT list/redrive/purge, and failure-injection arm/disarm/query.
type AdminHandler struct {
	catalog    BroadcastCatalog
	stats      StatisticsReader
	dltStore   *dlt.Store
	resetter   dlt.DeliveryResetter
	checker    dlt.BroadcastStatusChecker
	republish  func(ctx context.Context, rec domain.DeadLetterRecord) error
	faults     FailureInjector
	log        zerolog.Logger
}

func NewAdminHandler(catalog BroadcastCatalog, stats StatisticsReader, dltStore *dlt.Store, resetter dlt.DeliveryResetter, checker dlt.BroadcastStatusChecker, republish func(ctx context.Context, rec domain.DeadLetterRecord) error, faults FailureInjector, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		catalog:   catalog,
		stats:     stats,
		dltStore:  dltStore,
		resetter:  resetter,
		checker:   checker,
		republish: republish,
		faults:    faults,
		log:       log.With().Str("component", "admin_api").Logger(),
	}
}

// Register wires every admin route onto mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/broadcasts", h.handleCreate)
	mux.HandleFunc("GET /admin/broadcasts", h.handleList)
	mux.HandleFunc("GET /admin/broadcasts/{id}", h.handleGet)
	mux.HandleFunc("POST /admin/broadcasts/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /admin/broadcasts/{id}/stats", h.handleStats)

	mux.HandleFunc("GET /admin/dlt", h.handleDLTList)
	mux.HandleFunc("POST /admin/dlt/{id}/redrive", h.handleDLTRedrive)
	mux.HandleFunc("POST /admin/dlt/redrive-all", h.handleDLTRedriveAll)
	mux.HandleFunc("POST /admin/dlt/{id}/purge", h.handleDLTPurge)
	mux.HandleFunc("POST /admin/dlt/purge-all", h.handleDLTPurgeAll)

	mux.HandleFunc("POST /admin/failure-injection/arm", h.handleFaultArm)
	mux.HandleFunc("POST /admin/failure-injection/disarm", h.handleFaultDisarm)
	mux.HandleFunc("GET /admin/failure-injection/{broadcastId}", h.handleFaultQuery)
}

func (h *AdminHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req catalog.CreatePayload
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if req.Content == "" || req.TargetType == "" {
		writeError(w, r, h.log, apierr.Validation("content and targetType are required", nil))
		return
	}
	if req.TargetType != domain.TargetAll && len(req.TargetIDs) == 0 {
		writeError(w, r, h.log, apierr.Validation("targetIds required unless targetType is ALL", nil))
		return
	}
	if req.ScheduledAt != nil && req.ExpiresAt != nil && req.ScheduledAt.After(*req.ExpiresAt) {
		writeError(w, r, h.log, apierr.Validation("scheduledAt must be <= expiresAt", nil))
		return
	}

	b, err := h.catalog.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *AdminHandler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.catalog.List(r.Context(), 100)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *AdminHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	b, err := h.catalog.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *AdminHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	domain.Statistics
	DeliveryRate float64 `json:"deliveryRate"`
	ReadRate     float64 `json:"readRate"`
}

func (h *AdminHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.stats.GetStatistics(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Statistics:   st,
		DeliveryRate: st.DeliveryRate(),
		ReadRate:     st.ReadRate(),
	})
}

func (h *AdminHandler) handleDLTList(w http.ResponseWriter, r *http.Request) {
	records, err := h.dltStore.List(r.Context(), 100)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *AdminHandler) handleDLTRedrive(w http.ResponseWriter, r *http.Request) {
	result := dlt.Redrive(r.Context(), h.dltStore, h.checker, h.resetter, h.republish, r.PathValue("id"))
	if !result.Success {
		writeError(w, r, h.log, result.Err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type redriveAllRequest struct {
	IDs []string `json:"ids"`
}

func (h *AdminHandler) handleDLTRedriveAll(w http.ResponseWriter, r *http.Request) {
	var req redriveAllRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	summary := dlt.RedriveAll(r.Context(), h.dltStore, h.checker, h.resetter, h.republish, req.IDs)
	writeJSON(w, http.StatusOK, summary)
}

func (h *AdminHandler) handleDLTPurge(w http.ResponseWriter, r *http.Request) {
	if err := h.dltStore.Purge(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) handleDLTPurgeAll(w http.ResponseWriter, r *http.Request) {
	records, err := h.dltStore.List(r.Context(), 10000)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	for _, rec := range records {
		_ = h.dltStore.Purge(r.Context(), rec.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) handleFaultArm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BroadcastID string `json:"broadcastId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if err := h.faults.Arm(r.Context()); err != nil {
		writeError(w, r, h.log, apierr.Retryable("arm failure injection", err))
		return
	}
	if req.BroadcastID != "" {
		if err := h.faults.MarkBroadcastForFailure(r.Context(), req.BroadcastID); err != nil {
			writeError(w, r, h.log, apierr.Retryable("mark broadcast for failure", err))
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) handleFaultDisarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BroadcastID string `json:"broadcastId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if req.BroadcastID != "" {
		if err := h.faults.Unmark(r.Context(), req.BroadcastID); err != nil {
			writeError(w, r, h.log, apierr.Retryable("unmark broadcast for failure", err))
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) handleFaultQuery(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("broadcastId"))
	if id == "" {
		writeError(w, r, h.log, apierr.Validation("broadcastId is required", nil))
		return
	}
	fail, err := h.faults.ShouldFail(r.Context(), id)
	if err != nil {
		writeError(w, r, h.log, apierr.Retryable("query failure injection state", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"armed": fail})
}
