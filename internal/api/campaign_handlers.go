package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/httputil"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
	"github.com/ignite/campaign-dispatch/internal/service/delivery"
)

const (
	defaultPageSize    = 20
	maxPageSize        = 100
	defaultAttemptPage = 50
	maxAttemptPage     = 500
)

// HandleListCampaigns returns a filtered, paginated campaign list.
//
//	GET /campaigns?status=&type=&search=&page=&limit=
func (h *Handlers) HandleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := strings.TrimSpace(q.Get("status"))
	if status != "" && !domain.CampaignStatus(status).Valid() {
		httputil.ErrorCode(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown status filter", map[string]string{"status": status})
		return
	}
	typ := strings.TrimSpace(q.Get("type"))
	if typ != "" && !domain.CampaignType(typ).Valid() {
		httputil.ErrorCode(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown type filter", map[string]string{"type": typ})
		return
	}

	p := ParsePagination(r, defaultPageSize, maxPageSize)
	list, total, err := h.campaigns.List(r.Context(), campaign.ListFilter{
		Status: status,
		Type:   typ,
		Search: q.Get("search"),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(list, p, total))
}

// HandleCreateCampaign creates a draft campaign.
//
//	POST /campaigns
func (h *Handlers) HandleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Created(w, c)
}

// HandleGetCampaign returns one campaign.
//
//	GET /campaigns/{id}
func (h *Handlers) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// HandleUpdateCampaign edits a draft or scheduled campaign, or the retry
// policy of a running one.
//
//	PATCH /campaigns/{id}
func (h *Handlers) HandleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.UpdateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := h.campaigns.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// HandleDeleteCampaign removes a campaign that never started.
//
//	DELETE /campaigns/{id}
func (h *Handlers) HandleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}

// HandleRunCampaign starts or schedules a campaign. The body is optional.
//
//	POST /campaigns/{id}/run
func (h *Handlers) HandleRunCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.RunInput
	if !httputil.DecodeOptional(w, r, &in) {
		return
	}
	res, err := h.campaigns.Run(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleCancelCampaign cancels a running campaign. Cancelling anything else
// reports the current status.
//
//	POST /campaigns/{id}/cancel
func (h *Handlers) HandleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := h.campaigns.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleCampaignStats returns detailed statistics for one campaign.
//
//	GET /campaigns/{id}/stats
func (h *Handlers) HandleCampaignStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.stats.Campaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, st)
}

// HandleGlobalStats returns the cross-campaign rollup.
//
//	GET /campaigns/stats
func (h *Handlers) HandleGlobalStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.stats.Global(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, st)
}

// HandleListAttempts pages through a campaign's delivery attempts.
//
//	GET /campaigns/{id}/attempts?state=&page=&limit=
func (h *Handlers) HandleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state := domain.AttemptState(strings.TrimSpace(r.URL.Query().Get("state")))
	if state != "" && !state.Valid() {
		httputil.ErrorCode(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown state filter", map[string]string{"state": string(state)})
		return
	}
	if _, err := h.campaigns.Get(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	p := ParsePagination(r, defaultAttemptPage, maxAttemptPage)
	list, total, err := h.attempts.ListAttempts(r.Context(), id, delivery.AttemptFilter{
		State:  state,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(list, p, total))
}
