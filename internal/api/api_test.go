package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/clock"
	"github.com/ignite/campaign-dispatch/internal/repository/memory"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
	"github.com/ignite/campaign-dispatch/internal/service/recipient"
	"github.com/ignite/campaign-dispatch/internal/service/stats"
	"github.com/ignite/campaign-dispatch/internal/worker"
)

type testServer struct {
	store   *memory.Store
	clk     *clock.Fake
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.NewStore()
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	svc := campaign.NewService(store, store, recipient.NewResolver(store), campaign.WithClock(clk))
	agg := stats.NewAggregator(store, store, clk)
	cache := worker.NewConfigCache(store, worker.DefaultMaxRetries, time.Minute, nil, clk)
	sched := worker.NewRetryScheduler(worker.RetrySchedulerConfig{}, store, svc, cache, worker.NewMemoryStateStore(), nil, clk)

	h := NewHandlers(svc, agg, store, sched)
	router := SetupRoutes(h, RouteOptions{Health: NewHealthChecker(nil, nil, sched)})
	return &testServer{store: store, clk: clk, handler: router}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) seedEmails(n int) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = ts.store.AddRecipient(domain.Recipient{
			Name:  "User",
			Email: "user" + string(rune('a'+i)) + "@example.com",
		})
	}
	return ids
}

func (ts *testServer) createDraft(t *testing.T, target map[string]interface{}) domain.Campaign {
	t.Helper()
	if target == nil {
		target = map[string]interface{}{"kind": "all"}
	}
	w := ts.do(t, http.MethodPost, "/campaigns", map[string]interface{}{
		"name":    "Spring Sale",
		"type":    "email",
		"subject": "Hello {{ name }}",
		"body":    "<p>Hi {{ name }}</p>",
		"target":  target,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var c domain.Campaign
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &c))
	return c
}

type errorBody struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestCreateCampaign(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createDraft(t, nil)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.Equal(t, domain.CampaignTypeEmail, c.Type)

	w := ts.do(t, http.MethodGet, "/campaigns/"+c.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.Campaign
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Spring Sale", got.Name)
}

func TestCreateCampaign_ValidationError(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/campaigns", map[string]interface{}{
		"name":   "",
		"type":   "fax",
		"body":   "x",
		"target": map[string]interface{}{"kind": "all"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, "VALIDATION_ERROR", e.Code)
	assert.Contains(t, e.Details, "name")
	assert.Contains(t, e.Details, "type")
}

func TestCreateCampaign_InvalidJSON(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/campaigns", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_JSON", decodeError(t, w).Code)
}

func TestGetCampaign_NotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/campaigns/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Code)
}

func TestListCampaigns_Pagination(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		ts.createDraft(t, nil)
	}

	w := ts.do(t, http.MethodGet, "/campaigns?page=2&limit=2&status=draft", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data       []domain.Campaign `json:"data"`
		Pagination PaginationMeta    `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)
	assert.Equal(t, PaginationMeta{
		Page: 2, Limit: 2, Total: 3, TotalPages: 2,
		HasNextPage: false, HasPrevPage: true,
	}, resp.Pagination)
}

func TestListCampaigns_RejectsUnknownFilter(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/campaigns?status=paused", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/campaigns?type=fax", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunCampaign_StartsAndIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ts.seedEmails(3)
	c := ts.createDraft(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/campaigns/"+c.ID+"/run", nil)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res campaign.RunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, domain.CampaignRunning, res.Campaign.Status)
	assert.Equal(t, 3, res.Recipients)
	assert.Equal(t, 3, res.Campaign.TotalRecipients)
	assert.False(t, res.AlreadyRunning)

	w = ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = campaign.RunResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.AlreadyRunning)
	assert.Len(t, ts.store.Attempts(c.ID), 3, "duplicate run must not add attempts")
}

func TestRunCampaign_FutureScheduleSchedules(t *testing.T) {
	ts := newTestServer(t)
	ts.seedEmails(1)
	c := ts.createDraft(t, nil)

	at := ts.clk.Now().Add(2 * time.Hour)
	w := ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/run", map[string]interface{}{"scheduledAt": at})
	require.Equal(t, http.StatusOK, w.Code)

	var res campaign.RunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, domain.CampaignScheduled, res.Campaign.Status)
	require.NotNil(t, res.Campaign.ScheduledAt)
	assert.True(t, res.Campaign.ScheduledAt.Equal(at))
	assert.Empty(t, ts.store.Attempts(c.ID))
}

func TestRunCampaign_NoRecipients(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createDraft(t, nil)

	w := ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/run", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "NO_RECIPIENTS", decodeError(t, w).Code)
}

func TestRunCampaign_DeletedSegment(t *testing.T) {
	ts := newTestServer(t)
	ids := ts.seedEmails(2)
	ts.store.AddSegment("seg-1", "VIPs", ids...)
	c := ts.createDraft(t, map[string]interface{}{"kind": "segment", "segmentId": "seg-1"})
	ts.store.DeleteSegment("seg-1")

	w := ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/run", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "RESOLUTION_ERROR", decodeError(t, w).Code)

	w = ts.do(t, http.MethodGet, "/campaigns/"+c.ID, nil)
	var got domain.Campaign
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, domain.CampaignDraft, got.Status, "failed resolution keeps the prior status")
}

func TestUpdateAndDelete_RunningCampaign(t *testing.T) {
	ts := newTestServer(t)
	ts.seedEmails(1)
	c := ts.createDraft(t, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/run", nil).Code)

	w := ts.do(t, http.MethodPatch, "/campaigns/"+c.ID, map[string]interface{}{"name": "Renamed"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_EDITABLE", decodeError(t, w).Code)

	w = ts.do(t, http.MethodPatch, "/campaigns/"+c.ID, map[string]interface{}{"maxRetries": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got domain.Campaign
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotNil(t, got.MaxRetries)
	assert.Equal(t, 5, *got.MaxRetries)

	w = ts.do(t, http.MethodDelete, "/campaigns/"+c.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_DELETABLE", decodeError(t, w).Code)
}

func TestDeleteDraft(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createDraft(t, nil)

	w := ts.do(t, http.MethodDelete, "/campaigns/"+c.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/campaigns/"+c.ID, nil).Code)
}

func TestCancelCampaign(t *testing.T) {
	ts := newTestServer(t)
	ts.seedEmails(2)
	c := ts.createDraft(t, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/run", nil).Code)

	w := ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res campaign.CancelResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Cancelled)
	assert.Equal(t, domain.CampaignCancelled, res.Campaign.Status)

	w = ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = campaign.CancelResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Cancelled)
	assert.Equal(t, domain.CampaignCancelled, res.Campaign.Status)

	for _, a := range ts.store.Attempts(c.ID) {
		assert.Equal(t, domain.AttemptPending, a.State)
	}
}

func TestCampaignStats(t *testing.T) {
	ts := newTestServer(t)
	ts.seedEmails(4)
	c := ts.createDraft(t, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/run", nil).Code)

	w := ts.do(t, http.MethodGet, "/campaigns/"+c.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st stats.CampaignStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 4, st.EmailTracking.Pending)
	assert.Equal(t, 4, st.EmailTracking.Total)
	assert.Equal(t, 0.0, st.EmailTracking.FailureRate)
	assert.Len(t, st.FailureBreakdown, len(domain.FailureKinds))

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/campaigns/missing/stats", nil).Code)
}

func TestGlobalStats(t *testing.T) {
	ts := newTestServer(t)
	ts.createDraft(t, nil)

	w := ts.do(t, http.MethodGet, "/campaigns/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st stats.GlobalStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Campaigns)
	assert.Equal(t, 1, st.ByStatus[domain.CampaignDraft])
	assert.Equal(t, 0.0, st.EmailFailureRate)
}

func TestListAttempts(t *testing.T) {
	ts := newTestServer(t)
	ts.seedEmails(3)
	c := ts.createDraft(t, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/run", nil).Code)

	w := ts.do(t, http.MethodGet, "/campaigns/"+c.ID+"/attempts?state=pending&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data       []domain.DeliveryAttempt `json:"data"`
		Pagination PaginationMeta           `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, 3, resp.Pagination.Total)
	assert.True(t, resp.Pagination.HasNextPage)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/campaigns/"+c.ID+"/attempts?state=bounced", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/campaigns/missing/attempts", nil).Code)
}

func TestSchedulerEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/scheduler/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st worker.SchedulerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.False(t, st.Available)
	assert.Equal(t, 300, st.RetryIntervalSeconds)
	assert.Equal(t, worker.DefaultMaxRetries, st.DefaultMaxRetries)

	w = ts.do(t, http.MethodPost, "/scheduler/retry-now", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res worker.RetryCycleResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 0, res.Requeued)

	w = ts.do(t, http.MethodGet, "/scheduler/status", nil)
	st = worker.SchedulerStatus{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.Available)
	require.NotNil(t, st.LastRetryProcessRun)
	assert.True(t, st.LastRetryProcessRun.Equal(ts.clk.Now()))

	w = ts.do(t, http.MethodPost, "/scheduler/refresh-cache", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSchedulerCheckScheduled(t *testing.T) {
	ts := newTestServer(t)
	ts.seedEmails(2)
	c := ts.createDraft(t, nil)
	at := ts.clk.Now().Add(time.Minute)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/run", map[string]interface{}{"scheduledAt": at}).Code)

	ts.clk.Advance(2 * time.Minute)
	w := ts.do(t, http.MethodPost, "/scheduler/check-scheduled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body["started"])

	got, err := ts.store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignRunning, got.Status)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health/live", nil).Code)

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hs HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hs))
	assert.Equal(t, "degraded", hs.Status, "scheduler has not run yet")
	assert.Equal(t, "not configured", hs.Checks["database"].Message)

	// An unconfigured database is not a readiness failure.
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health/ready", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/campaigns", nil)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_request_duration_seconds")
}

func TestDetermineOverallStatus(t *testing.T) {
	assert.Equal(t, "healthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"},
		"redis":    {Status: "down", Message: "not configured"},
	}))
	assert.Equal(t, "unhealthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "down", Message: "ping failed: refused"},
	}))
	assert.Equal(t, "degraded", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"},
		"redis":    {Status: "down", Message: "ping failed: refused"},
	}))
}
