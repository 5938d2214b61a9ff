package api

import (
	"net/http"

	"github.com/ignite/campaign-dispatch/internal/pkg/httputil"
)

// HandleSchedulerStatus reports the retry scheduler's last and next run. A
// scheduler that has stopped running is reported with available=false; the
// endpoint itself still answers 200.
//
//	GET /scheduler/status
func (h *Handlers) HandleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.scheduler.Status(r.Context()))
}

// HandleRetryNow runs one retry scan synchronously.
//
//	POST /scheduler/retry-now
func (h *Handlers) HandleRetryNow(w http.ResponseWriter, r *http.Request) {
	res, err := h.scheduler.RetryNow(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleCheckScheduled starts scheduled campaigns whose time has come.
//
//	POST /scheduler/check-scheduled
func (h *Handlers) HandleCheckScheduled(w http.ResponseWriter, r *http.Request) {
	n, err := h.scheduler.CheckScheduled(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"started": n})
}

// HandleRefreshCache reloads campaign retry settings in every process.
//
//	POST /scheduler/refresh-cache
func (h *Handlers) HandleRefreshCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.scheduler.RefreshCache(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"refreshed": true, "campaigns": n})
}
