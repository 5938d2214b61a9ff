package tracking

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/clock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler serves the open pixel and click redirect.
type Handler struct {
	signer *Signer
	sink   EventSink
	clock  clock.Clock
}

// NewHandler creates a handler. clk may be nil.
func NewHandler(signer *Signer, sink EventSink, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{signer: signer, sink: sink, clock: clk}
}

// Mount registers the tracking routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/track/open/{data}/{sig}", h.HandleOpen)
	r.Get("/track/click/{data}/{sig}", h.HandleClick)
}

// HandleOpen always answers with the pixel; invalid links are not recorded.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	defer servePixel(w)

	campaignID, attemptID, _, err := h.signer.Decode(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil {
		return
	}
	h.publish(r, Event{
		Kind:       domain.EngagementOpen,
		CampaignID: campaignID,
		AttemptID:  attemptID,
	})
}

// HandleClick records the click and redirects to the original link.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	campaignID, attemptID, target, err := h.signer.Decode(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil || !safeRedirect(target) {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	h.publish(r, Event{
		Kind:       domain.EngagementClick,
		CampaignID: campaignID,
		AttemptID:  attemptID,
		URL:        target,
	})
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (h *Handler) publish(r *http.Request, evt Event) {
	evt.IPAddress = realIP(r)
	evt.UserAgent = r.UserAgent()
	evt.Timestamp = h.clock.Now()
	if err := h.sink.Publish(r.Context(), evt); err != nil {
		logger.Error("tracking event lost", "kind", evt.Kind, "attempt_id", evt.AttemptID, "error", err)
	}
}

func safeRedirect(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	_, _ = w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
