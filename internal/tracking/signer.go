// Package tracking records opens and clicks of dispatched email.
//
// The dispatcher asks a Signer to add an open pixel and click redirects to
// each email body. Both point at the Handler routes and carry an HMAC over
// the campaign id, attempt id and (for clicks) the destination URL, so
// forged or edited links are ignored. Verified events go to an EventSink:
// SQS when configured, otherwise straight into the tracking store.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// ErrBadSignature is returned for links whose payload or signature does not
// verify.
var ErrBadSignature = errors.New("tracking link signature invalid")

const sigLength = 16

// Signer builds and verifies tracking links.
type Signer struct {
	baseURL string
	secret  []byte
}

// NewSigner returns nil when tracking is not configured, which disables
// injection.
func NewSigner(baseURL, secret string) *Signer {
	if baseURL == "" || secret == "" {
		return nil
	}
	return &Signer{baseURL: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}
}

func (s *Signer) sign(data string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:sigLength]
}

// Link returns the signed path segment pair "<payload>/<sig>" for data.
func (s *Signer) Link(data string) string {
	return base64.URLEncoding.EncodeToString([]byte(data)) + "/" + s.sign(data)
}

// OpenURL is the pixel URL for one attempt.
func (s *Signer) OpenURL(campaignID, attemptID string) string {
	return fmt.Sprintf("%s/track/open/%s", s.baseURL, s.Link(campaignID+"|"+attemptID))
}

// ClickURL is the redirect URL for one link in one attempt.
func (s *Signer) ClickURL(campaignID, attemptID, target string) string {
	return fmt.Sprintf("%s/track/click/%s", s.baseURL, s.Link(campaignID+"|"+attemptID+"|"+target))
}

// Decode verifies a link and returns its fields. Clicks carry a third field
// with the destination URL.
func (s *Signer) Decode(encoded, sig string) (campaignID, attemptID, target string, err error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", "", ErrBadSignature
	}
	data := string(raw)
	if !hmac.Equal([]byte(s.sign(data)), []byte(sig)) {
		return "", "", "", ErrBadSignature
	}
	parts := strings.SplitN(data, "|", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", ErrBadSignature
	}
	if len(parts) == 3 {
		target = parts[2]
	}
	return parts[0], parts[1], target, nil
}

var hrefRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// InjectTracking appends the open pixel and rewrites absolute http(s) links
// to go through the click redirect.
func (s *Signer) InjectTracking(html string, a *domain.DeliveryAttempt) string {
	html = hrefRe.ReplaceAllStringFunc(html, func(match string) string {
		m := hrefRe.FindStringSubmatch(match)
		if len(m) < 2 || strings.Contains(m[1], "/track/") {
			return match
		}
		return fmt.Sprintf(`href="%s"`, s.ClickURL(a.CampaignID, a.ID, m[1]))
	})

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`, s.OpenURL(a.CampaignID, a.ID))
	if i := strings.LastIndex(strings.ToLower(html), "</body>"); i >= 0 {
		return html[:i] + pixel + html[i:]
	}
	return html + pixel
}
