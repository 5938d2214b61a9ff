// Package recipient resolves a campaign's targeting rule into a concrete,
// deduplicated recipient list.
package recipient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// ErrSegmentNotFound is returned by a Directory when a segment is missing or
// deleted.
var ErrSegmentNotFound = errors.New("segment not found")

// ResolutionError means the targeting rule could not be resolved. The
// campaign keeps its prior status.
type ResolutionError struct {
	Rule domain.TargetRule
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Rule.Kind == domain.TargetSegment {
		return fmt.Sprintf("resolve segment %s: %v", e.Rule.SegmentID, e.Err)
	}
	return fmt.Sprintf("resolve %s recipients: %v", e.Rule.Kind, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Directory is the read side of the recipient store.
// Implementations must be safe for concurrent use.
type Directory interface {
	// All returns every non-deleted recipient in creation order.
	All(ctx context.Context) ([]domain.Recipient, error)

	// Segment returns the non-deleted members of a segment in creation order.
	// Returns ErrSegmentNotFound if the segment is missing or deleted.
	Segment(ctx context.Context, segmentID string) ([]domain.Recipient, error)

	// ByIDs returns the non-deleted recipients with the given ids, in any order.
	ByIDs(ctx context.Context, ids []string) ([]domain.Recipient, error)
}

// Resolver implements campaign.RecipientResolver.
type Resolver struct {
	dir Directory
}

// NewResolver creates a resolver over dir.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the recipients selected by rule that can be reached on
// channel. Opted-out recipients and recipients without an address for the
// channel are dropped; duplicates by address keep the first occurrence.
// Order follows the directory for all/segment rules and the rule's id list
// for ids rules.
func (r *Resolver) Resolve(ctx context.Context, rule domain.TargetRule, channel domain.CampaignType) ([]domain.ResolvedRecipient, error) {
	var (
		candidates []domain.Recipient
		err        error
	)

	switch rule.Kind {
	case domain.TargetAll:
		candidates, err = r.dir.All(ctx)
	case domain.TargetSegment:
		candidates, err = r.dir.Segment(ctx, rule.SegmentID)
	case domain.TargetIDs:
		candidates, err = r.byIDs(ctx, rule.RecipientIDs)
	default:
		err = fmt.Errorf("unknown target kind %q", rule.Kind)
	}
	if err != nil {
		return nil, &ResolutionError{Rule: rule, Err: err}
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]domain.ResolvedRecipient, 0, len(candidates))
	for i := range candidates {
		rc := &candidates[i]
		if rc.OptedOut || rc.DeletedAt != nil {
			continue
		}
		addr := strings.TrimSpace(rc.AddressFor(channel))
		if addr == "" {
			continue
		}
		key := addressKey(channel, addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, domain.ResolvedRecipient{
			RecipientID: rc.ID,
			Name:        rc.Name,
			Address:     addr,
		})
	}
	return out, nil
}

// byIDs loads recipients for an explicit id list and puts them back in list
// order. Unknown ids are skipped.
func (r *Resolver) byIDs(ctx context.Context, ids []string) ([]domain.Recipient, error) {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	if len(uniq) == 0 {
		return nil, nil
	}

	found, err := r.dir.ByIDs(ctx, uniq)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Recipient, len(found))
	for _, rc := range found {
		byID[rc.ID] = rc
	}
	out := make([]domain.Recipient, 0, len(found))
	for _, id := range uniq {
		if rc, ok := byID[id]; ok {
			out = append(out, rc)
		}
	}
	return out, nil
}

// addressKey normalises an address for deduplication: e-mail is compared
// case-insensitively, phone numbers by their digits.
func addressKey(channel domain.CampaignType, addr string) string {
	switch channel {
	case domain.CampaignTypeEmail:
		return strings.ToLower(addr)
	case domain.CampaignTypeSMS:
		var b strings.Builder
		for _, r := range addr {
			if unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		if b.Len() == 0 {
			return addr
		}
		return b.String()
	}
	return addr
}
