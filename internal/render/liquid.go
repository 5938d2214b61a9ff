// Package render personalises campaign subjects and bodies with Liquid
// templates ({{ name }}, {{ address }}, {{ recipient_id }}, {{ campaign_id }}).
package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// Renderer implements sending.Renderer. Parsed templates are cached per
// campaign revision.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // cacheKey -> *liquid.Template
}

// New creates a renderer with the default filter set.
func New() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}

	// {{ name | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	r.engine.RegisterFilter("first_name", func(s string) string {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return ""
	})
	return r
}

// Render returns the personalised subject and body for one attempt.
func (r *Renderer) Render(c *domain.Campaign, a *domain.DeliveryAttempt) (string, string, error) {
	b := map[string]interface{}{
		"name":          a.RecipientName,
		"address":       a.Address,
		"recipient_id":  a.RecipientID,
		"campaign_id":   c.ID,
		"campaign_name": c.Name,
	}
	subject, err := r.renderField(c, "subject", c.Subject, b)
	if err != nil {
		return "", "", fmt.Errorf("subject: %w", err)
	}
	body, err := r.renderField(c, "body", c.Body, b)
	if err != nil {
		return "", "", fmt.Errorf("body: %w", err)
	}
	return subject, body, nil
}

// Validate parses a template without rendering it.
func (r *Renderer) Validate(src string) error {
	if !isTemplate(src) {
		return nil
	}
	if _, err := r.engine.ParseString(src); err != nil {
		return err
	}
	return nil
}

func (r *Renderer) renderField(c *domain.Campaign, field, src string, b map[string]interface{}) (string, error) {
	if !isTemplate(src) {
		return src, nil
	}
	key := fmt.Sprintf("%s:%s:%d", c.ID, field, c.UpdatedAt.UnixNano())
	var tpl *liquid.Template
	if cached, ok := r.cache.Load(key); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			return "", err
		}
		r.cache.Store(key, parsed)
		tpl = parsed
	}
	out, err := tpl.RenderString(b)
	if err != nil {
		return "", err
	}
	return out, nil
}

func isTemplate(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{%")
}
