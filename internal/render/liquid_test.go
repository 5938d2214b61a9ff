package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

func TestRender_MergeTags(t *testing.T) {
	r := New()
	c := &domain.Campaign{
		ID:        "c1",
		Name:      "Spring",
		Subject:   "Hi {{ name | first_name }}",
		Body:      `<p>{{ name | default: "there" }} ({{ address }}) #{{ recipient_id }} in {{ campaign_name }}</p>`,
		UpdatedAt: time.Now(),
	}
	a := &domain.DeliveryAttempt{RecipientID: "r9", RecipientName: "Ann Lee", Address: "ann@example.com"}

	subject, body, err := r.Render(c, a)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ann", subject)
	assert.Equal(t, "<p>Ann Lee (ann@example.com) #r9 in Spring</p>", body)
}

func TestRender_DefaultFilterAndPlainText(t *testing.T) {
	r := New()
	c := &domain.Campaign{ID: "c1", Subject: "Plain subject", Body: `Hello {{ name | default: "there" }}`}

	subject, body, err := r.Render(c, &domain.DeliveryAttempt{})
	require.NoError(t, err)
	assert.Equal(t, "Plain subject", subject)
	assert.Equal(t, "Hello there", body)
}

func TestRender_CacheFollowsCampaignRevision(t *testing.T) {
	r := New()
	a := &domain.DeliveryAttempt{RecipientName: "Ann"}
	c := &domain.Campaign{ID: "c1", Body: "v1 {{ name }}", UpdatedAt: time.Unix(100, 0)}

	_, body, err := r.Render(c, a)
	require.NoError(t, err)
	assert.Equal(t, "v1 Ann", body)

	c.Body = "v2 {{ name }}"
	c.UpdatedAt = time.Unix(200, 0)
	_, body, err = r.Render(c, a)
	require.NoError(t, err)
	assert.Equal(t, "v2 Ann", body)
}

func TestRender_ParseError(t *testing.T) {
	r := New()
	c := &domain.Campaign{ID: "c1", Body: "{% if x %}never closed"}
	_, _, err := r.Render(c, &domain.DeliveryAttempt{})
	assert.Error(t, err)
	assert.Error(t, r.Validate("{% if x %}never closed"))
	assert.NoError(t, r.Validate("no tags"))
}
