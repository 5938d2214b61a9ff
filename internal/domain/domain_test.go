package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureKind_Retryable(t *testing.T) {
	retryable := map[FailureKind]bool{
		FailureInvalidEmail:   false,
		FailureUserNotFound:   false,
		FailureDomainNotFound: false,
		FailureAuthentication: false,
		FailureMailboxFull:    true,
		FailureRateLimit:      true,
		FailureNetwork:        true,
		FailureSMTP:           true,
		FailureUnknown:        true,
	}
	require.Len(t, FailureKinds, len(retryable))
	for _, k := range FailureKinds {
		assert.Equal(t, retryable[k], k.Retryable(), string(k))
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to CampaignStatus
		want     bool
	}{
		{CampaignDraft, CampaignRunning, true},
		{CampaignDraft, CampaignScheduled, true},
		{CampaignScheduled, CampaignRunning, true},
		{CampaignRunning, CampaignCompleted, true},
		{CampaignRunning, CampaignCancelled, true},
		{CampaignRunning, CampaignFailed, true},
		{CampaignRunning, CampaignDraft, false},
		{CampaignScheduled, CampaignDraft, false},
		{CampaignCompleted, CampaignRunning, false},
		{CampaignCancelled, CampaignRunning, false},
		{CampaignDraft, CampaignCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCampaign_EffectiveMaxRetries(t *testing.T) {
	c := &Campaign{}
	assert.Equal(t, 3, c.EffectiveMaxRetries(3))

	five := 5
	c.MaxRetries = &five
	assert.Equal(t, 5, c.EffectiveMaxRetries(3))
}

func TestEnumSerialization(t *testing.T) {
	data, err := json.Marshal(map[string]interface{}{
		"status": CampaignCancelled,
		"type":   CampaignTypePush,
		"kind":   FailureAuthentication,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"cancelled","type":"push","kind":"authentication_error"}`, string(data))
}
