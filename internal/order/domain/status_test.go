package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNext(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
		to    Status
		ok    bool
	}{
		{StatusDraft, EventSubmit, StatusSubmitted, true},
		{StatusFailed, EventSubmit, StatusSubmitted, true},
		{StatusSubmitted, EventSubmit, "", false},
		{StatusSubmitted, EventIntake, StatusAdminIntake, true},
		{StatusAdminIntake, EventStartGeneration, StatusGenerating, true},
		{StatusGenerating, EventGenerationSucceeded, StatusGenerated, true},
		{StatusGenerated, EventPublishForReview, StatusAdminReview, true},
		{StatusGenerating, EventGenerationFailed, StatusFailed, true},
		{StatusAdminReview, EventAdminApprove, StatusAgencyReview, true},
		{StatusAdminReview, EventAdminReject, StatusAdminRejected, true},
		{StatusAdminRejected, EventRequeue, StatusRegenQueued, true},
		{StatusRegenQueued, EventStartGeneration, StatusGenerating, true},
		{StatusAgencyReview, EventAgencyApprove, StatusComplete, true},
		{StatusAgencyReview, EventAgencyReject, StatusAgencyRejected, true},
		{StatusAgencyRejected, EventRequeue, StatusRevisionRequested, true},
		{StatusAdminReview, EventAgencyApprove, "", false},
		{StatusComplete, EventRequestCancel, "", false},
		{StatusCanceled, EventRequestCancel, "", false},
		{StatusCancelRequested, EventRequestCancel, "", false},
		{StatusCancelRequested, EventApproveCancel, StatusCanceled, true},
		{StatusCancelRequested, EventApproveAgencyCancel, StatusCanceledByAgency, true},
		{StatusAgencyReview, EventForceFail, StatusFailed, true},
		{StatusDraft, EventForceFail, "", false},
		{StatusFailed, EventForceFail, "", false},
		{StatusCancelRequested, EventForceFail, StatusFailed, true},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"/"+string(tc.event), func(t *testing.T) {
			to, err := Next(tc.from, tc.event)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrIllegalTransition)
				var te *TransitionError
				if assert.True(t, errors.As(err, &te)) {
					assert.Equal(t, tc.from, te.From)
					assert.Equal(t, tc.event, te.Event)
				}
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.to, to)
		})
	}
}

func TestEveryOpenStatusAcceptsCancelRequest(t *testing.T) {
	for _, status := range allStatuses {
		if status.Terminal() || status == StatusCancelRequested {
			assert.False(t, Can(status, EventRequestCancel), status)
			continue
		}
		assert.True(t, Can(status, EventRequestCancel), status)
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	for _, status := range allStatuses {
		if status.Terminal() {
			assert.Empty(t, transitions[status], status)
		}
	}
}

func TestGuideScan(t *testing.T) {
	var g Guide
	assert.NoError(t, g.Scan(`{"content":"Cafe","require_map":true}`))
	assert.Equal(t, "Cafe", g.Content)
	assert.True(t, g.RequireMap)

	assert.NoError(t, g.Scan(nil))
	assert.Equal(t, Guide{}, g)
	assert.Error(t, g.Scan(42))
}
