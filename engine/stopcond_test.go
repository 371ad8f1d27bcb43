package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"coldmail/models"
)

func TestEvaluateStopPriorityOrder(t *testing.T) {
	above, below := 90, 10
	seq := &models.Sequence{
		StopOnReply:       true,
		StopOnClick:       true,
		StopOnOpen:        true,
		StopOnBounce:      true,
		StopOnUnsubscribe: true,
		StopScoreAbove:    &above,
		StopScoreBelow:    &below,
	}

	// everything fires at once; reply wins
	enr := &models.SequenceEnrollment{ReplyCount: 1, ClickCount: 1, OpenCount: 1}
	contact := &models.Contact{IsBounced: true, IsUnsubscribed: true, Score: 100}

	reason, stop := EvaluateStop(seq, enr, contact)
	assert.True(t, stop)
	assert.Equal(t, StopReasonReply, reason)

	// peel conditions off one at a time, following the priority chain
	enr.ReplyCount = 0
	reason, _ = EvaluateStop(seq, enr, contact)
	assert.Equal(t, StopReasonClick, reason)

	enr.ClickCount = 0
	reason, _ = EvaluateStop(seq, enr, contact)
	assert.Equal(t, StopReasonOpen, reason)

	enr.OpenCount = 0
	reason, _ = EvaluateStop(seq, enr, contact)
	assert.Equal(t, StopReasonBounce, reason)

	contact.IsBounced = false
	reason, _ = EvaluateStop(seq, enr, contact)
	assert.Equal(t, StopReasonScoreAbove, reason)

	contact.Score = 5
	reason, _ = EvaluateStop(seq, enr, contact)
	assert.Equal(t, StopReasonScoreBelow, reason)

	contact.Score = 50
	reason, _ = EvaluateStop(seq, enr, contact)
	assert.Equal(t, StopReasonUnsubscribed, reason)

	contact.IsUnsubscribed = false
	_, stop = EvaluateStop(seq, enr, contact)
	assert.False(t, stop)
}

func TestEvaluateStopDisabledConditionsAreIgnored(t *testing.T) {
	seq := &models.Sequence{} // nothing enabled
	enr := &models.SequenceEnrollment{ReplyCount: 5, ClickCount: 5, OpenCount: 5}
	contact := &models.Contact{IsBounced: true, IsUnsubscribed: true, Score: 1000}

	_, stop := EvaluateStop(seq, enr, contact)
	assert.False(t, stop)
}

func TestEvaluateStopScoreBoundsAreExclusive(t *testing.T) {
	above := 90
	seq := &models.Sequence{StopScoreAbove: &above}
	enr := &models.SequenceEnrollment{}

	_, stop := EvaluateStop(seq, enr, &models.Contact{Score: 90})
	assert.False(t, stop)

	reason, stop := EvaluateStop(seq, enr, &models.Contact{Score: 91})
	assert.True(t, stop)
	assert.Equal(t, StopReasonScoreAbove, reason)
}
