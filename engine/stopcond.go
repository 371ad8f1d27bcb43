package engine

import "coldmail/models"

// Stop reasons, in evaluation order
const (
	StopReasonReply        = "reply"
	StopReasonClick        = "click"
	StopReasonOpen         = "open"
	StopReasonBounce       = "bounce"
	StopReasonScoreAbove   = "score_above"
	StopReasonScoreBelow   = "score_below"
	StopReasonUnsubscribed = "unsubscribed"
)

// EvaluateStop checks the sequence's stop conditions against the
// enrollment and contact. Conditions are checked in a fixed priority
// order and the first enabled, satisfied one wins: reply, click, open,
// bounce, score above, score below, unsubscribed.
func EvaluateStop(seq *models.Sequence, enrollment *models.SequenceEnrollment, contact *models.Contact) (string, bool) {
	if seq.StopOnReply && enrollment.ReplyCount > 0 {
		return StopReasonReply, true
	}
	if seq.StopOnClick && enrollment.ClickCount > 0 {
		return StopReasonClick, true
	}
	if seq.StopOnOpen && enrollment.OpenCount > 0 {
		return StopReasonOpen, true
	}
	if seq.StopOnBounce && contact.IsBounced {
		return StopReasonBounce, true
	}
	if seq.StopScoreAbove != nil && contact.Score > *seq.StopScoreAbove {
		return StopReasonScoreAbove, true
	}
	if seq.StopScoreBelow != nil && contact.Score < *seq.StopScoreBelow {
		return StopReasonScoreBelow, true
	}
	if seq.StopOnUnsubscribe && contact.IsUnsubscribed {
		return StopReasonUnsubscribed, true
	}
	return "", false
}
