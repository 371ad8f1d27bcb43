package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldmail/models"
)

// 2026-08-24 12:00 UTC, a Monday
var seqNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type seqFixture struct {
	store   *memStore
	mailer  *fakeMailer
	webhook *fakeWebhook
	engine  *SequenceEngine
}

func newSeqFixture() *seqFixture {
	f := &seqFixture{
		store:   newMemStore(),
		mailer:  &fakeMailer{},
		webhook: &fakeWebhook{},
	}
	f.engine = NewSequenceEngine(f.store, f.mailer, fakeRenderer{}, f.webhook, nil)
	f.engine.now = func() time.Time { return seqNow }
	return f
}

func (f *seqFixture) contact() *models.Contact {
	return f.store.addContact(&models.Contact{
		Email:     "ada@example.com",
		FirstName: "Ada",
		LastName:  "Lovelace",
		IsActive:  true,
	})
}

func (f *seqFixture) sequence(steps ...*models.SequenceStep) *models.Sequence {
	seq := f.store.addSequence(&models.Sequence{
		SenderID:             7,
		Status:               models.SequenceStatusActive,
		StopOnReply:          true,
		StopOnBounce:         true,
		StopOnUnsubscribe:    true,
		MinEmailDelayMinutes: 60,
	})
	for i, s := range steps {
		s.SequenceID = seq.ID
		s.StepOrder = i + 1
		s.IsActive = true
		f.store.addStep(s)
	}
	return f.store.sequences[seq.ID]
}

func emailStep(subject string) *models.SequenceStep {
	return &models.SequenceStep{StepType: models.StepTypeEmail, Subject: subject, BodyHTML: "<p>Hi {{first_name}}</p>"}
}

func delayStep(value int, unit string) *models.SequenceStep {
	return &models.SequenceStep{StepType: models.StepTypeDelay, DelayValue: value, DelayUnit: unit}
}

func TestEnrollStartsAtFirstStep(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(emailStep("Hello {{first_name}}"), emailStep("Follow up"))
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusActive, enr.Status)
	require.NotNil(t, enr.CurrentStepID)
	assert.Equal(t, seq.Steps[0].ID, *enr.CurrentStepID)

	// a first email step waits out the minimum inter-email delay
	require.NotNil(t, enr.NextStepAt)
	assert.Equal(t, seqNow.Add(60*time.Minute), *enr.NextStepAt)

	execs := f.store.executionsFor(enr.ID, seq.Steps[0].ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionStatusScheduled, execs[0].Status)

	assert.Equal(t, 1, f.store.sequences[seq.ID].ActiveEnrollments)
	assert.Contains(t, f.store.eventTypes(), models.EventEnrolled)
}

func TestEnrollDelayFirstStepIsDueImmediately(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(delayStep(1, "days"), emailStep("Hello"))
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	// the delay step itself executes right away; its duration applies to
	// the email that follows
	require.NotNil(t, enr.NextStepAt)
	assert.Equal(t, seqNow, *enr.NextStepAt)
}

func TestEnrollRejections(t *testing.T) {
	f := newSeqFixture()

	t.Run("inactive sequence", func(t *testing.T) {
		seq := f.sequence(emailStep("Hello"))
		f.store.sequences[seq.ID].Status = models.SequenceStatusPaused
		_, err := f.engine.Enroll(seq.ID, f.contact().ID, "manual")
		assert.ErrorIs(t, err, ErrSequenceNotActive)
	})

	t.Run("no steps", func(t *testing.T) {
		seq := f.sequence()
		_, err := f.engine.Enroll(seq.ID, f.contact().ID, "manual")
		assert.ErrorIs(t, err, ErrSequenceEmpty)
	})

	t.Run("unreachable contact", func(t *testing.T) {
		seq := f.sequence(emailStep("Hello"))
		c := f.contact()
		c.IsUnsubscribed = true
		_, err := f.engine.Enroll(seq.ID, c.ID, "manual")
		assert.ErrorIs(t, err, ErrContactNotReachable)
	})

	t.Run("duplicate enrollment", func(t *testing.T) {
		seq := f.sequence(emailStep("Hello"))
		c := f.contact()
		_, err := f.engine.Enroll(seq.ID, c.ID, "manual")
		require.NoError(t, err)
		_, err = f.engine.Enroll(seq.ID, c.ID, "manual")
		assert.ErrorIs(t, err, ErrAlreadyEnrolled)
	})
}

func TestAdvanceSendsEmailAndCompletes(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(emailStep("Hello {{first_name}}"))
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	res, err := f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)
	assert.Equal(t, AdvanceCompleted, res.Status)

	require.Len(t, f.mailer.sent, 1)
	assert.Equal(t, "ada@example.com", f.mailer.sent[0].To)
	assert.Equal(t, "Hello Ada", f.mailer.sent[0].Subject)
	assert.Equal(t, uint(7), f.mailer.sent[0].SenderID)

	execs := f.store.executionsFor(enr.ID, seq.Steps[0].ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionStatusSent, execs[0].Status)
	assert.NotEmpty(t, execs[0].MessageID)
	assert.Equal(t, "Hello Ada", execs[0].RenderedSubject)

	got := f.store.enrollments[enr.ID]
	assert.Equal(t, models.EnrollmentStatusCompleted, got.Status)
	assert.Nil(t, got.NextStepAt)
	assert.Equal(t, 1, got.EmailsSent)
	assert.Equal(t, 0, f.store.sequences[seq.ID].ActiveEnrollments)
	assert.Equal(t, 1, f.store.sequences[seq.ID].CompletedEnrollments)
	assert.Equal(t, 1, f.store.sequences[seq.ID].EmailsSent)
	assert.Contains(t, f.store.eventTypes(), models.EventCompleted)
}

func TestAdvanceDelayThenEmailSpacing(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(delayStep(1, "days"), emailStep("Hello"))
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	res, err := f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)
	assert.Equal(t, AdvanceAdvanced, res.Status)

	got := f.store.enrollments[enr.ID]
	require.NotNil(t, got.CurrentStepID)
	assert.Equal(t, seq.Steps[1].ID, *got.CurrentStepID)
	require.NotNil(t, got.NextStepAt)
	assert.Equal(t, seqNow.Add(24*time.Hour), *got.NextStepAt)
}

func TestAdvanceSecondEmailWaitsMinimumDelay(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(emailStep("First"), emailStep("Second"))
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	_, err = f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)

	got := f.store.enrollments[enr.ID]
	require.NotNil(t, got.CurrentStepID)
	assert.Equal(t, seq.Steps[1].ID, *got.CurrentStepID)
	assert.Equal(t, seqNow.Add(60*time.Minute), *got.NextStepAt)
}

func TestAdvanceStopPriorityReplyBeatsClick(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(emailStep("Hello"))
	f.store.sequences[seq.ID].StopOnReply = true
	f.store.sequences[seq.ID].StopOnClick = true
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)
	enr.ReplyCount = 1
	enr.ClickCount = 1

	res, err := f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)
	assert.Equal(t, AdvanceStopped, res.Status)
	assert.Equal(t, StopReasonReply, res.Reason)

	got := f.store.enrollments[enr.ID]
	assert.Equal(t, models.EnrollmentStatusStopped, got.Status)
	assert.Equal(t, StopReasonReply, got.StopReason)
	assert.NotNil(t, got.StoppedAt)
	assert.Empty(t, f.mailer.sent)
	assert.Equal(t, 0, f.store.sequences[seq.ID].ActiveEnrollments)
	assert.Equal(t, 1, f.store.sequences[seq.ID].StoppedEnrollments)
}

func TestAdvanceWebhookFailureParksEnrollment(t *testing.T) {
	f := newSeqFixture()
	f.webhook.status = 500
	seq := f.sequence(
		&models.SequenceStep{StepType: models.StepTypeWebhook, WebhookURL: "https://example.com/hook"},
		emailStep("Never sent"),
	)
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	res, err := f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)
	assert.Equal(t, AdvanceFailed, res.Status)

	got := f.store.enrollments[enr.ID]
	assert.Equal(t, models.EnrollmentStatusActive, got.Status)
	assert.Equal(t, seq.Steps[0].ID, *got.CurrentStepID)
	assert.Nil(t, got.NextStepAt)

	execs := f.store.executionsFor(enr.ID, seq.Steps[0].ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionStatusFailed, execs[0].Status)
	require.NotNil(t, execs[0].LastError)
	assert.Equal(t, 1, f.store.steps[seq.Steps[0].ID].FailedCount)

	// failed steps are not retried
	res, err = f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)
	assert.Equal(t, AdvanceFailed, res.Status)
	assert.Len(t, f.webhook.calls, 1)
	assert.Empty(t, f.mailer.sent)
}

func TestAdvanceConditionBranches(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(
		&models.SequenceStep{StepType: models.StepTypeCondition, ConditionType: "score_above", ConditionValue: 50},
		emailStep("Cold path"),
		emailStep("Hot path"),
	)
	hot := seq.Steps[2].ID
	f.store.steps[seq.Steps[0].ID].TrueStepID = &hot

	contact := f.contact()
	contact.Score = 80

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	res, err := f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)
	assert.Equal(t, AdvanceAdvanced, res.Status)

	got := f.store.enrollments[enr.ID]
	assert.Equal(t, hot, *got.CurrentStepID)
	assert.Contains(t, f.store.eventTypes(), models.EventBranched)
}

func TestAdvanceConditionFallsThroughInOrder(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(
		&models.SequenceStep{StepType: models.StepTypeCondition, ConditionType: "opened"},
		emailStep("Next in order"),
	)
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	res, err := f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)
	assert.Equal(t, AdvanceAdvanced, res.Status)
	assert.Equal(t, seq.Steps[1].ID, *f.store.enrollments[enr.ID].CurrentStepID)
}

func TestAdvanceTagStep(t *testing.T) {
	f := newSeqFixture()
	tagID := uint(42)
	seq := f.sequence(&models.SequenceStep{StepType: models.StepTypeTag, TagAction: "add", TagID: &tagID})
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	_, err = f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)

	has, err := f.store.ContactHasTag(contact.ID, tagID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestAdvanceDoesNotResendExecutedStep(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(emailStep("First"), emailStep("Second"))
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	// simulate a crash after execution but before the pointer moved
	exec, _, err := f.store.GetOrCreateExecution(enr.ID, seq.Steps[0].ID, seq.ID)
	require.NoError(t, err)
	exec.Status = models.ExecutionStatusSent

	res, err := f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)
	assert.Equal(t, AdvanceAdvanced, res.Status)
	assert.Empty(t, f.mailer.sent)
	assert.Equal(t, seq.Steps[1].ID, *f.store.enrollments[enr.ID].CurrentStepID)
}

func TestAdvanceSkipsPausedEnrollment(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(emailStep("Hello"))
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	require.NoError(t, f.engine.PauseSequence(seq.ID))
	assert.Equal(t, models.SequenceStatusPaused, f.store.sequences[seq.ID].Status)
	assert.Equal(t, models.EnrollmentStatusPaused, f.store.enrollments[enr.ID].Status)

	res, err := f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)
	assert.Equal(t, AdvanceSkipped, res.Status)
	assert.Empty(t, f.mailer.sent)

	// resuming keeps the original schedule
	before := *f.store.enrollments[enr.ID].NextStepAt
	require.NoError(t, f.engine.ResumeSequence(seq.ID))
	assert.Equal(t, models.EnrollmentStatusActive, f.store.enrollments[enr.ID].Status)
	assert.Equal(t, before, *f.store.enrollments[enr.ID].NextStepAt)
}

func TestNextStepRespectsSendWindow(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(delayStep(8, "hours"), emailStep("Hello"))
	s := f.store.sequences[seq.ID]
	s.SendWindowEnabled = true
	s.SendWindowStart = "09:00"
	s.SendWindowEnd = "17:00"
	s.SendDays = []int{1, 2, 3, 4, 5}
	s.Timezone = "UTC"

	contact := f.contact()
	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	_, err = f.engine.Advance(context.Background(), enr.ID)
	require.NoError(t, err)

	// noon + 8h lands at 20:00, past the window; the email moves to
	// 09:00 the next day
	got := f.store.enrollments[enr.ID]
	assert.Equal(t, time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), *got.NextStepAt)
}

func TestRecordReplyStopsEnrollment(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(emailStep("Hello"))
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	require.NoError(t, f.engine.RecordReply(enr.ID, nil))

	got := f.store.enrollments[enr.ID]
	assert.Equal(t, models.EnrollmentStatusStopped, got.Status)
	assert.Equal(t, StopReasonReply, got.StopReason)
	assert.Equal(t, 1, got.ReplyCount)
	assert.Equal(t, 1, f.store.sequences[seq.ID].StoppedEnrollments)
	assert.Contains(t, f.store.eventTypes(), models.EventReplied)
	assert.Contains(t, f.store.eventTypes(), models.EventStopped)
}

func TestRecordBounceOnFlaggedContactStopsEnrollment(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(emailStep("Hello"))
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	f.store.contacts[contact.ID].IsBounced = true
	stepID := seq.Steps[0].ID
	require.NoError(t, f.engine.RecordBounce(enr.ID, &stepID))

	got := f.store.enrollments[enr.ID]
	assert.Equal(t, models.EnrollmentStatusStopped, got.Status)
	assert.Equal(t, StopReasonBounce, got.StopReason)
	assert.Equal(t, 0, f.store.sequences[seq.ID].ActiveEnrollments)
	assert.Equal(t, 1, f.store.sequences[seq.ID].StoppedEnrollments)
	assert.Contains(t, f.store.eventTypes(), models.EventBounced)
	assert.Contains(t, f.store.eventTypes(), models.EventStopped)
}

func TestRecordBounceWithoutFlaggedContactKeepsGoing(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(emailStep("Hello"))
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	stepID := seq.Steps[0].ID
	require.NoError(t, f.engine.RecordBounce(enr.ID, &stepID))

	got := f.store.enrollments[enr.ID]
	assert.Equal(t, models.EnrollmentStatusActive, got.Status)
	assert.Contains(t, f.store.eventTypes(), models.EventBounced)
	assert.NotContains(t, f.store.eventTypes(), models.EventStopped)
}

func TestRecordOpenWithoutStopFlagKeepsGoing(t *testing.T) {
	f := newSeqFixture()
	seq := f.sequence(emailStep("Hello"))
	contact := f.contact()

	enr, err := f.engine.Enroll(seq.ID, contact.ID, "manual")
	require.NoError(t, err)

	stepID := seq.Steps[0].ID
	require.NoError(t, f.engine.RecordOpen(enr.ID, &stepID))

	got := f.store.enrollments[enr.ID]
	assert.Equal(t, models.EnrollmentStatusActive, got.Status)
	assert.Equal(t, 1, got.OpenCount)
	assert.Equal(t, 1, f.store.steps[stepID].OpenCount)
}
