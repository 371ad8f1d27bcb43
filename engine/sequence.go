package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"coldmail/models"
)

// Advance result statuses
const (
	AdvanceAdvanced  = "advanced"
	AdvanceCompleted = "completed"
	AdvanceStopped   = "stopped"
	AdvanceFailed    = "failed"
	AdvanceSkipped   = "skipped"
)

// AdvanceResult reports what a single Advance call did to an enrollment
type AdvanceResult struct {
	Status string
	Reason string
}

// SequenceEngine drives enrollments through their sequence steps
type SequenceEngine struct {
	store    Store
	mailer   Mailer
	renderer Renderer
	webhooks WebhookClient
	logger   *logrus.Logger
	now      func() time.Time
}

// NewSequenceEngine wires the engine with its collaborators
func NewSequenceEngine(store Store, mailer Mailer, renderer Renderer, webhooks WebhookClient, logger *logrus.Logger) *SequenceEngine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SequenceEngine{
		store:    store,
		mailer:   mailer,
		renderer: renderer,
		webhooks: webhooks,
		logger:   logger,
		now:      time.Now,
	}
}

// Enroll adds a contact to an active sequence. The enrollment starts at the
// sequence's first active step with a scheduled execution row for it; a
// contact can hold at most one active enrollment per sequence.
func (e *SequenceEngine) Enroll(sequenceID, contactID uint, source string) (*models.SequenceEnrollment, error) {
	seq, err := e.store.GetSequence(sequenceID)
	if err != nil {
		return nil, fmt.Errorf("load sequence %d: %w", sequenceID, err)
	}
	if seq.Status != models.SequenceStatusActive {
		return nil, ErrSequenceNotActive
	}

	steps := activeSteps(seq.Steps)
	if len(steps) == 0 {
		return nil, ErrSequenceEmpty
	}

	contact, err := e.store.GetContact(contactID)
	if err != nil {
		return nil, fmt.Errorf("load contact %d: %w", contactID, err)
	}
	if !contact.Reachable() {
		return nil, ErrContactNotReachable
	}

	if existing, err := e.store.ActiveEnrollment(sequenceID, contactID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrAlreadyEnrolled
	}

	first := steps[0]
	nextAt := e.nextStepTime(seq, steps, &first)

	enrollment := &models.SequenceEnrollment{
		SequenceID:    sequenceID,
		ContactID:     contactID,
		Status:        models.EnrollmentStatusActive,
		CurrentStepID: &first.ID,
		NextStepAt:    &nextAt,
		Source:        source,
	}

	err = e.store.Transaction(func(tx Store) error {
		if err := tx.CreateEnrollment(enrollment); err != nil {
			return err
		}
		if _, _, err := tx.GetOrCreateExecution(enrollment.ID, first.ID, sequenceID); err != nil {
			return err
		}
		if err := tx.AddSequenceActive(sequenceID, 1); err != nil {
			return err
		}
		return tx.CreateEvent(&models.SequenceEvent{
			SequenceID:   sequenceID,
			EnrollmentID: enrollment.ID,
			ContactID:    contactID,
			StepID:       &first.ID,
			EventType:    models.EventEnrolled,
			Detail:       source,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("enroll contact %d: %w", contactID, err)
	}

	e.logger.WithFields(logrus.Fields{
		"sequence_id":   sequenceID,
		"contact_id":    contactID,
		"enrollment_id": enrollment.ID,
	}).Info("Contact enrolled in sequence")
	return enrollment, nil
}

// Advance executes the enrollment's current step and moves it to the next
// one. Stop conditions are evaluated first; a failed step leaves the
// enrollment parked on it.
func (e *SequenceEngine) Advance(ctx context.Context, enrollmentID uint) (*AdvanceResult, error) {
	enrollment, err := e.store.GetEnrollment(enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("load enrollment %d: %w", enrollmentID, err)
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return &AdvanceResult{Status: AdvanceSkipped, Reason: "enrollment is " + enrollment.Status}, nil
	}

	seq, err := e.store.GetSequence(enrollment.SequenceID)
	if err != nil {
		return nil, fmt.Errorf("load sequence %d: %w", enrollment.SequenceID, err)
	}
	if seq.Status != models.SequenceStatusActive {
		return &AdvanceResult{Status: AdvanceSkipped, Reason: "sequence is " + seq.Status}, nil
	}

	contact, err := e.store.GetContact(enrollment.ContactID)
	if err != nil {
		return nil, fmt.Errorf("load contact %d: %w", enrollment.ContactID, err)
	}

	if reason, stop := EvaluateStop(seq, enrollment, contact); stop {
		if err := e.stopEnrollment(seq, enrollment, reason); err != nil {
			return nil, err
		}
		return &AdvanceResult{Status: AdvanceStopped, Reason: reason}, nil
	}

	if enrollment.CurrentStepID == nil {
		if err := e.completeEnrollment(seq, enrollment); err != nil {
			return nil, err
		}
		return &AdvanceResult{Status: AdvanceCompleted}, nil
	}

	row, err := e.store.GetStep(*enrollment.CurrentStepID)
	if err != nil {
		return nil, fmt.Errorf("load step %d: %w", *enrollment.CurrentStepID, err)
	}

	exec, _, err := e.store.GetOrCreateExecution(enrollment.ID, row.ID, seq.ID)
	if err != nil {
		return nil, err
	}
	switch exec.Status {
	case models.ExecutionStatusFailed:
		// step failures are terminal until someone intervenes
		return &AdvanceResult{Status: AdvanceFailed, Reason: "step previously failed"}, nil
	case models.ExecutionStatusScheduled:
		// normal path
	default:
		// step already ran but the pointer was not moved, e.g. a crash
		// between execution and advancement; just move on
		return e.moveToNext(seq, enrollment, contact, row, exec, nil)
	}

	outcome, stepErr := e.runStep(ctx, seq, enrollment, contact, row, exec)
	if stepErr != nil {
		if err := e.failStep(seq, enrollment, row, exec, stepErr); err != nil {
			return nil, err
		}
		return &AdvanceResult{Status: AdvanceFailed, Reason: stepErr.Error()}, nil
	}

	return e.moveToNext(seq, enrollment, contact, row, exec, &outcome)
}

// runStep builds the typed step and dispatches it. Panics inside executors
// are converted into step failures and reported.
func (e *SequenceEngine) runStep(ctx context.Context, seq *models.Sequence, enrollment *models.SequenceEnrollment, contact *models.Contact, row *models.SequenceStep, exec *models.SequenceStepExecution) (outcome stepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			err = fmt.Errorf("step %d panicked: %v", row.ID, r)
		}
	}()

	step, err := buildStep(row)
	if err != nil {
		return stepOutcome{}, err
	}

	switch s := step.(type) {
	case EmailStep:
		return e.executeEmail(ctx, e.store, seq, enrollment, contact, s, exec)
	case DelayStep:
		return stepOutcome{status: models.ExecutionStatusExecuted, message: "delay elapsed"}, nil
	case ConditionStep:
		return e.executeCondition(e.store, enrollment, contact, s)
	case TagStep:
		return e.executeTag(e.store, contact, s)
	case WebhookStep:
		return e.executeWebhook(ctx, seq, enrollment, contact, s)
	case TaskStep:
		return stepOutcome{status: models.ExecutionStatusExecuted, message: "task created: " + s.Title}, nil
	default:
		return stepOutcome{}, fmt.Errorf("step %d: unhandled variant %T", row.ID, step)
	}
}

// moveToNext records the finished execution and repositions the enrollment
// on its next step, or completes it when there is none. A nil outcome means
// the execution was already recorded and only the pointer moves.
func (e *SequenceEngine) moveToNext(seq *models.Sequence, enrollment *models.SequenceEnrollment, contact *models.Contact, row *models.SequenceStep, exec *models.SequenceStepExecution, outcome *stepOutcome) (*AdvanceResult, error) {
	steps := activeSteps(seq.Steps)

	var next *models.SequenceStep
	if outcome != nil && outcome.branched {
		if outcome.branch != nil {
			next = findStep(steps, *outcome.branch)
			if next == nil {
				return nil, fmt.Errorf("step %d branches to missing or inactive step %d", row.ID, *outcome.branch)
			}
		}
	} else {
		next = stepAfter(steps, row.StepOrder)
	}

	now := e.now().UTC()
	err := e.store.Transaction(func(tx Store) error {
		if outcome != nil {
			exec.Status = outcome.status
			exec.ExecutedAt = &now
			if err := tx.SaveExecution(exec); err != nil {
				return err
			}

			eventType := models.EventStepExecuted
			if outcome.branched {
				eventType = models.EventBranched
			}
			if err := tx.CreateEvent(&models.SequenceEvent{
				SequenceID:   seq.ID,
				EnrollmentID: enrollment.ID,
				ContactID:    contact.ID,
				StepID:       &row.ID,
				EventType:    eventType,
				Detail:       outcome.message,
			}); err != nil {
				return err
			}
		}

		if next == nil {
			return e.completeInTx(tx, seq, enrollment)
		}

		nextAt := e.nextStepTime(seq, steps, next)
		enrollment.CurrentStepID = &next.ID
		enrollment.NextStepAt = &nextAt
		if err := tx.SaveEnrollment(enrollment); err != nil {
			return err
		}
		_, _, err := tx.GetOrCreateExecution(enrollment.ID, next.ID, seq.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if next == nil {
		return &AdvanceResult{Status: AdvanceCompleted}, nil
	}
	return &AdvanceResult{Status: AdvanceAdvanced}, nil
}

// failStep records a terminal failure for the current step. The enrollment
// keeps pointing at it but leaves the due queue until someone intervenes.
func (e *SequenceEngine) failStep(seq *models.Sequence, enrollment *models.SequenceEnrollment, row *models.SequenceStep, exec *models.SequenceStepExecution, stepErr error) error {
	now := e.now().UTC()
	msg := stepErr.Error()

	e.logger.WithFields(logrus.Fields{
		"sequence_id":   seq.ID,
		"enrollment_id": enrollment.ID,
		"step_id":       row.ID,
		"error":         msg,
	}).Error("Sequence step failed")

	return e.store.Transaction(func(tx Store) error {
		exec.Status = models.ExecutionStatusFailed
		exec.ExecutedAt = &now
		exec.LastError = &msg
		if err := tx.SaveExecution(exec); err != nil {
			return err
		}
		if err := tx.IncStepFailed(row.ID); err != nil {
			return err
		}
		enrollment.NextStepAt = nil
		if err := tx.SaveEnrollment(enrollment); err != nil {
			return err
		}
		return tx.CreateEvent(&models.SequenceEvent{
			SequenceID:   seq.ID,
			EnrollmentID: enrollment.ID,
			ContactID:    enrollment.ContactID,
			StepID:       &row.ID,
			EventType:    models.EventStepFailed,
			Detail:       msg,
		})
	})
}

func (e *SequenceEngine) stopEnrollment(seq *models.Sequence, enrollment *models.SequenceEnrollment, reason string) error {
	now := e.now().UTC()
	return e.store.Transaction(func(tx Store) error {
		enrollment.Status = models.EnrollmentStatusStopped
		enrollment.StopReason = reason
		enrollment.StoppedAt = &now
		enrollment.NextStepAt = nil
		if err := tx.SaveEnrollment(enrollment); err != nil {
			return err
		}
		if err := tx.AddSequenceActive(seq.ID, -1); err != nil {
			return err
		}
		if err := tx.IncSequenceStopped(seq.ID); err != nil {
			return err
		}
		return tx.CreateEvent(&models.SequenceEvent{
			SequenceID:   seq.ID,
			EnrollmentID: enrollment.ID,
			ContactID:    enrollment.ContactID,
			EventType:    models.EventStopped,
			Detail:       reason,
		})
	})
}

func (e *SequenceEngine) completeEnrollment(seq *models.Sequence, enrollment *models.SequenceEnrollment) error {
	return e.store.Transaction(func(tx Store) error {
		return e.completeInTx(tx, seq, enrollment)
	})
}

func (e *SequenceEngine) completeInTx(tx Store, seq *models.Sequence, enrollment *models.SequenceEnrollment) error {
	now := e.now().UTC()
	enrollment.Status = models.EnrollmentStatusCompleted
	enrollment.CompletedAt = &now
	enrollment.CurrentStepID = nil
	enrollment.NextStepAt = nil
	if err := tx.SaveEnrollment(enrollment); err != nil {
		return err
	}
	if err := tx.AddSequenceActive(seq.ID, -1); err != nil {
		return err
	}
	if err := tx.IncSequenceCompleted(seq.ID); err != nil {
		return err
	}
	return tx.CreateEvent(&models.SequenceEvent{
		SequenceID:   seq.ID,
		EnrollmentID: enrollment.ID,
		ContactID:    enrollment.ContactID,
		EventType:    models.EventCompleted,
	})
}

// PauseSequence pauses the sequence and every active enrollment in it.
// Scheduled times are kept so resuming picks up where things left off.
func (e *SequenceEngine) PauseSequence(sequenceID uint) error {
	return e.store.Transaction(func(tx Store) error {
		seq, err := tx.GetSequence(sequenceID)
		if err != nil {
			return err
		}
		if seq.Status != models.SequenceStatusActive {
			return ErrSequenceNotActive
		}
		seq.Status = models.SequenceStatusPaused
		if err := tx.SaveSequence(seq); err != nil {
			return err
		}
		if _, err := tx.BulkEnrollmentStatus(sequenceID, models.EnrollmentStatusActive, models.EnrollmentStatusPaused); err != nil {
			return err
		}
		return tx.CreateEvent(&models.SequenceEvent{
			SequenceID: sequenceID,
			EventType:  models.EventPaused,
		})
	})
}

// ResumeSequence reactivates a paused sequence and its paused enrollments.
// Enrollments whose next_step_at is in the past become due immediately.
func (e *SequenceEngine) ResumeSequence(sequenceID uint) error {
	return e.store.Transaction(func(tx Store) error {
		seq, err := tx.GetSequence(sequenceID)
		if err != nil {
			return err
		}
		if seq.Status != models.SequenceStatusPaused {
			return fmt.Errorf("sequence %d is %s, not paused", sequenceID, seq.Status)
		}
		seq.Status = models.SequenceStatusActive
		if err := tx.SaveSequence(seq); err != nil {
			return err
		}
		if _, err := tx.BulkEnrollmentStatus(sequenceID, models.EnrollmentStatusPaused, models.EnrollmentStatusActive); err != nil {
			return err
		}
		return tx.CreateEvent(&models.SequenceEvent{
			SequenceID: sequenceID,
			EventType:  models.EventResumed,
		})
	})
}

// RecordOpen notes an open on an enrollment and stops it when the sequence
// stops on opens. A nil stepID means the message could not be matched to a
// step.
func (e *SequenceEngine) RecordOpen(enrollmentID uint, stepID *uint) error {
	return e.recordEngagement(enrollmentID, stepID, models.EventOpened)
}

// RecordClick notes a click on an enrollment
func (e *SequenceEngine) RecordClick(enrollmentID uint, stepID *uint) error {
	return e.recordEngagement(enrollmentID, stepID, models.EventClicked)
}

// RecordReply notes a reply on an enrollment
func (e *SequenceEngine) RecordReply(enrollmentID uint, stepID *uint) error {
	return e.recordEngagement(enrollmentID, stepID, models.EventReplied)
}

// RecordBounce notes a bounce. Callers flag the contact first so the
// stop check sees it on this event.
func (e *SequenceEngine) RecordBounce(enrollmentID uint, stepID *uint) error {
	return e.recordEngagement(enrollmentID, stepID, models.EventBounced)
}

func (e *SequenceEngine) recordEngagement(enrollmentID uint, stepID *uint, eventType string) error {
	enrollment, err := e.store.GetEnrollment(enrollmentID)
	if err != nil {
		return fmt.Errorf("load enrollment %d: %w", enrollmentID, err)
	}
	if enrollment.Status == models.EnrollmentStatusCompleted || enrollment.Status == models.EnrollmentStatusStopped {
		return nil
	}

	seq, err := e.store.GetSequence(enrollment.SequenceID)
	if err != nil {
		return fmt.Errorf("load sequence %d: %w", enrollment.SequenceID, err)
	}
	contact, err := e.store.GetContact(enrollment.ContactID)
	if err != nil {
		return fmt.Errorf("load contact %d: %w", enrollment.ContactID, err)
	}

	var opens, clicks int
	switch eventType {
	case models.EventOpened:
		enrollment.OpenCount++
		opens = 1
	case models.EventClicked:
		enrollment.ClickCount++
		clicks = 1
	case models.EventReplied:
		enrollment.ReplyCount++
	}

	err = e.store.Transaction(func(tx Store) error {
		if err := tx.SaveEnrollment(enrollment); err != nil {
			return err
		}
		if stepID != nil && (opens > 0 || clicks > 0) {
			if err := tx.IncStepEngagement(*stepID, opens, clicks); err != nil {
				return err
			}
		}
		return tx.CreateEvent(&models.SequenceEvent{
			SequenceID:   seq.ID,
			EnrollmentID: enrollment.ID,
			ContactID:    enrollment.ContactID,
			StepID:       stepID,
			EventType:    eventType,
		})
	})
	if err != nil {
		return err
	}

	if reason, stop := EvaluateStop(seq, enrollment, contact); stop {
		return e.stopEnrollment(seq, enrollment, reason)
	}
	return nil
}

// nextStepTime computes when the given step should run. Email steps wait
// for the nearest preceding delay step's duration, falling back to the
// sequence's minimum inter-email delay; delay steps run at the next poll
// and contribute their duration to the step after them; everything else
// runs immediately. The result respects the send window when one is
// enabled.
func (e *SequenceEngine) nextStepTime(seq *models.Sequence, steps []models.SequenceStep, step *models.SequenceStep) time.Time {
	at := e.now().UTC().Add(e.stepDelay(seq, steps, step))

	if seq.SendWindowEnabled {
		window, err := ParseSendWindow(seq.SendWindowStart, seq.SendWindowEnd, seq.SendDays, seq.Timezone)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"sequence_id": seq.ID,
				"error":       err.Error(),
			}).Warn("Invalid send window on sequence, scheduling without it")
			return at
		}
		return window.NextAvailable(at)
	}
	return at
}

func (e *SequenceEngine) stepDelay(seq *models.Sequence, steps []models.SequenceStep, step *models.SequenceStep) time.Duration {
	if step.StepType != models.StepTypeEmail {
		return 0
	}
	// nearest preceding delay step wins
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.StepOrder >= step.StepOrder {
			continue
		}
		if s.StepType == models.StepTypeDelay {
			if d, err := delayDuration(s.DelayValue, s.DelayUnit); err == nil {
				return d
			}
			break
		}
	}
	return time.Duration(seq.MinEmailDelayMinutes) * time.Minute
}

// activeSteps filters to active steps sorted by step order
func activeSteps(steps []models.SequenceStep) []models.SequenceStep {
	out := make([]models.SequenceStep, 0, len(steps))
	for _, s := range steps {
		if s.IsActive {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

func findStep(steps []models.SequenceStep, id uint) *models.SequenceStep {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
	}
	return nil
}

func stepAfter(steps []models.SequenceStep, order int) *models.SequenceStep {
	for i := range steps {
		if steps[i].StepOrder > order {
			return &steps[i]
		}
	}
	return nil
}
