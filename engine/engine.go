// Package engine implements the delivery scheduling and sequence execution
// core: recipient scheduling for one-shot campaigns, and the per-contact
// state machine that drives multi-step sequences. Persistence, template
// rendering, mail transport and webhook delivery are consumed through the
// narrow interfaces below.
package engine

import (
	"context"
	"errors"
	"time"

	"coldmail/models"
)

var (
	// ErrAlreadyEnrolled is returned when an active enrollment already
	// exists for the (sequence, contact) pair
	ErrAlreadyEnrolled = errors.New("contact already has an active enrollment in this sequence")

	// ErrSequenceNotActive is returned when enrolling into a sequence
	// that is not in active status
	ErrSequenceNotActive = errors.New("sequence is not active")

	// ErrSequenceEmpty is returned when enrolling into a sequence
	// without any active steps
	ErrSequenceEmpty = errors.New("sequence has no steps")

	// ErrContactNotReachable is returned when enrolling a contact that
	// is inactive, bounced, unsubscribed or marked do-not-contact
	ErrContactNotReachable = errors.New("contact is not reachable")
)

// RecipientAssignment carries one computed send slot for a recipient
type RecipientAssignment struct {
	RecipientID uint
	ScheduledAt time.Time
}

// Store is the persistence surface the engine needs. Implementations must
// make Transaction atomic: multi-entity updates such as "finish execution +
// advance enrollment" run inside one.
type Store interface {
	Transaction(fn func(Store) error) error

	// Campaign scheduling
	GetCampaign(id uint) (*models.Campaign, error)
	PendingRecipients(campaignID uint) ([]models.CampaignRecipient, error)
	QueueRecipients(assignments []RecipientAssignment, queuedAt time.Time) error

	// Campaign delivery. ClaimRecipient performs the queued->sending
	// compare-and-set that keeps at most one worker on a recipient.
	SetCampaignStatus(id uint, from []string, to string) (bool, error)
	DueRecipients(campaignID uint, now time.Time, limit int) ([]models.CampaignRecipient, error)
	ClaimRecipient(id uint) (bool, error)
	MarkRecipientSent(id uint, senderID uint, messageID string, sentAt time.Time) error
	MarkRecipientFailed(id uint, errMsg string) error
	ResetFailedRecipients(campaignID uint, maxRetries int) (int64, error)
	IncCampaignCounters(campaignID uint, sent, failed int) error

	// Sequences
	GetSequence(id uint) (*models.Sequence, error) // steps preloaded in order
	SaveSequence(s *models.Sequence) error
	GetStep(id uint) (*models.SequenceStep, error)
	GetContact(id uint) (*models.Contact, error)
	GetTemplate(id uint) (*models.Template, error)

	// Enrollments
	GetEnrollment(id uint) (*models.SequenceEnrollment, error)
	ActiveEnrollment(sequenceID, contactID uint) (*models.SequenceEnrollment, error)
	CreateEnrollment(e *models.SequenceEnrollment) error
	SaveEnrollment(e *models.SequenceEnrollment) error
	DueEnrollments(now time.Time, limit int) ([]models.SequenceEnrollment, error)
	BulkEnrollmentStatus(sequenceID uint, from, to string) (int64, error)
	AddSequenceActive(sequenceID uint, delta int) error
	IncSequenceCompleted(sequenceID uint) error
	IncSequenceStopped(sequenceID uint) error
	RecordSequenceEmailSent(sequenceID, stepID, contactID uint) error
	IncStepFailed(stepID uint) error
	IncStepEngagement(stepID uint, opens, clicks int) error

	// Executions and events
	GetOrCreateExecution(enrollmentID, stepID, sequenceID uint) (*models.SequenceStepExecution, bool, error)
	SaveExecution(x *models.SequenceStepExecution) error
	FindExecutionByMessageID(messageID string) (*models.SequenceStepExecution, error)
	CreateEvent(ev *models.SequenceEvent) error

	// Tags
	AddContactTag(contactID, tagID uint) error
	RemoveContactTag(contactID, tagID uint) error
	ContactHasTag(contactID, tagID uint) (bool, error)
}

// OutgoingEmail is one message handed to the mail transport. MessageID may
// be pre-assigned when the caller bakes it into tracking URLs; left empty,
// the transport generates one.
type OutgoingEmail struct {
	SenderID  uint
	To        string
	Subject   string
	HTMLBody  string
	TextBody  string
	ReplyTo   string
	MessageID string
	Headers   map[string]string
}

// SendResult reports the transport outcome
type SendResult struct {
	Success   bool
	Message   string
	MessageID string
}

// Mailer is the mail transport collaborator. CanSend is the rate/limit
// gate checked before every attempt.
type Mailer interface {
	CanSend(senderID uint) error
	Send(ctx context.Context, email OutgoingEmail) (*SendResult, error)
}

// RenderedEmail is the output of the template collaborator
type RenderedEmail struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// Renderer is the template collaborator
type Renderer interface {
	Render(subject, htmlBody, textBody string, vars map[string]any, processSpintax bool) (*RenderedEmail, error)
	ExtractVariables(text string) []string
}

// WebhookClient performs one outbound HTTP call; retry policy lives with
// the webhook subsystem, not here.
type WebhookClient interface {
	Do(ctx context.Context, method, url string, headers map[string]string, payload map[string]any) (status int, body []byte, err error)
}

// ContactVars builds the variable context used to personalize emails
func ContactVars(c *models.Contact) map[string]any {
	vars := map[string]any{
		"email":      c.Email,
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"company":    c.Company,
		"position":   c.Position,
		"phone":      c.Phone,
		"website":    c.Website,
	}
	for _, f := range c.CustomFields {
		vars[f.Name] = f.Value
	}
	return vars
}
