package engine

import (
	"context"
	"fmt"
	"time"

	"coldmail/models"
)

// Step is one executable node of a sequence. Rows from the steps table are
// converted into exactly one variant below before execution; unknown or
// misconfigured rows fail the conversion instead of executing half-way.
type Step interface {
	Type() string
	Order() int
}

type baseStep struct {
	ID        uint
	StepOrder int
}

func (b baseStep) Order() int { return b.StepOrder }

// EmailStep sends a personalized email to the enrolled contact
type EmailStep struct {
	baseStep
	Subject    string
	BodyHTML   string
	BodyText   string
	TemplateID *uint
}

func (EmailStep) Type() string { return models.StepTypeEmail }

// DelayStep holds the enrollment for a configured duration before the
// following step
type DelayStep struct {
	baseStep
	Duration time.Duration
}

func (DelayStep) Type() string { return models.StepTypeDelay }

// ConditionStep evaluates a predicate against the enrollment and branches
type ConditionStep struct {
	baseStep
	Condition string
	Operator  string
	Value     float64
	TagID     *uint
	TrueStep  *uint
	FalseStep *uint
}

func (ConditionStep) Type() string { return models.StepTypeCondition }

// TagStep adds or removes a tag on the contact
type TagStep struct {
	baseStep
	Action string
	TagID  *uint
}

func (TagStep) Type() string { return models.StepTypeTag }

// WebhookStep calls an external HTTP endpoint
type WebhookStep struct {
	baseStep
	URL     string
	Method  string
	Headers map[string]string
	Payload map[string]any
}

func (WebhookStep) Type() string { return models.StepTypeWebhook }

// TaskStep records a manual to-do; it has no side effects beyond the event
// log
type TaskStep struct {
	baseStep
	Title    string
	Assignee string
}

func (TaskStep) Type() string { return models.StepTypeTask }

// buildStep converts a stored row into its typed variant
func buildStep(row *models.SequenceStep) (Step, error) {
	base := baseStep{ID: row.ID, StepOrder: row.StepOrder}
	switch row.StepType {
	case models.StepTypeEmail:
		if row.Subject == "" && row.TemplateID == nil {
			return nil, fmt.Errorf("email step %d has neither subject nor template", row.ID)
		}
		return EmailStep{
			baseStep:   base,
			Subject:    row.Subject,
			BodyHTML:   row.BodyHTML,
			BodyText:   row.BodyText,
			TemplateID: row.TemplateID,
		}, nil
	case models.StepTypeDelay:
		d, err := delayDuration(row.DelayValue, row.DelayUnit)
		if err != nil {
			return nil, fmt.Errorf("delay step %d: %w", row.ID, err)
		}
		return DelayStep{baseStep: base, Duration: d}, nil
	case models.StepTypeCondition:
		if row.ConditionType == "" {
			return nil, fmt.Errorf("condition step %d has no condition type", row.ID)
		}
		return ConditionStep{
			baseStep:  base,
			Condition: row.ConditionType,
			Operator:  row.ConditionOperator,
			Value:     row.ConditionValue,
			TagID:     row.ConditionTagID,
			TrueStep:  row.TrueStepID,
			FalseStep: row.FalseStepID,
		}, nil
	case models.StepTypeTag:
		if row.TagID == nil {
			return nil, fmt.Errorf("tag step %d has no tag", row.ID)
		}
		if row.TagAction != "add" && row.TagAction != "remove" {
			return nil, fmt.Errorf("tag step %d has invalid action %q", row.ID, row.TagAction)
		}
		return TagStep{baseStep: base, Action: row.TagAction, TagID: row.TagID}, nil
	case models.StepTypeWebhook:
		if row.WebhookURL == "" {
			return nil, fmt.Errorf("webhook step %d has no URL", row.ID)
		}
		method := row.WebhookMethod
		if method == "" {
			method = "POST"
		}
		return WebhookStep{
			baseStep: base,
			URL:      row.WebhookURL,
			Method:   method,
			Headers:  row.WebhookHeaders,
			Payload:  row.WebhookPayload,
		}, nil
	case models.StepTypeTask:
		if row.TaskTitle == "" {
			return nil, fmt.Errorf("task step %d has no title", row.ID)
		}
		return TaskStep{baseStep: base, Title: row.TaskTitle, Assignee: row.TaskAssignee}, nil
	default:
		return nil, fmt.Errorf("step %d has unknown type %q", row.ID, row.StepType)
	}
}

func delayDuration(value int, unit string) (time.Duration, error) {
	if value <= 0 {
		return 0, fmt.Errorf("delay value must be positive, got %d", value)
	}
	switch unit {
	case "minutes":
		return time.Duration(value) * time.Minute, nil
	case "hours":
		return time.Duration(value) * time.Hour, nil
	case "days":
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown delay unit %q", unit)
	}
}

// stepOutcome is the result of executing one step variant
type stepOutcome struct {
	status   string // execution status to record
	message  string
	branch   *uint // explicit next step chosen by a condition
	branched bool
}

func (e *SequenceEngine) executeEmail(ctx context.Context, tx Store, seq *models.Sequence, enrollment *models.SequenceEnrollment, contact *models.Contact, step EmailStep, exec *models.SequenceStepExecution) (stepOutcome, error) {
	subject, html, text := step.Subject, step.BodyHTML, step.BodyText
	if step.TemplateID != nil {
		tmpl, err := tx.GetTemplate(*step.TemplateID)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("load template %d: %w", *step.TemplateID, err)
		}
		if subject == "" {
			subject = tmpl.Subject
		}
		if html == "" {
			html = tmpl.HTMLContent
		}
		if text == "" {
			text = tmpl.TextContent
		}
	}

	rendered, err := e.renderer.Render(subject, html, text, ContactVars(contact), true)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("render email: %w", err)
	}
	exec.RenderedSubject = rendered.Subject
	exec.RenderedBody = rendered.HTMLBody

	if err := e.mailer.CanSend(seq.SenderID); err != nil {
		return stepOutcome{}, fmt.Errorf("sender %d: %w", seq.SenderID, err)
	}

	result, err := e.mailer.Send(ctx, OutgoingEmail{
		SenderID: seq.SenderID,
		To:       contact.Email,
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
		TextBody: rendered.TextBody,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("send email: %w", err)
	}
	if !result.Success {
		return stepOutcome{}, fmt.Errorf("send email: %s", result.Message)
	}

	exec.MessageID = result.MessageID
	enrollment.EmailsSent++
	if err := tx.RecordSequenceEmailSent(seq.ID, step.ID, contact.ID); err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{status: models.ExecutionStatusSent, message: "email sent"}, nil
}

func (e *SequenceEngine) executeCondition(tx Store, enrollment *models.SequenceEnrollment, contact *models.Contact, step ConditionStep) (stepOutcome, error) {
	result, err := e.evalCondition(tx, enrollment, contact, step)
	if err != nil {
		return stepOutcome{}, err
	}

	out := stepOutcome{
		status:  models.ExecutionStatusExecuted,
		message: fmt.Sprintf("condition %s evaluated to %t", step.Condition, result),
	}
	if result && step.TrueStep != nil {
		out.branch = step.TrueStep
		out.branched = true
	} else if !result && step.FalseStep != nil {
		out.branch = step.FalseStep
		out.branched = true
	}
	return out, nil
}

func (e *SequenceEngine) evalCondition(tx Store, enrollment *models.SequenceEnrollment, contact *models.Contact, step ConditionStep) (bool, error) {
	switch step.Condition {
	case "opened":
		return enrollment.OpenCount > 0, nil
	case "clicked":
		return enrollment.ClickCount > 0, nil
	case "replied":
		return enrollment.ReplyCount > 0, nil
	case "score_above":
		return float64(contact.Score) > step.Value, nil
	case "score_below":
		return float64(contact.Score) < step.Value, nil
	case "has_tag":
		if step.TagID == nil {
			return false, fmt.Errorf("has_tag condition on step %d has no tag", step.ID)
		}
		return tx.ContactHasTag(contact.ID, *step.TagID)
	case "email_count":
		return compareCount(enrollment.EmailsSent, step.Operator, step.Value)
	default:
		return false, fmt.Errorf("unknown condition type %q", step.Condition)
	}
}

func compareCount(count int, operator string, value float64) (bool, error) {
	n := float64(count)
	switch operator {
	case "gt":
		return n > value, nil
	case "gte":
		return n >= value, nil
	case "lt":
		return n < value, nil
	case "lte":
		return n <= value, nil
	case "eq":
		return n == value, nil
	default:
		return false, fmt.Errorf("unknown comparison operator %q", operator)
	}
}

func (e *SequenceEngine) executeTag(tx Store, contact *models.Contact, step TagStep) (stepOutcome, error) {
	var err error
	if step.Action == "add" {
		err = tx.AddContactTag(contact.ID, *step.TagID)
	} else {
		err = tx.RemoveContactTag(contact.ID, *step.TagID)
	}
	if err != nil {
		return stepOutcome{}, fmt.Errorf("%s tag %d: %w", step.Action, *step.TagID, err)
	}
	return stepOutcome{
		status:  models.ExecutionStatusExecuted,
		message: fmt.Sprintf("tag %d %s", *step.TagID, step.Action+"ed"),
	}, nil
}

func (e *SequenceEngine) executeWebhook(ctx context.Context, seq *models.Sequence, enrollment *models.SequenceEnrollment, contact *models.Contact, step WebhookStep) (stepOutcome, error) {
	payload := map[string]any{
		"sequence_id":   seq.ID,
		"enrollment_id": enrollment.ID,
		"step_id":       step.ID,
		"contact_id":    contact.ID,
		"email":         contact.Email,
		"first_name":    contact.FirstName,
		"last_name":     contact.LastName,
	}
	for k, v := range step.Payload {
		payload[k] = v
	}

	status, _, err := e.webhooks.Do(ctx, step.Method, step.URL, step.Headers, payload)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("webhook %s: %w", step.URL, err)
	}
	if status < 200 || status > 299 {
		return stepOutcome{}, fmt.Errorf("webhook %s returned status %d", step.URL, status)
	}
	return stepOutcome{
		status:  models.ExecutionStatusExecuted,
		message: fmt.Sprintf("webhook returned status %d", status),
	}, nil
}
