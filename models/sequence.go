package models

import (
	"time"

	"gorm.io/gorm"
)

// Sequence statuses
const (
	SequenceStatusDraft    = "draft"
	SequenceStatusActive   = "active"
	SequenceStatusPaused   = "paused"
	SequenceStatusArchived = "archived"
)

// Sequence represents a reusable multi-step outreach workflow
type Sequence struct {
	gorm.Model
	UserID   uint `gorm:"not null;index" json:"user_id"`
	SenderID uint `gorm:"not null;index" json:"sender_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, paused, archived

	// Global stop conditions, evaluated before every step
	StopOnReply       bool `gorm:"default:true" json:"stop_on_reply"`
	StopOnClick       bool `gorm:"default:false" json:"stop_on_click"`
	StopOnOpen        bool `gorm:"default:false" json:"stop_on_open"`
	StopOnBounce      bool `gorm:"default:true" json:"stop_on_bounce"`
	StopOnUnsubscribe bool `gorm:"default:true" json:"stop_on_unsubscribe"`
	StopScoreAbove    *int `json:"stop_score_above"`
	StopScoreBelow    *int `json:"stop_score_below"`

	// Pacing
	MinEmailDelayMinutes int `gorm:"default:60" json:"min_email_delay_minutes"`
	MaxEmailsPerDay      int `gorm:"default:100" json:"max_emails_per_day"`

	// Optional send window
	SendWindowEnabled bool   `gorm:"default:false" json:"send_window_enabled"`
	SendWindowStart   string `json:"send_window_start"` // "09:00"
	SendWindowEnd     string `json:"send_window_end"`   // "17:00"
	SendDays          []int  `gorm:"type:jsonb;serializer:json" json:"send_days"`
	Timezone          string `gorm:"default:'UTC'" json:"timezone"`

	// Statistics (denormalized for performance)
	ActiveEnrollments    int `gorm:"default:0" json:"active_enrollments"`
	CompletedEnrollments int `gorm:"default:0" json:"completed_enrollments"`
	StoppedEnrollments   int `gorm:"default:0" json:"stopped_enrollments"`
	EmailsSent           int `gorm:"default:0" json:"emails_sent"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// Step types
const (
	StepTypeEmail     = "email"
	StepTypeDelay     = "delay"
	StepTypeCondition = "condition"
	StepTypeTag       = "tag"
	StepTypeWebhook   = "webhook"
	StepTypeTask      = "task"
)

// SequenceStep is one node in the workflow. StepType selects which of the
// per-type column groups below is meaningful; the engine converts rows into
// typed step variants before executing them.
type SequenceStep struct {
	gorm.Model
	SequenceID uint   `gorm:"not null;index" json:"sequence_id"`
	StepOrder  int    `gorm:"not null" json:"step_order"`
	StepType   string `gorm:"not null" json:"step_type"` // email, delay, condition, tag, webhook, task
	IsActive   bool   `gorm:"default:true" json:"is_active"`

	// Email
	Subject    string `json:"subject,omitempty"`
	BodyHTML   string `gorm:"type:text" json:"body_html,omitempty"`
	BodyText   string `gorm:"type:text" json:"body_text,omitempty"`
	TemplateID *uint  `json:"template_id,omitempty"`

	// Delay
	DelayValue int    `json:"delay_value,omitempty"`
	DelayUnit  string `json:"delay_unit,omitempty"` // minutes, hours, days

	// Condition
	ConditionType     string  `json:"condition_type,omitempty"`     // opened, clicked, replied, score_above, score_below, has_tag, email_count
	ConditionOperator string  `json:"condition_operator,omitempty"` // gt, gte, lt, lte, eq (email_count only)
	ConditionValue    float64 `json:"condition_value,omitempty"`
	ConditionTagID    *uint   `json:"condition_tag_id,omitempty"`
	TrueStepID        *uint   `json:"true_step_id,omitempty"`
	FalseStepID       *uint   `json:"false_step_id,omitempty"`

	// Tag
	TagAction string `json:"tag_action,omitempty"` // add, remove
	TagID     *uint  `json:"tag_id,omitempty"`

	// Webhook
	WebhookURL     string            `json:"webhook_url,omitempty"`
	WebhookMethod  string            `json:"webhook_method,omitempty"`
	WebhookHeaders map[string]string `gorm:"type:jsonb;serializer:json" json:"webhook_headers,omitempty"`
	WebhookPayload map[string]any    `gorm:"type:jsonb;serializer:json" json:"webhook_payload,omitempty"`

	// Task
	TaskTitle    string `json:"task_title,omitempty"`
	TaskAssignee string `json:"task_assignee,omitempty"`

	// Statistics
	SentCount   int `gorm:"default:0" json:"sent_count"`
	OpenCount   int `gorm:"default:0" json:"open_count"`
	ClickCount  int `gorm:"default:0" json:"click_count"`
	FailedCount int `gorm:"default:0" json:"failed_count"`
}

// Enrollment statuses (completed and stopped are terminal)
const (
	EnrollmentStatusActive    = "active"
	EnrollmentStatusPaused    = "paused"
	EnrollmentStatusCompleted = "completed"
	EnrollmentStatusStopped   = "stopped"
	EnrollmentStatusFailed    = "failed"
)

// SequenceEnrollment is one contact's run through a sequence
type SequenceEnrollment struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_sequence_contact" json:"sequence_id"`
	ContactID  uint `gorm:"not null;index;uniqueIndex:idx_sequence_contact" json:"contact_id"`

	Status        string     `gorm:"default:'active';index" json:"status"`
	CurrentStepID *uint      `json:"current_step_id"`
	NextStepAt    *time.Time `gorm:"index" json:"next_step_at"`
	Source        string     `json:"source"` // manual, api, import, trigger

	// Engagement counters
	EmailsSent int `gorm:"default:0" json:"emails_sent"`
	OpenCount  int `gorm:"default:0" json:"open_count"`
	ClickCount int `gorm:"default:0" json:"click_count"`
	ReplyCount int `gorm:"default:0" json:"reply_count"`

	// Terminal state
	StopReason  string     `json:"stop_reason,omitempty"`
	CompletedAt *time.Time `json:"completed_at"`
	StoppedAt   *time.Time `json:"stopped_at"`

	// Relations
	Sequence Sequence `json:"-"`
	Contact  Contact  `json:"-"`
}

// Execution statuses
const (
	ExecutionStatusScheduled = "scheduled"
	ExecutionStatusSent      = "sent"
	ExecutionStatusExecuted  = "executed"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusSkipped   = "skipped"
)

// SequenceStepExecution is the append-only audit record of one step attempt
// for one enrollment. The (enrollment, step) unique index doubles as the
// idempotency key for "has this step already run".
type SequenceStepExecution struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index;uniqueIndex:idx_enrollment_step" json:"enrollment_id"`
	StepID       uint `gorm:"not null;index;uniqueIndex:idx_enrollment_step" json:"step_id"`
	SequenceID   uint `gorm:"not null;index" json:"sequence_id"`

	Status          string     `gorm:"default:'scheduled'" json:"status"`
	RenderedSubject string     `json:"rendered_subject,omitempty"`
	RenderedBody    string     `gorm:"type:text" json:"rendered_body,omitempty"`
	MessageID       string     `gorm:"index" json:"message_id,omitempty"`
	ExecutedAt      *time.Time `json:"executed_at"`
	RetryCount      int        `gorm:"default:0" json:"retry_count"`
	LastError       *string    `json:"last_error"`
}

// Sequence event types
const (
	EventEnrolled     = "enrolled"
	EventStepExecuted = "step_executed"
	EventStepFailed   = "step_failed"
	EventBranched     = "branched"
	EventCompleted    = "completed"
	EventStopped      = "stopped"
	EventPaused       = "paused"
	EventResumed      = "resumed"
	EventOpened       = "opened"
	EventClicked      = "clicked"
	EventReplied      = "replied"
	EventBounced      = "bounced"
)

// SequenceEvent is an immutable log entry for observability; never mutated
type SequenceEvent struct {
	gorm.Model
	SequenceID   uint   `gorm:"not null;index" json:"sequence_id"`
	EnrollmentID uint   `gorm:"index" json:"enrollment_id"`
	ContactID    uint   `gorm:"index" json:"contact_id"`
	StepID       *uint  `json:"step_id,omitempty"`
	EventType    string `gorm:"not null" json:"event_type"`
	Detail       string `gorm:"type:text" json:"detail,omitempty"`
}
