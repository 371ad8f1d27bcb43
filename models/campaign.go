package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign send modes
const (
	SendModeImmediate = "immediate"
	SendModeScheduled = "scheduled"
	SendModeSpread    = "spread"
)

// Campaign lifecycle statuses
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSending   = "sending"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusCancelled = "cancelled"
)

// Campaign represents a one-shot email send job
type Campaign struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Subject     string `gorm:"not null" json:"subject"`
	BodyHTML    string `gorm:"type:text" json:"body_html"`
	BodyText    string `gorm:"type:text" json:"body_text"`
	TemplateID  *uint  `json:"template_id,omitempty"`
	Description string `json:"description"`

	// Scheduling
	SendMode    string     `gorm:"default:'immediate'" json:"send_mode"` // immediate, scheduled, spread
	Status      string     `gorm:"default:'draft'" json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Inter-message pacing
	MinDelaySeconds   int `gorm:"default:30" json:"min_delay_seconds"`
	MaxDelaySeconds   int `gorm:"default:90" json:"max_delay_seconds"`
	BatchSize         int `gorm:"default:0" json:"batch_size"` // 0 disables batch pauses
	BatchDelayMinutes int `gorm:"default:0" json:"batch_delay_minutes"`
	MaxRetries        int `gorm:"default:3" json:"max_retries"`

	// Spread window (weekday set + daily local time range)
	SendWindowStart string `json:"send_window_start"`                           // "09:00"
	SendWindowEnd   string `json:"send_window_end"`                             // "17:00"
	SendDays        []int  `gorm:"type:jsonb;serializer:json" json:"send_days"` // 0=Sunday .. 6=Saturday
	Timezone        string `gorm:"default:'UTC'" json:"timezone"`

	// Tracking settings
	TrackOpens  bool `gorm:"default:true" json:"track_opens"`
	TrackClicks bool `gorm:"default:true" json:"track_clicks"`

	// Statistics (denormalized for performance)
	TotalRecipients int `gorm:"default:0" json:"total_recipients"`
	SentCount       int `gorm:"default:0" json:"sent_count"`
	FailedCount     int `gorm:"default:0" json:"failed_count"`
	OpenCount       int `gorm:"default:0" json:"open_count"`
	ClickCount      int `gorm:"default:0" json:"click_count"`
	ReplyCount      int `gorm:"default:0" json:"reply_count"`
	BounceCount     int `gorm:"default:0" json:"bounce_count"`

	// Relations
	Recipients []CampaignRecipient `gorm:"foreignKey:CampaignID" json:"recipients,omitempty"`
}

// HasSendWindow reports whether a spread window is configured
func (c *Campaign) HasSendWindow() bool {
	return c.SendWindowStart != "" && c.SendWindowEnd != "" && len(c.SendDays) > 0
}

// Recipient statuses
const (
	RecipientStatusPending = "pending"
	RecipientStatusQueued  = "queued"
	RecipientStatusSending = "sending"
	RecipientStatusSent    = "sent"
	RecipientStatusFailed  = "failed"
	RecipientStatusBounced = "bounced"
	RecipientStatusSkipped = "skipped"
)

// CampaignRecipient is one (campaign, contact) pairing
type CampaignRecipient struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index;uniqueIndex:idx_campaign_contact" json:"campaign_id"`
	ContactID  uint `gorm:"not null;index;uniqueIndex:idx_campaign_contact" json:"contact_id"`

	Status      string     `gorm:"default:'pending';index" json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at"`            // intended send time
	SendAfter   *time.Time `gorm:"index" json:"send_after"` // earliest allowed time, poll filter
	QueuedAt    *time.Time `json:"queued_at"`
	SentAt      *time.Time `json:"sent_at"`

	SenderID   *uint   `json:"sender_id,omitempty"`
	MessageID  string  `gorm:"index" json:"message_id"`
	RetryCount int     `gorm:"default:0" json:"retry_count"`
	LastError  *string `json:"last_error"`

	// Relations
	Campaign Campaign `json:"-"`
	Contact  Contact  `json:"-"`
}

// CampaignSender joins campaigns to the senders they rotate across
type CampaignSender struct {
	gorm.Model
	CampaignID uint `gorm:"index" json:"campaign_id"`
	SenderID   uint `gorm:"index" json:"sender_id"`
}
