package models

import (
	"gorm.io/gorm"
)

// Template represents reusable email content for campaigns and sequence steps
type Template struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Subject     string `gorm:"not null" json:"subject"`
	HTMLContent string `gorm:"type:text" json:"html_content"`
	TextContent string `gorm:"type:text" json:"text_content"`

	Category string `json:"category"`
}

// Unsubscribe represents unsubscribe requests
type Unsubscribe struct {
	gorm.Model
	Email      string `gorm:"not null;index" json:"email"`
	ContactID  *uint  `json:"contact_id,omitempty"`
	CampaignID *uint  `json:"campaign_id,omitempty"`
	SequenceID *uint  `json:"sequence_id,omitempty"`

	Reason    string `json:"reason"`
	IPAddress string `json:"ip_address"`
}

// Bounce represents email bounce records
type Bounce struct {
	gorm.Model
	Email      string `gorm:"not null;index" json:"email"`
	ContactID  *uint  `json:"contact_id,omitempty"`
	CampaignID *uint  `json:"campaign_id,omitempty"`
	SequenceID *uint  `json:"sequence_id,omitempty"`
	SenderID   uint   `gorm:"not null;index" json:"sender_id"`

	Type           string `gorm:"not null" json:"type"` // hard, soft, block
	Code           string `json:"code"`
	Message        string `json:"message"`
	DiagnosticCode string `json:"diagnostic_code"`
}
