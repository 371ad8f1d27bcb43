package models

import (
	"time"

	"gorm.io/gorm"
)

// ContactList represents a list of contacts
type ContactList struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"` // manual, csv, api

	// Statistics
	ContactCount int `gorm:"default:0" json:"contact_count"`
	ActiveCount  int `gorm:"default:0" json:"active_count"`
	BouncedCount int `gorm:"default:0" json:"bounced_count"`

	// Relations
	Contacts []Contact `gorm:"foreignKey:ContactListID" json:"contacts,omitempty"`
}

// Contact represents a single recipient
type Contact struct {
	gorm.Model
	UserID        uint `gorm:"not null;index" json:"user_id"`
	ContactListID uint `gorm:"not null;index" json:"contact_list_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Phone     string `json:"phone"`
	Website   string `json:"website"`
	Timezone  string `json:"timezone"`

	// Status
	IsActive       bool `gorm:"default:true" json:"is_active"`
	IsVerified     bool `gorm:"default:false" json:"is_verified"`
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	// Engagement
	Score       int        `gorm:"default:0" json:"score"`
	EmailsSent  int        `gorm:"default:0" json:"emails_sent"`
	LastContact *time.Time `json:"last_contact"`

	Source string `json:"source"`

	// Relations
	Tags         []ContactTag         `gorm:"foreignKey:ContactID" json:"tags,omitempty"`
	CustomFields []ContactCustomField `gorm:"foreignKey:ContactID" json:"custom_fields,omitempty"`
	ContactList  ContactList          `json:"-"`
}

// Reachable reports whether the contact may still be emailed
func (c *Contact) Reachable() bool {
	return c.IsActive && !c.IsBounced && !c.IsUnsubscribed && !c.IsDoNotContact
}

// Tag is a user-defined label applied to contacts
type Tag struct {
	gorm.Model
	UserID uint   `gorm:"not null;index" json:"user_id"`
	Name   string `gorm:"not null;index" json:"name"`
	Color  string `json:"color"`
}

// ContactTag joins contacts to tags
type ContactTag struct {
	gorm.Model
	ContactID uint `gorm:"not null;index;uniqueIndex:idx_contact_tag" json:"contact_id"`
	TagID     uint `gorm:"not null;index;uniqueIndex:idx_contact_tag" json:"tag_id"`

	Tag Tag `json:"tag,omitempty"`
}

// ContactCustomField represents custom fields for contacts
type ContactCustomField struct {
	gorm.Model
	ContactID uint   `gorm:"not null;index" json:"contact_id"`
	Name      string `gorm:"not null;index" json:"name"`
	Value     string `gorm:"type:text" json:"value"`
}

// ContactActivity tracks engagement events for a contact across campaigns
// and sequences
type ContactActivity struct {
	gorm.Model
	ContactID  uint  `gorm:"not null;index" json:"contact_id"`
	CampaignID *uint `json:"campaign_id,omitempty"`
	SequenceID *uint `json:"sequence_id,omitempty"`
	SenderID   *uint `json:"sender_id,omitempty"`

	ActivityType string    `gorm:"not null" json:"activity_type"` // sent, opened, clicked, replied, bounced, unsubscribed
	ActivityAt   time.Time `gorm:"not null" json:"activity_at"`
	MessageID    string    `gorm:"index" json:"message_id"`
	Details      string    `gorm:"type:text" json:"details"`
}
