package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a workspace owner account
type User struct {
	gorm.Model

	// Authentication fields
	Email         string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash  string `gorm:"not null" json:"-"`
	EmailVerified bool   `gorm:"default:false" json:"email_verified"`
	TokenVersion  int    `gorm:"default:0" json:"-"`

	// Profile information
	Name     *string `json:"name,omitempty"`
	Company  *string `json:"company,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`
	IsAdmin  bool `gorm:"default:false" json:"is_admin"`

	// Plan information
	PlanID   *uint  `json:"plan_id,omitempty"`
	PlanName string `gorm:"default:'free'" json:"plan_name"` // free, starter, grow

	// Relations
	Senders      []Sender      `gorm:"foreignKey:UserID" json:"senders,omitempty"`
	Campaigns    []Campaign    `gorm:"foreignKey:UserID" json:"campaigns,omitempty"`
	Sequences    []Sequence    `gorm:"foreignKey:UserID" json:"sequences,omitempty"`
	ContactLists []ContactList `gorm:"foreignKey:UserID" json:"contact_lists,omitempty"`
}

// Plan represents workspace limits per subscription tier
type Plan struct {
	gorm.Model
	Name        string `gorm:"not null;uniqueIndex" json:"name"` // free, starter, grow
	Description string `json:"description"`

	MaxSenders     int `gorm:"default:1" json:"max_senders"`
	MaxContacts    int `gorm:"default:5000" json:"max_contacts"`
	DailySendLimit int `gorm:"default:500" json:"daily_send_limit"`
}

// DefaultPlans are seeded on first migration
func DefaultPlans() []Plan {
	return []Plan{
		{Name: "free", Description: "Free starter plan", MaxSenders: 1, MaxContacts: 5000, DailySendLimit: 500},
		{Name: "starter", Description: "Starter plan", MaxSenders: 3, MaxContacts: 20000, DailySendLimit: 1000},
		{Name: "grow", Description: "Growth plan", MaxSenders: 10, MaxContacts: 100000, DailySendLimit: 5000},
	}
}

// CreateDefaultPlans seeds the plan table if the rows are missing
func CreateDefaultPlans(db *gorm.DB) error {
	for _, plan := range DefaultPlans() {
		if err := db.FirstOrCreate(&plan, "name = ?", plan.Name).Error; err != nil {
			return err
		}
	}
	return nil
}

// APIKey allows programmatic enrollment and contact import
type APIKey struct {
	gorm.Model
	UserID     uint       `gorm:"not null;index" json:"user_id"`
	Name       string     `gorm:"not null" json:"name"`
	KeyHash    string     `gorm:"not null;uniqueIndex" json:"-"`
	LastUsedAt *time.Time `json:"last_used_at"`
	IsActive   bool       `gorm:"default:true" json:"is_active"`
}
