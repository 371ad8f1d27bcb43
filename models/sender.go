package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender represents email sending and receiving credentials
type Sender struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`
	ReplyTo   string `json:"reply_to"`

	// Connection type
	ProviderType string `gorm:"not null;default:'smtp'" json:"provider_type"` // smtp, gmail, outlook

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"` // Encrypted in application layer
	Encryption   string `json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration (reply detection) =========
	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"-"` // Encrypted in application layer
	IMAPMailbox  string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= OAuth Configuration =========
	OAuthProvider     string    `gorm:"column:oauth_provider" json:"oauth_provider"`
	OAuthToken        string    `gorm:"column:oauth_token" json:"-"`
	OAuthRefreshToken string    `gorm:"column:oauth_refresh_token" json:"-"`
	OAuthExpiry       time.Time `gorm:"column:oauth_expiry" json:"oauth_expiry"`

	// ========= Status =========
	IsActive     bool       `gorm:"default:true" json:"is_active"`
	SMTPVerified bool       `gorm:"default:false" json:"smtp_verified"`
	IMAPVerified bool       `gorm:"default:false" json:"imap_verified"`
	LastTestedAt *time.Time `json:"last_tested_at"`
	LastError    *string    `json:"last_error"`
	LastCheckAt  *time.Time `json:"last_check_at"` // inbox poll watermark

	// ========= Usage metrics =========
	DailyLimit int `gorm:"default:500" json:"daily_limit"`
	SentToday  int `gorm:"default:0" json:"sent_today"`
	TotalSent  int `gorm:"default:0" json:"total_sent"`
	ReplyCount int `gorm:"default:0" json:"reply_count"`
}

// Sanitize strips credentials before a sender is returned to clients
func (s *Sender) Sanitize() {
	s.SMTPPassword = ""
	s.IMAPPassword = ""
	s.OAuthToken = ""
	s.OAuthRefreshToken = ""
}

// RemainingToday returns how many sends the sender has left for the day
func (s *Sender) RemainingToday() int {
	remaining := s.DailyLimit - s.SentToday
	if remaining < 0 {
		return 0
	}
	return remaining
}
