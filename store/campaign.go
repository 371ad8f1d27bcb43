package store

import (
	"time"

	"gorm.io/gorm"

	"coldmail/models"
)

// StartCampaign stamps started_at once delivery begins
func (s *GormStore) StartCampaign(id uint, at time.Time) error {
	return s.db.Model(&models.Campaign{}).
		Where("id = ? AND started_at IS NULL", id).
		Update("started_at", at).Error
}

// CompleteCampaign marks a campaign finished
func (s *GormStore) CompleteCampaign(id uint, at time.Time) (bool, error) {
	res := s.db.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, models.CampaignStatusSending).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusCompleted,
			"completed_at": at,
		})
	return res.RowsAffected > 0, res.Error
}

// OpenRecipientCount counts recipients still in flight for a campaign
func (s *GormStore) OpenRecipientCount(campaignID uint) (int64, error) {
	var n int64
	err := s.db.Model(&models.CampaignRecipient{}).
		Where("campaign_id = ? AND status IN ?", campaignID, []string{
			models.RecipientStatusPending,
			models.RecipientStatusQueued,
			models.RecipientStatusSending,
		}).Count(&n).Error
	return n, err
}

// SkipRecipient marks a claimed recipient as skipped, e.g. when the
// contact unsubscribed between queueing and delivery
func (s *GormStore) SkipRecipient(id uint, reason string) error {
	return s.db.Model(&models.CampaignRecipient{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.RecipientStatusSkipped,
			"last_error": reason,
		}).Error
}

// ReleaseRecipient puts a claimed recipient back in the queue, used when no
// sender has capacity left
func (s *GormStore) ReleaseRecipient(id uint) error {
	return s.db.Model(&models.CampaignRecipient{}).
		Where("id = ? AND status = ?", id, models.RecipientStatusSending).
		Update("status", models.RecipientStatusQueued).Error
}

// MarkRecipientBounced flags a delivered recipient whose message bounced
func (s *GormStore) MarkRecipientBounced(id uint) error {
	return s.db.Model(&models.CampaignRecipient{}).
		Where("id = ?", id).
		Update("status", models.RecipientStatusBounced).Error
}

// CreateBounce appends one bounce log record
func (s *GormStore) CreateBounce(b *models.Bounce) error {
	return s.db.Create(b).Error
}

// IncCampaignEngagement bumps denormalized open/click/reply/bounce counters
func (s *GormStore) IncCampaignEngagement(campaignID uint, column string) error {
	return s.db.Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Update(column, gorm.Expr(column+" + 1")).Error
}

// CreateActivity appends one contact activity record
func (s *GormStore) CreateActivity(a *models.ContactActivity) error {
	return s.db.Create(a).Error
}

// AddContactScore adjusts the contact's engagement score
func (s *GormStore) AddContactScore(contactID uint, delta int) error {
	return s.db.Model(&models.Contact{}).
		Where("id = ?", contactID).
		Update("score", gorm.Expr("score + ?", delta)).Error
}

// MarkContactBounced flags the contact after a hard bounce
func (s *GormStore) MarkContactBounced(contactID uint) error {
	return s.db.Model(&models.Contact{}).
		Where("id = ?", contactID).
		Update("is_bounced", true).Error
}

// MarkContactUnsubscribed flags the contact after an unsubscribe request
func (s *GormStore) MarkContactUnsubscribed(contactID uint) error {
	return s.db.Model(&models.Contact{}).
		Where("id = ?", contactID).
		Update("is_unsubscribed", true).Error
}
