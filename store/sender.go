package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"coldmail/models"
)

// ErrNoSenderAvailable means every candidate sender is inactive or out of
// daily quota
var ErrNoSenderAvailable = errors.New("no sender with remaining capacity")

// SendingCampaigns lists campaigns the delivery worker should poll
func (s *GormStore) SendingCampaigns() ([]models.Campaign, error) {
	var out []models.Campaign
	err := s.db.Where("status = ?", models.CampaignStatusSending).Find(&out).Error
	return out, err
}

// DueScheduledCampaigns lists scheduled campaigns whose start time has
// arrived
func (s *GormStore) DueScheduledCampaigns(now time.Time) ([]models.Campaign, error) {
	var out []models.Campaign
	err := s.db.Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?",
		models.CampaignStatusScheduled, now).Find(&out).Error
	return out, err
}

// CampaignSenderIDs returns the sender pool attached to a campaign
func (s *GormStore) CampaignSenderIDs(campaignID uint) ([]uint, error) {
	var ids []uint
	err := s.db.Model(&models.CampaignSender{}).
		Where("campaign_id = ?", campaignID).
		Pluck("sender_id", &ids).Error
	return ids, err
}

// PickSender chooses the active sender with the most remaining daily
// capacity from the given pool. An empty pool considers all of the user's
// senders.
func (s *GormStore) PickSender(userID uint, pool []uint) (*models.Sender, error) {
	q := s.db.Where("user_id = ? AND is_active = ? AND sent_today < daily_limit", userID, true)
	if len(pool) > 0 {
		q = q.Where("id IN ?", pool)
	}

	var sender models.Sender
	err := q.Order("(daily_limit - sent_today) DESC").First(&sender).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSenderAvailable
	}
	if err != nil {
		return nil, err
	}
	return &sender, nil
}

// GetSender loads one sender
func (s *GormStore) GetSender(id uint) (*models.Sender, error) {
	var sender models.Sender
	if err := s.db.First(&sender, id).Error; err != nil {
		return nil, err
	}
	return &sender, nil
}

// RecordSenderSend bumps the sender's usage counters after a successful
// delivery
func (s *GormStore) RecordSenderSend(senderID uint) error {
	return s.db.Model(&models.Sender{}).
		Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"sent_today": gorm.Expr("sent_today + 1"),
			"total_sent": gorm.Expr("total_sent + 1"),
		}).Error
}

// UserDailyQuota sums today's sends across the user's senders and returns
// them alongside the plan's daily cap. A missing plan row means no cap.
func (s *GormStore) UserDailyQuota(userID uint) (int64, int, error) {
	var sent int64
	if err := s.db.Model(&models.Sender{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(sent_today), 0)").
		Scan(&sent).Error; err != nil {
		return 0, 0, err
	}

	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		return 0, 0, err
	}

	var plan models.Plan
	err := s.db.Where("name = ?", user.PlanName).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sent, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return sent, plan.DailySendLimit, nil
}

// ResetSenderDailyCounters zeroes sent_today across all senders; runs from
// the midnight cron job
func (s *GormStore) ResetSenderDailyCounters() (int64, error) {
	res := s.db.Model(&models.Sender{}).
		Where("sent_today > 0").
		Update("sent_today", 0)
	return res.RowsAffected, res.Error
}

// IMAPSenders lists senders the inbox watcher should poll for replies and
// bounces
func (s *GormStore) IMAPSenders() ([]models.Sender, error) {
	var out []models.Sender
	err := s.db.Where("is_active = ? AND imap_host <> ''", true).Find(&out).Error
	return out, err
}

// TouchSenderCheck moves the inbox poll watermark forward
func (s *GormStore) TouchSenderCheck(senderID uint, at time.Time) error {
	return s.db.Model(&models.Sender{}).
		Where("id = ?", senderID).
		Update("last_check_at", at).Error
}

// FindRecipientByMessageID resolves a campaign recipient from an SMTP
// message id, used by reply and bounce matching
func (s *GormStore) FindRecipientByMessageID(messageID string) (*models.CampaignRecipient, error) {
	var r models.CampaignRecipient
	if err := s.db.Where("message_id = ?", messageID).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}
