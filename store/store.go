// Package store is the persistence layer behind the engine and the
// workers. It wraps gorm so the engine only sees the narrow interface it
// declares.
package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"coldmail/engine"
	"coldmail/models"
)

// GormStore implements engine.Store on top of a gorm connection
type GormStore struct {
	db *gorm.DB
}

// New wraps a gorm connection
func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the underlying connection for callers that need raw queries
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn against a transactional store
func (s *GormStore) Transaction(fn func(engine.Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(New(tx))
	})
}

func (s *GormStore) GetCampaign(id uint) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.db.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) PendingRecipients(campaignID uint) ([]models.CampaignRecipient, error) {
	var out []models.CampaignRecipient
	err := s.db.Where("campaign_id = ? AND status = ?", campaignID, models.RecipientStatusPending).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) QueueRecipients(assignments []engine.RecipientAssignment, queuedAt time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, a := range assignments {
			err := tx.Model(&models.CampaignRecipient{}).
				Where("id = ? AND status = ?", a.RecipientID, models.RecipientStatusPending).
				Updates(map[string]interface{}{
					"status":       models.RecipientStatusQueued,
					"scheduled_at": a.ScheduledAt,
					"send_after":   a.ScheduledAt,
					"queued_at":    queuedAt,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) SetCampaignStatus(id uint, from []string, to string) (bool, error) {
	res := s.db.Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) DueRecipients(campaignID uint, now time.Time, limit int) ([]models.CampaignRecipient, error) {
	var out []models.CampaignRecipient
	q := s.db.Where("campaign_id = ? AND status = ?", campaignID, models.RecipientStatusQueued).
		Where("send_after IS NULL OR send_after <= ?", now).
		Order("send_after ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStore) ClaimRecipient(id uint) (bool, error) {
	res := s.db.Model(&models.CampaignRecipient{}).
		Where("id = ? AND status = ?", id, models.RecipientStatusQueued).
		Update("status", models.RecipientStatusSending)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) MarkRecipientSent(id uint, senderID uint, messageID string, sentAt time.Time) error {
	return s.db.Model(&models.CampaignRecipient{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.RecipientStatusSent,
			"sender_id":  senderID,
			"message_id": messageID,
			"sent_at":    sentAt,
			"last_error": nil,
		}).Error
}

func (s *GormStore) MarkRecipientFailed(id uint, errMsg string) error {
	return s.db.Model(&models.CampaignRecipient{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      models.RecipientStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  errMsg,
		}).Error
}

func (s *GormStore) ResetFailedRecipients(campaignID uint, maxRetries int) (int64, error) {
	res := s.db.Model(&models.CampaignRecipient{}).
		Where("campaign_id = ? AND status = ? AND retry_count < ?",
			campaignID, models.RecipientStatusFailed, maxRetries).
		Update("status", models.RecipientStatusQueued)
	return res.RowsAffected, res.Error
}

func (s *GormStore) IncCampaignCounters(campaignID uint, sent, failed int) error {
	updates := map[string]interface{}{}
	if sent != 0 {
		updates["sent_count"] = gorm.Expr("sent_count + ?", sent)
	}
	if failed != 0 {
		updates["failed_count"] = gorm.Expr("failed_count + ?", failed)
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.Model(&models.Campaign{}).Where("id = ?", campaignID).Updates(updates).Error
}

func (s *GormStore) GetSequence(id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).First(&seq, id).Error
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *GormStore) SaveSequence(seq *models.Sequence) error {
	return s.db.Omit("Steps").Save(seq).Error
}

func (s *GormStore) GetStep(id uint) (*models.SequenceStep, error) {
	var step models.SequenceStep
	if err := s.db.First(&step, id).Error; err != nil {
		return nil, err
	}
	return &step, nil
}

func (s *GormStore) GetContact(id uint) (*models.Contact, error) {
	var c models.Contact
	if err := s.db.Preload("CustomFields").First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) GetTemplate(id uint) (*models.Template, error) {
	var t models.Template
	if err := s.db.First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *GormStore) GetEnrollment(id uint) (*models.SequenceEnrollment, error) {
	var e models.SequenceEnrollment
	if err := s.db.First(&e, id).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *GormStore) ActiveEnrollment(sequenceID, contactID uint) (*models.SequenceEnrollment, error) {
	var e models.SequenceEnrollment
	err := s.db.Where("sequence_id = ? AND contact_id = ? AND status = ?",
		sequenceID, contactID, models.EnrollmentStatusActive).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *GormStore) CreateEnrollment(e *models.SequenceEnrollment) error {
	return s.db.Create(e).Error
}

func (s *GormStore) SaveEnrollment(e *models.SequenceEnrollment) error {
	return s.db.Save(e).Error
}

func (s *GormStore) DueEnrollments(now time.Time, limit int) ([]models.SequenceEnrollment, error) {
	var out []models.SequenceEnrollment
	q := s.db.Where("status = ? AND next_step_at IS NOT NULL AND next_step_at <= ?",
		models.EnrollmentStatusActive, now).
		Order("next_step_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStore) BulkEnrollmentStatus(sequenceID uint, from, to string) (int64, error) {
	res := s.db.Model(&models.SequenceEnrollment{}).
		Where("sequence_id = ? AND status = ?", sequenceID, from).
		Update("status", to)
	return res.RowsAffected, res.Error
}

func (s *GormStore) AddSequenceActive(sequenceID uint, delta int) error {
	return s.db.Model(&models.Sequence{}).
		Where("id = ?", sequenceID).
		Update("active_enrollments", gorm.Expr("active_enrollments + ?", delta)).Error
}

func (s *GormStore) IncSequenceCompleted(sequenceID uint) error {
	return s.db.Model(&models.Sequence{}).
		Where("id = ?", sequenceID).
		Update("completed_enrollments", gorm.Expr("completed_enrollments + 1")).Error
}

func (s *GormStore) IncSequenceStopped(sequenceID uint) error {
	return s.db.Model(&models.Sequence{}).
		Where("id = ?", sequenceID).
		Update("stopped_enrollments", gorm.Expr("stopped_enrollments + 1")).Error
}

func (s *GormStore) RecordSequenceEmailSent(sequenceID, stepID, contactID uint) error {
	if err := s.db.Model(&models.Sequence{}).
		Where("id = ?", sequenceID).
		Update("emails_sent", gorm.Expr("emails_sent + 1")).Error; err != nil {
		return err
	}
	if err := s.db.Model(&models.SequenceStep{}).
		Where("id = ?", stepID).
		Update("sent_count", gorm.Expr("sent_count + 1")).Error; err != nil {
		return err
	}
	return s.db.Model(&models.Contact{}).
		Where("id = ?", contactID).
		Updates(map[string]interface{}{
			"emails_sent":  gorm.Expr("emails_sent + 1"),
			"last_contact": time.Now().UTC(),
		}).Error
}

func (s *GormStore) IncStepFailed(stepID uint) error {
	return s.db.Model(&models.SequenceStep{}).
		Where("id = ?", stepID).
		Update("failed_count", gorm.Expr("failed_count + 1")).Error
}

func (s *GormStore) IncStepEngagement(stepID uint, opens, clicks int) error {
	updates := map[string]interface{}{}
	if opens != 0 {
		updates["open_count"] = gorm.Expr("open_count + ?", opens)
	}
	if clicks != 0 {
		updates["click_count"] = gorm.Expr("click_count + ?", clicks)
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.Model(&models.SequenceStep{}).Where("id = ?", stepID).Updates(updates).Error
}

func (s *GormStore) GetOrCreateExecution(enrollmentID, stepID, sequenceID uint) (*models.SequenceStepExecution, bool, error) {
	var x models.SequenceStepExecution
	err := s.db.Where("enrollment_id = ? AND step_id = ?", enrollmentID, stepID).First(&x).Error
	if err == nil {
		return &x, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	x = models.SequenceStepExecution{
		EnrollmentID: enrollmentID,
		StepID:       stepID,
		SequenceID:   sequenceID,
		Status:       models.ExecutionStatusScheduled,
	}
	if err := s.db.Create(&x).Error; err != nil {
		// lost a race against a concurrent worker; the unique index on
		// (enrollment_id, step_id) guarantees the row now exists
		var existing models.SequenceStepExecution
		if ferr := s.db.Where("enrollment_id = ? AND step_id = ?", enrollmentID, stepID).First(&existing).Error; ferr == nil {
			return &existing, false, nil
		}
		return nil, false, err
	}
	return &x, true, nil
}

func (s *GormStore) SaveExecution(x *models.SequenceStepExecution) error {
	return s.db.Save(x).Error
}

func (s *GormStore) FindExecutionByMessageID(messageID string) (*models.SequenceStepExecution, error) {
	var x models.SequenceStepExecution
	if err := s.db.Where("message_id = ?", messageID).First(&x).Error; err != nil {
		return nil, err
	}
	return &x, nil
}

func (s *GormStore) CreateEvent(ev *models.SequenceEvent) error {
	return s.db.Create(ev).Error
}

func (s *GormStore) AddContactTag(contactID, tagID uint) error {
	return s.db.Where(models.ContactTag{ContactID: contactID, TagID: tagID}).
		FirstOrCreate(&models.ContactTag{}).Error
}

func (s *GormStore) RemoveContactTag(contactID, tagID uint) error {
	return s.db.Where("contact_id = ? AND tag_id = ?", contactID, tagID).
		Delete(&models.ContactTag{}).Error
}

func (s *GormStore) ContactHasTag(contactID, tagID uint) (bool, error) {
	var n int64
	err := s.db.Model(&models.ContactTag{}).
		Where("contact_id = ? AND tag_id = ?", contactID, tagID).
		Count(&n).Error
	return n > 0, err
}
