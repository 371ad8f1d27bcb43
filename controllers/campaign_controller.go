package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldmail/engine"
	"coldmail/models"
	"coldmail/store"
	"coldmail/utils"
	"coldmail/worker"
)

type CampaignController struct {
	DB     *gorm.DB
	Store  *store.GormStore
	Worker *worker.CampaignWorker
	Logger *logrus.Logger
}

func NewCampaignController(db *gorm.DB, st *store.GormStore, cw *worker.CampaignWorker, logger *logrus.Logger) *CampaignController {
	return &CampaignController{
		DB:     db,
		Store:  st,
		Worker: cw,
		Logger: logger,
	}
}

type campaignInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Subject     string `json:"subject" validate:"required_without=TemplateID"`
	BodyHTML    string `json:"body_html"`
	BodyText    string `json:"body_text"`
	TemplateID  *uint  `json:"template_id"`
	Description string `json:"description"`

	SendMode    string     `json:"send_mode" validate:"omitempty,oneof=immediate scheduled spread"`
	ScheduledAt *time.Time `json:"scheduled_at"`

	MinDelaySeconds   *int `json:"min_delay_seconds" validate:"omitempty,min=0"`
	MaxDelaySeconds   *int `json:"max_delay_seconds" validate:"omitempty,min=0"`
	BatchSize         *int `json:"batch_size" validate:"omitempty,min=0"`
	BatchDelayMinutes *int `json:"batch_delay_minutes" validate:"omitempty,min=0"`
	MaxRetries        *int `json:"max_retries" validate:"omitempty,min=0,max=10"`

	SendWindowStart string `json:"send_window_start" validate:"omitempty,clock"`
	SendWindowEnd   string `json:"send_window_end" validate:"omitempty,clock"`
	SendDays        []int  `json:"send_days" validate:"omitempty,dive,min=0,max=6"`
	Timezone        string `json:"timezone"`

	TrackOpens  *bool `json:"track_opens"`
	TrackClicks *bool `json:"track_clicks"`

	SenderIDs      []uint `json:"sender_ids"`
	ContactListIDs []uint `json:"contact_list_ids"`
	ContactIDs     []uint `json:"contact_ids"`
}

func (in *campaignInput) validateWindow() error {
	if in.SendWindowStart == "" && in.SendWindowEnd == "" && len(in.SendDays) == 0 {
		return nil
	}
	_, err := engine.ParseSendWindow(in.SendWindowStart, in.SendWindowEnd, in.SendDays, in.Timezone)
	return err
}

// CreateCampaign builds a campaign in draft state together with its sender
// pool and recipient rows
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input campaignInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := input.validateWindow(); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid send window", err)
	}
	if len(input.SenderIDs) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "At least one sender is required", nil)
	}
	if input.SendMode == models.SendModeScheduled && input.ScheduledAt == nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Scheduled campaigns need scheduled_at", nil)
	}

	campaign := models.Campaign{
		UserID:      user.ID,
		Name:        input.Name,
		Subject:     input.Subject,
		BodyHTML:    input.BodyHTML,
		BodyText:    input.BodyText,
		TemplateID:  input.TemplateID,
		Description: input.Description,
		Status:      models.CampaignStatusDraft,
		ScheduledAt: input.ScheduledAt,

		SendWindowStart: input.SendWindowStart,
		SendWindowEnd:   input.SendWindowEnd,
		SendDays:        input.SendDays,
	}
	if input.SendMode != "" {
		campaign.SendMode = input.SendMode
	} else {
		campaign.SendMode = models.SendModeImmediate
	}
	if input.Timezone != "" {
		campaign.Timezone = input.Timezone
	} else {
		campaign.Timezone = "UTC"
	}
	campaign.MinDelaySeconds = intOrDefault(input.MinDelaySeconds, 30)
	campaign.MaxDelaySeconds = intOrDefault(input.MaxDelaySeconds, 90)
	campaign.BatchSize = intOrDefault(input.BatchSize, 0)
	campaign.BatchDelayMinutes = intOrDefault(input.BatchDelayMinutes, 0)
	campaign.MaxRetries = intOrDefault(input.MaxRetries, 3)
	campaign.TrackOpens = boolOrDefault(input.TrackOpens, true)
	campaign.TrackClicks = boolOrDefault(input.TrackClicks, true)

	if campaign.MinDelaySeconds > campaign.MaxDelaySeconds {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "min_delay_seconds cannot exceed max_delay_seconds", nil)
	}

	err := cc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&campaign).Error; err != nil {
			return err
		}
		for _, senderID := range input.SenderIDs {
			var sender models.Sender
			if err := tx.Where("id = ? AND user_id = ?", senderID, user.ID).First(&sender).Error; err != nil {
				return errors.New("sender not found")
			}
			if err := tx.Create(&models.CampaignSender{
				CampaignID: campaign.ID,
				SenderID:   senderID,
			}).Error; err != nil {
				return err
			}
		}

		added, err := cc.addRecipients(tx, &campaign, user.ID, input.ContactListIDs, input.ContactIDs)
		if err != nil {
			return err
		}
		campaign.TotalRecipients = added
		return tx.Model(&campaign).Update("total_recipients", added).Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create campaign", err)
	}

	cc.Logger.WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"user_id":     user.ID,
		"recipients":  campaign.TotalRecipients,
	}).Info("Campaign created")

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(campaign))
}

// addRecipients expands contact lists and explicit contact ids into
// recipient rows, skipping unreachable contacts and duplicates
func (cc *CampaignController) addRecipients(tx *gorm.DB, campaign *models.Campaign, userID uint, listIDs, contactIDs []uint) (int, error) {
	var contacts []models.Contact
	q := tx.Where("user_id = ?", userID)
	switch {
	case len(listIDs) > 0 && len(contactIDs) > 0:
		q = q.Where("contact_list_id IN ? OR id IN ?", listIDs, contactIDs)
	case len(listIDs) > 0:
		q = q.Where("contact_list_id IN ?", listIDs)
	case len(contactIDs) > 0:
		q = q.Where("id IN ?", contactIDs)
	default:
		return 0, errors.New("no recipients given")
	}
	if err := q.Find(&contacts).Error; err != nil {
		return 0, err
	}

	added := 0
	seen := map[uint]bool{}
	for _, contact := range contacts {
		if seen[contact.ID] || !contact.Reachable() {
			continue
		}
		seen[contact.ID] = true
		if err := tx.Create(&models.CampaignRecipient{
			CampaignID: campaign.ID,
			ContactID:  contact.ID,
			Status:     models.RecipientStatusPending,
		}).Error; err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// GetCampaigns returns the user's campaigns, newest first
func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	q := cc.DB.Model(&models.Campaign{}).Where("user_id = ?", user.ID)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaigns", err)
	}

	var campaigns []models.Campaign
	if err := q.Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&campaigns).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaigns", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  campaigns,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetCampaign returns a single campaign with its sender pool
func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	senderIDs, err := cc.Store.CampaignSenderIDs(campaign.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaign senders", err)
	}

	return c.JSON(fiber.Map{
		"campaign":   campaign,
		"sender_ids": senderIDs,
	})
}

// UpdateCampaign edits a campaign that has not started yet
func (cc *CampaignController) UpdateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	if campaign.Status != models.CampaignStatusDraft && campaign.Status != models.CampaignStatusScheduled {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only draft or scheduled campaigns can be edited", nil)
	}

	var input campaignInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := input.validateWindow(); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid send window", err)
	}

	campaign.Name = input.Name
	campaign.Subject = input.Subject
	campaign.BodyHTML = input.BodyHTML
	campaign.BodyText = input.BodyText
	campaign.TemplateID = input.TemplateID
	campaign.Description = input.Description
	if input.SendMode != "" {
		campaign.SendMode = input.SendMode
	}
	campaign.ScheduledAt = input.ScheduledAt
	if input.MinDelaySeconds != nil {
		campaign.MinDelaySeconds = *input.MinDelaySeconds
	}
	if input.MaxDelaySeconds != nil {
		campaign.MaxDelaySeconds = *input.MaxDelaySeconds
	}
	if input.BatchSize != nil {
		campaign.BatchSize = *input.BatchSize
	}
	if input.BatchDelayMinutes != nil {
		campaign.BatchDelayMinutes = *input.BatchDelayMinutes
	}
	if input.MaxRetries != nil {
		campaign.MaxRetries = *input.MaxRetries
	}
	campaign.SendWindowStart = input.SendWindowStart
	campaign.SendWindowEnd = input.SendWindowEnd
	campaign.SendDays = input.SendDays
	if input.Timezone != "" {
		campaign.Timezone = input.Timezone
	}
	if input.TrackOpens != nil {
		campaign.TrackOpens = *input.TrackOpens
	}
	if input.TrackClicks != nil {
		campaign.TrackClicks = *input.TrackClicks
	}

	if campaign.MinDelaySeconds > campaign.MaxDelaySeconds {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "min_delay_seconds cannot exceed max_delay_seconds", nil)
	}

	if err := cc.DB.Save(campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign", err)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// DeleteCampaign removes a campaign that never ran
func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	if campaign.Status != models.CampaignStatusDraft && campaign.Status != models.CampaignStatusCancelled {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only draft or cancelled campaigns can be deleted", nil)
	}

	err = cc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.CampaignRecipient{}).Error; err != nil {
			return err
		}
		if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.CampaignSender{}).Error; err != nil {
			return err
		}
		return tx.Delete(campaign).Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete campaign", err)
	}
	return c.JSON(fiber.Map{"message": "Campaign deleted"})
}

// StartCampaign schedules recipients and begins delivery. A scheduled
// campaign with a future start time parks in the scheduled state until the
// worker picks it up.
func (cc *CampaignController) StartCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	if campaign.Status != models.CampaignStatusDraft && campaign.Status != models.CampaignStatusScheduled {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign cannot start from status "+campaign.Status, nil)
	}

	if campaign.SendMode == models.SendModeScheduled &&
		campaign.ScheduledAt != nil && campaign.ScheduledAt.After(time.Now()) {
		if _, err := cc.Store.SetCampaignStatus(campaign.ID,
			[]string{models.CampaignStatusDraft},
			models.CampaignStatusScheduled); err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to schedule campaign", err)
		}
		return c.JSON(fiber.Map{
			"message":      "Campaign scheduled",
			"scheduled_at": campaign.ScheduledAt,
		})
	}

	if err := cc.Worker.ScheduleCampaign(campaign.ID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start campaign", err)
	}
	return c.JSON(fiber.Map{"message": "Campaign started"})
}

// PauseCampaign halts delivery; already queued send times are preserved
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	return cc.transition(c, []string{models.CampaignStatusSending}, models.CampaignStatusPaused, "Campaign paused")
}

// ResumeCampaign continues delivery using the original schedule
func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	return cc.transition(c, []string{models.CampaignStatusPaused}, models.CampaignStatusSending, "Campaign resumed")
}

// CancelCampaign permanently stops a campaign
func (cc *CampaignController) CancelCampaign(c *fiber.Ctx) error {
	return cc.transition(c, []string{
		models.CampaignStatusDraft,
		models.CampaignStatusScheduled,
		models.CampaignStatusSending,
		models.CampaignStatusPaused,
	}, models.CampaignStatusCancelled, "Campaign cancelled")
}

func (cc *CampaignController) transition(c *fiber.Ctx, from []string, to, message string) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	moved, err := cc.Store.SetCampaignStatus(campaign.ID, from, to)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign status", err)
	}
	if !moved {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign cannot move from status "+campaign.Status, nil)
	}

	cc.Logger.WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"status":      to,
	}).Info(message)
	return c.JSON(fiber.Map{"message": message})
}

// RetryFailedRecipients requeues failed recipients with retry budget left
func (cc *CampaignController) RetryFailedRecipients(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	n, err := cc.Worker.RetryFailed(campaign.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to requeue recipients", err)
	}
	return c.JSON(fiber.Map{
		"message":  "Failed recipients requeued",
		"requeued": n,
	})
}

// GetCampaignStats returns delivery and engagement counters plus a
// recipient status breakdown
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	var rows []struct {
		Status string
		Count  int64
	}
	if err := cc.DB.Model(&models.CampaignRecipient{}).
		Select("status, COUNT(*) as count").
		Where("campaign_id = ?", campaign.ID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch recipient stats", err)
	}

	breakdown := fiber.Map{}
	for _, row := range rows {
		breakdown[row.Status] = row.Count
	}

	return c.JSON(fiber.Map{
		"status":           campaign.Status,
		"total_recipients": campaign.TotalRecipients,
		"sent":             campaign.SentCount,
		"failed":           campaign.FailedCount,
		"opens":            campaign.OpenCount,
		"clicks":           campaign.ClickCount,
		"replies":          campaign.ReplyCount,
		"bounces":          campaign.BounceCount,
		"started_at":       campaign.StartedAt,
		"completed_at":     campaign.CompletedAt,
		"recipients":       breakdown,
	})
}

// GetCampaignRecipients lists recipient rows with their send state
func (cc *CampaignController) GetCampaignRecipients(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	q := cc.DB.Model(&models.CampaignRecipient{}).Where("campaign_id = ?", campaign.ID)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch recipients", err)
	}

	var recipients []models.CampaignRecipient
	if err := q.Order("id ASC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&recipients).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch recipients", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  recipients,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

func (cc *CampaignController) ownedCampaign(c *fiber.Ctx, userID uint) (*models.Campaign, error) {
	var campaign models.Campaign
	err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&campaign).Error
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

func intOrDefault(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func boolOrDefault(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}
