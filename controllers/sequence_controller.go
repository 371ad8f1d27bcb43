package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldmail/engine"
	"coldmail/models"
	"coldmail/store"
	"coldmail/utils"
)

type SequenceController struct {
	DB     *gorm.DB
	Store  *store.GormStore
	Engine *engine.SequenceEngine
	Logger *logrus.Logger
}

func NewSequenceController(db *gorm.DB, st *store.GormStore, eng *engine.SequenceEngine, logger *logrus.Logger) *SequenceController {
	return &SequenceController{
		DB:     db,
		Store:  st,
		Engine: eng,
		Logger: logger,
	}
}

type sequenceInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description"`
	SenderID    uint   `json:"sender_id" validate:"required"`

	StopOnReply       *bool `json:"stop_on_reply"`
	StopOnClick       *bool `json:"stop_on_click"`
	StopOnOpen        *bool `json:"stop_on_open"`
	StopOnBounce      *bool `json:"stop_on_bounce"`
	StopOnUnsubscribe *bool `json:"stop_on_unsubscribe"`
	StopScoreAbove    *int  `json:"stop_score_above"`
	StopScoreBelow    *int  `json:"stop_score_below"`

	MinEmailDelayMinutes *int `json:"min_email_delay_minutes" validate:"omitempty,min=0"`
	MaxEmailsPerDay      *int `json:"max_emails_per_day" validate:"omitempty,min=1"`

	SendWindowEnabled *bool  `json:"send_window_enabled"`
	SendWindowStart   string `json:"send_window_start" validate:"omitempty,clock"`
	SendWindowEnd     string `json:"send_window_end" validate:"omitempty,clock"`
	SendDays          []int  `json:"send_days" validate:"omitempty,dive,min=0,max=6"`
	Timezone          string `json:"timezone"`
}

type stepInput struct {
	StepType string `json:"step_type" validate:"required,oneof=email delay condition tag webhook task"`
	IsActive *bool  `json:"is_active"`

	Subject    string `json:"subject"`
	BodyHTML   string `json:"body_html"`
	BodyText   string `json:"body_text"`
	TemplateID *uint  `json:"template_id"`

	DelayValue int    `json:"delay_value"`
	DelayUnit  string `json:"delay_unit" validate:"omitempty,oneof=minutes hours days"`

	ConditionType     string  `json:"condition_type"`
	ConditionOperator string  `json:"condition_operator"`
	ConditionValue    float64 `json:"condition_value"`
	ConditionTagID    *uint   `json:"condition_tag_id"`
	TrueStepID        *uint   `json:"true_step_id"`
	FalseStepID       *uint   `json:"false_step_id"`

	TagAction string `json:"tag_action"`
	TagID     *uint  `json:"tag_id"`

	WebhookURL     string            `json:"webhook_url" validate:"omitempty,url"`
	WebhookMethod  string            `json:"webhook_method"`
	WebhookHeaders map[string]string `json:"webhook_headers"`
	WebhookPayload map[string]any    `json:"webhook_payload"`

	TaskTitle    string `json:"task_title"`
	TaskAssignee string `json:"task_assignee"`
}

func (in *stepInput) toRow(sequenceID uint, order int) models.SequenceStep {
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	return models.SequenceStep{
		SequenceID: sequenceID,
		StepOrder:  order,
		StepType:   in.StepType,
		IsActive:   active,

		Subject:    in.Subject,
		BodyHTML:   in.BodyHTML,
		BodyText:   in.BodyText,
		TemplateID: in.TemplateID,

		DelayValue: in.DelayValue,
		DelayUnit:  in.DelayUnit,

		ConditionType:     in.ConditionType,
		ConditionOperator: in.ConditionOperator,
		ConditionValue:    in.ConditionValue,
		ConditionTagID:    in.ConditionTagID,
		TrueStepID:        in.TrueStepID,
		FalseStepID:       in.FalseStepID,

		TagAction: in.TagAction,
		TagID:     in.TagID,

		WebhookURL:     in.WebhookURL,
		WebhookMethod:  in.WebhookMethod,
		WebhookHeaders: in.WebhookHeaders,
		WebhookPayload: in.WebhookPayload,

		TaskTitle:    in.TaskTitle,
		TaskAssignee: in.TaskAssignee,
	}
}

// CreateSequence creates a sequence in draft state
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input sequenceInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var sender models.Sender
	if err := sc.DB.Where("id = ? AND user_id = ?", input.SenderID, user.ID).First(&sender).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Sender not found", nil)
	}

	seq := models.Sequence{
		UserID:      user.ID,
		SenderID:    input.SenderID,
		Name:        input.Name,
		Description: input.Description,
		Status:      models.SequenceStatusDraft,

		StopOnReply:       boolOrDefault(input.StopOnReply, true),
		StopOnClick:       boolOrDefault(input.StopOnClick, false),
		StopOnOpen:        boolOrDefault(input.StopOnOpen, false),
		StopOnBounce:      boolOrDefault(input.StopOnBounce, true),
		StopOnUnsubscribe: boolOrDefault(input.StopOnUnsubscribe, true),
		StopScoreAbove:    input.StopScoreAbove,
		StopScoreBelow:    input.StopScoreBelow,

		MinEmailDelayMinutes: intOrDefault(input.MinEmailDelayMinutes, 60),
		MaxEmailsPerDay:      intOrDefault(input.MaxEmailsPerDay, 100),

		SendWindowEnabled: boolOrDefault(input.SendWindowEnabled, false),
		SendWindowStart:   input.SendWindowStart,
		SendWindowEnd:     input.SendWindowEnd,
		SendDays:          input.SendDays,
	}
	if input.Timezone != "" {
		seq.Timezone = input.Timezone
	} else {
		seq.Timezone = "UTC"
	}

	if seq.SendWindowEnabled {
		if _, err := engine.ParseSendWindow(seq.SendWindowStart, seq.SendWindowEnd, seq.SendDays, seq.Timezone); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid send window", err)
		}
	}

	if err := sc.DB.Create(&seq).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sequence", err)
	}

	sc.Logger.WithFields(logrus.Fields{
		"sequence_id": seq.ID,
		"user_id":     user.ID,
	}).Info("Sequence created")

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

// GetSequences lists the user's sequences
func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var sequences []models.Sequence
	q := sc.DB.Where("user_id = ?", user.ID)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Order("created_at DESC").Find(&sequences).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequences", err)
	}
	return c.JSON(utils.SuccessResponse(sequences))
}

// GetSequence returns one sequence with its ordered steps
func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	seq, err := sc.ownedSequence(c, user.ID, true)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// UpdateSequence edits sequence settings; steps are managed separately
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	seq, err := sc.ownedSequence(c, user.ID, false)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	if seq.Status == models.SequenceStatusArchived {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Archived sequences cannot be edited", nil)
	}

	var input sequenceInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	seq.Name = input.Name
	seq.Description = input.Description
	seq.SenderID = input.SenderID
	if input.StopOnReply != nil {
		seq.StopOnReply = *input.StopOnReply
	}
	if input.StopOnClick != nil {
		seq.StopOnClick = *input.StopOnClick
	}
	if input.StopOnOpen != nil {
		seq.StopOnOpen = *input.StopOnOpen
	}
	if input.StopOnBounce != nil {
		seq.StopOnBounce = *input.StopOnBounce
	}
	if input.StopOnUnsubscribe != nil {
		seq.StopOnUnsubscribe = *input.StopOnUnsubscribe
	}
	seq.StopScoreAbove = input.StopScoreAbove
	seq.StopScoreBelow = input.StopScoreBelow
	if input.MinEmailDelayMinutes != nil {
		seq.MinEmailDelayMinutes = *input.MinEmailDelayMinutes
	}
	if input.MaxEmailsPerDay != nil {
		seq.MaxEmailsPerDay = *input.MaxEmailsPerDay
	}
	if input.SendWindowEnabled != nil {
		seq.SendWindowEnabled = *input.SendWindowEnabled
	}
	seq.SendWindowStart = input.SendWindowStart
	seq.SendWindowEnd = input.SendWindowEnd
	seq.SendDays = input.SendDays
	if input.Timezone != "" {
		seq.Timezone = input.Timezone
	}

	if seq.SendWindowEnabled {
		if _, err := engine.ParseSendWindow(seq.SendWindowStart, seq.SendWindowEnd, seq.SendDays, seq.Timezone); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid send window", err)
		}
	}

	if err := sc.Store.SaveSequence(seq); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sequence", err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// ReplaceSteps swaps the sequence's step list. The whole list is validated
// as one graph before anything is written: every step must build, branch
// references must resolve by position, and the flow must be acyclic.
func (sc *SequenceController) ReplaceSteps(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	seq, err := sc.ownedSequence(c, user.ID, true)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	var input struct {
		Steps []stepInput `json:"steps" validate:"required,min=1,dive"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	err = sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sequence_id = ?", seq.ID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}

		// Branch references in the payload are 1-based positions in the
		// step list; they are remapped to row ids once those exist.
		rows := make([]models.SequenceStep, len(input.Steps))
		for i, in := range input.Steps {
			rows[i] = in.toRow(seq.ID, i+1)
			rows[i].TrueStepID = nil
			rows[i].FalseStepID = nil
			if err := tx.Create(&rows[i]).Error; err != nil {
				return err
			}
		}
		for i, in := range input.Steps {
			trueID, err := resolveStepRef(rows, in.TrueStepID)
			if err != nil {
				return err
			}
			falseID, err := resolveStepRef(rows, in.FalseStepID)
			if err != nil {
				return err
			}
			if trueID == nil && falseID == nil {
				continue
			}
			if err := tx.Model(&rows[i]).Updates(map[string]interface{}{
				"true_step_id":  trueID,
				"false_step_id": falseID,
			}).Error; err != nil {
				return err
			}
			rows[i].TrueStepID = trueID
			rows[i].FalseStepID = falseID
		}

		return engine.ValidateSteps(rows)
	})
	if err != nil {
		if errors.Is(err, engine.ErrSequenceEmpty) {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Sequence needs at least one active step", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid step list", err)
	}

	updated, err := sc.Store.GetSequence(seq.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to reload sequence", err)
	}
	return c.JSON(utils.SuccessResponse(updated))
}

// resolveStepRef maps a 1-based position in the submitted list to the row
// id it got on insert
func resolveStepRef(rows []models.SequenceStep, position *uint) (*uint, error) {
	if position == nil {
		return nil, nil
	}
	idx := int(*position) - 1
	if idx < 0 || idx >= len(rows) {
		return nil, errors.New("branch reference points outside the step list")
	}
	id := rows[idx].ID
	return &id, nil
}

// ActivateSequence moves a draft or paused sequence to active
func (sc *SequenceController) ActivateSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	seq, err := sc.ownedSequence(c, user.ID, true)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	switch seq.Status {
	case models.SequenceStatusDraft:
		if err := engine.ValidateSteps(seq.Steps); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Sequence steps are invalid", err)
		}
		seq.Status = models.SequenceStatusActive
		if err := sc.Store.SaveSequence(seq); err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to activate sequence", err)
		}
	case models.SequenceStatusPaused:
		if err := sc.Engine.ResumeSequence(seq.ID); err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resume sequence", err)
		}
	default:
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence cannot activate from status "+seq.Status, nil)
	}

	return c.JSON(fiber.Map{"message": "Sequence active"})
}

// PauseSequence halts all of the sequence's active enrollments
func (sc *SequenceController) PauseSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	seq, err := sc.ownedSequence(c, user.ID, false)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	if err := sc.Engine.PauseSequence(seq.ID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Failed to pause sequence", err)
	}
	return c.JSON(fiber.Map{"message": "Sequence paused"})
}

// ArchiveSequence retires a sequence; existing enrollments stop advancing
// because the engine skips inactive sequences
func (sc *SequenceController) ArchiveSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	seq, err := sc.ownedSequence(c, user.ID, false)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	seq.Status = models.SequenceStatusArchived
	if err := sc.Store.SaveSequence(seq); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to archive sequence", err)
	}
	return c.JSON(fiber.Map{"message": "Sequence archived"})
}

// EnrollContacts adds contacts to an active sequence
func (sc *SequenceController) EnrollContacts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	seq, err := sc.ownedSequence(c, user.ID, false)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	var input struct {
		ContactIDs []uint `json:"contact_ids" validate:"required,min=1"`
		Source     string `json:"source"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	source := input.Source
	if source == "" {
		source = "manual"
	}

	enrolled := 0
	skipped := map[string]int{}
	for _, contactID := range input.ContactIDs {
		var contact models.Contact
		if err := sc.DB.Where("id = ? AND user_id = ?", contactID, user.ID).First(&contact).Error; err != nil {
			skipped["not_found"]++
			continue
		}

		_, err := sc.Engine.Enroll(seq.ID, contactID, source)
		switch {
		case err == nil:
			enrolled++
		case errors.Is(err, engine.ErrAlreadyEnrolled):
			skipped["already_enrolled"]++
		case errors.Is(err, engine.ErrContactNotReachable):
			skipped["not_reachable"]++
		case errors.Is(err, engine.ErrSequenceNotActive), errors.Is(err, engine.ErrSequenceEmpty):
			return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence is not ready for enrollment", err)
		default:
			sc.Logger.WithError(err).WithFields(logrus.Fields{
				"sequence_id": seq.ID,
				"contact_id":  contactID,
			}).Error("Enrollment failed")
			skipped["error"]++
		}
	}

	return c.JSON(fiber.Map{
		"enrolled": enrolled,
		"skipped":  skipped,
	})
}

// GetEnrollments lists enrollments for a sequence
func (sc *SequenceController) GetEnrollments(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	seq, err := sc.ownedSequence(c, user.ID, false)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	q := sc.DB.Where("sequence_id = ?", seq.ID)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var enrollments []models.SequenceEnrollment
	if err := q.Order("created_at DESC").Find(&enrollments).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollments", err)
	}
	return c.JSON(utils.SuccessResponse(enrollments))
}

// GetSequenceStats returns the sequence's denormalized counters plus
// per-step stats
func (sc *SequenceController) GetSequenceStats(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	seq, err := sc.ownedSequence(c, user.ID, true)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	steps := make([]fiber.Map, 0, len(seq.Steps))
	for _, step := range seq.Steps {
		steps = append(steps, fiber.Map{
			"step_id":      step.ID,
			"step_order":   step.StepOrder,
			"step_type":    step.StepType,
			"sent_count":   step.SentCount,
			"open_count":   step.OpenCount,
			"click_count":  step.ClickCount,
			"failed_count": step.FailedCount,
		})
	}

	return c.JSON(fiber.Map{
		"status":                seq.Status,
		"active_enrollments":    seq.ActiveEnrollments,
		"completed_enrollments": seq.CompletedEnrollments,
		"stopped_enrollments":   seq.StoppedEnrollments,
		"emails_sent":           seq.EmailsSent,
		"steps":                 steps,
	})
}

// GetSequenceEvents returns the append-only event log, newest first
func (sc *SequenceController) GetSequenceEvents(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	seq, err := sc.ownedSequence(c, user.ID, false)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	limit := c.QueryInt("limit", 100)
	if limit < 1 || limit > 500 {
		limit = 100
	}

	var events []models.SequenceEvent
	if err := sc.DB.Where("sequence_id = ?", seq.ID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch events", err)
	}
	return c.JSON(utils.SuccessResponse(events))
}

func (sc *SequenceController) ownedSequence(c *fiber.Ctx, userID uint, withSteps bool) (*models.Sequence, error) {
	q := sc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID)
	if withSteps {
		q = q.Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		})
	}
	var seq models.Sequence
	if err := q.First(&seq).Error; err != nil {
		return nil, err
	}
	return &seq, nil
}
