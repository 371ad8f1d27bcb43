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
)

// Engagement score deltas
const (
	scoreOpen  = 1
	scoreClick = 3
)

// TrackingController serves the open pixel, the click redirect and the
// unsubscribe endpoint. All three are unauthenticated and keyed by the
// message id plus its derived token.
type TrackingController struct {
	DB     *gorm.DB
	Store  *store.GormStore
	Engine *engine.SequenceEngine
	Logger *logrus.Logger
}

func NewTrackingController(db *gorm.DB, st *store.GormStore, eng *engine.SequenceEngine, logger *logrus.Logger) *TrackingController {
	return &TrackingController{
		DB:     db,
		Store:  st,
		Engine: eng,
		Logger: logger,
	}
}

// HandleOpenTracking records an email open and returns a transparent pixel
func (tc *TrackingController) HandleOpenTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	if !utils.ValidateTrackingToken(messageID, token) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	tc.recordEngagement(messageID, "opened")

	return c.Type("gif").Send(transparentPixel())
}

// HandleClickTracking records a link click and redirects to the original
// URL
func (tc *TrackingController) HandleClickTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")
	originalURL := c.Query("url")

	if !utils.ValidateTrackingToken(messageID, token) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}
	if originalURL == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing url")
	}

	tc.recordEngagement(messageID, "clicked")

	return c.Redirect(originalURL, fiber.StatusFound)
}

// recordEngagement resolves a message id against campaign recipients and
// sequence executions and updates whichever side matches
func (tc *TrackingController) recordEngagement(messageID, activity string) {
	if recipient, err := tc.Store.FindRecipientByMessageID(messageID); err == nil {
		tc.recordCampaignEngagement(recipient, activity)
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		tc.Logger.WithError(err).Error("Recipient lookup failed")
	}

	exec, err := tc.Store.FindExecutionByMessageID(messageID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			tc.Logger.WithError(err).Error("Execution lookup failed")
		}
		return
	}

	stepID := exec.StepID
	switch activity {
	case "opened":
		err = tc.Engine.RecordOpen(exec.EnrollmentID, &stepID)
	case "clicked":
		err = tc.Engine.RecordClick(exec.EnrollmentID, &stepID)
	}
	if err != nil {
		tc.Logger.WithError(err).WithField("enrollment_id", exec.EnrollmentID).Error("Failed to record sequence engagement")
		return
	}
	tc.bumpScore(messageID, activity, tc.enrollmentContactID(exec.EnrollmentID))
}

func (tc *TrackingController) recordCampaignEngagement(recipient *models.CampaignRecipient, activity string) {
	counter := "open_count"
	if activity == "clicked" {
		counter = "click_count"
	}
	if err := tc.Store.IncCampaignEngagement(recipient.CampaignID, counter); err != nil {
		tc.Logger.WithError(err).Error("Failed to bump campaign counter")
	}
	if err := tc.Store.CreateActivity(&models.ContactActivity{
		ContactID:    recipient.ContactID,
		CampaignID:   &recipient.CampaignID,
		SenderID:     recipient.SenderID,
		ActivityType: activity,
		ActivityAt:   time.Now(),
		MessageID:    recipient.MessageID,
	}); err != nil {
		tc.Logger.WithError(err).Warn("Failed to record contact activity")
	}
	tc.bumpScore(recipient.MessageID, activity, recipient.ContactID)
}

func (tc *TrackingController) bumpScore(messageID, activity string, contactID uint) {
	if contactID == 0 {
		return
	}
	delta := scoreOpen
	if activity == "clicked" {
		delta = scoreClick
	}
	if err := tc.Store.AddContactScore(contactID, delta); err != nil {
		tc.Logger.WithError(err).WithField("contact_id", contactID).Warn("Failed to update contact score")
	}
}

func (tc *TrackingController) enrollmentContactID(enrollmentID uint) uint {
	enrollment, err := tc.Store.GetEnrollment(enrollmentID)
	if err != nil {
		return 0
	}
	return enrollment.ContactID
}

// HandleUnsubscribe flags the contact and records the request. Active
// enrollments stop at their next evaluation.
func (tc *TrackingController) HandleUnsubscribe(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	if !utils.ValidateTrackingToken(messageID, token) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	var contactID uint
	var campaignID, sequenceID *uint

	if recipient, err := tc.Store.FindRecipientByMessageID(messageID); err == nil {
		contactID = recipient.ContactID
		campaignID = &recipient.CampaignID
	} else if exec, err := tc.Store.FindExecutionByMessageID(messageID); err == nil {
		if enrollment, err := tc.Store.GetEnrollment(exec.EnrollmentID); err == nil {
			contactID = enrollment.ContactID
			sequenceID = &enrollment.SequenceID
		}
	}
	if contactID == 0 {
		return c.Status(fiber.StatusNotFound).SendString("Unknown message")
	}

	contact, err := tc.Store.GetContact(contactID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("Something went wrong")
	}

	if err := tc.Store.MarkContactUnsubscribed(contactID); err != nil {
		tc.Logger.WithError(err).WithField("contact_id", contactID).Error("Failed to flag unsubscribed contact")
		return c.Status(fiber.StatusInternalServerError).SendString("Something went wrong")
	}
	if err := tc.DB.Create(&models.Unsubscribe{
		Email:      contact.Email,
		ContactID:  &contactID,
		CampaignID: campaignID,
		SequenceID: sequenceID,
		IPAddress:  c.IP(),
	}).Error; err != nil {
		tc.Logger.WithError(err).Warn("Failed to record unsubscribe")
	}
	if err := tc.Store.CreateActivity(&models.ContactActivity{
		ContactID:    contactID,
		CampaignID:   campaignID,
		SequenceID:   sequenceID,
		ActivityType: "unsubscribed",
		ActivityAt:   time.Now(),
		MessageID:    messageID,
	}); err != nil {
		tc.Logger.WithError(err).Warn("Failed to record contact activity")
	}

	tc.Logger.WithField("contact_id", contactID).Info("Contact unsubscribed")
	return c.SendString("You have been unsubscribed.")
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
