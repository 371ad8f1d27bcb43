package controller

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"coldmail/models"
	"coldmail/utils"
)

type SenderController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewSenderController(db *gorm.DB, logger *logrus.Logger) *SenderController {
	return &SenderController{
		DB:     db,
		Logger: logger,
	}
}

type senderInput struct {
	Name      string `json:"name" validate:"required,max=200"`
	FromEmail string `json:"from_email" validate:"required,email"`
	FromName  string `json:"from_name" validate:"required,max=200"`
	ReplyTo   string `json:"reply_to" validate:"omitempty,email"`

	ProviderType string `json:"provider_type" validate:"omitempty,oneof=smtp gmail outlook"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port" validate:"omitempty,min=1,max=65535"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
	Encryption   string `json:"encryption" validate:"omitempty,oneof=SSL TLS STARTTLS"`

	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"imap_password"`
	IMAPMailbox  string `json:"imap_mailbox"`

	DailyLimit *int `json:"daily_limit" validate:"omitempty,min=1,max=5000"`
}

// CreateSender registers sending credentials. Passwords are encrypted
// before they touch the database.
func (sc *SenderController) CreateSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input senderInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if ok, err := utils.ValidateMXRecords(input.FromEmail); err != nil || !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Email domain has no MX records", err)
	}

	sender := models.Sender{
		UserID:       user.ID,
		Name:         input.Name,
		FromEmail:    input.FromEmail,
		FromName:     input.FromName,
		ReplyTo:      input.ReplyTo,
		ProviderType: firstNonEmptyString(input.ProviderType, "smtp"),
		SMTPHost:     input.SMTPHost,
		SMTPPort:     input.SMTPPort,
		SMTPUsername: input.SMTPUsername,
		Encryption:   input.Encryption,
		IMAPHost:     input.IMAPHost,
		IMAPPort:     input.IMAPPort,
		IMAPUsername: input.IMAPUsername,
		IMAPMailbox:  firstNonEmptyString(input.IMAPMailbox, "INBOX"),
		IsActive:     true,
		DailyLimit:   intOrDefault(input.DailyLimit, 500),
	}
	if sender.IMAPHost != "" && sender.IMAPPort == 0 {
		sender.IMAPPort = 993
	}

	var err error
	if input.SMTPPassword != "" {
		if sender.SMTPPassword, err = utils.Encrypt(input.SMTPPassword); err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to store credentials", nil)
		}
	}
	if input.IMAPPassword != "" {
		if sender.IMAPPassword, err = utils.Encrypt(input.IMAPPassword); err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to store credentials", nil)
		}
	}

	if err := sc.DB.Create(&sender).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sender", err)
	}

	sc.Logger.WithFields(logrus.Fields{
		"sender_id": sender.ID,
		"user_id":   user.ID,
	}).Info("Sender created")

	sender.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sender))
}

// GetSenders lists the user's senders without credentials
func (sc *SenderController) GetSenders(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var senders []models.Sender
	if err := sc.DB.Where("user_id = ?", user.ID).Find(&senders).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch senders", err)
	}
	for i := range senders {
		senders[i].Sanitize()
	}
	return c.JSON(utils.SuccessResponse(senders))
}

func (sc *SenderController) GetSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := sc.ownedSender(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
	}
	sender.Sanitize()
	return c.JSON(utils.SuccessResponse(sender))
}

// UpdateSender edits sender settings; empty passwords keep the stored ones
func (sc *SenderController) UpdateSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := sc.ownedSender(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
	}

	var input senderInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	sender.Name = input.Name
	sender.FromEmail = input.FromEmail
	sender.FromName = input.FromName
	sender.ReplyTo = input.ReplyTo
	if input.ProviderType != "" {
		sender.ProviderType = input.ProviderType
	}
	sender.SMTPHost = input.SMTPHost
	sender.SMTPPort = input.SMTPPort
	sender.SMTPUsername = input.SMTPUsername
	sender.Encryption = input.Encryption
	sender.IMAPHost = input.IMAPHost
	if input.IMAPPort != 0 {
		sender.IMAPPort = input.IMAPPort
	}
	sender.IMAPUsername = input.IMAPUsername
	if input.IMAPMailbox != "" {
		sender.IMAPMailbox = input.IMAPMailbox
	}
	if input.DailyLimit != nil {
		sender.DailyLimit = *input.DailyLimit
	}
	if input.SMTPPassword != "" {
		if sender.SMTPPassword, err = utils.Encrypt(input.SMTPPassword); err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to store credentials", nil)
		}
		sender.SMTPVerified = false
	}
	if input.IMAPPassword != "" {
		if sender.IMAPPassword, err = utils.Encrypt(input.IMAPPassword); err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to store credentials", nil)
		}
		sender.IMAPVerified = false
	}

	if err := sc.DB.Save(sender).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sender", err)
	}
	sender.Sanitize()
	return c.JSON(utils.SuccessResponse(sender))
}

// DeleteSender removes a sender unless an active campaign still uses it
func (sc *SenderController) DeleteSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := sc.ownedSender(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
	}

	var inUse int64
	if err := sc.DB.Model(&models.CampaignSender{}).
		Joins("JOIN campaigns ON campaigns.id = campaign_senders.campaign_id").
		Where("campaign_senders.sender_id = ? AND campaigns.status IN ?", sender.ID, []string{
			models.CampaignStatusScheduled,
			models.CampaignStatusSending,
			models.CampaignStatusPaused,
		}).Count(&inUse).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check sender usage", err)
	}
	if inUse > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sender is used by an active campaign", nil)
	}

	if err := sc.DB.Delete(sender).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sender", err)
	}
	return c.JSON(fiber.Map{"message": "Sender deleted"})
}

// ToggleSender flips the active flag, removing or restoring the sender
// from rotation
func (sc *SenderController) ToggleSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := sc.ownedSender(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
	}

	sender.IsActive = !sender.IsActive
	if err := sc.DB.Model(sender).Update("is_active", sender.IsActive).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sender", err)
	}
	return c.JSON(fiber.Map{"is_active": sender.IsActive})
}

// TestSender checks the SMTP and IMAP connections with the stored
// credentials and records the outcome
func (sc *SenderController) TestSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := sc.ownedSender(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
	}

	result := fiber.Map{}
	smtpErr := sc.testSMTP(sender)
	sender.SMTPVerified = smtpErr == nil
	if smtpErr != nil {
		result["smtp_error"] = smtpErr.Error()
	}

	if sender.IMAPHost != "" {
		imapErr := sc.testIMAP(sender)
		sender.IMAPVerified = imapErr == nil
		if imapErr != nil {
			result["imap_error"] = imapErr.Error()
		}
	}

	now := time.Now()
	sender.LastTestedAt = &now
	if smtpErr != nil {
		msg := smtpErr.Error()
		sender.LastError = &msg
	} else {
		sender.LastError = nil
	}
	if err := sc.DB.Save(sender).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save test result", err)
	}

	result["smtp_verified"] = sender.SMTPVerified
	result["imap_verified"] = sender.IMAPVerified
	return c.JSON(result)
}

func (sc *SenderController) testSMTP(sender *models.Sender) error {
	password, err := utils.Decrypt(sender.SMTPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	dialer := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	if sender.Encryption == "SSL" || sender.Encryption == "TLS" {
		dialer.SSL = true
	}

	closer, err := dialer.Dial()
	if err != nil {
		return err
	}
	return closer.Close()
}

func (sc *SenderController) testIMAP(sender *models.Sender) error {
	password, err := utils.Decrypt(sender.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)
	var imapClient *client.Client
	if sender.IMAPPort == 993 {
		imapClient, err = client.DialTLS(addr, &tls.Config{ServerName: sender.IMAPHost})
	} else {
		imapClient, err = client.Dial(addr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{ServerName: sender.IMAPHost})
		}
	}
	if err != nil {
		return err
	}
	defer imapClient.Logout()

	return imapClient.Login(sender.IMAPUsername, password)
}

func (sc *SenderController) ownedSender(c *fiber.Ctx, userID uint) (*models.Sender, error) {
	var sender models.Sender
	if err := sc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&sender).Error; err != nil {
		return nil, err
	}
	return &sender, nil
}

func firstNonEmptyString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
