package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"coldmail/config"
	"coldmail/engine"
	"coldmail/models"
	"coldmail/store"
	"coldmail/utils"
)

// CampaignWorker drives campaign delivery: it promotes scheduled campaigns
// when their start time arrives and drains due recipients for every sending
// campaign on each tick.
type CampaignWorker struct {
	store     *store.GormStore
	scheduler *engine.RecipientScheduler
	mailer    engine.Mailer
	renderer  engine.Renderer
	logger    *logrus.Logger
	cfg       config.WorkerConfig
	appURL    string
	now       func() time.Time
}

func NewCampaignWorker(st *store.GormStore, scheduler *engine.RecipientScheduler, mailer engine.Mailer, renderer engine.Renderer, logger *logrus.Logger, cfg config.WorkerConfig, appURL string) *CampaignWorker {
	return &CampaignWorker{
		store:     st,
		scheduler: scheduler,
		mailer:    mailer,
		renderer:  renderer,
		logger:    logger,
		cfg:       cfg,
		appURL:    appURL,
		now:       time.Now,
	}
}

func (cw *CampaignWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(5 * time.Second)

	cw.logger.Info("Campaign worker started")

	ticker := time.NewTicker(cw.cfg.CampaignPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Campaign worker shutting down...")
			return
		case <-ticker.C:
			cw.tick(ctx)
		}
	}
}

func (cw *CampaignWorker) tick(ctx context.Context) {
	due, err := cw.store.DueScheduledCampaigns(cw.now())
	if err != nil {
		cw.logger.WithError(err).Error("Failed to fetch due scheduled campaigns")
	} else {
		for _, c := range due {
			if err := cw.ScheduleCampaign(c.ID); err != nil {
				cw.logger.WithError(err).WithField("campaign_id", c.ID).Error("Failed to start scheduled campaign")
			}
		}
	}

	sending, err := cw.store.SendingCampaigns()
	if err != nil {
		cw.logger.WithError(err).Error("Failed to fetch sending campaigns")
		return
	}
	for _, c := range sending {
		if ctx.Err() != nil {
			return
		}
		if err := cw.ProcessDueRecipients(ctx, c.ID, cw.cfg.BatchSize); err != nil {
			cw.logger.WithError(err).WithField("campaign_id", c.ID).Error("Campaign delivery pass failed")
		}
	}
}

// ScheduleCampaign computes send times for every pending recipient and
// moves the campaign into the sending state
func (cw *CampaignWorker) ScheduleCampaign(campaignID uint) error {
	campaign, err := cw.store.GetCampaign(campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}

	queued, err := cw.scheduler.Schedule(campaign)
	if err != nil {
		return fmt.Errorf("failed to schedule recipients: %w", err)
	}

	moved, err := cw.store.SetCampaignStatus(campaignID,
		[]string{models.CampaignStatusDraft, models.CampaignStatusScheduled},
		models.CampaignStatusSending)
	if err != nil {
		return err
	}
	if !moved && campaign.Status != models.CampaignStatusSending {
		return fmt.Errorf("campaign %d cannot start from status %q", campaignID, campaign.Status)
	}
	if err := cw.store.StartCampaign(campaignID, cw.now()); err != nil {
		return err
	}

	cw.logger.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"queued":      queued,
		"send_mode":   campaign.SendMode,
	}).Info("Campaign started")
	return nil
}

// ProcessDueRecipients delivers up to limit recipients whose send time has
// arrived. Each recipient is claimed with a compare-and-swap so concurrent
// workers never double-send.
func (cw *CampaignWorker) ProcessDueRecipients(ctx context.Context, campaignID uint, limit int) error {
	recipients, err := cw.store.DueRecipients(campaignID, cw.now(), limit)
	if err != nil {
		return err
	}

	for _, recipient := range recipients {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Re-check status each iteration so a pause or cancel takes
		// effect mid-batch
		campaign, err := cw.store.GetCampaign(campaignID)
		if err != nil {
			return err
		}
		if campaign.Status != models.CampaignStatusSending {
			cw.logger.WithFields(logrus.Fields{
				"campaign_id": campaignID,
				"status":      campaign.Status,
			}).Info("Campaign no longer sending, stopping delivery pass")
			return nil
		}

		claimed, err := cw.store.ClaimRecipient(recipient.ID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		if err := cw.deliverOne(ctx, campaign, &recipient); err != nil {
			if errors.Is(err, store.ErrNoSenderAvailable) {
				if relErr := cw.store.ReleaseRecipient(recipient.ID); relErr != nil {
					cw.logger.WithError(relErr).WithField("recipient_id", recipient.ID).Error("Failed to release recipient")
				}
				cw.logger.WithField("campaign_id", campaignID).Warn("No sender capacity left, deferring campaign")
				return nil
			}
			cw.logger.WithError(err).WithFields(logrus.Fields{
				"campaign_id":  campaignID,
				"recipient_id": recipient.ID,
			}).Error("Recipient delivery failed")
		}
	}

	return cw.maybeComplete(campaignID)
}

func (cw *CampaignWorker) deliverOne(ctx context.Context, campaign *models.Campaign, recipient *models.CampaignRecipient) error {
	contact, err := cw.store.GetContact(recipient.ContactID)
	if err != nil {
		return cw.failRecipient(campaign, recipient.ID, fmt.Sprintf("contact lookup failed: %v", err))
	}
	if !contact.Reachable() {
		return cw.store.SkipRecipient(recipient.ID, "contact not reachable")
	}

	sender, err := cw.pickSender(campaign)
	if err != nil {
		return err
	}

	subject, htmlBody, textBody := campaign.Subject, campaign.BodyHTML, campaign.BodyText
	if campaign.TemplateID != nil {
		tmpl, err := cw.store.GetTemplate(*campaign.TemplateID)
		if err != nil {
			return cw.failRecipient(campaign, recipient.ID, fmt.Sprintf("template lookup failed: %v", err))
		}
		if subject == "" {
			subject = tmpl.Subject
		}
		if htmlBody == "" {
			htmlBody = tmpl.HTMLContent
		}
		if textBody == "" {
			textBody = tmpl.TextContent
		}
	}

	rendered, err := cw.renderer.Render(subject, htmlBody, textBody, engine.ContactVars(contact), true)
	if err != nil {
		return cw.failRecipient(campaign, recipient.ID, fmt.Sprintf("render failed: %v", err))
	}

	// The message id is assigned up front so tracking URLs can carry it
	messageID := utils.NewMessageID(sender.FromEmail)
	html := utils.InjectTracking(rendered.HTMLBody, cw.appURL, messageID, campaign.TrackOpens, campaign.TrackClicks)

	result, err := cw.mailer.Send(ctx, engine.OutgoingEmail{
		SenderID:  sender.ID,
		To:        contact.Email,
		Subject:   rendered.Subject,
		HTMLBody:  html,
		TextBody:  rendered.TextBody,
		MessageID: messageID,
		Headers: map[string]string{
			"List-Unsubscribe": "<" + utils.GenerateUnsubscribeURL(cw.appURL, messageID) + ">",
		},
	})
	if err != nil {
		return cw.failRecipient(campaign, recipient.ID, err.Error())
	}
	if !result.Success {
		return cw.failRecipient(campaign, recipient.ID, result.Message)
	}

	now := cw.now()
	if err := cw.store.MarkRecipientSent(recipient.ID, sender.ID, result.MessageID, now); err != nil {
		return err
	}
	if err := cw.store.IncCampaignCounters(campaign.ID, 1, 0); err != nil {
		return err
	}
	if err := cw.store.CreateActivity(&models.ContactActivity{
		ContactID:    contact.ID,
		CampaignID:   &campaign.ID,
		SenderID:     &sender.ID,
		ActivityType: "sent",
		ActivityAt:   now,
		MessageID:    result.MessageID,
	}); err != nil {
		cw.logger.WithError(err).Warn("Failed to record contact activity")
	}

	cw.logger.WithFields(logrus.Fields{
		"campaign_id":  campaign.ID,
		"recipient_id": recipient.ID,
		"sender_id":    sender.ID,
	}).Debug("Recipient delivered")
	return nil
}

// pickSender rotates across the campaign's sender pool, favoring whoever
// has the most daily quota left
func (cw *CampaignWorker) pickSender(campaign *models.Campaign) (*models.Sender, error) {
	pool, err := cw.store.CampaignSenderIDs(campaign.ID)
	if err != nil {
		return nil, err
	}
	sender, err := cw.store.PickSender(campaign.UserID, pool)
	if err != nil {
		return nil, err
	}
	if err := cw.mailer.CanSend(sender.ID); err != nil {
		return nil, store.ErrNoSenderAvailable
	}
	return sender, nil
}

func (cw *CampaignWorker) failRecipient(campaign *models.Campaign, recipientID uint, reason string) error {
	if err := cw.store.MarkRecipientFailed(recipientID, reason); err != nil {
		return err
	}
	return cw.store.IncCampaignCounters(campaign.ID, 0, 1)
}

// maybeComplete finishes the campaign once no recipient remains in flight
func (cw *CampaignWorker) maybeComplete(campaignID uint) error {
	open, err := cw.store.OpenRecipientCount(campaignID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	done, err := cw.store.CompleteCampaign(campaignID, cw.now())
	if err != nil {
		return err
	}
	if done {
		cw.logger.WithField("campaign_id", campaignID).Info("Campaign completed")
	}
	return nil
}

// RetryFailed requeues failed recipients that have retry budget left
func (cw *CampaignWorker) RetryFailed(campaignID uint) (int64, error) {
	campaign, err := cw.store.GetCampaign(campaignID)
	if err != nil {
		return 0, err
	}
	n, err := cw.store.ResetFailedRecipients(campaignID, campaign.MaxRetries)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		// A completed campaign picks back up once recipients reappear
		if _, err := cw.store.SetCampaignStatus(campaignID,
			[]string{models.CampaignStatusCompleted},
			models.CampaignStatusSending); err != nil {
			return n, err
		}
		cw.logger.WithFields(logrus.Fields{
			"campaign_id": campaignID,
			"requeued":    n,
		}).Info("Failed recipients requeued")
	}
	return n, nil
}
