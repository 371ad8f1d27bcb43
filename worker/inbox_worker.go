package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldmail/config"
	"coldmail/engine"
	"coldmail/models"
	"coldmail/store"
	"coldmail/utils"
)

var messageIDPattern = regexp.MustCompile(`<([^<>]+)>`)

// InboxWorker polls each sender's IMAP inbox for replies and bounces and
// feeds the matches back into campaign stats and the sequence engine.
type InboxWorker struct {
	store  *store.GormStore
	engine *engine.SequenceEngine
	logger *logrus.Logger
	cfg    config.WorkerConfig
	now    func() time.Time
}

func NewInboxWorker(st *store.GormStore, eng *engine.SequenceEngine, logger *logrus.Logger, cfg config.WorkerConfig) *InboxWorker {
	return &InboxWorker{
		store:  st,
		engine: eng,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (iw *InboxWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(10 * time.Second)

	iw.logger.Info("Inbox worker started")

	ticker := time.NewTicker(iw.cfg.InboxPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			iw.logger.Info("Inbox worker shutting down...")
			return
		case <-ticker.C:
			iw.pollAll(ctx)
		}
	}
}

func (iw *InboxWorker) pollAll(ctx context.Context) {
	senders, err := iw.store.IMAPSenders()
	if err != nil {
		iw.logger.WithError(err).Error("Failed to list IMAP senders")
		return
	}

	for _, sender := range senders {
		if ctx.Err() != nil {
			return
		}
		if err := iw.pollSender(&sender); err != nil {
			iw.logger.WithError(err).WithField("sender_id", sender.ID).Error("Inbox poll failed")
			continue
		}
		if err := iw.store.TouchSenderCheck(sender.ID, iw.now()); err != nil {
			iw.logger.WithError(err).WithField("sender_id", sender.ID).Error("Failed to update poll watermark")
		}
	}
}

func (iw *InboxWorker) pollSender(sender *models.Sender) error {
	if sender.IMAPPassword == "" {
		return nil
	}
	password, err := utils.Decrypt(sender.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %v", err)
	}

	imapAddr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)

	var imapClient *client.Client
	if sender.IMAPPort == 993 {
		imapClient, err = client.DialTLS(imapAddr, &tls.Config{
			ServerName: sender.IMAPHost,
		})
	} else {
		imapClient, err = client.Dial(imapAddr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{
				ServerName: sender.IMAPHost,
			})
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(sender.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	if _, err := imapClient.Select("INBOX", false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	if sender.LastCheckAt != nil {
		criteria.Since = *sender.LastCheckAt
	}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := iw.processMessage(sender, msg); err != nil {
			iw.logger.WithError(err).WithFields(logrus.Fields{
				"sender_id": sender.ID,
				"seq_num":   msg.SeqNum,
			}).Warn("Failed to process inbox message")
		}
	}

	return <-done
}

func (iw *InboxWorker) processMessage(sender *models.Sender, msg *imap.Message) error {
	if msg.Envelope == nil {
		return nil
	}

	refs, bodyText := iw.readReferences(msg)
	if len(refs) == 0 {
		return nil
	}

	bounce := isBounceNotification(msg.Envelope)
	for _, ref := range refs {
		if bounce {
			if iw.handleBounce(sender, ref, msg.Envelope, bodyText) {
				return nil
			}
		} else if iw.handleReply(sender, ref, msg.Envelope) {
			return nil
		}
	}
	return nil
}

// readReferences collects candidate originating message ids from the
// In-Reply-To envelope field and the References header, bare form without
// angle brackets
func (iw *InboxWorker) readReferences(msg *imap.Message) ([]string, string) {
	seen := map[string]bool{}
	var refs []string
	add := func(raw string) {
		for _, m := range messageIDPattern.FindAllStringSubmatch(raw, -1) {
			if id := strings.TrimSpace(m[1]); id != "" && !seen[id] {
				seen[id] = true
				refs = append(refs, id)
			}
		}
	}

	add(msg.Envelope.InReplyTo)

	var bodyText string
	for _, literal := range msg.Body {
		mr, err := mail.CreateReader(literal)
		if err != nil {
			continue
		}
		add(mr.Header.Get("References"))
		add(mr.Header.Get("In-Reply-To"))
		bodyText = readPlainText(mr)
		break
	}
	return refs, bodyText
}

func readPlainText(mr *mail.Reader) string {
	var out strings.Builder
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			if strings.Contains(contentType, "text/plain") {
				buf := make([]byte, 8192)
				n, _ := p.Body.Read(buf)
				out.Write(buf[:n])
			}
		}
	}
	return out.String()
}

// handleReply matches one referenced message id against campaign
// recipients and sequence executions. Returns true once matched.
func (iw *InboxWorker) handleReply(sender *models.Sender, messageID string, env *imap.Envelope) bool {
	if recipient, err := iw.store.FindRecipientByMessageID(messageID); err == nil {
		iw.recordCampaignEvent(recipient, sender, "replied", "reply_count", env)
		return true
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		iw.logger.WithError(err).Error("Recipient lookup failed")
	}

	if exec, err := iw.store.FindExecutionByMessageID(messageID); err == nil {
		stepID := exec.StepID
		if err := iw.engine.RecordReply(exec.EnrollmentID, &stepID); err != nil {
			iw.logger.WithError(err).WithField("enrollment_id", exec.EnrollmentID).Error("Failed to record sequence reply")
		}
		return true
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		iw.logger.WithError(err).Error("Execution lookup failed")
	}
	return false
}

func (iw *InboxWorker) handleBounce(sender *models.Sender, messageID string, env *imap.Envelope, bodyText string) bool {
	hard := isHardBounce(env.Subject, bodyText)

	if recipient, err := iw.store.FindRecipientByMessageID(messageID); err == nil {
		if err := iw.store.MarkRecipientBounced(recipient.ID); err != nil {
			iw.logger.WithError(err).Error("Failed to mark recipient bounced")
		}
		if hard {
			iw.markHardBounce(recipient.ContactID)
		}
		iw.recordCampaignEvent(recipient, sender, "bounced", "bounce_count", env)
		iw.recordBounce(sender, recipient.ContactID, &recipient.CampaignID, nil, hard, env)
		return true
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		iw.logger.WithError(err).Error("Recipient lookup failed")
	}

	if exec, err := iw.store.FindExecutionByMessageID(messageID); err == nil {
		// Flag the contact before RecordBounce so stop-on-bounce sees it.
		// Soft bounces leave the contact reachable and never trigger the stop.
		if enrollment, err := iw.store.GetEnrollment(exec.EnrollmentID); err == nil {
			if hard {
				iw.markHardBounce(enrollment.ContactID)
			}
			iw.recordBounce(sender, enrollment.ContactID, nil, &exec.SequenceID, hard, env)
		} else {
			iw.logger.WithError(err).WithField("enrollment_id", exec.EnrollmentID).Error("Enrollment lookup failed")
		}
		stepID := exec.StepID
		if err := iw.engine.RecordBounce(exec.EnrollmentID, &stepID); err != nil {
			iw.logger.WithError(err).WithField("enrollment_id", exec.EnrollmentID).Error("Failed to record sequence bounce")
		}
		return true
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		iw.logger.WithError(err).Error("Execution lookup failed")
	}
	return false
}

// recordBounce keeps a per-address bounce log for deliverability reporting.
func (iw *InboxWorker) recordBounce(sender *models.Sender, contactID uint, campaignID, sequenceID *uint, hard bool, env *imap.Envelope) {
	contact, err := iw.store.GetContact(contactID)
	if err != nil {
		iw.logger.WithError(err).WithField("contact_id", contactID).Warn("Contact lookup failed for bounce record")
		return
	}
	kind := "soft"
	if hard {
		kind = "hard"
	}
	cid := contactID
	if err := iw.store.CreateBounce(&models.Bounce{
		Email:      contact.Email,
		ContactID:  &cid,
		CampaignID: campaignID,
		SequenceID: sequenceID,
		SenderID:   sender.ID,
		Type:       kind,
		Message:    env.Subject,
	}); err != nil {
		iw.logger.WithError(err).Warn("Failed to persist bounce record")
	}
}

func (iw *InboxWorker) recordCampaignEvent(recipient *models.CampaignRecipient, sender *models.Sender, activity, counter string, env *imap.Envelope) {
	if err := iw.store.IncCampaignEngagement(recipient.CampaignID, counter); err != nil {
		iw.logger.WithError(err).Error("Failed to bump campaign counter")
	}
	if err := iw.store.CreateActivity(&models.ContactActivity{
		ContactID:    recipient.ContactID,
		CampaignID:   &recipient.CampaignID,
		SenderID:     &sender.ID,
		ActivityType: activity,
		ActivityAt:   iw.now(),
		MessageID:    recipient.MessageID,
		Details:      env.Subject,
	}); err != nil {
		iw.logger.WithError(err).Warn("Failed to record contact activity")
	}
	iw.logger.WithFields(logrus.Fields{
		"campaign_id": recipient.CampaignID,
		"contact_id":  recipient.ContactID,
		"activity":    activity,
	}).Info("Inbox match recorded")
}

func (iw *InboxWorker) markHardBounce(contactID uint) {
	if err := iw.store.MarkContactBounced(contactID); err != nil {
		iw.logger.WithError(err).WithField("contact_id", contactID).Error("Failed to flag bounced contact")
	}
}

func isBounceNotification(env *imap.Envelope) bool {
	for _, addr := range env.From {
		mailbox := strings.ToLower(addr.MailboxName)
		if strings.Contains(mailbox, "mailer-daemon") || strings.Contains(mailbox, "postmaster") {
			return true
		}
	}
	subject := strings.ToLower(env.Subject)
	for _, marker := range []string{"undeliverable", "delivery status notification", "returned mail", "mail delivery failed"} {
		if strings.Contains(subject, marker) {
			return true
		}
	}
	return false
}

func isHardBounce(subject, body string) bool {
	text := strings.ToLower(subject + " " + body)
	for _, marker := range []string{"550", "551", "553", "user unknown", "does not exist", "no such user", "permanent"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
