package utils

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gopkg.in/gomail.v2"

	"coldmail/engine"
	"coldmail/models"
	"coldmail/store"
)

// SenderMailer delivers mail through each sender's own SMTP account and
// enforces per-sender daily quotas. It implements engine.Mailer.
type SenderMailer struct {
	store  *store.GormStore
	logger *logrus.Logger

	// OAuth endpoints per provider, overridable in tests
	oauthEndpoints map[string]oauth2.Endpoint
}

func NewSenderMailer(st *store.GormStore, logger *logrus.Logger) *SenderMailer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SenderMailer{
		store:  st,
		logger: logger,
		oauthEndpoints: map[string]oauth2.Endpoint{
			"gmail": {
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
			"outlook": {
				AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
				TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			},
		},
	}
}

// CanSend reports whether the sender is allowed to send right now
func (m *SenderMailer) CanSend(senderID uint) error {
	sender, err := m.store.GetSender(senderID)
	if err != nil {
		return fmt.Errorf("load sender %d: %w", senderID, err)
	}
	if !sender.IsActive {
		return fmt.Errorf("sender %s is disabled", sender.FromEmail)
	}
	if sender.RemainingToday() == 0 {
		return fmt.Errorf("sender %s reached its daily limit of %d", sender.FromEmail, sender.DailyLimit)
	}

	sent, planLimit, err := m.store.UserDailyQuota(sender.UserID)
	if err != nil {
		return fmt.Errorf("load daily quota for user %d: %w", sender.UserID, err)
	}
	if planLimit > 0 && sent >= int64(planLimit) {
		return fmt.Errorf("workspace reached its plan limit of %d sends per day", planLimit)
	}
	return nil
}

// Send delivers one message and returns its generated Message-ID
func (m *SenderMailer) Send(ctx context.Context, email engine.OutgoingEmail) (*engine.SendResult, error) {
	sender, err := m.store.GetSender(email.SenderID)
	if err != nil {
		return nil, fmt.Errorf("load sender %d: %w", email.SenderID, err)
	}

	messageID := email.MessageID
	if messageID == "" {
		messageID = NewMessageID(sender.FromEmail)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(sender.FromEmail, sender.FromName))
	msg.SetHeader("To", email.To)
	msg.SetHeader("Subject", email.Subject)
	msg.SetHeader("Message-ID", "<"+messageID+">")
	if replyTo := firstNonEmpty(email.ReplyTo, sender.ReplyTo); replyTo != "" {
		msg.SetHeader("Reply-To", replyTo)
	}
	for k, v := range email.Headers {
		msg.SetHeader(k, v)
	}
	if email.TextBody != "" {
		msg.SetBody("text/plain", email.TextBody)
		if email.HTMLBody != "" {
			msg.AddAlternative("text/html", email.HTMLBody)
		}
	} else {
		msg.SetBody("text/html", email.HTMLBody)
	}

	dialer, err := m.dialerFor(ctx, sender)
	if err != nil {
		return nil, err
	}

	if err := dialer.DialAndSend(msg); err != nil {
		m.logger.WithFields(logrus.Fields{
			"sender_id": sender.ID,
			"to":        email.To,
			"error":     err.Error(),
		}).Warn("SMTP delivery failed")
		return &engine.SendResult{Success: false, Message: err.Error()}, nil
	}

	if err := m.store.RecordSenderSend(sender.ID); err != nil {
		m.logger.WithField("sender_id", sender.ID).Warn("failed to bump sender counters")
	}

	return &engine.SendResult{Success: true, Message: "sent", MessageID: messageID}, nil
}

// dialerFor builds the SMTP dialer for a sender, refreshing the OAuth
// access token when the sender authenticates that way
func (m *SenderMailer) dialerFor(ctx context.Context, sender *models.Sender) (*gomail.Dialer, error) {
	password, err := Decrypt(sender.SMTPPassword)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials for sender %d: %w", sender.ID, err)
	}

	if sender.OAuthRefreshToken != "" {
		token, err := m.refreshOAuthToken(ctx, sender)
		if err != nil {
			return nil, fmt.Errorf("refresh oauth token for sender %d: %w", sender.ID, err)
		}
		password = token
	}

	d := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	if strings.EqualFold(sender.Encryption, "SSL") {
		d.SSL = true
	}
	return d, nil
}

func (m *SenderMailer) refreshOAuthToken(ctx context.Context, sender *models.Sender) (string, error) {
	endpoint, ok := m.oauthEndpoints[sender.OAuthProvider]
	if !ok {
		return "", fmt.Errorf("unknown oauth provider %q", sender.OAuthProvider)
	}

	current := &oauth2.Token{
		AccessToken:  sender.OAuthToken,
		RefreshToken: sender.OAuthRefreshToken,
		Expiry:       sender.OAuthExpiry,
	}
	if current.Valid() {
		return current.AccessToken, nil
	}

	conf := &oauth2.Config{Endpoint: endpoint}
	token, err := conf.TokenSource(ctx, current).Token()
	if err != nil {
		return "", err
	}

	sender.OAuthToken = token.AccessToken
	sender.OAuthExpiry = token.Expiry
	if err := m.store.DB().Model(&models.Sender{}).Where("id = ?", sender.ID).
		Updates(map[string]interface{}{
			"oauth_token":  token.AccessToken,
			"oauth_expiry": token.Expiry,
		}).Error; err != nil {
		m.logger.WithField("sender_id", sender.ID).Warn("failed to persist refreshed oauth token")
	}
	return token.AccessToken, nil
}

// NewMessageID builds a bare RFC 5322 message id (no angle brackets) from
// the sending domain; the brackets are added on the wire
func NewMessageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("%s.%d@%s", uuid.New().String(), time.Now().Unix(), domain)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
