package worker

import (
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
)

func TestIsHardBounce(t *testing.T) {
	assert.True(t, isHardBounce("Undeliverable", "550 5.1.1 user unknown"))
	assert.True(t, isHardBounce("Mail delivery failed", "the address does not exist"))
	assert.False(t, isHardBounce("Undeliverable", "mailbox full, try again later"))
	assert.False(t, isHardBounce("Out of office", ""))
}

func TestIsBounceNotification(t *testing.T) {
	daemon := &imap.Envelope{
		Subject: "Re: your message",
		From:    []*imap.Address{{MailboxName: "MAILER-DAEMON", HostName: "mx.example.com"}},
	}
	assert.True(t, isBounceNotification(daemon))

	bySubject := &imap.Envelope{
		Subject: "Delivery Status Notification (Failure)",
		From:    []*imap.Address{{MailboxName: "noreply", HostName: "mx.example.com"}},
	}
	assert.True(t, isBounceNotification(bySubject))

	plain := &imap.Envelope{
		Subject: "Re: quick question",
		From:    []*imap.Address{{MailboxName: "ada", HostName: "example.com"}},
	}
	assert.False(t, isBounceNotification(plain))
}
