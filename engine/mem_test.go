package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"coldmail/models"
)

// memStore is an in-memory Store used by the engine tests. It is not
// concurrency safe and Transaction simply runs the callback against the
// same store; tests exercise engine logic, not SQL.
type memStore struct {
	nextID uint

	campaigns   map[uint]*models.Campaign
	recipients  []*models.CampaignRecipient
	sequences   map[uint]*models.Sequence
	steps       map[uint]*models.SequenceStep
	contacts    map[uint]*models.Contact
	templates   map[uint]*models.Template
	enrollments map[uint]*models.SequenceEnrollment
	executions  []*models.SequenceStepExecution
	events      []*models.SequenceEvent
	contactTags map[string]bool // "contactID/tagID"
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:   map[uint]*models.Campaign{},
		sequences:   map[uint]*models.Sequence{},
		steps:       map[uint]*models.SequenceStep{},
		contacts:    map[uint]*models.Contact{},
		templates:   map[uint]*models.Template{},
		enrollments: map[uint]*models.SequenceEnrollment{},
		contactTags: map[string]bool{},
	}
}

func (m *memStore) id() uint {
	m.nextID++
	return m.nextID
}

func (m *memStore) addCampaign(c *models.Campaign) *models.Campaign {
	c.ID = m.id()
	m.campaigns[c.ID] = c
	return c
}

func (m *memStore) addRecipient(campaignID, contactID uint) *models.CampaignRecipient {
	r := &models.CampaignRecipient{
		CampaignID: campaignID,
		ContactID:  contactID,
		Status:     models.RecipientStatusPending,
	}
	r.ID = m.id()
	m.recipients = append(m.recipients, r)
	return r
}

func (m *memStore) addContact(c *models.Contact) *models.Contact {
	c.ID = m.id()
	m.contacts[c.ID] = c
	return c
}

func (m *memStore) addSequence(s *models.Sequence) *models.Sequence {
	s.ID = m.id()
	m.sequences[s.ID] = s
	return s
}

func (m *memStore) addStep(s *models.SequenceStep) *models.SequenceStep {
	s.ID = m.id()
	m.steps[s.ID] = s
	seq := m.sequences[s.SequenceID]
	seq.Steps = append(seq.Steps, *s)
	return s
}

func (m *memStore) Transaction(fn func(Store) error) error { return fn(m) }

func (m *memStore) GetCampaign(id uint) (*models.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %d not found", id)
	}
	return c, nil
}

func (m *memStore) PendingRecipients(campaignID uint) ([]models.CampaignRecipient, error) {
	var out []models.CampaignRecipient
	for _, r := range m.recipients {
		if r.CampaignID == campaignID && r.Status == models.RecipientStatusPending {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) QueueRecipients(assignments []RecipientAssignment, queuedAt time.Time) error {
	for _, a := range assignments {
		for _, r := range m.recipients {
			if r.ID == a.RecipientID {
				at := a.ScheduledAt
				qa := queuedAt
				r.Status = models.RecipientStatusQueued
				r.ScheduledAt = &at
				r.SendAfter = &at
				r.QueuedAt = &qa
			}
		}
	}
	return nil
}

func (m *memStore) SetCampaignStatus(id uint, from []string, to string) (bool, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return false, fmt.Errorf("campaign %d not found", id)
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) DueRecipients(campaignID uint, now time.Time, limit int) ([]models.CampaignRecipient, error) {
	var out []models.CampaignRecipient
	for _, r := range m.recipients {
		if r.CampaignID != campaignID || r.Status != models.RecipientStatusQueued {
			continue
		}
		if r.SendAfter != nil && r.SendAfter.After(now) {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ClaimRecipient(id uint) (bool, error) {
	for _, r := range m.recipients {
		if r.ID == id {
			if r.Status != models.RecipientStatusQueued {
				return false, nil
			}
			r.Status = models.RecipientStatusSending
			return true, nil
		}
	}
	return false, fmt.Errorf("recipient %d not found", id)
}

func (m *memStore) MarkRecipientSent(id uint, senderID uint, messageID string, sentAt time.Time) error {
	for _, r := range m.recipients {
		if r.ID == id {
			at := sentAt
			r.Status = models.RecipientStatusSent
			r.SenderID = &senderID
			r.MessageID = messageID
			r.SentAt = &at
			return nil
		}
	}
	return fmt.Errorf("recipient %d not found", id)
}

func (m *memStore) MarkRecipientFailed(id uint, errMsg string) error {
	for _, r := range m.recipients {
		if r.ID == id {
			r.Status = models.RecipientStatusFailed
			r.RetryCount++
			r.LastError = &errMsg
			return nil
		}
	}
	return fmt.Errorf("recipient %d not found", id)
}

func (m *memStore) ResetFailedRecipients(campaignID uint, maxRetries int) (int64, error) {
	var n int64
	for _, r := range m.recipients {
		if r.CampaignID == campaignID && r.Status == models.RecipientStatusFailed && r.RetryCount < maxRetries {
			r.Status = models.RecipientStatusQueued
			n++
		}
	}
	return n, nil
}

func (m *memStore) IncCampaignCounters(campaignID uint, sent, failed int) error {
	c, ok := m.campaigns[campaignID]
	if !ok {
		return fmt.Errorf("campaign %d not found", campaignID)
	}
	c.SentCount += sent
	c.FailedCount += failed
	return nil
}

func (m *memStore) GetSequence(id uint) (*models.Sequence, error) {
	s, ok := m.sequences[id]
	if !ok {
		return nil, fmt.Errorf("sequence %d not found", id)
	}
	return s, nil
}

func (m *memStore) SaveSequence(s *models.Sequence) error {
	m.sequences[s.ID] = s
	return nil
}

func (m *memStore) GetStep(id uint) (*models.SequenceStep, error) {
	s, ok := m.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %d not found", id)
	}
	return s, nil
}

func (m *memStore) GetContact(id uint) (*models.Contact, error) {
	c, ok := m.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %d not found", id)
	}
	return c, nil
}

func (m *memStore) GetTemplate(id uint) (*models.Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %d not found", id)
	}
	return t, nil
}

func (m *memStore) GetEnrollment(id uint) (*models.SequenceEnrollment, error) {
	e, ok := m.enrollments[id]
	if !ok {
		return nil, fmt.Errorf("enrollment %d not found", id)
	}
	return e, nil
}

func (m *memStore) ActiveEnrollment(sequenceID, contactID uint) (*models.SequenceEnrollment, error) {
	for _, e := range m.enrollments {
		if e.SequenceID == sequenceID && e.ContactID == contactID && e.Status == models.EnrollmentStatusActive {
			return e, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateEnrollment(e *models.SequenceEnrollment) error {
	e.ID = m.id()
	m.enrollments[e.ID] = e
	return nil
}

func (m *memStore) SaveEnrollment(e *models.SequenceEnrollment) error {
	m.enrollments[e.ID] = e
	return nil
}

func (m *memStore) DueEnrollments(now time.Time, limit int) ([]models.SequenceEnrollment, error) {
	var out []models.SequenceEnrollment
	for _, e := range m.enrollments {
		if e.Status != models.EnrollmentStatusActive || e.NextStepAt == nil || e.NextStepAt.After(now) {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) BulkEnrollmentStatus(sequenceID uint, from, to string) (int64, error) {
	var n int64
	for _, e := range m.enrollments {
		if e.SequenceID == sequenceID && e.Status == from {
			e.Status = to
			n++
		}
	}
	return n, nil
}

func (m *memStore) AddSequenceActive(sequenceID uint, delta int) error {
	s, ok := m.sequences[sequenceID]
	if !ok {
		return fmt.Errorf("sequence %d not found", sequenceID)
	}
	s.ActiveEnrollments += delta
	return nil
}

func (m *memStore) IncSequenceCompleted(sequenceID uint) error {
	if s, ok := m.sequences[sequenceID]; ok {
		s.CompletedEnrollments++
	}
	return nil
}

func (m *memStore) IncSequenceStopped(sequenceID uint) error {
	if s, ok := m.sequences[sequenceID]; ok {
		s.StoppedEnrollments++
	}
	return nil
}

func (m *memStore) RecordSequenceEmailSent(sequenceID, stepID, contactID uint) error {
	if s, ok := m.sequences[sequenceID]; ok {
		s.EmailsSent++
	}
	if st, ok := m.steps[stepID]; ok {
		st.SentCount++
	}
	if c, ok := m.contacts[contactID]; ok {
		c.EmailsSent++
	}
	return nil
}

func (m *memStore) IncStepFailed(stepID uint) error {
	if st, ok := m.steps[stepID]; ok {
		st.FailedCount++
	}
	return nil
}

func (m *memStore) IncStepEngagement(stepID uint, opens, clicks int) error {
	if st, ok := m.steps[stepID]; ok {
		st.OpenCount += opens
		st.ClickCount += clicks
	}
	return nil
}

func (m *memStore) GetOrCreateExecution(enrollmentID, stepID, sequenceID uint) (*models.SequenceStepExecution, bool, error) {
	for _, x := range m.executions {
		if x.EnrollmentID == enrollmentID && x.StepID == stepID {
			return x, false, nil
		}
	}
	x := &models.SequenceStepExecution{
		EnrollmentID: enrollmentID,
		StepID:       stepID,
		SequenceID:   sequenceID,
		Status:       models.ExecutionStatusScheduled,
	}
	x.ID = m.id()
	m.executions = append(m.executions, x)
	return x, true, nil
}

func (m *memStore) SaveExecution(x *models.SequenceStepExecution) error {
	for i, e := range m.executions {
		if e.ID == x.ID {
			m.executions[i] = x
			return nil
		}
	}
	m.executions = append(m.executions, x)
	return nil
}

func (m *memStore) FindExecutionByMessageID(messageID string) (*models.SequenceStepExecution, error) {
	for _, x := range m.executions {
		if x.MessageID == messageID {
			return x, nil
		}
	}
	return nil, fmt.Errorf("execution with message id %q not found", messageID)
}

func (m *memStore) CreateEvent(ev *models.SequenceEvent) error {
	ev.ID = m.id()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) AddContactTag(contactID, tagID uint) error {
	m.contactTags[fmt.Sprintf("%d/%d", contactID, tagID)] = true
	return nil
}

func (m *memStore) RemoveContactTag(contactID, tagID uint) error {
	delete(m.contactTags, fmt.Sprintf("%d/%d", contactID, tagID))
	return nil
}

func (m *memStore) ContactHasTag(contactID, tagID uint) (bool, error) {
	return m.contactTags[fmt.Sprintf("%d/%d", contactID, tagID)], nil
}

func (m *memStore) executionsFor(enrollmentID, stepID uint) []*models.SequenceStepExecution {
	var out []*models.SequenceStepExecution
	for _, x := range m.executions {
		if x.EnrollmentID == enrollmentID && x.StepID == stepID {
			out = append(out, x)
		}
	}
	return out
}

func (m *memStore) eventTypes() []string {
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

// fakeMailer records sends and can be programmed to fail
type fakeMailer struct {
	sent       []OutgoingEmail
	failWith   error
	denySender error
}

func (f *fakeMailer) CanSend(senderID uint) error { return f.denySender }

func (f *fakeMailer) Send(_ context.Context, email OutgoingEmail) (*SendResult, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.sent = append(f.sent, email)
	return &SendResult{Success: true, MessageID: fmt.Sprintf("<msg-%d@test>", len(f.sent))}, nil
}

// fakeRenderer substitutes {{first_name}} style variables with a naive
// string replace; good enough to observe personalization in tests
type fakeRenderer struct{}

func (fakeRenderer) Render(subject, htmlBody, textBody string, vars map[string]any, _ bool) (*RenderedEmail, error) {
	apply := func(s string) string {
		for k, v := range vars {
			s = strings.ReplaceAll(s, "{{"+k+"}}", fmt.Sprint(v))
		}
		return s
	}
	return &RenderedEmail{Subject: apply(subject), HTMLBody: apply(htmlBody), TextBody: apply(textBody)}, nil
}

func (fakeRenderer) ExtractVariables(string) []string { return nil }

// fakeWebhook records calls and replies with a fixed status
type fakeWebhook struct {
	status int
	err    error
	calls  []string
}

func (f *fakeWebhook) Do(_ context.Context, method, url string, _ map[string]string, _ map[string]any) (int, []byte, error) {
	f.calls = append(f.calls, method+" "+url)
	if f.err != nil {
		return 0, nil, f.err
	}
	status := f.status
	if status == 0 {
		status = 200
	}
	return status, nil, nil
}
