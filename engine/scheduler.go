package engine

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"coldmail/models"
)

// RecipientScheduler assigns send timestamps to a campaign's pending
// recipients and moves them to queued in one pass
type RecipientScheduler struct {
	store   Store
	planner *DelayPlanner
	logger  *logrus.Logger
	now     func() time.Time
}

// NewRecipientScheduler creates a scheduler. A nil planner gets a
// time-seeded one.
func NewRecipientScheduler(store Store, planner *DelayPlanner, logger *logrus.Logger) *RecipientScheduler {
	if planner == nil {
		planner = NewDelayPlanner(nil)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RecipientScheduler{
		store:   store,
		planner: planner,
		logger:  logger,
		now:     time.Now,
	}
}

// Schedule computes a send slot for every pending recipient of the campaign
// and transitions them to queued. It returns the number of recipients
// queued. Recipients keep their creation order and timestamps never
// decrease along it.
func (rs *RecipientScheduler) Schedule(campaign *models.Campaign) (int, error) {
	if campaign.MinDelaySeconds > campaign.MaxDelaySeconds {
		return 0, fmt.Errorf("campaign %d: min delay %ds exceeds max delay %ds",
			campaign.ID, campaign.MinDelaySeconds, campaign.MaxDelaySeconds)
	}

	pending, err := rs.store.PendingRecipients(campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("load pending recipients: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	now := rs.now().UTC()

	var assignments []RecipientAssignment
	switch campaign.SendMode {
	case models.SendModeSpread:
		if !campaign.HasSendWindow() {
			// no window to spread across, behave like immediate
			rs.logger.WithField("campaign_id", campaign.ID).
				Warn("spread mode without send window, falling back to immediate")
			assignments, err = rs.sequential(campaign, pending, now)
		} else {
			assignments, err = rs.spread(campaign, pending, now)
		}
	case models.SendModeScheduled:
		start := now
		if campaign.ScheduledAt != nil && campaign.ScheduledAt.After(now) {
			start = campaign.ScheduledAt.UTC()
		}
		assignments, err = rs.sequential(campaign, pending, start)
	default:
		assignments, err = rs.sequential(campaign, pending, now)
	}
	if err != nil {
		return 0, err
	}

	if err := rs.store.QueueRecipients(assignments, now); err != nil {
		return 0, fmt.Errorf("queue recipients: %w", err)
	}

	rs.logger.WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"recipients":  len(assignments),
		"mode":        campaign.SendMode,
	}).Info("Campaign recipients scheduled")

	return len(assignments), nil
}

// sequential walks recipients from a start time, spacing them with jittered
// delays and inserting the batch pause after every full batch
func (rs *RecipientScheduler) sequential(campaign *models.Campaign, pending []models.CampaignRecipient, start time.Time) ([]RecipientAssignment, error) {
	pause := time.Duration(campaign.BatchDelayMinutes) * time.Minute
	batch := NewBatchCounter(rs.planner, campaign.BatchSize, pause)

	assignments := make([]RecipientAssignment, 0, len(pending))
	cursor := start
	for i, r := range pending {
		if i > 0 {
			gap, err := batch.Advance(campaign.MinDelaySeconds, campaign.MaxDelaySeconds)
			if err != nil {
				return nil, err
			}
			cursor = cursor.Add(gap)
		}
		assignments = append(assignments, RecipientAssignment{RecipientID: r.ID, ScheduledAt: cursor})
		batch.Record()
	}
	return assignments, nil
}

// spread packs recipients into the campaign's send window day by day,
// spacing them with jittered delays. Days whose weekday is not allowed are
// skipped, and the first day's window start is clamped to now when the
// window is already open.
func (rs *RecipientScheduler) spread(campaign *models.Campaign, pending []models.CampaignRecipient, now time.Time) ([]RecipientAssignment, error) {
	window, err := ParseSendWindow(campaign.SendWindowStart, campaign.SendWindowEnd, campaign.SendDays, campaign.Timezone)
	if err != nil {
		return nil, fmt.Errorf("campaign %d: %w", campaign.ID, err)
	}

	assignments := make([]RecipientAssignment, 0, len(pending))
	day := now.In(window.Location)
	remaining := pending

	// a year of calendar days is more than any realistic schedule needs
	for guard := 0; len(remaining) > 0; guard++ {
		if guard > 366 {
			return nil, fmt.Errorf("campaign %d: could not place %d recipients within a year", campaign.ID, len(remaining))
		}

		if !window.Days[day.Weekday()] {
			day = window.startOfNextDay(day)
			continue
		}

		start := window.dayStart(day)
		end := window.dayEnd(day)
		// never schedule into the past; a clamp past the end skips the day
		if nowLocal := now.In(window.Location); nowLocal.After(start) {
			start = nowLocal
		}
		if !start.Before(end) {
			day = window.startOfNextDay(day)
			continue
		}

		cursor := start
		for len(remaining) > 0 {
			assignments = append(assignments, RecipientAssignment{RecipientID: remaining[0].ID, ScheduledAt: cursor.UTC()})
			remaining = remaining[1:]
			if len(remaining) == 0 {
				break
			}
			gap, err := rs.planner.NextDelay(campaign.MinDelaySeconds, campaign.MaxDelaySeconds)
			if err != nil {
				return nil, err
			}
			cursor = cursor.Add(gap)
			if !cursor.Before(end) {
				break
			}
		}

		day = window.startOfNextDay(day)
	}

	return assignments, nil
}
