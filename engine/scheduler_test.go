package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldmail/models"
)

// 2026-08-24 12:00 UTC, a Monday
var schedNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTestScheduler(store *memStore) *RecipientScheduler {
	rs := NewRecipientScheduler(store, NewDelayPlanner(rand.NewSource(1)), nil)
	rs.now = func() time.Time { return schedNow }
	return rs
}

func seedCampaign(store *memStore, c *models.Campaign, recipients int) *models.Campaign {
	c = store.addCampaign(c)
	for i := 0; i < recipients; i++ {
		store.addRecipient(c.ID, uint(1000+i))
	}
	return c
}

func queuedRecipients(t *testing.T, store *memStore, campaignID uint) []*models.CampaignRecipient {
	t.Helper()
	var out []*models.CampaignRecipient
	for _, r := range store.recipients {
		if r.CampaignID == campaignID {
			require.Equal(t, models.RecipientStatusQueued, r.Status)
			require.NotNil(t, r.ScheduledAt)
			require.NotNil(t, r.QueuedAt)
			out = append(out, r)
		}
	}
	return out
}

func TestScheduleImmediateSpacing(t *testing.T) {
	store := newMemStore()
	c := seedCampaign(store, &models.Campaign{
		SendMode:        models.SendModeImmediate,
		MinDelaySeconds: 30,
		MaxDelaySeconds: 30,
	}, 4)

	rs := newTestScheduler(store)
	n, err := rs.Schedule(c)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	rec := queuedRecipients(t, store, c.ID)
	require.Len(t, rec, 4)
	for i, r := range rec {
		assert.Equal(t, schedNow.Add(time.Duration(i)*30*time.Second), *r.ScheduledAt)
	}
}

func TestScheduleJitterWithinBounds(t *testing.T) {
	store := newMemStore()
	c := seedCampaign(store, &models.Campaign{
		SendMode:        models.SendModeImmediate,
		MinDelaySeconds: 30,
		MaxDelaySeconds: 90,
	}, 20)

	rs := newTestScheduler(store)
	_, err := rs.Schedule(c)
	require.NoError(t, err)

	rec := queuedRecipients(t, store, c.ID)
	for i := 1; i < len(rec); i++ {
		gap := rec[i].ScheduledAt.Sub(*rec[i-1].ScheduledAt)
		assert.GreaterOrEqual(t, gap, 30*time.Second)
		assert.LessOrEqual(t, gap, 90*time.Second)
	}
}

func TestScheduleBatchPauses(t *testing.T) {
	store := newMemStore()
	c := seedCampaign(store, &models.Campaign{
		SendMode:          models.SendModeImmediate,
		MinDelaySeconds:   30,
		MaxDelaySeconds:   30,
		BatchSize:         2,
		BatchDelayMinutes: 10,
	}, 5)

	rs := newTestScheduler(store)
	_, err := rs.Schedule(c)
	require.NoError(t, err)

	rec := queuedRecipients(t, store, c.ID)
	require.Len(t, rec, 5)

	want := []time.Duration{0, 30 * time.Second, 630 * time.Second, 660 * time.Second, 1260 * time.Second}
	for i, r := range rec {
		assert.Equal(t, schedNow.Add(want[i]), *r.ScheduledAt, "recipient %d", i)
	}
}

func TestScheduleScheduledModeStartsAtScheduledTime(t *testing.T) {
	store := newMemStore()
	startAt := schedNow.Add(2 * time.Hour)
	c := seedCampaign(store, &models.Campaign{
		SendMode:        models.SendModeScheduled,
		ScheduledAt:     &startAt,
		MinDelaySeconds: 30,
		MaxDelaySeconds: 30,
	}, 2)

	rs := newTestScheduler(store)
	_, err := rs.Schedule(c)
	require.NoError(t, err)

	rec := queuedRecipients(t, store, c.ID)
	assert.Equal(t, startAt, *rec[0].ScheduledAt)
	assert.Equal(t, startAt.Add(30*time.Second), *rec[1].ScheduledAt)
}

func TestScheduleScheduledModePastTimeStartsNow(t *testing.T) {
	store := newMemStore()
	past := schedNow.Add(-time.Hour)
	c := seedCampaign(store, &models.Campaign{
		SendMode:        models.SendModeScheduled,
		ScheduledAt:     &past,
		MinDelaySeconds: 30,
		MaxDelaySeconds: 30,
	}, 1)

	rs := newTestScheduler(store)
	_, err := rs.Schedule(c)
	require.NoError(t, err)

	rec := queuedRecipients(t, store, c.ID)
	assert.Equal(t, schedNow, *rec[0].ScheduledAt)
}

func TestScheduleSpreadStaysInsideWindow(t *testing.T) {
	store := newMemStore()
	c := seedCampaign(store, &models.Campaign{
		SendMode:        models.SendModeSpread,
		MinDelaySeconds: 1800,
		MaxDelaySeconds: 1800,
		SendWindowStart: "09:00",
		SendWindowEnd:   "10:00",
		SendDays:        []int{1, 2, 3, 4, 5},
		Timezone:        "UTC",
	}, 5)

	rs := newTestScheduler(store)
	n, err := rs.Schedule(c)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	window, err := ParseSendWindow("09:00", "10:00", []int{1, 2, 3, 4, 5}, "UTC")
	require.NoError(t, err)

	rec := queuedRecipients(t, store, c.ID)
	var prev time.Time
	for _, r := range rec {
		assert.True(t, window.Contains(*r.ScheduledAt), "slot %v outside window", *r.ScheduledAt)
		assert.True(t, !r.ScheduledAt.Before(prev), "slots must not decrease")
		prev = *r.ScheduledAt
	}

	// Noon Monday is past the 09:00-10:00 window, so everything lands on
	// later days; two 30-minute slots fit per day.
	assert.Equal(t, time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), *rec[0].ScheduledAt)
	assert.Equal(t, time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC), *rec[1].ScheduledAt)
	assert.Equal(t, time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC), *rec[2].ScheduledAt)
}

func TestScheduleSpreadClampsTodayToNow(t *testing.T) {
	store := newMemStore()
	c := seedCampaign(store, &models.Campaign{
		SendMode:        models.SendModeSpread,
		MinDelaySeconds: 60,
		MaxDelaySeconds: 60,
		SendWindowStart: "09:00",
		SendWindowEnd:   "17:00",
		SendDays:        []int{1, 2, 3, 4, 5},
		Timezone:        "UTC",
	}, 2)

	rs := newTestScheduler(store)
	_, err := rs.Schedule(c)
	require.NoError(t, err)

	// now (Monday noon) is inside the window, so the first slot is now,
	// not 09:00 in the past
	rec := queuedRecipients(t, store, c.ID)
	assert.Equal(t, schedNow, *rec[0].ScheduledAt)
	assert.Equal(t, schedNow.Add(time.Minute), *rec[1].ScheduledAt)
}

func TestScheduleSpreadSkipsDisallowedDays(t *testing.T) {
	store := newMemStore()
	c := seedCampaign(store, &models.Campaign{
		SendMode:        models.SendModeSpread,
		MinDelaySeconds: 60,
		MaxDelaySeconds: 60,
		SendWindowStart: "09:00",
		SendWindowEnd:   "17:00",
		SendDays:        []int{3}, // Wednesdays only
		Timezone:        "UTC",
	}, 1)

	rs := newTestScheduler(store)
	_, err := rs.Schedule(c)
	require.NoError(t, err)

	rec := queuedRecipients(t, store, c.ID)
	assert.Equal(t, time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC), *rec[0].ScheduledAt)
}

func TestScheduleSpreadWithoutWindowFallsBackToImmediate(t *testing.T) {
	store := newMemStore()
	c := seedCampaign(store, &models.Campaign{
		SendMode:        models.SendModeSpread,
		MinDelaySeconds: 30,
		MaxDelaySeconds: 30,
	}, 2)

	rs := newTestScheduler(store)
	_, err := rs.Schedule(c)
	require.NoError(t, err)

	rec := queuedRecipients(t, store, c.ID)
	assert.Equal(t, schedNow, *rec[0].ScheduledAt)
	assert.Equal(t, schedNow.Add(30*time.Second), *rec[1].ScheduledAt)
}

func TestScheduleNoPendingIsNoOp(t *testing.T) {
	store := newMemStore()
	c := store.addCampaign(&models.Campaign{SendMode: models.SendModeImmediate, MinDelaySeconds: 30, MaxDelaySeconds: 90})

	rs := newTestScheduler(store)
	n, err := rs.Schedule(c)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduleRejectsInvertedDelayBounds(t *testing.T) {
	store := newMemStore()
	c := seedCampaign(store, &models.Campaign{
		SendMode:        models.SendModeImmediate,
		MinDelaySeconds: 90,
		MaxDelaySeconds: 30,
	}, 1)

	rs := newTestScheduler(store)
	_, err := rs.Schedule(c)
	assert.Error(t, err)

	// nothing was queued
	pending, err := store.PendingRecipients(c.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
