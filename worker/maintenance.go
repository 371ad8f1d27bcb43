package worker

import (
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"coldmail/store"
)

// MaintenanceWorker runs the recurring housekeeping jobs: the midnight
// sender quota reset and the hourly sweep that requeues retryable failed
// recipients.
type MaintenanceWorker struct {
	store  *store.GormStore
	cron   *cron.Cron
	logger *logrus.Logger
}

func NewMaintenanceWorker(st *store.GormStore, logger *logrus.Logger) *MaintenanceWorker {
	return &MaintenanceWorker{
		store:  st,
		cron:   cron.New(),
		logger: logger,
	}
}

func (mw *MaintenanceWorker) Start() error {
	if _, err := mw.cron.AddFunc("0 0 * * *", mw.resetSenderQuotas); err != nil {
		return err
	}
	if _, err := mw.cron.AddFunc("0 * * * *", mw.sweepFailedRecipients); err != nil {
		return err
	}
	mw.cron.Start()
	mw.logger.Info("Maintenance worker started")
	return nil
}

func (mw *MaintenanceWorker) Stop() {
	<-mw.cron.Stop().Done()
}

func (mw *MaintenanceWorker) resetSenderQuotas() {
	n, err := mw.store.ResetSenderDailyCounters()
	if err != nil {
		mw.logger.WithError(err).Error("Failed to reset sender daily counters")
		return
	}
	if n > 0 {
		mw.logger.WithField("senders", n).Info("Sender daily counters reset")
	}
}

func (mw *MaintenanceWorker) sweepFailedRecipients() {
	campaigns, err := mw.store.SendingCampaigns()
	if err != nil {
		mw.logger.WithError(err).Error("Failed to list sending campaigns")
		return
	}
	for _, c := range campaigns {
		n, err := mw.store.ResetFailedRecipients(c.ID, c.MaxRetries)
		if err != nil {
			mw.logger.WithError(err).WithField("campaign_id", c.ID).Error("Retry sweep failed")
			continue
		}
		if n > 0 {
			mw.logger.WithFields(logrus.Fields{
				"campaign_id": c.ID,
				"requeued":    n,
			}).Info("Failed recipients requeued for retry")
		}
	}
}
