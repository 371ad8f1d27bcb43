package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"coldmail/config"
	"coldmail/engine"
	"coldmail/store"
)

// SequenceWorker polls for enrollments whose next step is due and advances
// each one through the sequence engine.
type SequenceWorker struct {
	store  *store.GormStore
	engine *engine.SequenceEngine
	logger *logrus.Logger
	cfg    config.WorkerConfig
	now    func() time.Time
}

func NewSequenceWorker(st *store.GormStore, eng *engine.SequenceEngine, logger *logrus.Logger, cfg config.WorkerConfig) *SequenceWorker {
	return &SequenceWorker{
		store:  st,
		engine: eng,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (sw *SequenceWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(5 * time.Second)

	sw.logger.Info("Sequence worker started")

	ticker := time.NewTicker(sw.cfg.SequencePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Sequence worker shutting down...")
			return
		case <-ticker.C:
			if _, err := sw.AdvanceDueEnrollments(ctx, sw.cfg.BatchSize); err != nil {
				sw.logger.WithError(err).Error("Sequence advance pass failed")
			}
		}
	}
}

// AdvanceDueEnrollments runs one advance over every enrollment whose
// next_step_at has arrived, up to limit. Returns how many advanced.
func (sw *SequenceWorker) AdvanceDueEnrollments(ctx context.Context, limit int) (int, error) {
	enrollments, err := sw.store.DueEnrollments(sw.now(), limit)
	if err != nil {
		return 0, err
	}

	advanced := 0
	for _, enrollment := range enrollments {
		if ctx.Err() != nil {
			return advanced, ctx.Err()
		}

		result, err := sw.engine.Advance(ctx, enrollment.ID)
		if err != nil {
			sw.logger.WithError(err).WithFields(logrus.Fields{
				"enrollment_id": enrollment.ID,
				"sequence_id":   enrollment.SequenceID,
			}).Error("Failed to advance enrollment")
			continue
		}

		entry := sw.logger.WithFields(logrus.Fields{
			"enrollment_id": enrollment.ID,
			"sequence_id":   enrollment.SequenceID,
			"status":        result.Status,
		})
		switch result.Status {
		case engine.AdvanceFailed:
			entry.WithField("reason", result.Reason).Warn("Enrollment step failed")
		case engine.AdvanceStopped:
			entry.WithField("reason", result.Reason).Info("Enrollment stopped")
		case engine.AdvanceSkipped:
			entry.Debug("Enrollment skipped")
		default:
			advanced++
			entry.Debug("Enrollment advanced")
		}
	}

	if advanced > 0 {
		sw.logger.WithField("advanced", advanced).Info("Sequence advance pass complete")
	}
	return advanced, nil
}
