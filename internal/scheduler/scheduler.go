package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/hashicorp/go-multierror"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/forecast"
	"github.com/i474232898/airsense/internal/logger"
)

// Ingester runs one ingestion pass.
type Ingester interface {
	Ingest(ctx context.Context, cities []string, daysBack int) (*airquality.IngestReport, error)
}

// ModelTracker exposes the model state the retrain planner looks at.
type ModelTracker interface {
	Status(city string, p airquality.Parameter) forecast.Status
}

// VolumeReader answers how much data arrived for a key.
type VolumeReader interface {
	LatestMeasurementAt(ctx context.Context, city string, p airquality.Parameter) (time.Time, error)
	CountMeasurementsSince(ctx context.Context, city string, p airquality.Parameter, since time.Time) (int64, error)
}

// Pass names why a retrain planning run happened.
type Pass string

const (
	PassScheduled Pass = "scheduled"
	PassVolume    Pass = "volume"
)

// Config controls the periodic jobs. A zero interval disables its job.
type Config struct {
	IngestInterval time.Duration
	IngestDaysBack int
	IngestTimeout  time.Duration

	// RetrainCron is a standard five-field cron expression, in UTC.
	RetrainCron string
	// VolumeCheckInterval is how often new-data volume is checked.
	VolumeCheckInterval time.Duration
	// VolumeThreshold is the number of new rows since training that triggers a retrain.
	VolumeThreshold int64
	// MinRows is how many stored rows an untrained key needs before it is queued.
	MinRows int64

	Parameters []airquality.Parameter
}

func DefaultConfig() Config {
	return Config{
		IngestInterval:      6 * time.Hour,
		IngestDaysBack:      1,
		IngestTimeout:       10 * time.Minute,
		RetrainCron:         "0 2 * * 0",
		VolumeCheckInterval: time.Hour,
		VolumeThreshold:     24,
		MinRows:             48,
		Parameters:          airquality.Parameters,
	}
}

// Scheduler periodically ingests data and plans model retraining.
type Scheduler struct {
	scheduler *gocron.Scheduler
	ingester  Ingester
	cities    *airquality.CityRegistry
	models    ModelTracker
	volume    VolumeReader
	queue     RetrainQueue
	cfg       Config
	log       logger.Logger
}

// New creates a new Scheduler.
func New(
	cfg Config,
	cities *airquality.CityRegistry,
	ingester Ingester,
	models ModelTracker,
	volume VolumeReader,
	queue RetrainQueue,
	log logger.Logger,
) *Scheduler {
	if len(cfg.Parameters) == 0 {
		cfg.Parameters = airquality.Parameters
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		ingester:  ingester,
		cities:    cities,
		models:    models,
		volume:    volume,
		queue:     queue,
		cfg:       cfg,
		log:       log.WithField("component", "scheduler"),
	}
}

// Start registers the jobs and starts the underlying scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.ingester != nil && s.cfg.IngestInterval > 0 {
		if _, err := s.scheduler.Every(s.cfg.IngestInterval).Do(s.runIngest, ctx); err != nil {
			return fmt.Errorf("schedule ingest job: %w", err)
		}
	}
	if s.queue != nil && s.cfg.RetrainCron != "" {
		if _, err := s.scheduler.Cron(s.cfg.RetrainCron).Do(s.runRetrainPass, ctx, PassScheduled); err != nil {
			return fmt.Errorf("schedule retrain job %q: %w", s.cfg.RetrainCron, err)
		}
	}
	if s.queue != nil && s.cfg.VolumeCheckInterval > 0 {
		if _, err := s.scheduler.Every(s.cfg.VolumeCheckInterval).WaitForSchedule().Do(s.runRetrainPass, ctx, PassVolume); err != nil {
			return fmt.Errorf("schedule volume check: %w", err)
		}
	}

	if len(s.scheduler.Jobs()) == 0 {
		s.log.Info("no jobs configured; nothing to schedule")
		return nil
	}
	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) runIngest(ctx context.Context) {
	if s.cfg.IngestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.IngestTimeout)
		defer cancel()
	}

	s.log.Info("running ingest job")
	report, err := s.ingester.Ingest(ctx, nil, s.cfg.IngestDaysBack)
	if report != nil {
		s.log.WithFields(map[string]interface{}{
			"run_id":  report.RunID,
			"records": report.TotalRecords,
			"stored":  report.TotalStored,
		}).Info("ingest job completed")
	}
	if err != nil {
		s.log.WithError(err).Error("ingest job failed")
	}
}

func (s *Scheduler) runRetrainPass(ctx context.Context, pass Pass) {
	n, err := s.EnqueueRetrains(ctx, pass)
	log := s.log.WithFields(map[string]interface{}{"pass": pass, "queued": n})
	if err != nil {
		log.WithError(err).Warn("retrain planning finished with errors")
		return
	}
	log.Info("retrain planning finished")
}

// EnqueueRetrains plans a pass and pushes its tasks onto the queue.
func (s *Scheduler) EnqueueRetrains(ctx context.Context, pass Pass) (int, error) {
	tasks, errs := s.PlanRetrains(ctx, pass)
	var result *multierror.Error
	if errs != nil {
		result = multierror.Append(result, errs)
	}

	queued := 0
	for _, t := range tasks {
		ok, err := s.queue.Enqueue(t)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("enqueue %s/%s: %w", t.City, t.Parameter, err))
			if errors.Is(err, ErrQueueFull) {
				break
			}
			continue
		}
		if ok {
			queued++
		}
	}
	return queued, result.ErrorOrNil()
}

// PlanRetrains decides which (city, parameter) keys need a new model. A key
// without a model is queued once it has MinRows rows and data newer than its
// last failed attempt. A trained key is queued on the scheduled pass when data
// newer than its training exists, and on the volume pass when at least
// VolumeThreshold rows arrived since training.
func (s *Scheduler) PlanRetrains(ctx context.Context, pass Pass) ([]Task, error) {
	var (
		tasks  []Task
		result *multierror.Error
	)
	for _, city := range s.cities.All() {
		for _, p := range s.cfg.Parameters {
			if err := ctx.Err(); err != nil {
				return tasks, multierror.Append(result, err).ErrorOrNil()
			}
			t, ok, err := s.plan(ctx, city.Name, p, pass)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s/%s: %w", city.Name, p, err))
				continue
			}
			if ok {
				tasks = append(tasks, t)
			}
		}
	}
	return tasks, result.ErrorOrNil()
}

func (s *Scheduler) plan(ctx context.Context, city string, p airquality.Parameter, pass Pass) (Task, bool, error) {
	st := s.models.Status(city, p)
	if st.State == forecast.StateTraining {
		return Task{}, false, nil
	}

	latest, err := s.volume.LatestMeasurementAt(ctx, city, p)
	if err != nil {
		return Task{}, false, err
	}
	if latest.IsZero() {
		return Task{}, false, nil
	}

	task := Task{City: city, Parameter: p}
	if st.Active == nil {
		if !st.LastAttemptAt.IsZero() && !latest.After(st.LastAttemptAt) {
			return Task{}, false, nil
		}
		n, err := s.volume.CountMeasurementsSince(ctx, city, p, time.Time{})
		if err != nil {
			return Task{}, false, err
		}
		task.Reason = "untrained"
		return task, n >= s.cfg.MinRows, nil
	}

	if !latest.After(st.Active.TrainedAt) {
		return Task{}, false, nil
	}
	switch pass {
	case PassScheduled:
		task.Reason = string(PassScheduled)
		return task, true, nil
	case PassVolume:
		n, err := s.volume.CountMeasurementsSince(ctx, city, p, st.Active.TrainedAt)
		if err != nil {
			return Task{}, false, err
		}
		task.Reason = string(PassVolume)
		return task, s.cfg.VolumeThreshold > 0 && n >= s.cfg.VolumeThreshold, nil
	}
	return Task{}, false, nil
}

// TrainHandler adapts a model trainer into a queue Handler. Short history and
// concurrent training are expected outcomes, not failures.
func TrainHandler(train func(ctx context.Context, city string, p airquality.Parameter) (forecast.Metrics, error), log logger.Logger) Handler {
	log = log.WithField("component", "retrain")
	return func(ctx context.Context, t Task) error {
		m, err := train(ctx, t.City, t.Parameter)
		entry := log.WithFields(map[string]interface{}{"city": t.City, "parameter": t.Parameter, "reason": t.Reason})
		switch {
		case errors.Is(err, forecast.ErrInsufficientHistory), errors.Is(err, forecast.ErrTrainingInProgress):
			entry.WithError(err).Debug("retrain skipped")
			return nil
		case err != nil:
			return err
		}
		entry.WithFields(map[string]interface{}{"mae": m.MAE, "r2": m.R2}).Info("retrain completed")
		return nil
	}
}
