package airquality

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/airsense/internal/logger"
	"github.com/i474232898/airsense/internal/metrics"
)

// MaxDaysBack caps how far back one ingestion run may reach.
const MaxDaysBack = 365

// CoordinatorConfig bounds an ingestion run.
type CoordinatorConfig struct {
	MaxConcurrency int
	RunTimeout     time.Duration
}

// SourceReport is the per-source outcome of one run. Success is false when
// any fetch or store write for the source failed.
type SourceReport struct {
	Kind         SourceKind `json:"kind"`
	Success      bool       `json:"success"`
	Records      int        `json:"records"`
	Rejected     int        `json:"rejected"`
	Stored       int        `json:"stored"`
	Unchanged    int        `json:"unchanged"`
	FailedCities []string   `json:"failed_cities,omitempty"`
	Error        string     `json:"error,omitempty"`

	errs *multierror.Error
}

// Err returns the aggregated failure, if any.
func (r *SourceReport) Err() error {
	return r.errs.ErrorOrNil()
}

// IngestReport summarises one ingestion run.
type IngestReport struct {
	RunID        string                   `json:"run_id"`
	StartedAt    time.Time                `json:"started_at"`
	FinishedAt   time.Time                `json:"finished_at"`
	Cities       []string                 `json:"cities"`
	DaysBack     int                      `json:"days_back"`
	Sources      map[string]*SourceReport `json:"sources"`
	TotalRecords int                      `json:"total_records"`
	TotalStored  int                      `json:"total_stored"`
	Rejections   map[RejectReason]int     `json:"rejections,omitempty"`
	// AssumedConditions counts conversions that used the standard 25 °C / 1013.25 hPa.
	AssumedConditions int `json:"assumed_conditions"`
}

// Coordinator fans ingestion out over every (source, city) pair and writes the
// normalized, fused result to the store.
type Coordinator struct {
	cities     *CityRegistry
	sources    []Source
	normalizer *Normalizer
	store      Store
	cfg        CoordinatorConfig
	log        logger.Logger
	metrics    *metrics.IngestMetrics
	now        func() time.Time
}

func NewCoordinator(
	cities *CityRegistry,
	sources []Source,
	normalizer *Normalizer,
	store Store,
	cfg CoordinatorConfig,
	log logger.Logger,
	m *metrics.IngestMetrics,
) *Coordinator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	return &Coordinator{
		cities:     cities,
		sources:    sources,
		normalizer: normalizer,
		store:      store,
		cfg:        cfg,
		log:        log.WithField("component", "coordinator"),
		metrics:    m,
		now:        time.Now,
	}
}

// Sources lists the configured source names.
func (c *Coordinator) Sources() []string {
	out := make([]string, 0, len(c.sources))
	for _, s := range c.sources {
		out = append(out, s.Name())
	}
	return out
}

type fetchTask struct {
	source Source
	city   City
	recs   []RawRecord
	err    error
}

type fetchResult struct {
	recs []RawRecord
	err  error
}

// Ingest pulls daysBack days of data for the named cities (all cities when
// empty) from every source. Source and record failures are reported in the
// IngestReport; only invalid arguments and store failures are returned as error.
func (c *Coordinator) Ingest(ctx context.Context, cityNames []string, daysBack int) (*IngestReport, error) {
	if daysBack < 1 || daysBack > MaxDaysBack {
		return nil, fmt.Errorf("%w: days_back must be between 1 and %d, got %d", ErrInvalidArgument, MaxDaysBack, daysBack)
	}
	cities, err := c.cities.Resolve(cityNames)
	if err != nil {
		return nil, err
	}

	started := c.now().UTC()
	report := &IngestReport{
		RunID:      uuid.NewString(),
		StartedAt:  started,
		DaysBack:   daysBack,
		Sources:    make(map[string]*SourceReport, len(c.sources)),
		Rejections: make(map[RejectReason]int),
	}
	for _, city := range cities {
		report.Cities = append(report.Cities, city.Name)
	}
	for _, s := range c.sources {
		report.Sources[s.Name()] = &SourceReport{Kind: s.Kind(), Success: true}
	}

	log := c.log.WithFields(map[string]interface{}{"run_id": report.RunID, "cities": len(cities), "sources": len(c.sources)})
	log.Infof("ingestion started, %d days back", daysBack)

	window := Window{From: started.Add(-time.Duration(daysBack) * 24 * time.Hour), To: started}
	tasks := c.fetchAll(ctx, cities, window)

	var records []RawRecord
	for _, t := range tasks {
		sr := report.Sources[t.source.Name()]
		if t.err != nil {
			sr.Success = false
			sr.FailedCities = append(sr.FailedCities, t.city.Name)
			sr.errs = multierror.Append(sr.errs, fmt.Errorf("%s: %w", t.city.Name, t.err))
			log.WithField("source", t.source.Name()).WithField("city", t.city.Name).WithError(t.err).Warn("source fetch failed")
			continue
		}
		sr.Records += len(t.recs)
		report.TotalRecords += len(t.recs)
		records = append(records, t.recs...)
	}

	norm := c.normalizer.Normalize(records)
	report.AssumedConditions = norm.AssumedConditions
	for _, rj := range norm.Rejections {
		report.Rejections[rj.Reason]++
		if sr, ok := report.Sources[rj.Source]; ok {
			sr.Rejected++
		}
	}

	storeErr := c.persist(ctx, report, Fuse(norm.Measurements), FuseWeather(norm.Weather))

	for _, sr := range report.Sources {
		if err := sr.Err(); err != nil {
			sr.Error = err.Error()
		}
		report.TotalStored += sr.Stored
	}
	report.FinishedAt = c.now().UTC()
	c.metrics.ObserveRun(report.FinishedAt.Sub(started))

	log.WithFields(map[string]interface{}{
		"records":  report.TotalRecords,
		"stored":   report.TotalStored,
		"rejected": len(norm.Rejections),
	}).Info("ingestion finished")

	if storeErr != nil {
		return report, storeErr
	}
	return report, nil
}

// fetchAll runs every (source, city) fetch under the run timeout. Results are
// returned in a stable (source, city) order.
func (c *Coordinator) fetchAll(ctx context.Context, cities []City, w Window) []*fetchTask {
	runCtx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	tasks := make([]*fetchTask, 0, len(c.sources)*len(cities))
	for _, s := range c.sources {
		for _, city := range cities {
			tasks = append(tasks, &fetchTask{source: s, city: city})
		}
	}

	limit := len(tasks)
	if limit > c.cfg.MaxConcurrency {
		limit = c.cfg.MaxConcurrency
	}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, t := range tasks {
		g.Go(func() error {
			t.recs, t.err = c.fetchOne(runCtx, t.source, t.city, w)
			return nil
		})
	}
	_ = g.Wait()

	return tasks
}

// fetchOne returns as soon as runCtx expires even if the source ignores its
// context; whatever it returns afterwards is discarded.
func (c *Coordinator) fetchOne(runCtx context.Context, s Source, city City, w Window) ([]RawRecord, error) {
	start := time.Now()
	if err := runCtx.Err(); err != nil {
		c.metrics.ObserveFetch(s.Name(), string(ClassTransient), 0, 0)
		return nil, &SourceError{Source: s.Name(), Class: ClassTransient, Err: fmt.Errorf("run timeout: %w", err)}
	}

	done := make(chan fetchResult, 1)
	go func() {
		recs, err := s.Fetch(runCtx, city, w)
		done <- fetchResult{recs: recs, err: err}
	}()

	var res fetchResult
	select {
	case res = <-done:
		if res.err == nil && runCtx.Err() != nil {
			res = fetchResult{err: fmt.Errorf("run timeout: %w", runCtx.Err())}
		}
	case <-runCtx.Done():
		res = fetchResult{err: fmt.Errorf("run timeout: %w", runCtx.Err())}
	}

	if res.err != nil {
		var se *SourceError
		if !errors.As(res.err, &se) {
			se = &SourceError{Source: s.Name(), Class: ClassTransient, Err: res.err}
		}
		c.metrics.ObserveFetch(s.Name(), string(se.Class), 0, time.Since(start))
		return nil, se
	}

	for i := range res.recs {
		if res.recs[i].Source == "" {
			res.recs[i].Source = s.Name()
		}
		if res.recs[i].Kind == "" {
			res.recs[i].Kind = s.Kind()
		}
		if res.recs[i].City == "" && res.recs[i].Latitude == nil {
			res.recs[i].City = city.Name
		}
	}
	c.metrics.ObserveFetch(s.Name(), "success", len(res.recs), time.Since(start))
	return res.recs, nil
}

// persist upserts incrementally. Rows already written stay written if a later
// upsert fails.
func (c *Coordinator) persist(ctx context.Context, report *IngestReport, ms []Measurement, ws []WeatherRecord) error {
	var storeErrs *multierror.Error

	account := func(source, kind string, res UpsertResult, err error) {
		sr, ok := report.Sources[source]
		if !ok {
			sr = &SourceReport{Success: true}
			report.Sources[source] = sr
		}
		if err != nil {
			c.metrics.ObserveUpsert(kind, "error")
			sr.Success = false
			sr.errs = multierror.Append(sr.errs, fmt.Errorf("store %s: %w", kind, err))
			storeErrs = multierror.Append(storeErrs, err)
			return
		}
		c.metrics.ObserveUpsert(kind, res.String())
		if res == UpsertUnchanged {
			sr.Unchanged++
			return
		}
		sr.Stored++
	}

	for _, m := range ms {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := c.store.UpsertMeasurement(ctx, m)
		account(m.Source, "measurement", res, err)
	}
	for _, w := range ws {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := c.store.UpsertWeather(ctx, w)
		account(w.Source, "weather", res, err)
	}

	return storeErrs.ErrorOrNil()
}

// SortedSourceNames returns the report's source names in order.
func (r *IngestReport) SortedSourceNames() []string {
	names := make([]string, 0, len(r.Sources))
	for n := range r.Sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
