package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/airquality/sources"
	"github.com/i474232898/airsense/internal/config"
	"github.com/i474232898/airsense/internal/forecast"
	"github.com/i474232898/airsense/internal/logger"
	"github.com/i474232898/airsense/internal/metrics"
	"github.com/i474232898/airsense/internal/store"
)

const metricsNamespace = "airsense"

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	cities  *airquality.CityRegistry
	store   airquality.Store
	service *airquality.Service
	manager *forecast.Manager
	fm      *metrics.ForecastMetrics
	close   func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.App.LogLevel, cfg.App.Env)

	cities, err := cfg.CityRegistry()
	if err != nil {
		return nil, fmt.Errorf("load cities: %w", err)
	}

	a := &app{cfg: cfg, log: log, cities: cities, close: func() error { return nil }}

	var models forecast.ModelStore
	switch cfg.Database.Driver {
	case "memory":
		a.store = store.NewMemoryStore(cfg.Database.Retention)
		models = forecast.NewMemoryModelStore()
	default:
		db, err := store.Open(store.DBConfig{
			Driver:       cfg.Database.Driver,
			DSN:          cfg.Database.DSN,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			MaxOpenConns: cfg.Database.MaxOpenConns,
		}, log)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		a.close = sqlDB.Close
		a.store = store.NewSQLStore(db)
		models = store.NewSQLModelStore(db)
	}

	// Per-request timeouts live in each source's settings.
	httpClient := &http.Client{Timeout: 2 * time.Minute}
	srcs, err := sources.Build(cfg.Sources, httpClient, log)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	if len(srcs) == 0 {
		log.Warn("no sources enabled; ingestion will fetch nothing")
	}

	im := metrics.NewIngestMetrics(metricsNamespace, metrics.Registry)
	a.fm = metrics.NewForecastMetrics(metricsNamespace, metrics.Registry)

	normalizer := airquality.NewNormalizer(cities, airquality.DefaultConversionTable(), cfg.NormalizerSettings(), im)
	coordinator := airquality.NewCoordinator(cities, srcs, normalizer, a.store, airquality.CoordinatorConfig{
		MaxConcurrency: cfg.Ingestion.MaxConcurrency,
		RunTimeout:     cfg.Ingestion.Timeout,
	}, log, im)
	a.service = airquality.NewService(cities, coordinator, a.store)

	a.manager = forecast.NewManager(cities, a.store, models, forecast.ManagerConfig{
		TrainingWindow:    cfg.Forecast.TrainingWindow,
		MinHistory:        cfg.Forecast.MinHistory,
		ConfidenceLevel:   cfg.Forecast.ConfidenceLevel,
		SyntheticFallback: cfg.Forecast.SyntheticFallback,
		Policy:            cfg.Forecast.ResolvePolicy(),
	}, log, a.fm)

	n, err := a.manager.Restore(ctx)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	log.WithFields(map[string]interface{}{
		"cities":  len(cities.All()),
		"sources": len(srcs),
		"models":  n,
		"store":   cfg.Database.Driver,
	}).Info("components ready")
	return a, nil
}
