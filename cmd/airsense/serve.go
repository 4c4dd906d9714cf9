package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	httpapi "github.com/i474232898/airsense/internal/api/http"
	"github.com/i474232898/airsense/internal/metrics"
	"github.com/i474232898/airsense/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with scheduled ingestion and retraining",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("port", "8080", "HTTP port")
	_ = viper.BindPFlag("http.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log

	queue := scheduler.NewMemoryQueue(
		a.cfg.Forecast.QueueSize,
		a.cfg.Forecast.Workers,
		scheduler.TrainHandler(a.manager.Train, log),
		log, a.fm,
	)
	queue.Start(ctx)
	defer queue.Stop()

	sched := scheduler.New(scheduler.Config{
		IngestInterval:      a.cfg.Ingestion.Interval,
		IngestDaysBack:      1,
		IngestTimeout:       a.cfg.Ingestion.Timeout,
		RetrainCron:         a.cfg.Forecast.RetrainCron,
		VolumeCheckInterval: a.cfg.Forecast.VolumeCheckInterval,
		VolumeThreshold:     a.cfg.Forecast.VolumeThreshold,
		MinRows:             int64(a.cfg.Forecast.MinHistory),
	}, a.cities, a.service, a.manager, a.store, queue, log)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	server := fiber.New(fiber.Config{
		AppName:               "airsense",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// training and ingestion run synchronously on their endpoints
		WriteTimeout: 5 * time.Minute,
		ErrorHandler: httpapi.ErrorHandler,
	})

	server.Use(fiberlogger.New())
	server.Use(recover.New())

	server.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "airsense",
			"cities":  len(a.cities.All()),
		})
	})
	server.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	httpapi.RegisterRoutes(server, a.service, a.manager)

	go func() {
		addr := ":" + a.cfg.HTTP.Port
		log.WithField("addr", addr).Info("http server listening")
		if err := server.Listen(addr); err != nil {
			log.WithError(err).Error("fiber server stopped")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		log.WithError(err).Error("error during shutdown")
	}
	return nil
}
