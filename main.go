package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"coldmail/config"
	controller "coldmail/controllers"
	"coldmail/engine"
	"coldmail/middleware"
	"coldmail/routes"
	"coldmail/store"
	"coldmail/utils"
	"coldmail/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Warnf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Shared collaborators
	st := store.New(config.DB)
	renderer := utils.NewTemplateRenderer(rand.NewSource(time.Now().UnixNano()))
	mailer := utils.NewSenderMailer(st, logger)
	webhooks := utils.NewWebhookClient(15 * time.Second)

	seqEngine := engine.NewSequenceEngine(st, mailer, renderer, webhooks, logger)
	planner := engine.NewDelayPlanner(rand.NewSource(time.Now().UnixNano()))
	scheduler := engine.NewRecipientScheduler(st, planner, logger)

	// Background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	campaignWorker := worker.NewCampaignWorker(st, scheduler, mailer, renderer, logger, config.AppConfig.Worker, config.AppConfig.AppURL)
	go campaignWorker.Start(ctx)

	sequenceWorker := worker.NewSequenceWorker(st, seqEngine, logger, config.AppConfig.Worker)
	go sequenceWorker.Start(ctx)

	inboxWorker := worker.NewInboxWorker(st, seqEngine, logger, config.AppConfig.Worker)
	go inboxWorker.Start(ctx)

	maintenance := worker.NewMaintenanceWorker(st, logger)
	if err := maintenance.Start(); err != nil {
		logger.Fatalf("Failed to start maintenance worker: %v", err)
	}
	defer maintenance.Stop()

	// HTTP layer
	app := fiber.New()
	app.Use(middleware.CORS())

	ctrl := &routes.Controllers{
		Campaign: controller.NewCampaignController(config.DB, st, campaignWorker, logger),
		Sequence: controller.NewSequenceController(config.DB, st, seqEngine, logger),
		Contact:  controller.NewContactController(config.DB, logger),
		Sender:   controller.NewSenderController(config.DB, logger),
		Template: controller.NewTemplateController(config.DB, renderer, logger),
		Tracking: controller.NewTrackingController(config.DB, st, seqEngine, logger),
	}
	routes.SetupRoutes(app, ctrl)

	// Graceful shutdown on SIGINT/SIGTERM
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("Shutting down")
		cancel()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	logger.Infof("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
