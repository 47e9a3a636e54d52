package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uzmarket/paygate/app/controllers"
	"github.com/uzmarket/paygate/app/repository"
	apiv1 "github.com/uzmarket/paygate/internal/api/v1"
	"github.com/uzmarket/paygate/internal/pkg/cache"
	"github.com/uzmarket/paygate/internal/pkg/database"
	"github.com/uzmarket/paygate/internal/pkg/env"
	"github.com/uzmarket/paygate/internal/pkg/jobqueue"
	"github.com/uzmarket/paygate/internal/pkg/notify"
	"github.com/uzmarket/paygate/internal/pkg/router"
	"github.com/uzmarket/paygate/internal/pkg/webhook"
)

func main() {
	app, manager, notifier := NewApplication()

	// graceful shutdown on SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdownCh
		log.Println("Shutting down...")
		manager.Stop()
		notifier.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager, *notify.Notifier) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()

	registry := webhook.NewRegistry(
		webhook.NewPaymeAdapterFromEnv(),
		webhook.NewClickAdapterFromEnv(),
	)
	reconciler := webhook.NewReconciler(repos.Order)
	notifier := notify.NewNotifier()
	svc := webhook.NewService(repos.Event, registry, reconciler, nil, notifier)

	workers, _ := strconv.Atoi(env.GetEnv("QUEUE_WORKERS", "3"))
	queue := jobqueue.NewQueue(cache.GetClient(), workers)
	queue.Register(jobqueue.JobTypeWebhookProcess, webhook.NewQueueProcessor(svc))
	svc.SetQueue(queue)

	manager := jobqueue.NewManager(queue, repos.Event)
	manager.Start()

	controllers.InitializeWebhookController(svc)
	apiv1.Initialize(svc)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "paygate",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app)

	// Prometheus scrape endpoint on its own listener, kept off the public app.
	go func() {
		addr := fmt.Sprintf(":%s", env.GetEnv("METRICS_PORT", "9091"))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Metrics listener error: %v", err)
		}
	}()

	return app, manager, notifier
}
