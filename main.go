package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/otaplane/internal/config"
	"github.com/gluk-w/otaplane/internal/database"
	"github.com/gluk-w/otaplane/internal/events"
	"github.com/gluk-w/otaplane/internal/handlers"
	"github.com/gluk-w/otaplane/internal/logging"
	"github.com/gluk-w/otaplane/internal/middleware"
	"github.com/gluk-w/otaplane/internal/rollout"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	bus := events.NewBus()
	orch := rollout.NewOrchestrator(rollout.PollCommander{}, bus)
	orch.Parallelism = config.Cfg.BatchDispatchParallelism
	orch.RecheckInterval = config.Cfg.WindowRecheckInterval
	runner := rollout.NewRunner(orch)
	handlers.Configure(bus, runner)

	// Rollouts that were running when the previous process died pick up
	// where the device rows say they left off.
	resumed, err := resumeRunningRollouts(runner)
	if err != nil {
		log.Printf("WARNING: resume rollouts: %v", err)
	} else if resumed > 0 {
		log.Printf("Resumed %d running rollout(s)", resumed)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Enrollment (no auth; returns the device token)
		r.Post("/devices/register", handlers.RegisterDevice)

		// Device-facing endpoints (device token required)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireDevice)

			r.Get("/devices/{deviceID}/manifest", handlers.GetManifestForDevice)
			r.Post("/devices/{deviceID}/health", handlers.ReportHealth)
			r.Post("/devices/{deviceID}/progress", handlers.ReportProgress)
			r.Get("/devices/{deviceID}/commands", handlers.GetCommands)
		})

		// Operator endpoints
		r.Get("/devices", handlers.ListDevices)
		r.Get("/devices/{deviceID}", handlers.GetDevice)
		r.Delete("/devices/{deviceID}", handlers.DeleteDevice)
		r.Post("/devices/{deviceID}/rollback", handlers.RequestDeviceRollback)

		r.Post("/releases", handlers.CreateRelease)
		r.Get("/releases", handlers.ListReleases)
		r.Delete("/releases/{version}", handlers.DeactivateRelease)

		r.Post("/rollouts", handlers.CreateRollout)
		r.Get("/rollouts", handlers.ListRollouts)
		r.Route("/rollouts/{rolloutID}", func(r chi.Router) {
			r.Get("/", handlers.GetRollout)
			r.Post("/start", handlers.StartRollout)
			r.Post("/pause", handlers.PauseRollout)
			r.Post("/resume", handlers.ResumeRollout)
			r.Post("/abort", handlers.AbortRollout)
			r.Get("/events", handlers.GetRolloutEvents)
			r.Get("/events/ws", handlers.StreamRolloutEvents)
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	runner.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// resumeRunningRollouts restarts execution of every rollout left in the
// running state by a previous process.
func resumeRunningRollouts(runner *rollout.Runner) (int, error) {
	var rollouts []database.Rollout
	err := database.DB.Where("status = ?", rollout.StatusRunning).Find(&rollouts).Error
	if err != nil {
		return 0, err
	}
	for _, ro := range rollouts {
		if err := runner.Start(context.Background(), ro.UUID); err != nil {
			log.Printf("WARNING: resume rollout %s: %v", ro.UUID, err)
		}
	}
	return len(rollouts), nil
}
