package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	config "github.com/postpilothq/postpilot/configs"
	"github.com/postpilothq/postpilot/internal/api/handlers"
	"github.com/postpilothq/postpilot/internal/api/middleware"
	job "github.com/postpilothq/postpilot/internal/jobs"
	"github.com/postpilothq/postpilot/internal/platform"
	"github.com/postpilothq/postpilot/internal/queue"
	"github.com/postpilothq/postpilot/internal/repository"
	"github.com/postpilothq/postpilot/internal/service"
	"github.com/postpilothq/postpilot/internal/worker"
	"github.com/robfig/cron"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	cfg := config.LoadConfig()

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer closeDB(db)

	if err := db.Ping(); err != nil {
		log.Fatalf("Database is unreachable: %v", err)
	}

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
	queueManager := queue.NewManager(redisConn)
	defer queueManager.Close()

	registry := platform.NewRegistry(
		platform.NewTwitterAdapter(cfg.Twitter),
		platform.NewFacebookAdapter(cfg.Facebook),
		platform.NewInstagramAdapter(cfg.Instagram),
		platform.NewLinkedInAdapter(cfg.LinkedIn),
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		BodyLimit:    100 * 1024 * 1024, // 100 MB
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Printf("Error: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOriginsFunc: func(origin string) bool {
			return true
		},
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	postRepo := repository.NewPostRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)
	socialAccountRepo := repository.NewSocialAccountRepository(db)
	postMediaRepo := repository.NewPostMediaRepository(db)
	mediaAssetRepo := repository.NewMediaAssetRepository(db)
	apiKeyRepo := repository.NewApiKeyRepository(db)

	mediaService := service.NewMediaService(*cfg)
	scheduleService := service.NewScheduleService(scheduleRepo, postRepo, socialAccountRepo, postMediaRepo, queueManager)
	postService := service.NewPostService(db, postRepo, mediaAssetRepo, postMediaRepo, mediaService, scheduleService)
	platformService := service.NewPlatformService(*cfg, registry, socialAccountRepo)
	apiKeyService := service.NewApiKeyService(apiKeyRepo)

	authMiddleware := middleware.NewAuthMiddleware(*cfg, apiKeyService)

	platformHandler := handlers.NewPlatformHandler(*cfg, platformService)
	app.Get("/auth/:platform", platformHandler.ConnectPlatform)
	app.Get("/auth/:platform/callback", platformHandler.ConnectCallback)

	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	scheduleHandler := handlers.NewScheduleHandler(scheduleService)
	api.Post("/schedule", scheduleHandler.CreateSchedule)
	api.Post("/schedule/bulk", scheduleHandler.CreateBulkSchedule)
	api.Delete("/schedule", scheduleHandler.CancelSchedule)
	api.Get("/schedule", scheduleHandler.ListSchedules)

	postHandler := handlers.NewPostHandler(postService, scheduleService)
	api.Post("/posts/create", postHandler.CreatePost)
	api.Get("/posts", postHandler.ListPosts)
	api.Post("/posts/remove", postHandler.RemovePost)

	api.Get("/accounts", platformHandler.ListAccounts)
	api.Post("/accounts/remove", platformHandler.RemoveAccount)
	api.Get("/accounts/:id/metrics", platformHandler.AccountMetrics)
	api.Get("/accounts/:id/audience", platformHandler.AccountAudience)

	apiKeyHandler := handlers.NewApiKeyHandler(apiKeyService)
	api.Post("/api_key/new", apiKeyHandler.CreateKey)
	api.Get("/api_key/list", apiKeyHandler.ListKeys)
	api.Post("/api_key/remove", apiKeyHandler.RemoveKey)

	// cron jobs
	cleanupJob := job.NewQueueCleanupJob(queueManager.Inspector())

	c := cron.New()
	c.AddFunc("@every 01h00m00s", cleanupJob.Cleanup)
	c.Start()

	publishWorker := worker.NewWorker(
		scheduleRepo,
		postRepo,
		socialAccountRepo,
		postMediaRepo,
		mediaAssetRepo,
		registry,
		queueManager,
		[]byte(cfg.SecretKey),
	)

	go func() {
		server := asynq.NewServer(redisConn, asynq.Config{
			Concurrency:    10,
			Queues:         queue.Queues(),
			RetryDelayFunc: queue.RetryDelay,
		})

		log.Println("Starting the Asynq server...")
		if err := server.Run(publishWorker.Mux()); err != nil {
			log.Fatalf("Could not start Asynq server: %v", err)
		}
	}()

	go func() {
		if err := app.Listen(":3000"); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Println("Server is running on http://localhost:3000")

	gracefulShutdown(app, db)
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func gracefulShutdown(app *fiber.App, db *sql.DB) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Println("Shutting down server...")

	if err := app.Shutdown(); err != nil {
		log.Fatalf("Failed to shut down server: %v", err)
	}

	closeDB(db)
	log.Println("Server shutdown complete.")
}
