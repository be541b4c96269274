package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lumachat/backend/internal/db"
	"github.com/lumachat/backend/internal/handlers"
	"github.com/lumachat/backend/internal/logger"
	"github.com/lumachat/backend/internal/middleware"
	"github.com/lumachat/backend/internal/repos"
	"github.com/lumachat/backend/internal/server"
	"github.com/lumachat/backend/internal/services"
	"github.com/lumachat/backend/internal/sse"
	"github.com/lumachat/backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	jwtSecretKey, err := utils.MustGetEnv("JWT_SECRET_KEY")
	if err != nil {
		log.Fatal("Auth configuration missing", "error", err)
	}
	allowedOrigins := strings.Split(utils.GetEnv("ALLOWED_ORIGINS", "http://localhost:3000", log), ",")

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	chatRepo := repos.NewChatRepo(thePG, log)

	// SSE
	hub := sse.NewHub(log)

	// Services
	chatService := services.NewChatService(thePG, log, chatRepo)
	uploadService, err := services.NewUploadCredentialService(log)
	if err != nil {
		log.Fatal("Could not init UploadCredentialService", "error", err)
	}

	// Handlers
	chatHandler := handlers.NewChatHandler(log, chatService, hub)
	uploadHandler := handlers.NewUploadHandler(uploadService)
	eventsHandler := handlers.NewEventsHandler(log, hub)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(log, middleware.NewJWTVerifier(jwtSecretKey))

	// Router
	router := server.NewRouter(server.RouterConfig{
		AuthMiddleware: authMiddleware,
		ChatHandler:    chatHandler,
		UploadHandler:  uploadHandler,
		EventsHandler:  eventsHandler,
		AllowedOrigins: allowedOrigins,
	})

	port := utils.GetEnv("PORT", "8080", log)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Server listening", "port", port)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal("Server failed", "error", err)
	}
}
