package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/lumachat/backend/internal/handlers"
	"github.com/lumachat/backend/internal/middleware"
)

type RouterConfig struct {
	AuthMiddleware *middleware.AuthMiddleware
	ChatHandler    *handlers.ChatHandler
	UploadHandler  *handlers.UploadHandler
	EventsHandler  *handlers.EventsHandler
	AllowedOrigins []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)

	// ===============
	// || Protected ||
	// ===============
	api := router.Group("/api")
	api.Use(cfg.AuthMiddleware.RequireAuth())
	// Chats
	api.POST("/chats", cfg.ChatHandler.CreateChat)
	api.GET("/userchats", cfg.ChatHandler.GetUserChats)
	api.GET("/chats/:id", cfg.ChatHandler.GetChat)
	api.PUT("/chats/:id", cfg.ChatHandler.UpdateChat)
	// Uploads
	api.GET("/upload", cfg.UploadHandler.GetUploadCredentials)
	// SSE
	api.GET("/events", cfg.EventsHandler.Stream)

	return router
}
