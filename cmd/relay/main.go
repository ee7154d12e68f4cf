package main

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/mobilebarber/support-rtc/config"
	"github.com/mobilebarber/support-rtc/internal/middleware"
	"github.com/mobilebarber/support-rtc/internal/redis"
	"github.com/mobilebarber/support-rtc/internal/relay"
)

func main() {
	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()

	store, err := redis.Connect(cfg.Redis)
	if err != nil {
		log.Printf("Redis unavailable, running without persistence: %v", err)
		store = nil
	} else {
		defer store.Close()
		log.Println("Redis connection established")
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	router.Use(relay.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	hub := relay.NewHub(cfg.JWTSecret, store)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", relay.Login(cfg))

		messages := apiGroup.Group("/messages", middleware.JWTAuth(cfg.JWTSecret))
		{
			messages.PUT("/read", relay.MarkMessagesRead(store))
			messages.GET("/read", relay.GetReadState(store))
		}
	}

	// Support WebSocket: one admin, many clients
	router.GET("/ws/support", hub.HandleWS)

	log.Printf("Starting support relay on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
