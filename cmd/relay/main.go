package main

import (
	"log"

	"github.com/mossy-p/webrtc-relay/config"
	"github.com/mossy-p/webrtc-relay/internal/handlers"
	"github.com/mossy-p/webrtc-relay/internal/middleware"
	"github.com/mossy-p/webrtc-relay/internal/redis"
	"github.com/mossy-p/webrtc-relay/internal/store"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Pick the message store backend
	var st store.MessageStore
	switch cfg.StoreBackend {
	case "redis":
		if err := redis.Connect(cfg.Redis); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()
		log.Println("Redis connection established")
		st = store.NewRedisStore(redis.GetClient(), cfg.MessageTTL)
	case "memory":
		st = store.NewMemoryStore(cfg.MessageTTL)
	default:
		log.Fatalf("Unknown STORE_BACKEND %q (want \"memory\" or \"redis\")", cfg.StoreBackend)
	}
	defer st.Close()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Signaling API (writer identity comes from the JWT session)
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		// Append a signaling message (requires JWT)
		apiGroup.POST("/signal", middleware.JWTAuth(cfg.JWTSecret), handlers.AppendSignal(st))

		// Poll messages newer than a cursor (requires JWT)
		apiGroup.GET("/signal", middleware.JWTAuth(cfg.JWTSecret), handlers.ReadSignals(st))
	}

	// WebSocket push feed: same ordered stream as polling
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal/:roomId", handlers.FeedSignals(st))
	}

	// Start server
	log.Printf("Starting signaling relay on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
