package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/kiese-app/kiese-backend/internal/database"
	"github.com/kiese-app/kiese-backend/internal/handlers"
	"github.com/kiese-app/kiese-backend/internal/middleware"
	"github.com/kiese-app/kiese-backend/internal/rides"
	"github.com/kiese-app/kiese-backend/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	db, err := database.InitDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get database instance: %v", err)
	}

	// Configure connection pool
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := services.InitRedis(); err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
	}

	// Optional, logs a warning when not configured
	if err := services.InitFirebase(); err != nil {
		log.Printf("Firebase initialization warning: %v", err)
	}

	if err := services.InitStorage(); err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	estimator, err := services.NewRouteEstimator()
	if err != nil {
		log.Fatalf("Failed to initialize route estimator: %v", err)
	}

	hub := services.NewHub()
	go hub.Run()
	go services.RelayRideUpdates(context.Background(), hub)

	rideService := rides.NewService(db, services.FCMNotifier{}, estimator)

	r := gin.Default()

	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	r.Use(cors.New(config))

	r.Static("/uploads", "/app/uploads")

	api := r.Group("/api")
	{
		api.GET("/ws", handlers.WebSocketHandler(hub))

		clients := api.Group("/clients")
		{
			clients.POST("/register", handlers.RegisterClient(db))
			clients.POST("/otp/request", handlers.RequestClientOTP(db))
			clients.POST("/otp/verify", handlers.VerifyClientOTP(db))
			clients.POST("/fcm-token", handlers.UpdateClientFCMToken(db))
			clients.GET("", handlers.GetClient(db))
		}

		drivers := api.Group("/drivers")
		{
			drivers.POST("/otp/request", handlers.RequestDriverOTP(db))
			drivers.POST("/otp/verify", handlers.VerifyDriverOTP(db))
			drivers.POST("/position", handlers.PingPosition(db, hub))
			drivers.POST("/availability", handlers.UpdateAvailability(db))
			drivers.GET("/status", handlers.GetDriverStatus(db))
			drivers.GET("/historique", handlers.GetDriverHistory(db))
			drivers.POST("/fcm-token", handlers.UpdateDriverFCMToken(db))
			drivers.POST("/photo", handlers.UploadDriverPhoto(db))
			drivers.GET("/rides/pending", handlers.GetPendingRides(db))
		}

		ridesGroup := api.Group("/rides")
		{
			ridesGroup.POST("/create_negociation", handlers.CreateNegotiation(rideService))
			ridesGroup.GET("/:id", handlers.GetRide(rideService, db))
			ridesGroup.GET("/:id/status", handlers.GetRideStatus(rideService))
			ridesGroup.GET("/:id/discussion", handlers.GetDiscussion(rideService))
			ridesGroup.POST("/:id/discussion", handlers.PostDiscussionMessage(rideService, hub))
			ridesGroup.POST("/:id/confirm_price", handlers.ConfirmPrice(rideService, hub))
			ridesGroup.POST("/:id/start", handlers.StartRide(rideService, hub))
			ridesGroup.POST("/:id/finish", handlers.FinishRide(rideService, hub))
			ridesGroup.POST("/:id/cancel", handlers.CancelRide(rideService, hub))
			ridesGroup.POST("/:id/reassign", handlers.ReassignRide(rideService, hub))
			ridesGroup.POST("/:id/ensure_reassign", handlers.EnsureReassignRide(rideService, hub))
			ridesGroup.GET("/:id/driver_position", handlers.GetRideDriverPosition(rideService, db))
		}

		settings := api.Group("/settings")
		{
			settings.GET("/recharge-numbers", handlers.GetRechargeNumbers(db))
		}

		agents := api.Group("/agents")
		{
			agents.POST("/otp/request", handlers.RequestAgentOTP(db))
			agents.POST("/otp/verify", handlers.VerifyAgentOTP(db))

			protected := agents.Group("/")
			protected.Use(middleware.AgentAuth())
			{
				protected.POST("/create", handlers.CreateAgent(db))
				protected.POST("/drivers", handlers.RegisterDriver(db))
				protected.POST("/drivers/credit", handlers.CreditDriverSolde(db))
				protected.POST("/drivers/block", handlers.BlockDriver(db))
				protected.POST("/settings/recharge-numbers", handlers.SetRechargeNumbers(db))
			}
		}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
