package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/config"
	"github.com/skudskud/polycool-copy-sub002/handlers"
	"github.com/skudskud/polycool-copy-sub002/middleware"
	"github.com/skudskud/polycool-copy-sub002/service"
	"github.com/skudskud/polycool-copy-sub002/storage"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("COPYTRADE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	store, err := storage.NewPostgres(time.Duration(cfg.Market.ResolutionTTLHours) * time.Hour)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	dataClient := api.NewDataClient(os.Getenv("DATA_API_URL"), os.Getenv("GAMMA_API_URL"))

	leaders := service.NewLeaderResolver(store, dataClient, cfg.SmartWallets.Addresses)
	budgets := service.NewBudgetService(store, dataClient, cfg.Copy.DefaultAllocationPct)
	subs := service.NewSubscriptionService(store, leaders, budgets)

	// Set up router
	r := gin.Default()
	h := handlers.NewHandler(subs, budgets)

	r.GET("/health", h.Health)

	apiGroup := r.Group("/api/copytrade", middleware.BasicAuth(), middleware.ValidateQueryParams())
	{
		apiGroup.POST("/subscribe", h.Subscribe)
		apiGroup.POST("/unsubscribe", h.Unsubscribe)
		apiGroup.POST("/pause", h.Pause)
		apiGroup.POST("/resume", h.Resume)
		apiGroup.POST("/allocation", h.SetAllocation)
		apiGroup.POST("/mode", h.SetMode)

		followers := apiGroup.Group("/followers/:id", middleware.ValidateFollowerID())
		{
			followers.GET("/subscription", h.GetSubscription)
			followers.GET("/stats", h.GetFollowerStats)
			followers.GET("/budget", h.GetBudget)
			followers.GET("/history", h.GetHistory)
		}

		apiGroup.GET("/leaders/:id/stats", h.GetLeaderStats)
	}

	// Get port from environment or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}

	log.Printf("Server starting on http://localhost:%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatal(err)
	}
}
