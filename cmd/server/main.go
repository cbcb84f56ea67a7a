package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/ffglory/backend/docs"
	"github.com/ffglory/backend/internal/audit"
	"github.com/ffglory/backend/internal/database"
	"github.com/ffglory/backend/internal/events"
	mW "github.com/ffglory/backend/internal/middleware"
	"github.com/ffglory/backend/internal/services"
)

// @title FFGlory Panel API
// @version 1.0
// @description Credit ledger and group lifecycle backend for the FFGlory panel
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("nats.url", "NATS_URL")

	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("worker.token", "WORKER_TOKEN")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "FFGlory Panel API"
	docs.SwaggerInfo.Description = "Credit ledger and group lifecycle backend for the FFGlory panel"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize stores
	db := database.InitDatabase()
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	natsConn := database.InitNATS()
	if natsConn != nil {
		defer natsConn.Close()
	}
	publisher := events.NewPublisher(natsConn)

	// Initialize services
	ledgerService := services.NewCreditLedgerService(db, publisher)
	groupService := services.NewGroupService(db, ledgerService, publisher)
	topupService := services.NewTopupService(db, ledgerService, publisher)
	couponService := services.NewCouponService(db, ledgerService, publisher)
	regionService := services.NewRegionService(db)
	pricingService := services.NewPricingService(db)
	authService := services.NewAuthService(db, redisClient)
	invitationService := services.NewInvitationService(db)
	broadcastService := services.NewBroadcastService(db, publisher)
	qrService := services.NewPaymentQRService(db, redisClient)
	accountService := services.NewAccountService(db)
	auditLogger := audit.NewLogger()

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Worker-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Get("/regions", regionService.ListRegions)

		// Automation backend endpoints (worker token required)
		r.Group(func(r chi.Router) {
			r.Use(mW.WorkerAuthMiddleware(viper.GetString("worker.token")))

			r.Post("/groups/{id}/yield", groupService.ReportYield)
		})

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/profile", authService.Profile)
			r.Get("/balance", ledgerService.GetBalance)
			r.Get("/ledger", ledgerService.LedgerHistory)

			r.Get("/pricing", pricingService.GetPricing)
			r.Get("/broadcasts", broadcastService.ListBroadcasts)

			// Group lifecycle endpoints
			r.Post("/groups", groupService.LaunchGroup)
			r.Get("/groups", groupService.ListActiveGroups)
			r.Get("/groups/history", groupService.GroupHistory)
			r.Post("/groups/{id}/cancel", groupService.CancelGroup)
			r.Post("/groups/{id}/stop", groupService.StopGroup)

			// Topup endpoints
			r.Post("/topups", topupService.RequestTopup)
			r.Get("/topups", topupService.ListMyTopups)
			r.Get("/topups/qr", qrService.AmountQR)
			r.Get("/topups/{id}/qr", qrService.TopupQR)

			// Coupon endpoints
			r.Post("/coupons", couponService.CreateCoupon)
			r.Get("/coupons", couponService.ListMyCoupons)
			r.Post("/coupons/{code}/redeem", couponService.RedeemCoupon)

			// Admin endpoints
			r.Route("/admin", func(r chi.Router) {
				r.Use(mW.AdminMiddleware)
				r.Use(auditLogger.Middleware)

				r.Get("/groups", groupService.AdminListGroups)
				r.Post("/groups/{id}/approve", groupService.ApproveGroup)
				r.Post("/groups/{id}/reject", groupService.RejectGroup)
				r.Post("/groups/{id}/stop", groupService.StopGroup)

				r.Get("/topups", topupService.AdminListTopups)
				r.Post("/topups/{id}/approve", topupService.ApproveTopup)
				r.Post("/topups/{id}/reject", topupService.RejectTopup)

				r.Get("/regions", regionService.AdminListRegions)
				r.Put("/regions/{code}", regionService.UpsertRegion)
				r.Delete("/regions/{code}", regionService.DeleteRegion)

				r.Put("/pricing", pricingService.UpdatePricing)

				r.Get("/accounts", accountService.AdminListAccounts)
				r.Put("/accounts/{id}", accountService.AdminUpdateAccount)
				r.Delete("/accounts/{id}", accountService.AdminDeleteAccount)
				r.Post("/accounts/{id}/credits", ledgerService.AdminAdjust)

				r.Post("/invitations", invitationService.GenerateInvitation)
				r.Get("/invitations", invitationService.ListInvitations)

				r.Post("/broadcasts", broadcastService.CreateBroadcast)
				r.Delete("/broadcasts/{id}", broadcastService.DeleteBroadcast)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
