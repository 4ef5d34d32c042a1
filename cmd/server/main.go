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
	"github.com/swapyard/backend/internal/config"
	"github.com/swapyard/backend/internal/database"
	"github.com/swapyard/backend/internal/handlers"
	mW "github.com/swapyard/backend/internal/middleware"
	"github.com/swapyard/backend/internal/services"
)

// @title Swapyard Escrow API
// @version 1.0
// @description Offer negotiation, escrow payment and wallet ledger for the Swapyard marketplace
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

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

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	viper.BindEnv("gateway.base_url", "GATEWAY_BASE_URL")
	viper.BindEnv("gateway.client_id", "GATEWAY_CLIENT_ID")
	viper.BindEnv("gateway.client_secret", "GATEWAY_CLIENT_SECRET")
	viper.BindEnv("gateway.webhook_secret", "GATEWAY_WEBHOOK_SECRET")
	viper.BindEnv("gateway.checkout_base_url", "GATEWAY_CHECKOUT_BASE_URL")
	viper.BindEnv("gateway.timeout", "GATEWAY_TIMEOUT")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	escrowCfg := config.LoadEscrowConfig()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	gateway := services.NewPaymentGateway(redisClient)
	walletService := services.NewWalletService(db, redisClient, escrowCfg)
	escrowService := services.NewEscrowService(db, redisClient, gateway, walletService, escrowCfg)
	offerService := services.NewOfferService(db, escrowService, escrowCfg)
	disputeService := services.NewDisputeService(db, escrowService)
	payoutService := services.NewPayoutService(db, walletService)
	qrHandler := handlers.NewPaymentQRHandler(escrowService, gateway)
	sweeper := services.NewSweeper(db, escrowService, escrowCfg)

	// Background sweeper
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go sweeper.Run(sweepCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Provider webhook is authenticated by signature, not bearer token
		r.Post("/payments/webhook", escrowService.HandleWebhook)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/offers", offerService.CreateOffer)
			r.Get("/offers", offerService.ListOffers)
			r.Patch("/offers/{id}/accept", offerService.AcceptOffer)
			r.Patch("/offers/{id}/reject", offerService.RejectOffer)
			r.Patch("/offers/{id}/counter", offerService.CounterOffer)
			r.Patch("/offers/{id}/accept-counter", offerService.AcceptCounter)
			r.Patch("/offers/{id}/cancel", offerService.CancelOffer)

			r.Get("/transactions", escrowService.ListTransactions)
			r.Get("/transactions/{id}", escrowService.GetTransaction)
			r.Patch("/transactions/{id}/payment", escrowService.InitiatePayment)
			r.Get("/transactions/{id}/payment/qr", qrHandler.CheckoutQR)
			r.Patch("/transactions/{id}/confirm", escrowService.ConfirmReceipt)
			r.Post("/transactions/{id}/dispute", disputeService.OpenDispute)

			r.Get("/wallet", walletService.GetWallet)
			r.Post("/wallet/withdraw", walletService.Withdraw)

			// Admin endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.AdminOnly)

				r.Patch("/transactions/{id}/dispute/review", disputeService.MarkUnderReview)
				r.Patch("/transactions/{id}/dispute/resolve", disputeService.Resolve)
				r.Get("/wallet/reconcile", walletService.ReconcileWallet)
				r.Patch("/wallet/withdrawals/{id}/process", payoutService.ProcessWithdrawal)
				r.Patch("/wallet/withdrawals/{id}/complete", payoutService.CompleteWithdrawal)
				r.Patch("/wallet/withdrawals/{id}/reject", payoutService.RejectWithdrawal)
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
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
