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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sokoni/ledger/internal/config"
	"github.com/sokoni/ledger/internal/database"
	"github.com/sokoni/ledger/internal/events"
	"github.com/sokoni/ledger/internal/gateway"
	mW "github.com/sokoni/ledger/internal/middleware"
	"github.com/sokoni/ledger/internal/observability"
	"github.com/sokoni/ledger/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Sokoni Ledger API
// @version 1.0
// @description Sokocoin wallet ledger, checkout settlement and mobile money cashout
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

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

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	observability.Register()

	rateCfg := config.LoadRateConfig()
	gatewayCfg := config.LoadGatewayConfig()
	reconcilerCfg := config.LoadReconcilerConfig()
	eventsCfg := config.LoadEventsConfig()

	producer := events.NewProducer(eventsCfg)
	if producer != nil {
		defer producer.Close()
	}

	ledgerService := services.NewWalletLedgerService(db)
	exchangeService := services.NewExchangeRateService(rateCfg)
	transferClient := gateway.NewTransferClient(gatewayCfg)
	paymentClient := gateway.NewPaymentClient(gatewayCfg)

	walletService := services.NewWalletService(ledgerService)
	settlementService := services.NewSettlementService(db, ledgerService, exchangeService, producer, redisClient)
	cashoutService := services.NewCashoutService(db, ledgerService, exchangeService, transferClient, producer, redisClient, gatewayCfg)
	topupService := services.NewTopupService(db, ledgerService, exchangeService, paymentClient, producer, gatewayCfg)
	webhookService := services.NewWebhookService(topupService, cashoutService, gatewayCfg)
	reconcilerService := services.NewReconcilerService(db, ledgerService, reconcilerCfg)

	// Repair any cached balance that drifted from the transaction log while
	// the service was down.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	if repaired, err := ledgerService.VerifyIntegrity(startupCtx); err != nil {
		log.Printf("Balance integrity check failed: %v", err)
	} else if repaired > 0 {
		log.Printf("Balance integrity check repaired %d wallet(s)", repaired)
	}
	cancelStartup()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if reconcilerCfg.SweepEnabled {
		go reconcilerService.Run(sweepCtx)
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		// Webhook deliveries are authenticated by signature, not by JWT.
		r.Post("/webhooks/gateway", webhookService.HandleGatewayWebhook)

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/wallet", walletService.GetWallet)
			r.Get("/wallet/transactions", walletService.GetTransactions)

			r.Post("/wallet/topup", topupService.CreateTopup)
			r.Get("/wallet/topup/{topupId}", topupService.GetTopup)
			r.Post("/wallet/topup/{topupId}/verify", topupService.VerifyTopup)

			r.Post("/orders/checkout", settlementService.CreateOrder)
			r.Get("/orders/{orderId}", settlementService.GetOrderByID)

			r.Post("/wallet/cashout", cashoutService.CreateCashout)
			r.Get("/wallet/cashout/{cashoutId}", cashoutService.GetCashout)
			r.Post("/wallet/cashout/{cashoutId}/cancel", cashoutService.CancelCashout)
			r.Post("/wallet/cashout/cleanup-stuck", reconcilerService.CleanupStuckHandler)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
