package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"memberpay/internal/config"
	"memberpay/internal/db"
	"memberpay/internal/gateways"
	"memberpay/internal/handlers"
	"memberpay/internal/models"
	"memberpay/internal/services"
)

func main() {
	// Load .env
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Error loading .env: %s", err)
	}

	uri := os.Getenv("MONGOURI")
	if uri == "" {
		log.Fatal("MONGOURI environment variable not set")
	}
	client, err := db.Connect(uri)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			log.Printf("Error disconnecting from MongoDB: %v", err)
		}
	}()

	database := client.Database("memberpaydb")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.EnsureIndexes(ctx, database); err != nil {
		log.Fatalf("Failed to create indexes: %v", err)
	}

	// Gateway credentials: seed from environment on first boot, then load.
	publicBaseURL := os.Getenv("PUBLIC_BASE_URL")
	settings := config.NewSettingsStore(database)
	if err := settings.Seed(ctx, publicBaseURL); err != nil {
		log.Fatalf("Failed to seed gateway settings: %v", err)
	}
	if err := settings.Reload(ctx); err != nil {
		log.Fatalf("Failed to load gateway settings: %v", err)
	}

	clients := map[models.Gateway]gateways.Client{
		models.GatewayMpesa:    gateways.NewMpesaClient(settings),
		models.GatewayRedirect: gateways.NewRedirectClient(settings),
		models.GatewayCard:     gateways.NewCardClient(settings),
	}

	// Initialize services and handlers
	ledger := services.NewLedger(database)
	dispatcher := services.NewDispatcher(database)
	retries := services.NewMongoRetryStore(database)
	engine := services.NewEngine(ledger, clients, dispatcher, retries)
	paymentService := services.NewPaymentService(ledger, clients)

	paymentHandler := handlers.NewPaymentHandler(paymentService, engine)
	webhookHandler := handlers.NewWebhookHandler(engine)
	receiptHandler := handlers.NewReceiptHandler(dispatcher)

	// Periodic reconciliation sweep for stale transactions and queued
	// side-effect replays.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 2*time.Minute)
			engine.SweepStale(sweepCtx)
			sweepCancel()
		}
	}()

	// Set up router
	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/payment", paymentHandler.InitiatePayment).Methods("POST")
	router.HandleFunc("/api/payments", paymentHandler.GetTransactions).Methods("GET")
	router.HandleFunc("/api/payment/{transactionID}", paymentHandler.GetTransaction).Methods("GET")
	router.HandleFunc("/api/payment/{transactionID}/refund", paymentHandler.Refund).Methods("POST")
	router.HandleFunc("/api/reconcile/{transactionID}", paymentHandler.Reconcile).Methods("POST")
	router.HandleFunc("/api/member/{memberID}/payments", paymentHandler.GetMemberTransactions).Methods("GET")
	router.HandleFunc("/api/member/{memberID}/receipts", receiptHandler.GetMemberReceipts).Methods("GET")

	router.HandleFunc("/api/webhook/mpesa", webhookHandler.Mpesa).Methods("POST")
	router.HandleFunc("/api/webhook/redirect", webhookHandler.Redirect).Methods("POST")
	router.HandleFunc("/api/webhook/card", webhookHandler.Card).Methods("POST")

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.Printf("Server running on port %s", port)
	log.Fatal(server.ListenAndServe())
}
