package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cashstack/paygate/internal/api"
	"github.com/cashstack/paygate/internal/config"
	"github.com/cashstack/paygate/internal/credits"
	"github.com/cashstack/paygate/internal/nodeapi"
	"github.com/cashstack/paygate/internal/nodefeed"
	"github.com/cashstack/paygate/internal/payments"
	"github.com/cashstack/paygate/internal/reconciler"
	"github.com/cashstack/paygate/internal/storage"
	"github.com/cashstack/paygate/internal/users"
	"github.com/cashstack/paygate/internal/wallet"
)

func main() {
	// Setup logger
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found")
	}

	// Load config
	cfg := config.Load()

	if cfg.Wallet.Mnemonic == "" {
		log.Error("WALLET_MNEMONIC is required")
		os.Exit(1)
	}
	if cfg.Wallet.ReceiverAddress == "" {
		log.Error("RECEIVER_ADDRESS is required")
		os.Exit(1)
	}
	if cfg.API.JWTSecret == "" {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	// Initialize storage
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.DBPath)

	// Initialize node API client and wallet service
	nodeClient := nodeapi.NewClient(cfg.Node.APIURL, cfg.Node.APIKey)
	log.Info("node API client initialized", "base_url", cfg.Node.APIURL)

	walletSvc, err := wallet.New(cfg.Wallet.Mnemonic, cfg.Node.Network, nodeClient)
	if err != nil {
		log.Error("init wallet service", "error", err)
		os.Exit(1)
	}

	receiver, err := wallet.CashAddress(cfg.Wallet.ReceiverAddress, walletSvc.Params())
	if err != nil {
		log.Error("invalid RECEIVER_ADDRESS", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize credit API client
	creditClient := credits.NewClient(cfg.Credits.APIURL, cfg.Credits.AuthEmail, cfg.Credits.AuthPassword, log)
	if err := creditClient.Authenticate(ctx); err != nil {
		// Settlement cannot complete without a token; the renew loop
		// keeps retrying.
		log.Error("credit API authentication failed", "error", err)
	}
	go creditClient.RenewLoop(ctx, cfg.Credits.RenewInterval)

	// Start node feed monitor
	matcher := nodefeed.NewMatcher(store, walletSvc.Params(), log)
	monitor := nodefeed.NewMonitor(cfg.Node, walletSvc.Params(), matcher, cfg.QueueSize, log)
	if err := monitor.Connect(ctx); err != nil {
		log.Error("connect node feed", "error", err)
		os.Exit(1)
	}
	defer monitor.Disconnect()

	// Start reconciler
	derive := func(index uint32) (reconciler.Wallet, error) {
		return walletSvc.Derive(index)
	}
	rec := reconciler.New(store, derive, creditClient, receiver, cfg.ReviewInterval, log)
	go rec.Start(ctx)

	// REST surface
	userSvc := users.New(store, walletSvc, []byte(cfg.API.JWTSecret), log)
	paySvc := payments.New(store, nodeClient, nil, log)
	server := api.NewServer(userSvc, paySvc, log)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	log.Info("starting API server...")
	if err := server.Start(ctx, cfg.API.Port); err != nil && err != http.ErrServerClosed {
		log.Error("API server", "error", err)
		os.Exit(1)
	}
}
