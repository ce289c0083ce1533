package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hongminglow/all-in-ledger/internal/auth"
	"github.com/hongminglow/all-in-ledger/internal/config"
	"github.com/hongminglow/all-in-ledger/internal/http/handlers"
	"github.com/hongminglow/all-in-ledger/internal/notify"
	"github.com/hongminglow/all-in-ledger/internal/server"
	"github.com/hongminglow/all-in-ledger/internal/storage/memory"
	postgres "github.com/hongminglow/all-in-ledger/internal/storage/postgres"
)

func main() {
	loadLocalEnv()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}
	defer closeStore()

	if cfg.AdminEmail != "" {
		tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
		bootstrap := handlers.NewAuthHandler(store, tokens, cfg.InitBalance)
		if err := bootstrap.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPhone, cfg.AdminPassword); err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
	}

	srv := server.New(cfg, store, notify.LogNotifier{})

	go func() {
		log.Printf("ALL-IN ledger listening on %s (store=%s)", cfg.HTTPAddress(), cfg.StoreDriver)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Printf("graceful shutdown error: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (server.Store, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Println("using in-memory store; data is lost on exit")
		return memory.New(cfg.LockTimeout), func() {}, nil
	}
	store, err := postgres.NewStore(ctx, cfg.DatabaseURL, cfg.LockTimeout)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func loadLocalEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found; relying on existing environment")
	}
}
