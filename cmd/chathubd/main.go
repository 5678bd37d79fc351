// Command chathubd runs the chat hub daemon: it loads configuration, wires
// the persistence and push collaborators, and serves the websocket upgrade
// endpoint until an interrupt or terminate signal arrives. Grounded on the
// teacher's server/shutdown.go signal handling (SIGINT/SIGTERM/SIGHUP,
// drain-then-stop) generalized to http.Server.Shutdown, and on the pack's
// chi router wiring in ashureev-shsh-labs/cmd/server/main.go.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatline/hub/internal/auth"
	"github.com/chatline/hub/internal/config"
	"github.com/chatline/hub/internal/hub"
	"github.com/chatline/hub/internal/push/fcm"
	"github.com/chatline/hub/internal/store"
	"github.com/chatline/hub/internal/store/memstore"
	"github.com/chatline/hub/internal/store/rediscache"
	"github.com/chatline/hub/internal/store/sqlstore"
)

func main() {
	configPath := flag.String("config", "", "path to JSON-with-comments config file")
	envPath := flag.String("env", ".env", "path to .env overlay file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		log.Fatalf("chathubd: %v", err)
	}

	signingKey, err := cfg.SigningKey()
	if err != nil {
		log.Fatalf("chathubd: %v", err)
	}
	tokenAuth, err := auth.NewTokenAuth(signingKey)
	if err != nil {
		log.Fatalf("chathubd: %v", err)
	}

	st, closeStore := openStore(cfg)
	defer closeStore()

	var pusher hub.Pusher
	if cfg.Push.CredentialsPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := fcm.New(ctx, cfg.Push.CredentialsPath, st)
		cancel()
		if err != nil {
			log.Printf("chathubd: push disabled, failed to init FCM client: %v", err)
		} else {
			pusher = client
			log.Printf("chathubd: offline push notifications enabled")
		}
	}

	registry := prometheus.NewRegistry()
	metrics := hub.NewMetrics(registry)

	tuning := hub.Tuning{
		PongWait:      cfg.WebSocket.PongWait,
		PingPeriod:    cfg.WebSocket.PingPeriod,
		WriteWait:     cfg.WebSocket.WriteWait,
		MaxFrameBytes: int64(cfg.WebSocket.MaxFrameBytes),
		OutQueueCap:   cfg.WebSocket.OutQueueCap,
		TypingTimeout: cfg.WebSocket.TypingTimeout,
	}
	h := hub.New(st, pusher, metrics, tuning)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Heartbeat("/health"))

	r.Get("/api/v1/ws", h.UpgradeHandler(tokenAuth, st))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	loggedRouter := handlers.CombinedLoggingHandler(os.Stdout, r)
	loggedRouter = handlers.RecoveryHandler()(loggedRouter)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      loggedRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	go func() {
		log.Printf("chathubd: listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("chathubd: server failed: %v", err)
		}
	}()

	<-ctx.Done()
	stop()
	log.Printf("chathubd: signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("chathubd: http shutdown error: %v", err)
	}

	h.Shutdown()
	log.Printf("chathubd: stopped")
}

// openStore selects the durable sqlstore+rediscache pair when a MySQL DSN
// is configured, falling back to the in-memory store otherwise (useful for
// local development without a database).
func openStore(cfg *config.Config) (store.Store, func()) {
	dsn, err := cfg.MySQLDSN()
	if err != nil {
		log.Printf("chathubd: %v, using in-memory store", err)
		return memstore.New(), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var cache *rediscache.Cache
	if cfg.Redis.Addr != "" {
		cache, err = rediscache.Dial(ctx, cfg.Redis.Addr)
		if err != nil {
			log.Printf("chathubd: redis presence cache disabled: %v", err)
			cache = nil
		}
	}

	var onlineCache sqlstore.OnlineCache
	if cache != nil {
		onlineCache = cache
	}

	sqlStore, err := sqlstore.Open(ctx, dsn, onlineCache)
	if err != nil {
		log.Fatalf("chathubd: failed to open sql store: %v", err)
	}

	return sqlStore, func() {
		sqlStore.Close()
		if cache != nil {
			cache.Close()
		}
	}
}
