package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/whisper-darkly/todohub/auth"
	"github.com/whisper-darkly/todohub/config"
	"github.com/whisper-darkly/todohub/habitica"
	"github.com/whisper-darkly/todohub/hub"
	"github.com/whisper-darkly/todohub/router"
	"github.com/whisper-darkly/todohub/session"
	"github.com/whisper-darkly/todohub/store"
	"github.com/whisper-darkly/todohub/store/postgres"
	"github.com/whisper-darkly/todohub/store/sqlite"
)

var version = "dev"

func main() {
	port := env("BACKEND_PORT", "8080")
	confDir := env("CONF_DIR", "./conf")

	fmt.Printf("todohub %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(confDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	data := cfg.Get()

	// Postgres when DB_DSN is set, embedded sqlite otherwise. Both apply
	// their own migrations on open.
	var st store.Store
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		db, err := postgres.Open(ctx, dsn)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		st = db
		log.Println("store: postgres")
	} else {
		db, err := sqlite.Open(filepath.Join(confDir, "todohub.db"))
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		st = db
		log.Printf("store: sqlite (%s)", filepath.Join(confDir, "todohub.db"))
	}
	defer st.Close()

	var resolver auth.Resolver
	switch data.AuthMode {
	case "jwt":
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			log.Fatal("JWT_SECRET environment variable is required in jwt auth mode")
		}
		resolver = auth.NewVerifier([]byte(secret))
		log.Println("auth: local jwt verifier")
	case "remote", "":
		resolver = auth.NewClient(data.AuthServiceURL)
		log.Printf("auth: remote service (%s)", data.AuthServiceURL)
	default:
		log.Fatalf("config: unknown auth_mode %q", data.AuthMode)
	}

	hab := habitica.NewClient(data.HabiticaURL)
	if hab == nil {
		log.Println("habitica_url not set; integration credentials stored unverified")
	}

	reg := hub.NewRegistry(st, hub.Options{
		Buffer:           data.BroadcastBuffer,
		CompactThreshold: data.CompactThreshold,
		IdleEviction:     config.Duration(data.IdleEviction, 0),
		EvictInterval:    config.Duration(data.EvictInterval, time.Minute),
	})
	go reg.Run(ctx)

	sessions := &session.Handler{Registry: reg, Auth: resolver}

	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     router.New(sessions, st, resolver, hab, reg, cfg),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would sever long-lived websocket sessions.
		IdleTimeout: 60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
