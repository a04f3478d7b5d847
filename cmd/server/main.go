package main

import (
	"context"
	"crypto/rand"
	"log"
	"net/http"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/hearthrpg/hearth/internal/auth"
	"github.com/hearthrpg/hearth/internal/cache"
	"github.com/hearthrpg/hearth/internal/config"
	"github.com/hearthrpg/hearth/internal/database"
	"github.com/hearthrpg/hearth/internal/dice"
	"github.com/hearthrpg/hearth/internal/executor"
	"github.com/hearthrpg/hearth/internal/handlers"
	"github.com/hearthrpg/hearth/internal/middleware"
	"github.com/hearthrpg/hearth/internal/orchestrator"
	"github.com/hearthrpg/hearth/internal/room"
	"github.com/hearthrpg/hearth/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	if err := auth.Init(); err != nil {
		log.Fatalf("initializing auth keys: %v", err)
	}
	if err := auth.SetTokenExpiry(cfg.TokenExpireTime); err != nil {
		log.Fatalf("configuring token expiry: %v", err)
	}

	ctx := context.Background()

	// Store selection: Postgres when configured, in-memory otherwise.
	var st store.Store
	var campaignAPIEnabled bool
	var api *handlers.API
	if cfg.PGHost != "" {
		pool, err := database.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			log.Fatalf("connecting to database: %v", err)
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
		api = &handlers.API{Logger: logger, Pool: pool}
		campaignAPIEnabled = true
		logger.Infof("using Postgres store at %s:%s", cfg.PGHost, cfg.PGPort)
	} else {
		st = store.NewMemory()
		logger.Warn("PG_HOST not set; using in-memory store (development only)")
	}

	signingKey := []byte(cfg.DiceSigningKey)
	if len(signingKey) == 0 {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			log.Fatalf("generating dice signing key: %v", err)
		}
		logger.Warn("DICE_SIGNING_KEY not set; generated an ephemeral key")
	}

	rooms := room.NewRegistry(logger)
	engine := &executor.Engine{
		Store:  st,
		Rooms:  rooms,
		Roller: dice.NewRoller(signingKey),
		Bridge: orchestrator.NewClient(cfg.OrchestratorURL, cfg.OrchestratorSecret, cfg.OrchestratorTimeout, logger),
		Logger: logger,
	}

	if cfg.RedisAddr != "" {
		journal, err := cache.NewJournal(cfg.RedisAddr, cfg.RedisDB, cfg.RedisQueue, logger)
		if err != nil {
			log.Fatalf("connecting to redis: %v", err)
		}
		defer journal.Close()
		engine.Journal = journal
		logger.Infof("event journal enabled on %s (queue %s)", cfg.RedisAddr, cfg.RedisQueue)
	}

	sessions := &handlers.SessionServer{
		Logger:   logger,
		Store:    st,
		Rooms:    rooms,
		Engine:   engine,
		AuthMode: cfg.AuthMode,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", handlers.PingHandler)
	mux.Handle("/session/ws", middleware.LogMiddleware(logger)(sessions.SessionWSHandler()))

	if campaignAPIEnabled {
		campaigns := &handlers.CampaignAPI{API: api, Store: st}
		mux.HandleFunc("/user/create", api.CreateUserHandler)
		mux.HandleFunc("/user/login", api.LoginHandler)
		mux.HandleFunc("/user/me", api.MeHandler)
		mux.Handle("/campaign/create", middleware.LogMiddleware(logger)(http.HandlerFunc(campaigns.CreateCampaignHandler)))
		mux.Handle("/campaign/get", middleware.LogMiddleware(logger)(http.HandlerFunc(campaigns.GetCampaignHandler)))
		mux.Handle("/campaign/list", middleware.LogMiddleware(logger)(http.HandlerFunc(campaigns.ListCampaignsHandler)))
	}

	addr := ":" + cfg.Port
	logger.Infof("running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
