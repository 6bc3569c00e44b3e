package main

import (
	"log/slog"
	"os"

	"github.com/relaycore/apirelay/internal/auth"
	"github.com/relaycore/apirelay/internal/balancer"
	"github.com/relaycore/apirelay/internal/clock"
	"github.com/relaycore/apirelay/internal/config"
	"github.com/relaycore/apirelay/internal/cryptoutil"
	"github.com/relaycore/apirelay/internal/headercache"
	"github.com/relaycore/apirelay/internal/orchestrator"
	"github.com/relaycore/apirelay/internal/relay"
	"github.com/relaycore/apirelay/internal/scheduler"
	"github.com/relaycore/apirelay/internal/server"
	"github.com/relaycore/apirelay/internal/store"
	"github.com/relaycore/apirelay/internal/transport"
	"github.com/relaycore/apirelay/internal/usage"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	slog.Info("relay starting", "version", version)

	// Durable entities (accounts, API keys) live in SQLite; ephemeral,
	// TTL-bearing state (sticky sessions, usage counters, header cache)
	// lives in Redis.
	sqliteStore, err := store.NewSQLite(cfg.SQLitePath)
	if err != nil {
		slog.Error("sqlite init failed", "error", err)
		os.Exit(1)
	}
	defer sqliteStore.Close()
	slog.Info("sqlite ready", "path", cfg.SQLitePath)

	redisStore, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	slog.Info("redis ready", "addr", cfg.RedisAddr)

	crypto := cryptoutil.New(cfg.EncryptionKey)

	tm := transport.NewManager(cfg.UpstreamTimeout, transport.ParseFamily(cfg.ProxyFamily))

	bal := balancer.New()
	sched := scheduler.NewWithTTL(sqliteStore, redisStore, bal, cfg.StickySessionTTL, cfg.StickyRenewDeadband)

	hc := headercache.New(redisStore)
	rel := relay.New(sqliteStore, hc, tm)

	clk := clock.New(cfg.TimezoneOffsetHours)
	meter := usage.New(redisStore, clk, cfg)

	authn := auth.New(crypto, sqliteStore)

	orch := orchestrator.New(authn, sqliteStore, hc, sched, rel, meter, crypto, cfg)

	srv := server.New(cfg, orch, tm, sqliteStore, redisStore)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
