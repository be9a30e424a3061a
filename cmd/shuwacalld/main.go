// Shuwacalld — signaling server entry point.
//
// This daemon hosts the call-signaling document store behind a REST API and a
// WebSocket gateway. Browser peers exchange offers, answers, and ICE
// candidates through it; the media itself flows peer to peer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	osignal "os/signal"

	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"

	"github.com/shuwashuwa/shuwacall/internal/config"
	"github.com/shuwashuwa/shuwacall/internal/server"
	"github.com/shuwashuwa/shuwacall/internal/session"
	"github.com/shuwashuwa/shuwacall/internal/signal"
	"github.com/shuwashuwa/shuwacall/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := osignal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	memory := flag.Bool("memory", false, "Use the in-process signaling store instead of Redis (single instance only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	cfg := config.Load()
	pterm.Info.Println(fmt.Sprintf("Shuwacalld — v%s", version))
	pterm.Println()

	var store signal.Store
	var schedules session.ScheduleStore

	if *memory {
		util.LogWarning("using the in-process store: calls do not survive restarts")
		store = signal.NewMemStore()
		schedules = session.NewMemScheduleStore()
	} else {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			util.LogError("failed to connect to redis at %s: %v", cfg.Redis.Addr, err)
			os.Exit(1)
		}
		defer rdb.Close()
		util.LogInfo("connected to redis at %s", cfg.Redis.Addr)

		store = signal.NewRedisStore(rdb, cfg.CallTTL)
		schedules = session.NewRedisScheduleStore(rdb, cfg.CallTTL)
	}

	svc := session.NewService(session.Config{
		Store:     store,
		Schedules: schedules,
	})

	srv := server.New(server.Config{
		ListenAddr:  cfg.ListenAddr,
		Environment: cfg.Environment,
		JWTSecret:   cfg.JWTSecret,
		Sessions:    svc,
		Store:       store,
	})
	if err := srv.Run(ctx); err != nil {
		util.LogError("server failed: %v", err)
		os.Exit(1)
	}

	util.LogInfo("server shut down cleanly")
}
