// Command powerd is the power manager process entry point: it wires
// together the HAL, the Settings Store, the Wakeup Registry, the
// Transition Engine, the Deep Sleep and Thermal Controllers, the
// in-process event buses, the Public Facade, and the Redis transport,
// then blocks until terminated.
//
// Grounded on the teacher's cmd/pm-service/main.go verbatim for process
// shape: INVOCATION_ID-conditional logger construction, signal-driven
// context cancellation, and a single blocking Run call.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/redis/go-redis/v9"

	"github.com/librescoot/powerd/internal/config"
	"github.com/librescoot/powerd/internal/deepsleep"
	"github.com/librescoot/powerd/internal/engine"
	"github.com/librescoot/powerd/internal/events"
	"github.com/librescoot/powerd/internal/facade"
	"github.com/librescoot/powerd/internal/hal/linux"
	"github.com/librescoot/powerd/internal/settings"
	"github.com/librescoot/powerd/internal/thermal"
	"github.com/librescoot/powerd/internal/transport/redisrpc"
	"github.com/librescoot/powerd/internal/wakeup"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("powerd %s\n", version)
		return
	}

	var logger *log.Logger
	if os.Getenv("INVOCATION_ID") != "" {
		logger = log.New(os.Stdout, "", 0)
	} else {
		logger = log.New(os.Stdout, "powerd: ", log.LstdFlags|log.Lmsgprefix)
	}

	cfg := config.New()
	cfg.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	platform := linux.New(logger, cfg.DryRun)
	if err := platform.Init(); err != nil {
		log.Fatalf("Failed to initialize HAL: %v", err)
	}
	defer platform.Term()

	store := settings.New(cfg.SettingsFilePath, cfg.RestartedMarker, cfg.BootToStandby, logger)
	buses := events.NewBuses()

	eng := engine.New(platform, store, buses, cfg, logger)
	if err := eng.Start(); err != nil {
		log.Fatalf("Failed to start transition engine: %v", err)
	}

	dsc := deepsleep.New(platform, store, buses, cfg, eng, logger)
	eng.SetDeepSleepController(dsc)

	wakeupRegistry, err := wakeup.New(platform, logger, func(enabled bool) {
		buses.NetworkStandbyChanged.Emit(events.NetworkStandbyModeChangedEvent{Enabled: enabled})
		if err := store.Update(func(set *settings.Settings) {
			set.NetworkStandby = enabled
		}); err != nil {
			logger.Printf("wakeup: failed to persist network-standby mode: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to initialize wakeup registry: %v", err)
	}

	remoteStore := config.NewRedisRemoteStore(redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		DB:   0,
	}), "settings")

	thermalController := thermal.New(platform, buses, cfg, remoteStore, eng, logger)
	go thermalController.Run(ctx)

	var dbusConn *dbus.Conn
	if !cfg.DryRun {
		dbusConn, err = dbus.ConnectSystemBus()
		if err != nil {
			logger.Printf("Warning: no system bus available for notification signals: %v", err)
			dbusConn = nil
		} else {
			defer dbusConn.Close()
		}
	}

	fac := facade.New(eng, wakeupRegistry, thermalController, platform, buses, cfg, logger, dbusConn)

	transportServer, err := redisrpc.New(cfg, fac, buses, logger)
	if err != nil {
		log.Fatalf("Failed to create Redis transport: %v", err)
	}
	defer transportServer.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Received termination signal")
		cancel()
	}()

	logger.Printf("Starting power management service %s", version)
	if err := transportServer.Run(ctx); err != nil {
		log.Fatalf("Transport server failed: %v", err)
	}

	dsc.Wait()
}
