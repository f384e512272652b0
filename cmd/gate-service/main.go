package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avivais/parking-gate-remote/internal/config"
	"github.com/avivais/parking-gate-remote/internal/gate"
	"github.com/avivais/parking-gate-remote/internal/httpapi"
	"github.com/avivais/parking-gate-remote/internal/mqtt"
	"github.com/avivais/parking-gate-remote/internal/ratelimit"
	"github.com/avivais/parking-gate-remote/internal/status"
	"github.com/avivais/parking-gate-remote/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		slog.Error("missing required env", "key", "JWT_SECRET")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.User) == "" {
		slog.Error("missing required env", "key", "POSTGRES_USER")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.DBName) == "" {
		slog.Error("missing required env", "key", "POSTGRES_DB")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Host) == "" {
		slog.Error("missing required env", "key", "POSTGRES_HOST")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Port) == "" {
		slog.Error("missing required env", "key", "POSTGRES_PORT")
		os.Exit(1)
	}

	db, err := store.OpenPostgres(cfg.Postgres)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go repo.RunRequestReaper(ctx, cfg.RequestTTL)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, rate limiting and status cache degraded", "addr", cfg.RedisAddr, "error", err)
		}
	}

	policy := gate.RetryPolicy{
		Timeout:    cfg.CallTimeout,
		RetryCount: cfg.RetryCount,
		RetryDelay: cfg.RetryDelay,
	}

	var device gate.Device
	var mqttDevice *gate.MQTTDevice
	var broker *mqtt.Client

	switch cfg.DeviceMode {
	case "mqtt":
		broker, err = mqtt.Connect(cfg.MQTT, func(lostErr error) {
			if mqttDevice != nil {
				mqttDevice.HandleDisconnect(lostErr)
			}
		})
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer broker.Close()

		mqttDevice = gate.NewMQTTDevice(broker, policy, cfg.MQTT.CmdTopic, cfg.MQTT.AckTopic)
		if err := mqttDevice.Start(); err != nil {
			slog.Error("ack subscribe failed", "topic", cfg.MQTT.AckTopic, "error", err)
			os.Exit(1)
		}
		device = mqttDevice
	default:
		slog.Info("running with stub gate device", "failure_rate", cfg.StubFailureRate)
		device = gate.NewStubDevice(policy, cfg.StubFailureRate)
	}

	var cache status.Cache
	if rdb != nil {
		cache = store.NewStatusCache(rdb)
	}
	tracker := status.NewTracker(repo, cache)
	if broker != nil {
		if err := tracker.Start(broker, cfg.MQTT.StatusTopic, cfg.MQTT.DiagTopic); err != nil {
			slog.Error("status subscribe failed", "error", err)
			os.Exit(1)
		}
	}

	var limiter *ratelimit.RateLimiter
	if rdb != nil {
		limiter = ratelimit.New(rdb, "gate:open", ratelimit.LimiterConfig{
			RPS:   cfg.OpenRPS,
			Burst: cfg.OpenBurst,
		})
	}

	svc := gate.NewService(repo, device)
	srv := httpapi.NewServer(svc, repo, tracker, limiter, cfg.JWTSecret, cfg.AdminOpenKey)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Routes(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("gate-service listening", "addr", httpSrv.Addr, "device_mode", cfg.DeviceMode)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
