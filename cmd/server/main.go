package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"multimeet-server/internal/conference"
	"multimeet-server/internal/media"
	"multimeet-server/internal/server"
	"multimeet-server/internal/signaling"
)

func main() {
	logger := newLogger()

	pongWait := envDurationOrDefault("RTC_WS_PONG_WAIT", 45*time.Second)
	pingInterval := envDurationOrDefault("RTC_WS_PING_INTERVAL", 20*time.Second)
	if pingInterval >= pongWait {
		pingInterval = pongWait / 2
	}

	workerCfg := media.WorkerConfig{
		WorkerBin:                       envOrDefault("RTC_WORKER_BIN", "mediasoup-worker"),
		NumWorkers:                      envIntOrDefault("RTC_NUM_WORKERS", 0),
		RtcMinPort:                      uint16(envIntOrDefault("RTC_UDP_PORT_MIN", 40000)),
		RtcMaxPort:                      uint16(envIntOrDefault("RTC_UDP_PORT_MAX", 49999)),
		ListenIP:                        envOrDefault("RTC_LISTEN_IP", "0.0.0.0"),
		AnnouncedIP:                     envOrDefault("RTC_ANNOUNCED_IP", ""),
		InitialAvailableOutgoingBitrate: uint32(envIntOrDefault("RTC_INITIAL_OUTGOING_BITRATE", 800000)),
	}

	pool, stopWorkers, err := media.StartWorkers(workerCfg, logger)
	if err != nil {
		logger.Error("media engine failed to start", "error", err)
		os.Exit(1)
	}
	defer stopWorkers()

	registry := conference.NewRegistry(pool, envDurationOrDefault("RTC_ROOM_EMPTY_TTL", time.Minute), logger)

	dispatcher := signaling.NewDispatcher(registry, signaling.Options{
		ReadLimit:    int64(envIntOrDefault("RTC_WS_READ_LIMIT_BYTES", 1024*1024)),
		WriteTimeout: envDurationOrDefault("RTC_WS_WRITE_TIMEOUT", 4*time.Second),
		PingInterval: pingInterval,
		PongWait:     pongWait,
	}, logger)

	srv := server.New(registry, dispatcher, logger)

	mux := http.NewServeMux()
	srv.Routes(mux)

	bindAddr := envOrDefault("RTC_BIND_ADDR", ":9000")
	httpServer := &http.Server{
		Addr:              bindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("multimeet server listening", "addr", bindAddr, "workers", pool.Size())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid int env", "key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	return parsed
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env", "key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	return parsed
}
