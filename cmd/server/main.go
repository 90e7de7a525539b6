// Package main provides the entry point for the regime trader server:
// a regime-adaptive paper trading engine with indicator-driven signals,
// a layered risk overlay and Kelly position sizing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-desktop/regime-trader/internal/api"
	"github.com/atlas-desktop/regime-trader/internal/data"
	"github.com/atlas-desktop/regime-trader/internal/lock"
	"github.com/atlas-desktop/regime-trader/internal/metrics"
	"github.com/atlas-desktop/regime-trader/internal/scheduler"
	"github.com/atlas-desktop/regime-trader/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Config file path (yaml)")
	host := flag.String("host", "", "Server host (overrides config)")
	port := flag.Int("port", 0, "Server port (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	v := newViper(*configPath)
	if *host != "" {
		v.Set("server.host", *host)
	}
	if *port != 0 {
		v.Set("server.port", *port)
	}
	if *logLevel != "" {
		v.Set("log.level", *logLevel)
	}

	logger := setupLogger(v.GetString("log.level"))
	defer logger.Sync()

	serverConfig := &api.Config{
		Host:          v.GetString("server.host"),
		Port:          v.GetInt("server.port"),
		ReadTimeout:   v.GetDuration("server.read_timeout"),
		WriteTimeout:  v.GetDuration("server.write_timeout"),
		WebSocketPath: v.GetString("server.websocket_path"),
	}

	logger.Info("Starting regime trader",
		zap.String("host", serverConfig.Host),
		zap.Int("port", serverConfig.Port),
		zap.String("dataDir", v.GetString("data.candles_dir")),
		zap.String("storeDir", v.GetString("data.store_dir")),
	)

	candleStore, err := data.NewStore(logger, v.GetString("data.candles_dir"))
	if err != nil {
		logger.Fatal("Failed to initialize candle store", zap.Error(err))
	}

	sessionStore, err := session.NewFileStore(logger, v.GetString("data.store_dir"))
	if err != nil {
		logger.Fatal("Failed to initialize session store", zap.Error(err))
	}

	// Per-asset locking: Redis when an address is configured (multi
	// process deployments), in-process otherwise.
	var locker lock.Locker
	if addr := v.GetString("redis.addr"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal("Failed to connect to redis", zap.String("addr", addr), zap.Error(err))
		}
		cancel()
		locker = lock.NewRedisLocker(client, v.GetDuration("redis.lock_ttl"))
		logger.Info("Using redis session locking", zap.String("addr", addr))
	} else {
		locker = lock.NewMemoryLocker()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engineMetrics := metrics.New(registry)

	wsHub := api.NewHub(logger)
	go wsHub.Run()

	engine := session.NewEngine(session.Deps{
		Logger:    logger,
		Store:     sessionStore,
		Candles:   candleStore,
		Locker:    locker,
		Metrics:   engineMetrics,
		Publisher: wsHub,
	})

	var sched *scheduler.Scheduler
	if v.GetBool("scheduler.enabled") {
		sched = scheduler.NewScheduler(logger, &scheduler.Config{
			Interval:   v.GetDuration("scheduler.interval"),
			NumWorkers: v.GetInt("scheduler.workers"),
			TickBudget: v.GetDuration("scheduler.tick_budget"),
		}, engine)
		sched.Start()
	}

	server := api.NewServer(logger, serverConfig, engine, sessionStore, candleStore, wsHub, registry)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", serverConfig.Host, serverConfig.Port, serverConfig.WebSocketPath)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", serverConfig.Host, serverConfig.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if sched != nil {
		sched.Stop()
	}
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// newViper builds the process configuration: defaults, optional yaml
// file, then REGIME_TRADER_* environment overrides.
func newViper(configPath string) *viper.Viper {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("log.level", "info")
	v.SetDefault("data.candles_dir", "./data/candles")
	v.SetDefault("data.store_dir", "./data/store")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 30*time.Second)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.tick_budget", 30*time.Second)

	v.SetEnvPrefix("REGIME_TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read config %s: %v\n", configPath, err)
			os.Exit(1)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		_ = v.ReadInConfig() // Config file optional; defaults and env apply.
	}
	return v
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
