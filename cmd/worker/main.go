package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sentinel-edge/internal/bus"
	"sentinel-edge/internal/config"
	"sentinel-edge/internal/domain/vehicle"
	"sentinel-edge/internal/metrics"
	"sentinel-edge/internal/worker"
	"sentinel-edge/internal/worker/processors"
)

func main() {
	_ = godotenv.Load()

	classFlag := flag.String("class", "", "worker class: ocr|color|logo|violation")
	configPath := flag.String("config", "", "path to YAML config file")
	consumer := flag.String("consumer", "", "consumer name within the group")
	metricsAddr := flag.String("metrics-addr", "", "address for the /metrics listener, empty disables it")
	flag.Parse()

	class := vehicle.Class(*classFlag)
	log := zerolog.New(os.Stdout).With().Timestamp().Str("class", string(class)).Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bus.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("bus connection failed")
	}
	defer b.Close()

	var proc worker.Processor
	if cfg.Pipeline.InferenceURL != "" {
		proc = processors.NewHTTPProcessor(class, cfg.Pipeline.InferenceURL, 0)
	} else {
		log.Warn().Msg("no inference URL configured, running with static processor")
		proc = processors.Static{Class: class}
	}

	m := metrics.New()
	if *metricsAddr != "" {
		serveMetrics(*metricsAddr, m, log)
	}

	rt, err := worker.NewRuntime(class, b, proc, m, log, worker.Options{
		Consumer:  *consumer,
		BatchSize: cfg.Pipeline.WorkerBatchSize,
		Block:     cfg.Pipeline.BlockTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid worker")
	}

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker failed")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

func serveMetrics(addr string, m *metrics.Metrics, log zerolog.Logger) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := r.Run(addr); err != nil {
			log.Error().Err(err).Msg("metrics listener stopped")
		}
	}()
}
