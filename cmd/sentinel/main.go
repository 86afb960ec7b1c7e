package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"sentinel-edge/internal/aggregator"
	"sentinel-edge/internal/bus"
	"sentinel-edge/internal/config"
	"sentinel-edge/internal/db"
	"sentinel-edge/internal/domain/vehicle"
	edgehttp "sentinel-edge/internal/http"
	"sentinel-edge/internal/metrics"
	"sentinel-edge/internal/monitor"
	"sentinel-edge/internal/repository"
	"sentinel-edge/internal/supervisor"
	"sentinel-edge/internal/upload"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}
	if err := cfg.ValidateSupervisor(); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	log.Info().
		Str("node_id", cfg.Node.ID).
		Str("location", cfg.Node.Location).
		Str("source", cfg.Supervisor.IngressSource).
		Msg("sentinel orchestrator starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bus.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("bus connection failed")
	}
	defer b.Close()

	m := metrics.New()

	var records *repository.RecordRepository
	if cfg.Database.DSN != "" {
		gdb, err := db.Connect(cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("record journal unavailable")
		}
		records = repository.NewRecordRepository(gdb)
		log.Info().Msg("record journal enabled")
	}

	uploader := upload.NewCentralUploader(cfg.Central.URL, cfg.Central.UploadTimeout, log)
	var journal aggregator.Journal
	if records != nil {
		journal = records
	}
	engine := aggregator.NewEngine(b, uploader, journal, m, log, aggregator.Config{
		Location:          cfg.Node.Location,
		BatchSize:         cfg.Pipeline.AggregatorBatchSize,
		Block:             cfg.Pipeline.BlockTimeout,
		MaxUploadAttempts: cfg.Pipeline.MaxUploadAttempts,
		MaxPendingAge:     cfg.Pipeline.MaxPendingAge,
	})

	busMonitor := monitor.New(b, m, 20*time.Second, log)
	heartbeat := upload.NewHeartbeat(cfg.Central.URL, cfg.Node.ID, cfg.Central.HeartbeatInterval, log)

	sup := supervisor.New(buildSupervisorConfig(cfg, *configPath, engine, busMonitor, heartbeat), b, m, log)

	startStatusServer(cfg, sup, engine, records, m, stop, log)

	err = sup.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("orchestrator failed")
		os.Exit(1)
	}
	log.Info().Msg("clean shutdown")
}

func buildSupervisorConfig(
	cfg *config.Config,
	configPath string,
	engine *aggregator.Engine,
	busMonitor *monitor.Monitor,
	heartbeat *upload.Heartbeat,
) supervisor.Config {
	env := os.Environ()

	// Children read the same config file the orchestrator was started
	// with; without it they would fall back to defaults.
	var shared []string
	if configPath != "" {
		shared = append(shared, "-config", configPath)
	}

	var workers []supervisor.ChildSpec
	for i, class := range vehicle.AllClasses {
		args := []string{
			"-class", string(class),
			"-consumer", fmt.Sprintf("%s_%s_1", cfg.Node.ID, class),
		}
		if base := cfg.Supervisor.WorkerMetricsBasePort; base > 0 {
			args = append(args, "-metrics-addr", fmt.Sprintf(":%d", base+i))
		}
		workers = append(workers, supervisor.ChildSpec{
			Name:        fmt.Sprintf("%s-worker", class),
			Command:     cfg.Supervisor.WorkerBinary,
			Args:        append(args, shared...),
			Env:         env,
			Policy:      supervisor.RestartOnFailure,
			MaxRestarts: cfg.Supervisor.MaxRestarts,
		})
	}

	ingress := supervisor.ChildSpec{
		Name:    "ingress",
		Command: cfg.Supervisor.IngressBinary,
		Args:    append([]string{"-source", cfg.Supervisor.IngressSource}, shared...),
		Env:     env,
		Policy:  supervisor.RestartNever,
		Fatal:   true,
	}

	var extras []supervisor.Task
	if cfg.Central.URL != "" {
		extras = append(extras, supervisor.Task{Name: "heartbeat", Run: wrapHeartbeat(heartbeat)})
	}

	return supervisor.Config{
		Workers:         workers,
		Ingress:         ingress,
		AggregatorTask:  supervisor.Task{Name: "aggregator", Run: engine.Run, Critical: true},
		MonitorTask:     supervisor.Task{Name: "monitor", Run: busMonitor.Run},
		ExtraTasks:      extras,
		HealthInterval:  cfg.Supervisor.HealthInterval,
		ShutdownTimeout: cfg.Supervisor.ShutdownTimeout,
		StageDelay:      time.Second,
	}
}

func wrapHeartbeat(h *upload.Heartbeat) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		h.Run(ctx)
		return ctx.Err()
	}
}

func startStatusServer(
	cfg *config.Config,
	sup *supervisor.Supervisor,
	engine *aggregator.Engine,
	records *repository.RecordRepository,
	m *metrics.Metrics,
	shutdown func(),
	log zerolog.Logger,
) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	handler := edgehttp.NewHandler(
		cfg.Node.ID, cfg.Node.Location,
		sup, engine, records, m.Registry, shutdown, log,
	)
	handler.Register(r, edgehttp.JWTAuthMiddleware(cfg.Auth.JWTSecret))

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("status API listening")
		if err := r.Run(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("status API stopped")
		}
	}()
}
