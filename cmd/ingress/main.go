package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"sentinel-edge/internal/bus"
	"sentinel-edge/internal/config"
	"sentinel-edge/internal/ingress"
)

func main() {
	_ = godotenv.Load()

	source := flag.String("source", "-", "detection event source: JSONL file path, or - for stdin")
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

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

	var in io.Reader = os.Stdin
	if *source != "-" {
		f, err := os.Open(*source)
		if err != nil {
			log.Fatal().Err(err).Str("source", *source).Msg("cannot open detection source")
		}
		defer f.Close()
		in = f
	}

	log.Info().Str("location", cfg.Node.Location).Str("source", *source).Msg("ingress started")

	pub := ingress.NewPublisher(b, cfg.Node.Location, log)
	if err := ingress.RunSource(ctx, in, pub, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("ingress failed")
		os.Exit(1)
	}
	log.Info().Msg("ingress stopped")
}
