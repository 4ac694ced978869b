package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/omnichat/batteryd/internal/app"
	"github.com/omnichat/batteryd/internal/config"
	"github.com/omnichat/batteryd/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	if _, err := os.Stat(".env"); err == nil {
		if errLoad := godotenv.Load(); errLoad != nil {
			log.WithError(errLoad).Warn("load .env failed")
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	logging.Setup(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrateOnly {
		if err := app.Migrate(ctx, cfg); err != nil {
			log.WithError(err).Fatal("migrate")
		}
		log.Info("migrations applied")
		return
	}

	if err := app.RunServer(ctx, cfg); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}
