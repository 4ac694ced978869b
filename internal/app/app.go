package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/omnichat/batteryd/internal/config"
	"github.com/omnichat/batteryd/internal/db"
	"github.com/omnichat/batteryd/internal/http/api"
	"github.com/omnichat/batteryd/internal/ledger"
	"github.com/omnichat/batteryd/internal/pricing"
	"github.com/omnichat/batteryd/internal/recorder"
)

// Migrate opens the database and runs schema migrations.
func Migrate(ctx context.Context, cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// RunServer boots the battery service: database, pricing table, ledger,
// recorder, HTTP routes, and the daily allowance reset loop. It blocks
// until ctx is cancelled, then drains the HTTP server.
func RunServer(ctx context.Context, cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	table := pricing.NewTable()
	table.ApplyOverrides(cfg.Battery.PricingOverrides)
	table.AddFreePrefixes(cfg.Battery.FreeModelPrefixes)

	led := ledger.New(conn)

	var cache recorder.ResultCache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		errPing := client.Ping(pingCtx).Err()
		cancel()
		if errPing != nil {
			log.WithError(errPing).Warn("redis unreachable, result cache disabled")
		} else {
			cache = recorder.NewRedisResultCache(client, cfg.Battery.ResultCacheTTL)
			log.Infof("result cache enabled (redis=%s)", cfg.Redis.Addr)
		}
	}

	rec := recorder.New(conn, led, table, cache)

	ledger.NewDailyResetRunner(led, cfg.Battery.ResetInterval).Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.RegisterRoutes(engine, conn, cfg, led, rec, table)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("battery service listening on %s", cfg.Server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
		return err
	}
	log.Info("battery service stopped")
	return nil
}
