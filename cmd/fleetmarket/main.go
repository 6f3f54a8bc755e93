// Package main runs the fleetmarket server: the marketplace and rental engine
// behind a REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	app "github.com/nebulaforge/fleetmarket/internal/app"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
	"github.com/nebulaforge/fleetmarket/internal/app/events"
	"github.com/nebulaforge/fleetmarket/internal/app/httpapi"
	"github.com/nebulaforge/fleetmarket/internal/app/storage/postgres"
	"github.com/nebulaforge/fleetmarket/internal/config"
	"github.com/nebulaforge/fleetmarket/internal/middleware"
	"github.com/nebulaforge/fleetmarket/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the yaml configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("main").WithError(err).Error("load configuration")
		os.Exit(1)
	}

	log := logger.New("fleetmarket", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores := app.Stores{}
	if cfg.Database.Driver == "postgres" {
		db, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Error("connect to postgres")
			os.Exit(1)
		}
		defer db.Close()

		store := postgres.New(db)
		if err := store.EnsureSchema(ctx); err != nil {
			log.WithError(err).Error("ensure schema")
			os.Exit(1)
		}
		stores.Listings = store
		stores.Rentals = store
		stores.Stats = store
	}

	accepted := make([]payment.Asset, 0, len(cfg.Market.AcceptedAssets))
	for _, a := range cfg.Market.AcceptedAssets {
		accepted = append(accepted, payment.Asset(a))
	}

	application, err := app.New(stores, app.Collaborators{}, app.Config{
		Custody:        cfg.Market.Custody,
		Admins:         cfg.Admins,
		Resolver:       cfg.Rentals.Resolver,
		AcceptedAssets: accepted,
		RentAsset:      payment.Asset(cfg.Rentals.RentAsset),
		FleetDiscount:  cfg.Rentals.FleetDiscount,
		Cleaner:        cfg.Cleanup.Cleaner,
		SweepSchedule:  cfg.Cleanup.SweepSchedule,
		AuditBuffer:    cfg.AuditBuffer,
	}, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address})
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable; audit streaming disabled")
		} else {
			application.Recorder.AddSink(events.NewRedisSink(client, cfg.Redis.Channel,
				log.WithField("component", "events.redis")))
			defer client.Close()
		}
	}

	seedRentalConfigs(ctx, application, cfg, log)

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	limiter := middleware.NewRateLimiter(cfg.HTTP.RequestsPerSecond, cfg.HTTP.Burst,
		log.WithField("component", "ratelimit"))
	handler := limiter.Handler(httpapi.NewHandler(application))
	if len(cfg.HTTP.AllowedOrigins) > 0 {
		handler = middleware.NewCORS(cfg.HTTP.AllowedOrigins).Handler(handler)
	}
	server := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: handler,
	}

	go func() {
		log.WithField("address", cfg.HTTP.Address).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
}

// seedRentalConfigs installs the configured protocol class pricing as the
// first admin, so a fresh deployment rents ships without manual setup.
func seedRentalConfigs(ctx context.Context, application *app.Application, cfg config.Config, log *logger.Logger) {
	if len(cfg.Rentals.Classes) == 0 || len(cfg.Admins) == 0 {
		return
	}
	admin := cfg.Admins[0]
	for _, sc := range cfg.Rentals.Classes {
		err := application.Rentals.SetProtocolConfig(ctx, admin, rental.ProtocolConfig{
			Class:           rental.ShipClass(sc.Class),
			BasePrice:       sc.BasePrice,
			Active:          sc.Active,
			PromoMultiplier: sc.PromoMultiplier,
		})
		if err != nil {
			log.WithError(err).WithField("class", sc.Class).Warn("seed rental config")
		}
	}
}
