// README: Entry point; loads config, wires stores and collaborators, runs the API and the expiry sweeper.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/config"
	httptransport "ridedispatch/internal/http"
	"ridedispatch/internal/infra"
	"ridedispatch/internal/logging"
	"ridedispatch/internal/maps"
	"ridedispatch/internal/modules/adjustment"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/drivers"
	"ridedispatch/internal/modules/events"
	"ridedispatch/internal/modules/fare"
	"ridedispatch/internal/modules/ledger"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New(cfg.Log.Level)
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	log := logging.Component(logger, "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.WithError(err).Fatal("dispatch api stopped")
	}
	log.Info("dispatch api stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	log := logging.Component(logger, "main")

	var store ledger.Store = ledger.NewMemoryStore()
	if cfg.DB.DSN != "" {
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = ledger.NewPostgresStore(pool)
		log.Info("ledger backed by postgres")
	} else {
		log.Warn("DISPATCH_DB_DSN not set, ledger is in-memory")
	}

	var (
		dedup     ledger.DedupGuard = ledger.NewMemoryDedup()
		directory drivers.Directory = drivers.NewMemoryDirectory()
	)
	if cfg.Redis.Addr != "" {
		rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		dedup = ledger.NewRedisDedup(rdb)
		directory = drivers.NewRedisDirectory(rdb)
		log.Info("dedup guard and driver directory backed by redis")
	}

	rideLedger := ledger.New(store, dedup, ledger.Config{
		RequestTTL:    cfg.Ledger.RequestTTL,
		DedupWindow:   cfg.Ledger.DedupWindow,
		MaxRejections: cfg.Ledger.MaxRejections,
	}, logging.Component(logger, "ledger"))

	provider, closeProvider, err := adjustment.NewProvider(ctx, cfg.Adjustment)
	if err != nil {
		return err
	}
	defer closeProvider()
	guard := adjustment.NewGuard(provider, adjustment.GuardConfig{
		Timeout:         cfg.Adjustment.Timeout,
		FallbackPercent: cfg.Adjustment.FallbackPercent,
		Breaker:         adjustment.DefaultBreakerConfig(cfg.Adjustment.Backend),
	}, logging.Component(logger, "adjustment"))

	deps := dispatch.Deps{
		Ledger: rideLedger,
		Fare: fare.NewCalculator(fare.Tariff{
			BaseFare:   cfg.Fare.BaseFare,
			IncludedKm: cfg.Fare.IncludedKm,
			PerKmRate:  cfg.Fare.PerKmRate,
			Currency:   cfg.Fare.Currency,
		}),
		Adjustment: guard,
		Drivers:    directory,
	}
	if cfg.Maps.APIKey != "" {
		client, err := maps.NewClient(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		deps.Geocoder = maps.NewGeocoder(client)
		deps.Routes = maps.NewRouteService(client)
	}

	hub := events.NewHub(logging.Component(logger, "feed"))
	defer hub.Close()
	publishers := events.Multi{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(infra.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		defer kp.Close()
		publishers = append(publishers, kp)
	}

	var verifier infra.TokenVerifier
	if cfg.Firebase.ProjectID != "" {
		app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
		if err != nil {
			return err
		}
		if verifier, err = infra.NewFirebaseVerifier(ctx, app); err != nil {
			return err
		}
		if cfg.Firebase.FCMTopic != "" {
			client, err := infra.NewMessaging(ctx, app)
			if err != nil {
				return err
			}
			publishers = append(publishers, events.NewFCMPublisher(client, cfg.Firebase.FCMTopic))
		}
		if cfg.Firebase.DatabaseURL != "" {
			rtdb, err := infra.NewRealtimeDB(ctx, app)
			if err != nil {
				return err
			}
			deps.Drivers = drivers.NewFirebaseDirectory(rtdb)
			log.Info("driver directory backed by firebase realtime database")
		}
	} else {
		log.Warn("DISPATCH_FIREBASE_PROJECT_ID not set, API runs unauthenticated")
	}
	deps.Events = publishers

	svc := dispatch.NewService(deps, dispatch.Config{
		RadiusKm:       cfg.Drivers.RadiusKm,
		GeocodeTimeout: cfg.Maps.GeocodeTimeout,
		SweepInterval:  cfg.Ledger.SweepInterval,
	}, logging.Component(logger, "dispatch"))
	go svc.RunExpirySweeper(ctx)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httptransport.NewRouter(httptransport.RouterDeps{
		Service:  svc,
		Hub:      hub,
		Verifier: verifier,
		Log:      logging.Component(logger, "http"),
	})
	return httptransport.Serve(ctx, httptransport.NewServer(cfg.HTTP.Addr, router), log)
}
