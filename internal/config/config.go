// README: Config loader with env defaults for HTTP, storage, fare tariff, ledger policy and collaborators.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

type FareConfig struct {
	BaseFare   float64
	IncludedKm float64
	PerKmRate  float64
	Currency   string
}

type LedgerConfig struct {
	RequestTTL    time.Duration
	DedupWindow   time.Duration
	MaxRejections int
	SweepInterval time.Duration
}

type AdjustmentConfig struct {
	// Backend is one of "static", "http" or "gemini".
	Backend         string
	URL             string
	Timeout         time.Duration
	FallbackPercent float64
	StaticPercent   float64
	GeminiKey       string
	GeminiModel     string
}

type DriversConfig struct {
	RadiusKm float64
}

type Config struct {
	HTTP struct {
		Addr string
	}
	DB struct {
		DSN string
	}
	Redis struct {
		Addr string
	}
	Maps struct {
		APIKey         string
		GeocodeTimeout time.Duration
	}
	Kafka struct {
		Brokers []string
		Topic   string
	}
	Firebase struct {
		ProjectID       string
		CredentialsFile string
		FCMTopic        string
		// DatabaseURL selects the Realtime Database driver directory when set.
		DatabaseURL string
	}
	Log struct {
		Level string
	}
	Fare       FareConfig
	Ledger     LedgerConfig
	Adjustment AdjustmentConfig
	Drivers    DriversConfig
}

func Load() (Config, error) {
	var cfg Config
	var errs []error

	cfg.HTTP.Addr = envOrDefault("DISPATCH_HTTP_ADDR", ":8080")
	cfg.DB.DSN = os.Getenv("DISPATCH_DB_DSN")
	cfg.Redis.Addr = os.Getenv("DISPATCH_REDIS_ADDR")
	cfg.Maps.APIKey = os.Getenv("DISPATCH_MAPS_API_KEY")
	cfg.Maps.GeocodeTimeout = envOrDefaultDuration("DISPATCH_GEOCODE_TIMEOUT", 2*time.Second, &errs)
	cfg.Kafka.Brokers = splitAndTrim(os.Getenv("DISPATCH_KAFKA_BROKERS"))
	cfg.Kafka.Topic = envOrDefault("DISPATCH_KAFKA_TOPIC", "ride-events")
	cfg.Firebase.ProjectID = os.Getenv("DISPATCH_FIREBASE_PROJECT_ID")
	cfg.Firebase.CredentialsFile = os.Getenv("DISPATCH_FIREBASE_CREDENTIALS")
	cfg.Firebase.FCMTopic = os.Getenv("DISPATCH_FCM_TOPIC")
	cfg.Firebase.DatabaseURL = os.Getenv("DISPATCH_FIREBASE_DATABASE_URL")
	cfg.Log.Level = strings.ToLower(envOrDefault("DISPATCH_LOG_LEVEL", "info"))

	// Tariff defaults: 30 covers the first 2 km, 15 per km after that.
	cfg.Fare.BaseFare = envOrDefaultFloat("DISPATCH_BASE_FARE", 30, &errs)
	cfg.Fare.IncludedKm = envOrDefaultFloat("DISPATCH_INCLUDED_KM", 2, &errs)
	cfg.Fare.PerKmRate = envOrDefaultFloat("DISPATCH_PER_KM_RATE", 15, &errs)
	cfg.Fare.Currency = envOrDefault("DISPATCH_CURRENCY", "INR")

	cfg.Ledger.RequestTTL = envOrDefaultDuration("DISPATCH_REQUEST_TTL", 5*time.Minute, &errs)
	cfg.Ledger.DedupWindow = envOrDefaultDuration("DISPATCH_DEDUP_WINDOW", 30*time.Second, &errs)
	cfg.Ledger.MaxRejections = envOrDefaultInt("DISPATCH_MAX_REJECTIONS", 0, &errs)
	cfg.Ledger.SweepInterval = envOrDefaultDuration("DISPATCH_SWEEP_INTERVAL", 15*time.Second, &errs)

	cfg.Adjustment.Backend = strings.ToLower(envOrDefault("DISPATCH_ADJUSTMENT_BACKEND", "static"))
	cfg.Adjustment.URL = os.Getenv("DISPATCH_ADJUSTMENT_URL")
	cfg.Adjustment.Timeout = envOrDefaultDuration("DISPATCH_ADJUSTMENT_TIMEOUT", 800*time.Millisecond, &errs)
	cfg.Adjustment.FallbackPercent = envOrDefaultFloat("DISPATCH_ADJUSTMENT_FALLBACK", 0, &errs)
	cfg.Adjustment.StaticPercent = envOrDefaultFloat("DISPATCH_ADJUSTMENT_STATIC", 0, &errs)
	cfg.Adjustment.GeminiKey = os.Getenv("GEMINI_API_KEY")
	cfg.Adjustment.GeminiModel = envOrDefault("DISPATCH_GEMINI_MODEL", "gemini-2.0-flash")

	cfg.Drivers.RadiusKm = envOrDefaultFloat("DISPATCH_DRIVER_RADIUS_KM", 0, &errs)

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c Config) validate() []error {
	var errs []error
	if !finite(c.Fare.BaseFare, c.Fare.IncludedKm, c.Fare.PerKmRate) {
		errs = append(errs, errors.New("fare tariff values must be finite"))
	} else if c.Fare.BaseFare < 0 || c.Fare.IncludedKm < 0 || c.Fare.PerKmRate < 0 {
		errs = append(errs, errors.New("fare tariff values must be >= 0"))
	}
	if !finite(c.Adjustment.FallbackPercent, c.Adjustment.StaticPercent) {
		errs = append(errs, errors.New("adjustment percentages must be finite"))
	}
	if c.Ledger.RequestTTL <= 0 {
		errs = append(errs, errors.New("DISPATCH_REQUEST_TTL must be > 0"))
	}
	if c.Ledger.SweepInterval <= 0 {
		errs = append(errs, errors.New("DISPATCH_SWEEP_INTERVAL must be > 0"))
	}
	if c.Ledger.MaxRejections < 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_REJECTIONS must be >= 0"))
	}
	if c.Adjustment.Timeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_ADJUSTMENT_TIMEOUT must be > 0"))
	}
	if c.Firebase.DatabaseURL != "" && c.Firebase.ProjectID == "" {
		errs = append(errs, errors.New("DISPATCH_FIREBASE_DATABASE_URL needs DISPATCH_FIREBASE_PROJECT_ID"))
	}
	switch c.Adjustment.Backend {
	case "static":
	case "http":
		if c.Adjustment.URL == "" {
			errs = append(errs, errors.New("DISPATCH_ADJUSTMENT_URL is required for the http backend"))
		}
	case "gemini":
		if c.Adjustment.GeminiKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DISPATCH_ADJUSTMENT_BACKEND %q", c.Adjustment.Backend))
	}
	return errs
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int, errs *[]error) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return def
		}
		return n
	}
	return def
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func envOrDefaultFloat(key string, def float64, errs *[]error) float64 {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return def
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			*errs = append(*errs, fmt.Errorf("invalid %s: %q is not a finite number", key, v))
			return def
		}
		return n
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration, errs *[]error) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return def
		}
		return d
	}
	return def
}

func splitAndTrim(v string) []string {
	if v == "" {
		return nil
	}
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
