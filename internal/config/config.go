package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	DatabaseURL    string
	RoutesDatabase string

	StatusBackend string
	StatusKey     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL             string
	NATSPositionSubject string
	NATSStatusSubject   string
	LogNATSSubjects     bool

	PublishInterval time.Duration
	ETARefresh      time.Duration
	StaleAfter      time.Duration
	GeofenceRadius  float64
	ProximityRadius float64
	AutoCalculate   bool
	SpeedMultiplier float64
	Location        *time.Location

	MetricsAddr string
	HTTPAddr    string
}

var backends = map[string]bool{"sql": true, "redis": true, "nats": true, "memory": true}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:         getenvDefault("DATABASE_URL", "file:tracker.db"),
		RoutesDatabase:      os.Getenv("ROUTES_DATABASE"),
		StatusBackend:       strings.ToLower(getenvDefault("STATUS_BACKEND", "sql")),
		StatusKey:           getenvDefault("STATUS_KEY", "tracking_status"),
		RedisAddr:           getenvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		NATSURL:             getenvDefault("NATS_URL", "nats://127.0.0.1:4222"),
		NATSPositionSubject: getenvDefault("NATS_POSITION_SUBJECT", "positions.>"),
		NATSStatusSubject:   getenvDefault("NATS_STATUS_SUBJECT", "tracking.status"),
		LogNATSSubjects:     parseBool(os.Getenv("LOG_NATS_SUBJECTS")),
		AutoCalculate:       parseBool(os.Getenv("AUTO_CALCULATE")),
		MetricsAddr:         os.Getenv("METRICS_ADDR"),
		HTTPAddr:            getenvDefault("HTTP_ADDR", ":8080"),
	}
	if !backends[cfg.StatusBackend] {
		return nil, fmt.Errorf("invalid STATUS_BACKEND: %q", cfg.StatusBackend)
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0, 0); err != nil {
		return nil, err
	}
	if cfg.PublishInterval, err = millisEnv("PUBLISH_INTERVAL_MS", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.ETARefresh, err = millisEnv("ETA_REFRESH_INTERVAL_MS", 5*time.Second); err != nil {
		return nil, err
	}
	staleSec, err := intEnv("STALE_AFTER_SEC", 60, 1)
	if err != nil {
		return nil, err
	}
	cfg.StaleAfter = time.Duration(staleSec) * time.Second

	if cfg.GeofenceRadius, err = positiveFloatEnv("GEOFENCE_RADIUS_M", 100); err != nil {
		return nil, err
	}
	if cfg.ProximityRadius, err = positiveFloatEnv("PROXIMITY_RADIUS_M", 50); err != nil {
		return nil, err
	}
	if cfg.SpeedMultiplier, err = positiveFloatEnv("SPEED_MULTIPLIER", 1.0); err != nil {
		return nil, err
	}

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

// SetupLogging configures the global zerolog logger from LOG_FORMAT and
// LOG_LEVEL. Console output is the default.
func SetupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	if !strings.EqualFold(os.Getenv("LOG_FORMAT"), "JSON") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = l
		} else {
			log.Warn().Str("level", v).Msg("unknown LOG_LEVEL, using info")
		}
	}
	zerolog.SetGlobalLevel(level)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func intEnv(k string, def, lowest int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lowest {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func millisEnv(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func positiveFloatEnv(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}
