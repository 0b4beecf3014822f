package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the agent's settings. Env vars provide the defaults; an
// optional YAML file overrides them.
type Config struct {
	ServerURL      string        `yaml:"server_url"`      // websocket endpoint
	APIURL         string        `yaml:"api_url"`         // REST endpoint for login
	DatabasePath   string        `yaml:"database_path"`
	ReportInterval time.Duration `yaml:"report_interval"` // position cadence
	DialAttempts   int           `yaml:"dial_attempts"`
	DialRetryDelay time.Duration `yaml:"dial_retry_delay"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	OfferDeadline  int           `yaml:"offer_deadline"` // countdown ticks
	OfferTick      time.Duration `yaml:"offer_tick"`
	StartLatitude  float64       `yaml:"start_latitude"`
	StartLongitude float64       `yaml:"start_longitude"`

	Dispatchd DispatchdConfig `yaml:"dispatchd"`
}

// DispatchdConfig configures the dev dispatch server.
type DispatchdConfig struct {
	Addr          string        `yaml:"addr"`
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
	WorkersFile   string        `yaml:"workers_file"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		ServerURL:      getEnv("DISPATCH_SERVER_URL", "ws://localhost:3004/ws"),
		APIURL:         getEnv("DISPATCH_API_URL", "http://localhost:3004"),
		DatabasePath:   getEnv("DISPATCH_DATABASE_PATH", "dispatch.db"),
		ReportInterval: 10 * time.Second,
		DialAttempts:   5,
		DialRetryDelay: time.Second,
		AckTimeout:     5 * time.Second,
		OfferDeadline:  15,
		OfferTick:      time.Second,
		Dispatchd: DispatchdConfig{
			Addr:          getEnv("DISPATCHD_ADDR", ":3004"),
			JWTSecret:     getEnv("DISPATCHD_JWT_SECRET", "supersecretkey"),
			TokenDuration: 12 * time.Hour,
			WorkersFile:   getEnv("DISPATCHD_WORKERS_FILE", "workers.yaml"),
		},
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
