package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the bridge process. Everything else
// (instances, platforms, rules, fixed listeners) lives in the store and is
// mutated through the management surface.
type Profile struct {
	Mode    string // "prod", "dev" or "demo"
	Addr    string // bind address of the management surface
	Port    int    // bind port of the management surface
	Data    string // data directory
	DSN     string // sqlite database path
	Version string

	// Listener supervisor defaults.
	PollIntervalSeconds     int // main-window and per-listener poll cadence (default 5)
	InactivityMinutes       int // idle timeout before a listener is reaped (default 30)
	MaxListenersPerInstance int // capacity per instance (default 30)

	// Delivery pipeline defaults.
	DeliveryBatchSize   int  // messages per scan (default 10)
	DeliveryConcurrency int  // parallel delivery workers (default 4)
	DeliveryMaxRetries  int  // transient-failure retry budget (default 3)
	MergeMessages       bool // coalesce same-chat messages inside the merge window
	MergeWindowSeconds  int  // merge window width (default 60)

	// Monitor defaults.
	MonitorIntervalSeconds int // health sampling cadence (default 30)
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads pipeline tuning from environment variables. Flags bound via
// viper take precedence for the process-level fields (mode, addr, port, data,
// dsn); the loop cadences are env-only.
func (p *Profile) FromEnv() {
	p.PollIntervalSeconds = getEnvOrDefaultInt("WXBRIDGE_POLL_INTERVAL_SECONDS", 5)
	p.InactivityMinutes = getEnvOrDefaultInt("WXBRIDGE_INACTIVITY_MINUTES", 30)
	p.MaxListenersPerInstance = getEnvOrDefaultInt("WXBRIDGE_MAX_LISTENERS_PER_INSTANCE", 30)

	p.DeliveryBatchSize = getEnvOrDefaultInt("WXBRIDGE_DELIVERY_BATCH_SIZE", 10)
	p.DeliveryConcurrency = getEnvOrDefaultInt("WXBRIDGE_DELIVERY_CONCURRENCY", 4)
	p.DeliveryMaxRetries = getEnvOrDefaultInt("WXBRIDGE_DELIVERY_MAX_RETRIES", 3)
	p.MergeMessages = getEnvOrDefault("WXBRIDGE_MERGE_MESSAGES", "false") == "true"
	p.MergeWindowSeconds = getEnvOrDefaultInt("WXBRIDGE_MERGE_WINDOW_SECONDS", 60)

	p.MonitorIntervalSeconds = getEnvOrDefaultInt("WXBRIDGE_MONITOR_INTERVAL_SECONDS", 30)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/wxbridge"
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.DSN == "" {
		dbFile := fmt.Sprintf("wxbridge_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	if p.PollIntervalSeconds <= 0 {
		p.PollIntervalSeconds = 5
	}
	if p.InactivityMinutes <= 0 {
		p.InactivityMinutes = 30
	}
	if p.MaxListenersPerInstance <= 0 {
		p.MaxListenersPerInstance = 30
	}
	if p.DeliveryBatchSize <= 0 {
		p.DeliveryBatchSize = 10
	}
	if p.DeliveryConcurrency <= 0 {
		p.DeliveryConcurrency = 4
	}
	if p.DeliveryMaxRetries < 0 {
		p.DeliveryMaxRetries = 3
	}
	if p.MergeWindowSeconds <= 0 {
		p.MergeWindowSeconds = 60
	}
	if p.MonitorIntervalSeconds <= 0 {
		p.MonitorIntervalSeconds = 30
	}

	return nil
}
