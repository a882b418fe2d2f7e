// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tessellate-im/tessera/internal/discovery"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Identity
	ServerName string

	// Directories
	StateDir string

	// Network
	ListenAddress string
	KeyPort       int

	// Limits
	APIMaxBodyBytes int

	// Timeouts
	ResolveTimeout    time.Duration
	DNSTimeout        time.Duration
	FederationTimeout time.Duration

	// Maintenance
	KeyPruneSchedule string

	// Trust
	PinnedKeysFile string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Identity ---
	cfg.ServerName = strings.TrimSpace(envStr("TESSERA_SERVER_NAME", ""))

	// --- Directories ---
	cfg.StateDir = envStr("TESSERA_STATE_DIR", "/var/lib/tessera")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("TESSERA_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.KeyPort = envInt("TESSERA_PORT", 8448, &errs)

	// --- Limits ---
	cfg.APIMaxBodyBytes = envInt("TESSERA_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Timeouts ---
	cfg.ResolveTimeout = envDuration("TESSERA_RESOLVE_TIMEOUT", 10*time.Second, &errs)
	cfg.DNSTimeout = envDuration("TESSERA_DNS_TIMEOUT", 5*time.Second, &errs)
	cfg.FederationTimeout = envDuration("TESSERA_FEDERATION_TIMEOUT", 30*time.Second, &errs)

	// --- Maintenance ---
	cfg.KeyPruneSchedule = envStr("TESSERA_KEY_PRUNE_SCHEDULE", "0 */6 * * *")

	// --- Trust ---
	cfg.PinnedKeysFile = strings.TrimSpace(envStr("TESSERA_PINNED_KEYS_FILE", ""))

	// --- Validation ---
	if cfg.ServerName == "" {
		errs = append(errs, "TESSERA_SERVER_NAME must be defined")
	} else if _, err := discovery.ParseServerName(cfg.ServerName); err != nil {
		errs = append(errs, fmt.Sprintf("TESSERA_SERVER_NAME: %v", err))
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "TESSERA_LISTEN_ADDRESS must not be empty")
	}
	validatePort("TESSERA_PORT", cfg.KeyPort, &errs)
	validatePositive("TESSERA_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	if cfg.ResolveTimeout <= 0 {
		errs = append(errs, "TESSERA_RESOLVE_TIMEOUT must be positive")
	}
	if cfg.DNSTimeout <= 0 {
		errs = append(errs, "TESSERA_DNS_TIMEOUT must be positive")
	}
	if cfg.FederationTimeout <= 0 {
		errs = append(errs, "TESSERA_FEDERATION_TIMEOUT must be positive")
	}
	if _, err := cron.ParseStandard(cfg.KeyPruneSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("TESSERA_KEY_PRUNE_SCHEDULE: invalid cron expression %q: %v", cfg.KeyPruneSchedule, err))
	}
	if cfg.PinnedKeysFile != "" {
		if _, err := os.Stat(cfg.PinnedKeysFile); err != nil {
			errs = append(errs, fmt.Sprintf("TESSERA_PINNED_KEYS_FILE: %v", err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(key string, port int, errs *[]string) {
	if port < 1 || port > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port %d out of range", key, port))
	}
}

func validatePositive(key string, n int, errs *[]string) {
	if n <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive", key))
	}
}
