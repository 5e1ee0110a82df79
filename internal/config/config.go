package config

import (
	"fmt"
	"path/filepath"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Portal     PortalConfig
	Storage    StorageConfig
	Downstream DownstreamConfig
	Reconcile  ReconcileConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

// PortalConfig locates the provider portal. User and Pass are secrets
// and only ever come from the environment; they are never written to
// the config backend.
type PortalConfig struct {
	BaseURL        string
	User           string
	Pass           string
	Provider       string
	TimeoutSeconds int
}

type StorageConfig struct {
	DataDir string
}

type DownstreamConfig struct {
	DBPath    string
	BatchSize int
}

type ReconcileConfig struct {
	IntervalMinutes int
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Log: LogConfig{
			Level: "info",
		},
		Portal: PortalConfig{
			BaseURL:        "https://www.clientes.homeserve.es",
			Provider:       "HomeServe",
			TimeoutSeconds: 60,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Downstream: DownstreamConfig{
			DBPath:    filepath.Join(dataDir, "backoffice.db"),
			BatchSize: 10,
		},
		Reconcile: ReconcileConfig{
			IntervalMinutes: 30,
		},
	}
}

// Load reads configuration from the platform-native backend and the
// environment.
//
// On macOS the backend is UserDefaults (domain: com.avisod.app).
// On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/avisod/config.json.
//
// Environment variables (AVISOD_*) override backend values on all
// platforms. Portal credentials are environment-only.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Portal.User == "" || cfg.Portal.Pass == "" {
		return Config{}, fmt.Errorf("missing required config: portal credentials. " +
			"Set them via environment variables AVISOD_PORTAL_USER and AVISOD_PORTAL_PASS")
	}

	return cfg, nil
}
