// AgroEye Field Agent
// Offline-first proxy between the AgroEye app and its hosted backend
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agroeye/field-agent/internal/engine"
)

// Config represents the configuration file structure
type Config struct {
	Origin     string `yaml:"origin"`
	ListenAddr string `yaml:"listen_addr"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Cache struct {
		Prefix      string   `yaml:"prefix"`
		Version     string   `yaml:"version"`
		Precache    []string `yaml:"precache"`
		APIPrefixes []string `yaml:"api_prefixes"`
	} `yaml:"cache"`

	Sync struct {
		Tag          string  `yaml:"tag"`
		ProbeURL     string  `yaml:"probe_url"`
		Interval     int     `yaml:"interval"`
		ProbeTimeout int     `yaml:"probe_timeout"`
		MaxRetry     int     `yaml:"max_retry_delay"`
		MaxAttempts  int     `yaml:"max_attempts"`
		ReplayRate   float64 `yaml:"replay_rate"`
	} `yaml:"sync"`

	Timing struct {
		HTTPTimeout  int `yaml:"http_timeout"`
		PingInterval int `yaml:"ping_interval"`
	} `yaml:"timing"`
}

var (
	configFile string
	envFile    string
	rootCmd    = &cobra.Command{
		Use:   "agroeye-agent",
		Short: "AgroEye Field Agent",
		Long:  "Offline-first agent for the AgroEye farm mapping app. Caches reads, queues writes while offline and replays them when the backend is reachable.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		RunE:  runAgent,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("AgroEye Field Agent v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/agroeye/agent.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file with AGROEYE_* overrides")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Config file %s not found, using defaults and environment", path)
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// applyEnv overlays AGROEYE_* environment variables on the file config
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			} else {
				log.Printf("Ignoring %s=%q: %v", key, v, err)
			}
		}
	}

	setString("AGROEYE_ORIGIN", &cfg.Origin)
	setString("AGROEYE_LISTEN_ADDR", &cfg.ListenAddr)
	setString("AGROEYE_DATABASE_PATH", &cfg.Database.Path)
	setString("AGROEYE_CACHE_VERSION", &cfg.Cache.Version)
	setString("AGROEYE_SYNC_TAG", &cfg.Sync.Tag)
	setInt("AGROEYE_SYNC_INTERVAL", &cfg.Sync.Interval)
	setInt("AGROEYE_MAX_ATTEMPTS", &cfg.Sync.MaxAttempts)
}

func runAgent(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(envFile); err != nil {
		log.Printf("No env file loaded (%v), using system environment", err)
	}

	// Load configuration
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)

	// Validate required fields
	if cfg.Origin == "" {
		return fmt.Errorf("origin is required")
	}

	// Build engine config
	engineCfg := engine.DefaultConfig()
	engineCfg.Worker.Origin = cfg.Origin
	if cfg.ListenAddr != "" {
		engineCfg.ListenAddr = cfg.ListenAddr
	}
	if cfg.Database.Path != "" {
		engineCfg.DatabasePath = cfg.Database.Path
	}

	if cfg.Cache.Prefix != "" {
		engineCfg.Worker.CachePrefix = cfg.Cache.Prefix
	}
	if cfg.Cache.Version != "" {
		engineCfg.Worker.Version = cfg.Cache.Version
	}
	if len(cfg.Cache.Precache) > 0 {
		engineCfg.Worker.PrecacheURLs = cfg.Cache.Precache
	}
	if len(cfg.Cache.APIPrefixes) > 0 {
		engineCfg.Worker.APIPrefixes = cfg.Cache.APIPrefixes
	}

	if cfg.Sync.Tag != "" {
		engineCfg.Worker.SyncTag = cfg.Sync.Tag
	}
	if cfg.Sync.MaxAttempts > 0 {
		engineCfg.Worker.MaxAttempts = cfg.Sync.MaxAttempts
	}
	if cfg.Sync.ReplayRate > 0 {
		engineCfg.Worker.ReplayRate = cfg.Sync.ReplayRate
	}
	engineCfg.Syncer.ProbeURL = cfg.Sync.ProbeURL
	if cfg.Sync.Interval > 0 {
		engineCfg.Syncer.SyncInterval = secondsToDuration(cfg.Sync.Interval)
	}
	if cfg.Sync.ProbeTimeout > 0 {
		engineCfg.Syncer.ProbeTimeout = secondsToDuration(cfg.Sync.ProbeTimeout)
	}
	if cfg.Sync.MaxRetry > 0 {
		engineCfg.Syncer.MaxRetryDelay = secondsToDuration(cfg.Sync.MaxRetry)
	}

	if cfg.Timing.HTTPTimeout > 0 {
		engineCfg.HTTPTimeout = secondsToDuration(cfg.Timing.HTTPTimeout)
	}
	if cfg.Timing.PingInterval > 0 {
		engineCfg.Notify.PingInterval = secondsToDuration(cfg.Timing.PingInterval)
	}

	// Create engine
	eng, err := engine.New(engineCfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start engine
	log.Printf("Starting AgroEye Field Agent for %s", cfg.Origin)
	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Wait for shutdown signal
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	cancel()
	if err := eng.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
