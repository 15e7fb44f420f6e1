package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ideaqlabs/earn/internal/config"
	"github.com/ideaqlabs/earn/internal/earn"
	"github.com/ideaqlabs/earn/internal/storage"
	"github.com/ideaqlabs/earn/internal/storage/bolt"
	"github.com/ideaqlabs/earn/internal/storage/memory"
	"github.com/ideaqlabs/earn/internal/storage/redis"
	"github.com/rs/zerolog"
)

// app bundles what every command needs once configuration is loaded
type app struct {
	cfg    *config.Config
	store  storage.Store
	engine *earn.Engine
	logger zerolog.Logger
}

// openApp loads configuration and opens storage and the engine.
// Commands other than serve log to stderr so stdout stays readable.
func openApp(logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging, logOut)

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	engine, err := newEngine(cfg.Earn, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: store, engine: engine, logger: logger}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close storage")
	}
}

// identityKey resolves --identity/--name into the storage partition key
func identityKey() string {
	return earn.ResolveIdentityKey(currentIdentity())
}

func currentIdentity() earn.Identity {
	id := strings.TrimSpace(identityFlag)
	if id == "" {
		return nil
	}
	user := &earn.User{ID: id, Metadata: earn.UserMetadata{Name: nameFlag}}
	if strings.Contains(id, "@") {
		user.Email = id
	}
	return user
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "bolt"
	}

	switch storageType {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

func newEngine(cfg config.EarnConfig, store storage.Store, logger zerolog.Logger) (*earn.Engine, error) {
	seed := make([]earn.Referral, 0, len(cfg.SeedReferrals))
	for _, r := range cfg.SeedReferrals {
		seed = append(seed, earn.Referral{Name: r.Name, Handle: r.Handle, Active: r.Active})
	}

	engine, err := earn.NewEngine(store, earn.Config{
		BaseRate:         cfg.BaseRate,
		SeedReferrals:    seed,
		SessionCacheSize: cfg.SessionCacheSize,
		BackupEnabled:    cfg.BackupEnabled,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	return engine, nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(out).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// warnPersistence reports a non-fatal write failure and clears it.
func warnPersistence(err error) error {
	if earn.IsPersistenceError(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Warning: change applied but not saved: %v\n", err)
		return nil
	}
	return err
}
