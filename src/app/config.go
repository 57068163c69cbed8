package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/quillsql/quill/src/storage/page"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"

	// envPrefix scopes the variables: QUILL_DATA_PATH, QUILL_WAL_DIR, ...
	envPrefix = "quill"
)

// Config is the engine's runtime configuration, loaded from the
// environment. PageSize only matters when the data file is created; an
// existing file keeps the size it was born with.
type Config struct {
	DataPath string `split_words:"true" default:"data/quill.db"`
	WalDir   string `split_words:"true" default:"data/wal"`

	PageSize     uint32 `split_words:"true" default:"4096"`
	PoolCapacity uint64 `split_words:"true" default:"1024"`

	WalSegmentSize   int64         `split_words:"true" default:"16777216"`
	WalFlushInterval time.Duration `split_words:"true" default:"200ms"`

	CheckpointInterval    time.Duration `split_words:"true" default:"1m"`
	DeadlockCheckInterval time.Duration `split_words:"true" default:"100ms"`

	Environment string `split_words:"true" default:"dev"`
}

// LoadConfig reads an optional .env file, then the process environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Environment != EnvDev && c.Environment != EnvProd {
		return fmt.Errorf("environment must be %q or %q, got %q", EnvDev, EnvProd, c.Environment)
	}
	if c.PageSize < page.MinPageSize {
		return fmt.Errorf("page size %d is below the minimum %d", c.PageSize, page.MinPageSize)
	}
	if c.PoolCapacity == 0 {
		return errors.New("pool capacity must be positive")
	}
	if c.WalSegmentSize <= 0 {
		return errors.New("wal segment size must be positive")
	}
	if c.WalFlushInterval <= 0 || c.CheckpointInterval <= 0 || c.DeadlockCheckInterval <= 0 {
		return errors.New("intervals must be positive")
	}

	return nil
}
