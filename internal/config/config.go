package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PDV_SERVER_PORT.
const EnvPrefix = "PDV"

// Config represents the application configuration
type Config struct {
	Server struct {
		Host         string        `mapstructure:"host"`
		Port         int           `mapstructure:"port"`
		RateLimit    float64       `mapstructure:"rate_limit"` // legacy requests per second per client
		RateBurst    int           `mapstructure:"rate_burst"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`
	Store struct {
		Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
		DSN    string `mapstructure:"dsn"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"store"`
	Legacy struct {
		Driver         string        `mapstructure:"driver"` // "mdbtools", "odbc" or "sqlite"
		SQLDriver      string        `mapstructure:"sql_driver"`
		DSNFormat      string        `mapstructure:"dsn_format"`
		MDBExport      string        `mapstructure:"mdb_export"`
		MDBTables      string        `mapstructure:"mdb_tables"`
		MaxConnections int           `mapstructure:"max_connections"`
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
		RetryAttempts  int           `mapstructure:"retry_attempts"`
		RetryDelay     time.Duration `mapstructure:"retry_delay"`
		SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"legacy"`
	Cache struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"cache"`
	Locator struct {
		KnownRoots       StringList `mapstructure:"known_roots"`
		EnvVars          StringList `mapstructure:"env_vars"`
		DriveRoots       StringList `mapstructure:"drive_roots"`
		SkipDirs         StringList `mapstructure:"skip_dirs"`
		PrimaryNamespace string     `mapstructure:"primary_namespace"`
		LegacyFile       string     `mapstructure:"legacy_file"`
		MaxDepth         int        `mapstructure:"max_depth"`
	} `mapstructure:"locator"`
	Watcher struct {
		CacheTTL  time.Duration `mapstructure:"cache_ttl"`
		CacheSize int           `mapstructure:"cache_size"`
		Workers   int           `mapstructure:"workers"`
	} `mapstructure:"watcher"`
	Sync struct {
		Enabled   bool          `mapstructure:"enabled"`
		Interval  time.Duration `mapstructure:"interval"`
		BatchSize int           `mapstructure:"batch_size"`
		WatchFS   bool          `mapstructure:"watch_fs"`
		Debounce  time.Duration `mapstructure:"debounce"`
	} `mapstructure:"sync"`
	Query struct {
		Source          string `mapstructure:"source"` // "direct" or "cache"
		DefaultPageSize int    `mapstructure:"default_page_size"`
	} `mapstructure:"query"`
	Uploads struct {
		Dir      string `mapstructure:"dir"`
		MaxBytes int64  `mapstructure:"max_bytes"`
	} `mapstructure:"uploads"`
	MCP struct {
		HTTP bool   `mapstructure:"http"`
		Path string `mapstructure:"path"`
	} `mapstructure:"mcp"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// DefaultKnownRoots mirrors the deployment layouts found on pharmacy workstations.
var DefaultKnownRoots = []string{
	`D:\Apicommerce\PdV`,
	`D:\ApiCommerce\PdV`,
	`D:\API_Commerce\PdV`,
	`D:\Pharmacie\Data`,
	`D:\Pharmacie\PdV`,
	`D:\Database`,
	`D:\Data`,
	`C:\Apicommerce\PdV`,
	`C:\ApiCommerce\PdV`,
	`C:\API_Commerce\PdV`,
	`C:\Pharmacie\Data`,
	`C:\Pharmacie\PdV`,
	`C:\Database`,
	`C:\Data`,
	"storage/databases",
	"base/databases",
	"public/databases",
}

// DefaultSkipDirs are never descended into by the global search.
var DefaultSkipDirs = []string{
	"System Volume Information",
	"$RECYCLE.BIN",
	"Windows",
	"Program Files",
	"Program Files (x86)",
	"ProgramData",
	".git",
	"node_modules",
	"vendor",
}

// SetDefaults registers every key so env overrides resolve without a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 3.0)
	v.SetDefault("server.rate_burst", 3)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "storage/pdv-sync.db")

	v.SetDefault("legacy.driver", "mdbtools")
	v.SetDefault("legacy.sql_driver", "odbc")
	v.SetDefault("legacy.dsn_format", "Driver={Microsoft Access Driver (*.mdb, *.accdb)};Dbq=%s;")
	v.SetDefault("legacy.mdb_export", "mdb-export")
	v.SetDefault("legacy.mdb_tables", "mdb-tables")
	v.SetDefault("legacy.max_connections", 10)
	v.SetDefault("legacy.idle_timeout", "5m")
	v.SetDefault("legacy.retry_attempts", 3)
	v.SetDefault("legacy.retry_delay", "1s")
	v.SetDefault("legacy.sweep_interval", "1m")

	v.SetDefault("cache.dir", "storage/database_cache")

	v.SetDefault("locator.known_roots", DefaultKnownRoots)
	v.SetDefault("locator.env_vars", []string{
		"CAISS_SEARCH_PATH_1", "CAISS_SEARCH_PATH_2", "CAISS_SEARCH_PATH_3",
		"CAISS_SEARCH_PATH_4", "CAISS_SEARCH_PATH_5",
	})
	v.SetDefault("locator.drive_roots", []string{`C:\`, `D:\`, `E:\`, `F:\`})
	v.SetDefault("locator.skip_dirs", DefaultSkipDirs)
	v.SetDefault("locator.primary_namespace", "apicommerce")
	v.SetDefault("locator.legacy_file", "Caiss.mdb")
	v.SetDefault("locator.max_depth", 4)

	v.SetDefault("watcher.cache_ttl", "24h")
	v.SetDefault("watcher.cache_size", 256)
	v.SetDefault("watcher.workers", 3)

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval", "10s")
	v.SetDefault("sync.batch_size", 1000)
	v.SetDefault("sync.watch_fs", false)
	v.SetDefault("sync.debounce", "2s")

	v.SetDefault("query.source", "direct")
	v.SetDefault("query.default_page_size", 20)

	v.SetDefault("uploads.dir", "storage/uploads")
	v.SetDefault("uploads.max_bytes", 50*1024*1024)

	v.SetDefault("mcp.http", true)
	v.SetDefault("mcp.path", "/mcp")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads configFile (optional when it does not exist), applies PDV_*
// environment overrides and decodes the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		StringOrSliceHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	switch c.Legacy.Driver {
	case "mdbtools", "odbc", "sqlite":
	default:
		return fmt.Errorf("unsupported legacy driver %q", c.Legacy.Driver)
	}
	switch c.Query.Source {
	case "direct", "cache":
	default:
		return fmt.Errorf("unsupported query source %q", c.Query.Source)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for postgres")
	}
	if c.Legacy.MaxConnections < 1 {
		return fmt.Errorf("legacy.max_connections must be at least 1")
	}
	if c.Legacy.RetryAttempts < 1 {
		return fmt.Errorf("legacy.retry_attempts must be at least 1")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
