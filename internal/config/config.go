// Package config loads console settings from flags, FLEET_* environment
// variables, .env files and an optional YAML file, in that precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the console.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Feed      FeedConfig      `mapstructure:"feed" yaml:"feed"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
	View      ViewConfig      `mapstructure:"view" yaml:"view"`
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`

	// WriteConfig, when set, names a file to dump the effective config to.
	WriteConfig string `mapstructure:"-" yaml:"-"`
}

// HTTPConfig is the console's own HTTP surface.
type HTTPConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	StaticDir       string        `mapstructure:"static_dir" yaml:"static_dir"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// BackendConfig locates the fleet backend.
type BackendConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	WSPath      string        `mapstructure:"ws_path" yaml:"ws_path"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FleetSource string        `mapstructure:"fleet_source" yaml:"fleet_source"`
	GtfsRtURL   string        `mapstructure:"gtfsrt_url" yaml:"gtfsrt_url"`
}

// FeedConfig tunes the push channel.
type FeedConfig struct {
	DefaultVehicle   string        `mapstructure:"default_vehicle" yaml:"default_vehicle"`
	Reconnect        string        `mapstructure:"reconnect" yaml:"reconnect"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// ReconcileConfig sets the pull cadence.
type ReconcileConfig struct {
	FleetInterval  time.Duration `mapstructure:"fleet_interval" yaml:"fleet_interval"`
	DronesInterval time.Duration `mapstructure:"drones_interval" yaml:"drones_interval"`
	Quiet          time.Duration `mapstructure:"quiet" yaml:"quiet"`
	StaleAfter     time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

// ViewConfig sets the projector cadence and camera margin.
type ViewConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	CameraInterval  time.Duration `mapstructure:"camera_interval" yaml:"camera_interval"`
	Margin          float64       `mapstructure:"margin" yaml:"margin"`
	Terminal        bool          `mapstructure:"terminal" yaml:"terminal"`
}

// JournalConfig selects where last-known state is persisted.
type JournalConfig struct {
	Driver        string        `mapstructure:"driver" yaml:"driver"`
	DSN           string        `mapstructure:"dsn" yaml:"dsn"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// LogConfig sets the log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

var defaults = map[string]any{
	"http.port":                 8080,
	"http.shutdown_timeout":     10 * time.Second,
	"http.static_dir":           "./static",
	"http.allowed_origins":      []string{"*"},
	"backend.url":               "http://127.0.0.1:8000",
	"backend.ws_path":           "/ws",
	"backend.timeout":           10 * time.Second,
	"backend.fleet_source":      "json",
	"backend.gtfsrt_url":        "",
	"feed.default_vehicle":      "sim_drone_1",
	"feed.reconnect":            "none",
	"feed.max_retries":          5,
	"feed.handshake_timeout":    10 * time.Second,
	"feed.read_timeout":         60 * time.Second,
	"reconcile.fleet_interval":  4 * time.Second,
	"reconcile.drones_interval": 10 * time.Second,
	"reconcile.quiet":           300 * time.Millisecond,
	"reconcile.stale_after":     30 * time.Second,
	"view.refresh_interval":     500 * time.Millisecond,
	"view.camera_interval":      5 * time.Second,
	"view.margin":               0.005,
	"view.terminal":             false,
	"journal.driver":            "none",
	"journal.dsn":               "",
	"journal.flush_interval":    15 * time.Second,
	"log.level":                 "info",
	"log.pretty":                false,
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"port":        "http.port",
	"static":      "http.static_dir",
	"backend":     "backend.url",
	"gtfsrt-url":  "backend.gtfsrt_url",
	"reconnect":   "feed.reconnect",
	"terminal":    "view.terminal",
	"journal":     "journal.driver",
	"journal-dsn": "journal.dsn",
	"log-level":   "log.level",
	"pretty":      "log.pretty",
}

// Load reads configuration. args excludes the program name.
func Load(args []string) (Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fs := pflag.NewFlagSet("fleet-console", pflag.ContinueOnError)
	configFile := fs.String("config", os.Getenv("FLEET_CONFIG"), "YAML config file")
	writeConfig := fs.String("write-config", "", "write the effective config to this file and exit")
	fs.Int("port", 8080, "HTTP port")
	fs.String("static", "./static", "static asset directory")
	fs.String("backend", "http://127.0.0.1:8000", "fleet backend base URL")
	fs.String("gtfsrt-url", "", "GTFS-realtime vehicle positions URL used as fleet source")
	fs.String("reconnect", "none", "push channel reconnect policy: none|backoff")
	fs.Bool("terminal", false, "render the fleet status table to stdout")
	fs.String("journal", "none", "journal driver: none|sqlite|postgres")
	fs.String("journal-dsn", "", "journal database path or URL")
	fs.String("log-level", "info", "log level")
	fs.Bool("pretty", false, "human-readable logs")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("fleet-console")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if *configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.WriteConfig = *writeConfig
	if fs.Changed("gtfsrt-url") {
		cfg.Backend.FleetSource = "gtfsrt"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("backend.url %q is not an absolute URL", c.Backend.URL)
	}
	switch c.Backend.FleetSource {
	case "json":
	case "gtfsrt":
		if c.Backend.GtfsRtURL == "" {
			return errors.New("backend.fleet_source gtfsrt needs backend.gtfsrt_url")
		}
	default:
		return fmt.Errorf("unknown backend.fleet_source %q", c.Backend.FleetSource)
	}
	switch c.Feed.Reconnect {
	case "none", "backoff":
	default:
		return fmt.Errorf("unknown feed.reconnect %q", c.Feed.Reconnect)
	}
	switch c.Journal.Driver {
	case "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown journal.driver %q", c.Journal.Driver)
	}
	if c.Journal.Driver != "none" && c.Journal.DSN == "" {
		return fmt.Errorf("journal.driver %s needs journal.dsn", c.Journal.Driver)
	}
	for name, d := range map[string]time.Duration{
		"reconcile.fleet_interval":  c.Reconcile.FleetInterval,
		"reconcile.drones_interval": c.Reconcile.DronesInterval,
		"reconcile.quiet":           c.Reconcile.Quiet,
		"view.refresh_interval":     c.View.RefreshInterval,
		"view.camera_interval":      c.View.CameraInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.View.Margin < 0 {
		return errors.New("view.margin must not be negative")
	}
	return nil
}

// WebsocketURL is the push channel address derived from the backend URL.
func (c Config) WebsocketURL() string {
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + c.Backend.WSPath
	return u.String()
}

// WriteFile stores cfg as YAML, readable back through --config.
func WriteFile(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
