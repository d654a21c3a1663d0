// Package config loads Baton's configuration through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/baton/internal/controlplane"
	"github.com/fentz26/baton/internal/maintenance"
	"github.com/fentz26/baton/internal/routing"
	"github.com/fentz26/baton/internal/store"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete Baton configuration
type Config struct {
	Store       StoreConfig        `mapstructure:"store"`
	Locks       LocksConfig        `mapstructure:"locks"`
	Tasks       TasksConfig        `mapstructure:"tasks"`
	Routing     RoutingConfig      `mapstructure:"routing"`
	Maintenance maintenance.Config `mapstructure:"maintenance"`
	Server      ServerConfig       `mapstructure:"server"`
	Logging     LoggingConfig      `mapstructure:"logging"`
}

// StoreConfig locates the shared database.
type StoreConfig struct {
	// Path to the SQLite file every agent process opens. "~" expands to
	// the home directory.
	Path string `mapstructure:"path"`
}

// LocksConfig controls lock defaults.
type LocksConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// TasksConfig controls the task queue.
type TasksConfig struct {
	// MaxAge after which non-terminal tasks are expired.
	MaxAge   time.Duration `mapstructure:"max_age"`
	PageSize int           `mapstructure:"page_size"`
	// AgentClasses lists class patterns ("script_*" or exact) that are
	// never completed automatically.
	AgentClasses []string `mapstructure:"agent_classes"`
}

// RoutingConfig declares slots and the backends behind them.
type RoutingConfig struct {
	Routes []RouteConfig `mapstructure:"routes"`
	// Backends by name. viper lower-cases map keys, so route references
	// are matched case-insensitively.
	Backends         map[string]BackendConfig `mapstructure:"backends"`
	Classifier       routing.ClassifierConfig `mapstructure:"classifier"`
	MaxAttempts      int                      `mapstructure:"max_attempts"`
	ProbeTimeout     time.Duration            `mapstructure:"probe_timeout"`
	ProbeParallelism int                      `mapstructure:"probe_parallelism"`
}

// RouteConfig declares one slot.
type RouteConfig struct {
	Slot       int      `mapstructure:"slot" yaml:"slot"`
	Priority   int      `mapstructure:"priority" yaml:"priority"`
	Backend    string   `mapstructure:"backend" yaml:"backend"`
	Credential string   `mapstructure:"credential" yaml:"credential"`
	Allow      []string `mapstructure:"allow" yaml:"allow,omitempty"`
	Block      []string `mapstructure:"block" yaml:"block,omitempty"`
}

// Backend kinds.
const (
	BackendExec = "exec"
	BackendHTTP = "http"
)

// BackendConfig describes how to call a credential/model.
type BackendConfig struct {
	Kind string `mapstructure:"kind"`

	// exec. Env entries are KEY=VALUE; a list keeps the key case that a
	// map would lose to viper.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
	WorkDir string   `mapstructure:"work_dir"`

	// http
	URL     string            `mapstructure:"url"`
	Header  map[string]string `mapstructure:"header"`
	Timeout time.Duration     `mapstructure:"timeout"`

	// Authenticated must be true only if a call exercises the same
	// authenticated path as real usage. Probes through other backends are
	// never taken as evidence of health.
	Authenticated bool `mapstructure:"authenticated"`
}

// ServerConfig controls the operator API.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Dir holds baton.log. Empty logs to stderr.
	Dir string `mapstructure:"dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	policy := controlplane.DefaultPolicy()
	sweep := maintenance.DefaultConfig()
	return &Config{
		Store: StoreConfig{Path: filepath.Join("~", ".baton", "baton.db")},
		Locks: LocksConfig{DefaultTTL: policy.DefaultLockTTL},
		Tasks: TasksConfig{MaxAge: policy.MaxTaskAge, PageSize: 100},
		Routing: RoutingConfig{
			Backends:         map[string]BackendConfig{},
			Classifier:       routing.DefaultClassifierConfig(),
			MaxAttempts:      policy.MaxAttempts,
			ProbeTimeout:     30 * time.Second,
			ProbeParallelism: 4,
		},
		Maintenance: maintenance.Config{Interval: sweep.Interval, Reprobe: sweep.Reprobe},
		Server:      ServerConfig{Listen: "127.0.0.1:7466"},
		Logging:     LoggingConfig{Level: "info"},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("store.path", defaults.Store.Path)

	viper.SetDefault("locks.default_ttl", defaults.Locks.DefaultTTL)

	viper.SetDefault("tasks.max_age", defaults.Tasks.MaxAge)
	viper.SetDefault("tasks.page_size", defaults.Tasks.PageSize)
	viper.SetDefault("tasks.agent_classes", []string{})

	viper.SetDefault("routing.max_attempts", defaults.Routing.MaxAttempts)
	viper.SetDefault("routing.probe_timeout", defaults.Routing.ProbeTimeout)
	viper.SetDefault("routing.probe_parallelism", defaults.Routing.ProbeParallelism)
	viper.SetDefault("routing.classifier.permanent_status", defaults.Routing.Classifier.PermanentStatus)
	viper.SetDefault("routing.classifier.transient_status", defaults.Routing.Classifier.TransientStatus)
	viper.SetDefault("routing.classifier.permanent_patterns", defaults.Routing.Classifier.PermanentPatterns)
	viper.SetDefault("routing.classifier.transient_patterns", defaults.Routing.Classifier.TransientPatterns)

	viper.SetDefault("maintenance.interval", defaults.Maintenance.Interval)
	viper.SetDefault("maintenance.reprobe", defaults.Maintenance.Reprobe)

	viper.SetDefault("server.listen", defaults.Server.Listen)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Init points viper at cfgFile, or at config.yaml in the usual locations,
// and enables BATON_* environment overrides. A missing config file is not
// an error.
func Init(cfgFile string) error {
	SetDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(ConfigDir())
		viper.AddConfigPath("$HOME/.config/baton")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("BATON")
	// BATON_STORE_PATH for store.path
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Watch calls onChange with the reloaded configuration every time the
// config file is written. Invalid configurations go to onErr and the
// previous configuration stays in effect.
func Watch(onChange func(*Config), onErr func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load()
		if err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "baton")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".baton"
	}
	return filepath.Join(home, ".config", "baton")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// StorePath returns the store path with "~" expanded.
func (c *Config) StorePath() string {
	return expandHome(c.Store.Path)
}

// LogDir returns the log directory with "~" expanded.
func (c *Config) LogDir() string {
	return expandHome(c.Logging.Dir)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Policy returns the coordinator policy.
func (c *Config) Policy() controlplane.Policy {
	return controlplane.Policy{
		DefaultLockTTL: c.Locks.DefaultTTL,
		MaxTaskAge:     c.Tasks.MaxAge,
		AgentClasses:   c.Tasks.AgentClasses,
		MaxAttempts:    c.Routing.MaxAttempts,
	}
}

// SweeperConfig returns the maintenance configuration.
func (c *Config) SweeperConfig() maintenance.Config {
	m := c.Maintenance
	m.MaxTaskAge = c.Tasks.MaxAge
	return m
}

// RouteDecls returns the declared routes in store form.
func (c *Config) RouteDecls() []store.RouteDecl {
	decls := make([]store.RouteDecl, 0, len(c.Routing.Routes))
	for _, r := range c.Routing.Routes {
		decls = append(decls, store.RouteDecl{
			SlotID:     r.Slot,
			Priority:   r.Priority,
			Backend:    strings.ToLower(r.Backend),
			Credential: r.Credential,
			Allow:      r.Allow,
			Block:      r.Block,
		})
	}
	return decls
}

// Classifier compiles the configured failure classifier.
func (c *Config) Classifier() (*routing.Classifier, error) {
	return routing.NewClassifier(c.Routing.Classifier)
}

// BuildBackends instantiates the configured backends.
func (c *Config) BuildBackends() ([]routing.Backend, error) {
	backends := make([]routing.Backend, 0, len(c.Routing.Backends))
	for name, b := range c.Routing.Backends {
		name = strings.ToLower(name)
		switch b.Kind {
		case BackendExec:
			backends = append(backends, routing.NewExecBackend(name, b.Command, b.Args, b.Env, expandHome(b.WorkDir), b.Authenticated))
		case BackendHTTP:
			backends = append(backends, routing.NewHTTPBackend(name, b.URL, b.Header, b.Timeout, b.Authenticated))
		default:
			return nil, fmt.Errorf("backend %q: unknown kind %q", name, b.Kind)
		}
	}
	return backends, nil
}
