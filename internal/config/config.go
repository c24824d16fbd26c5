package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logs     LogsConfig     `yaml:"logs"`
	Console  ConsoleConfig  `yaml:"console"`
	Access   AccessConfig   `yaml:"access"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	NATS     NATSConfig     `yaml:"nats"`
}

// ServerConfig describes the supervised game server process
type ServerConfig struct {
	Executable    string            `yaml:"executable"`
	WorkingDir    string            `yaml:"working_dir"`
	Args          []string          `yaml:"args"`
	ProcessName   string            `yaml:"process_name"`
	ConfigFile    string            `yaml:"config_file"`
	Overrides     map[string]string `yaml:"overrides"`
	WatchInterval time.Duration     `yaml:"watch_interval"`
	StopGrace     time.Duration     `yaml:"stop_grace"`
	DiagnosticLog string            `yaml:"diagnostic_log"`
	LockFile      string            `yaml:"lock_file"`
}

// LogsConfig controls the per-run main and error logs
type LogsConfig struct {
	Dir             string `yaml:"dir"`
	ContextLines    int    `yaml:"context_lines"`
	ArchivePrevious bool   `yaml:"archive_previous"`
	Retain          int    `yaml:"retain"`
}

// ConsoleConfig holds telnet console settings
type ConsoleConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Password        string        `yaml:"password"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	ResponseIdle    time.Duration `yaml:"response_idle"`
	ShutdownWait    time.Duration `yaml:"shutdown_wait"`
	SyncCommand     string        `yaml:"sync_command"`
}

// Address returns host:port for dialing
func (c ConsoleConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AccessConfig holds donor buffer and VIP settings
type AccessConfig struct {
	DonorBufferEnabled bool          `yaml:"donor_buffer_enabled"`
	DonorBufferSlots   int           `yaml:"donor_buffer_slots"`
	MaxPlayers         int           `yaml:"max_players"` // 0 = learn from server output
	VipList            string        `yaml:"vip_list"`
	KickDelay          time.Duration `yaml:"kick_delay"`
	KickReason         string        `yaml:"kick_reason"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	ReconcileCommand   string        `yaml:"reconcile_command"`
}

// HTTPConfig holds admin API settings
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Port       int    `yaml:"port"`
	StaticDir  string `yaml:"static_dir"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// NATSConfig holds event publishing settings. Empty URL and Embedded=false
// disables publishing.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	Listen   string `yaml:"listen"`
	Port     int    `yaml:"port"`
	Subject  string `yaml:"subject"`
}

// Default kick reason, shown to players turned away by the donor buffer
const DefaultKickReason = "We are at max capacity. Only VIPs may join at this time. Sorry for the inconvenience"

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults fills unset values. Relative paths are resolved against base.
func (cfg *Config) applyDefaults(base string) {
	if cfg.Server.WorkingDir == "" && cfg.Server.Executable != "" {
		cfg.Server.WorkingDir = filepath.Dir(cfg.Server.Executable)
	}
	if len(cfg.Server.Args) == 0 {
		cfg.Server.Args = []string{"-quit", "-batchmode", "-nographics", "-configfile=serverconfig.xml", "-dedicated"}
	}
	if cfg.Server.ProcessName == "" && cfg.Server.Executable != "" {
		cfg.Server.ProcessName = filepath.Base(cfg.Server.Executable)
	}
	if cfg.Server.ConfigFile == "" && cfg.Server.WorkingDir != "" {
		cfg.Server.ConfigFile = filepath.Join(cfg.Server.WorkingDir, "serverconfig.xml")
	}
	if cfg.Server.WatchInterval == 0 {
		cfg.Server.WatchInterval = 5 * time.Second
	}
	if cfg.Server.StopGrace == 0 {
		cfg.Server.StopGrace = 10 * time.Second
	}
	if cfg.Server.LockFile == "" {
		cfg.Server.LockFile = filepath.Join(os.TempDir(), "bloodmoon.lock")
	}

	if cfg.Logs.Dir == "" && cfg.Server.WorkingDir != "" {
		cfg.Logs.Dir = filepath.Join(cfg.Server.WorkingDir, "Logs")
	}
	if cfg.Logs.ContextLines == 0 {
		cfg.Logs.ContextLines = 20
	}
	if cfg.Logs.Retain == 0 {
		cfg.Logs.Retain = 20
	}

	if cfg.Console.Host == "" {
		cfg.Console.Host = "127.0.0.1"
	}
	if cfg.Console.Port == 0 {
		cfg.Console.Port = 8081
	}
	if cfg.Console.ConnectAttempts == 0 {
		cfg.Console.ConnectAttempts = 30
	}
	if cfg.Console.RetryDelay == 0 {
		cfg.Console.RetryDelay = time.Second
	}
	if cfg.Console.AuthTimeout == 0 {
		cfg.Console.AuthTimeout = 2 * time.Second
	}
	if cfg.Console.CommandTimeout == 0 {
		cfg.Console.CommandTimeout = 2 * time.Second
	}
	if cfg.Console.ResponseIdle == 0 {
		cfg.Console.ResponseIdle = 300 * time.Millisecond
	}
	if cfg.Console.ShutdownWait == 0 {
		cfg.Console.ShutdownWait = 5 * time.Second
	}
	if cfg.Console.SyncCommand == "" {
		cfg.Console.SyncCommand = "gettime"
	}

	if cfg.Access.VipList == "" {
		cfg.Access.VipList = "vip_list.txt"
	}
	if !filepath.IsAbs(cfg.Access.VipList) {
		cfg.Access.VipList = filepath.Join(base, cfg.Access.VipList)
	}
	if cfg.Access.KickDelay == 0 {
		cfg.Access.KickDelay = 2 * time.Second
	}
	if cfg.Access.KickReason == "" {
		cfg.Access.KickReason = DefaultKickReason
	}
	if cfg.Access.ReconcileInterval == 0 {
		cfg.Access.ReconcileInterval = 30 * time.Second
	}
	if cfg.Access.ReconcileCommand == "" {
		cfg.Access.ReconcileCommand = "lp"
	}

	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = "127.0.0.1"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8090
	}
	// Note: StaticDir intentionally has no default - empty means don't serve static files

	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(base, "bloodmoon.db")
	}

	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}

	if cfg.NATS.Listen == "" {
		cfg.NATS.Listen = "127.0.0.1"
	}
	if cfg.NATS.Port == 0 {
		cfg.NATS.Port = 4222
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "bloodmoon.events"
	}
}

// Validate checks the settings the supervisor cannot run without
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Server.Executable == "" {
		errs = append(errs, errors.New("server.executable is required"))
	}
	if cfg.Console.Password == "" {
		errs = append(errs, errors.New("console.password is required"))
	}
	if cfg.Access.DonorBufferSlots < 0 {
		errs = append(errs, errors.New("access.donor_buffer_slots must not be negative"))
	}
	if cfg.Access.MaxPlayers < 0 {
		errs = append(errs, errors.New("access.max_players must not be negative"))
	}
	if cfg.Logs.ContextLines < 0 {
		errs = append(errs, errors.New("logs.context_lines must not be negative"))
	}
	return errors.Join(errs...)
}
