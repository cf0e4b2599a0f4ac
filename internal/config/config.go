package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lupppig/backupx/internal/archive"
	"github.com/lupppig/backupx/internal/catalog"
	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/host"
	"github.com/lupppig/backupx/internal/logger"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	configName = "backupx"
	envPrefix  = "BACKUPX"
)

type Config struct {
	Prefix                       string            `mapstructure:"prefix"`
	ServerDirectory              string            `mapstructure:"server_directory"`
	SourceDirectories            []string          `mapstructure:"source_directories"`
	IgnoreFileNames              []string          `mapstructure:"ignore_file_names"`
	StagingDirectory             string            `mapstructure:"staging_directory"`
	OutputDirectory              string            `mapstructure:"output_directory"`
	ArchiveFormat                string            `mapstructure:"archive_format"`
	Password                     string            `mapstructure:"password"`
	SuppressAutosaveDuringBackup bool              `mapstructure:"suppress_autosave_during_backup"`
	AutoBackupEnabled            bool              `mapstructure:"auto_backup_enabled"`
	AutoBackupIntervalMinutes    float64           `mapstructure:"auto_backup_interval_minutes"`
	AutoBackupCron               string            `mapstructure:"auto_backup_cron"`
	MinimumPermissionLevel       map[string]int    `mapstructure:"minimum_permission_level"`
	Permissions                  Permissions       `mapstructure:"permissions"`
	Host                         HostConfig        `mapstructure:"host"`
	DrainTimeout                 time.Duration     `mapstructure:"drain_timeout"`
	SevenZipBinary               string            `mapstructure:"sevenzip_binary"`
	LogJSON                      bool              `mapstructure:"log_json"`
	NoColor                      bool              `mapstructure:"no_color"`
	LogLevel                     string            `mapstructure:"log_level"`
	Notifications                Notifications     `mapstructure:"notifications"`
	Mirror                       MirrorConfig      `mapstructure:"mirror"`
	Metrics                      MetricsConfig     `mapstructure:"metrics"`
	Retention                    catalog.Retention `mapstructure:"retention"`

	format archive.Format
}

type Permissions struct {
	DefaultLevel int            `mapstructure:"default_level"`
	Players      map[string]int `mapstructure:"players"`
}

// LevelOf returns the level configured for player. Keys are matched without
// case because viper lowercases them.
func (p Permissions) LevelOf(player string) int {
	if lvl, ok := p.Players[player]; ok {
		return lvl
	}
	for name, lvl := range p.Players {
		if strings.EqualFold(name, player) {
			return lvl
		}
	}
	return p.DefaultLevel
}

type HostConfig struct {
	// Command starts the managed server. Leave empty and set LogFile and
	// CommandFile to attach to a server started elsewhere.
	Command       []string      `mapstructure:"command"`
	Dir           string        `mapstructure:"dir"`
	LogFile       string        `mapstructure:"log_file"`
	CommandFile   string        `mapstructure:"command_file"`
	SavedPattern  string        `mapstructure:"saved_pattern"`
	ChatPattern   string        `mapstructure:"chat_pattern"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	host.Commands `mapstructure:",squash"`
}

type Notifications struct {
	Slack    SlackConfig     `mapstructure:"slack"`
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Template   string `mapstructure:"template"`
}

type WebhookConfig struct {
	URL      string            `mapstructure:"url"`
	Method   string            `mapstructure:"method"`
	Template string            `mapstructure:"template"`
	Headers  map[string]string `mapstructure:"headers"`
}

type MirrorConfig struct {
	Targets       []string `mapstructure:"targets"`
	AllowInsecure bool     `mapstructure:"allow_insecure"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Format is the registry entry for ArchiveFormat, resolved by Validate.
func (c *Config) Format() archive.Format {
	return c.format
}

func (c *Config) AutoBackupInterval() time.Duration {
	return time.Duration(c.AutoBackupIntervalMinutes * float64(time.Minute))
}

// Attached reports whether backupx follows a server it did not start.
func (c *Config) Attached() bool {
	return len(c.Host.Command) == 0 && c.Host.LogFile != ""
}

func setDefaults(v *viper.Viper) {
	cmds := host.DefaultCommands()

	v.SetDefault("prefix", "!!backupx")
	v.SetDefault("server_directory", "./server")
	v.SetDefault("source_directories", []string{"world"})
	v.SetDefault("ignore_file_names", []string{"session.lock"})
	v.SetDefault("staging_directory", "./backupx_temp")
	v.SetDefault("output_directory", "./backupx")
	v.SetDefault("archive_format", "zip")
	v.SetDefault("password", "")
	v.SetDefault("suppress_autosave_during_backup", true)
	v.SetDefault("auto_backup_enabled", false)
	v.SetDefault("auto_backup_interval_minutes", 30.0)
	v.SetDefault("auto_backup_cron", "")
	v.SetDefault("minimum_permission_level", map[string]any{"make": 2, "list": 0, "listall": 2})
	v.SetDefault("permissions.default_level", 1)
	v.SetDefault("host.dir", "")
	v.SetDefault("host.log_file", "")
	v.SetDefault("host.command_file", "")
	v.SetDefault("host.saved_pattern", host.DefaultSavedPattern)
	v.SetDefault("host.chat_pattern", host.DefaultChatPattern)
	v.SetDefault("host.save_off", cmds.SaveOff)
	v.SetDefault("host.save_on", cmds.SaveOn)
	v.SetDefault("host.save_all", cmds.SaveAll)
	v.SetDefault("host.stop", cmds.Stop)
	v.SetDefault("host.tell", cmds.Tell)
	v.SetDefault("host.stop_timeout", time.Minute)
	v.SetDefault("drain_timeout", 300*time.Second)
	v.SetDefault("sevenzip_binary", "")
	v.SetDefault("log_json", false)
	v.SetDefault("no_color", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("notifications.slack.webhook_url", "")
	v.SetDefault("notifications.slack.template", "")
	v.SetDefault("mirror.allow_insecure", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("retention.keep", 0)
	v.SetDefault("retention.max_age", time.Duration(0))
}

// Loader owns the viper instance so the file can be watched after Load.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg *Config
}

// Load reads path, or backupx.yaml from . or ~/.backupx when path is empty,
// overlays BACKUPX_* environment variables and validates the result. A missing
// default file is not an error; the defaults apply.
func Load(path string) (*Loader, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".backupx"))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to read config file", "Check the --config path and YAML syntax.")
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, cfg: cfg}, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to decode config", "")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// File is the config file in use, empty when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the file whenever it changes. Valid configs replace the
// current one and are passed to fn; invalid ones are logged and dropped.
func (l *Loader) Watch(log *logger.Logger, fn func(*Config)) {
	if l.File() == "" {
		return
	}
	if log == nil {
		log = logger.Nop()
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(l.v)
		if err != nil {
			log.Error("Rejected config reload", "file", e.Name, "error", err)
			return
		}
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()
		log.Info("Config reloaded", "file", e.Name)
		if fn != nil {
			fn(cfg)
		}
	})
	l.v.WatchConfig()
}

func invalid(msg, hint string) error {
	return apperrors.New(apperrors.TypeConfig, msg, hint)
}

// Validate checks option values and resolves the archive format. An unknown
// format fails with an UnsupportedFormat error.
func (c *Config) Validate() error {
	f, err := archive.Lookup(c.ArchiveFormat)
	if err != nil {
		return err
	}
	c.format = f

	if strings.TrimSpace(c.Prefix) == "" || strings.ContainsAny(c.Prefix, " \t") {
		return invalid("prefix must be a single word", "")
	}
	if len(c.SourceDirectories) == 0 {
		return invalid("source_directories is empty", "List at least one directory under server_directory.")
	}
	for _, src := range c.SourceDirectories {
		if !filepath.IsLocal(src) {
			return invalid(fmt.Sprintf("source directory %q must be a relative path inside server_directory", src), "")
		}
	}
	if c.StagingDirectory == "" || c.OutputDirectory == "" {
		return invalid("staging_directory and output_directory are required", "")
	}

	// The staging directory is deleted after every run.
	staging, _ := filepath.Abs(c.StagingDirectory)
	for name, other := range map[string]string{
		"server_directory": c.ServerDirectory,
		"output_directory": c.OutputDirectory,
	} {
		abs, _ := filepath.Abs(other)
		if overlaps(staging, abs) {
			return invalid(fmt.Sprintf("staging_directory must not overlap %s", name), "The staging directory is removed after every backup; point it somewhere of its own.")
		}
	}

	if c.AutoBackupCron != "" {
		if _, err := cron.ParseStandard(c.AutoBackupCron); err != nil {
			return apperrors.Wrap(err, apperrors.TypeConfig, "invalid auto_backup_cron expression", "")
		}
	} else if c.AutoBackupEnabled && c.AutoBackupIntervalMinutes <= 0 {
		return invalid("auto_backup_interval_minutes must be positive", "")
	}

	for literal, lvl := range c.MinimumPermissionLevel {
		if lvl < 0 || lvl > 4 {
			return invalid(fmt.Sprintf("minimum_permission_level.%s must be between 0 and 4", literal), "")
		}
	}
	if c.Permissions.DefaultLevel < 0 || c.Permissions.DefaultLevel > 4 {
		return invalid("permissions.default_level must be between 0 and 4", "")
	}

	if _, err := host.NewSaveMatcher(c.Host.SavedPattern); err != nil {
		return err
	}
	if _, err := host.NewChatMatcher(c.Host.ChatPattern); err != nil {
		return err
	}
	if strings.Count(c.Host.Tell, "%s") != 2 {
		return invalid("host.tell must contain two %s verbs, player then message", "")
	}
	r := c.Retention
	if r.Keep < 0 || r.MaxAge < 0 || r.KeepDaily < 0 || r.KeepWeekly < 0 || r.KeepMonthly < 0 || r.KeepYearly < 0 {
		return invalid("retention values must not be negative", "")
	}
	if c.DrainTimeout <= 0 {
		return invalid("drain_timeout must be positive", "")
	}
	return nil
}

func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(a, b+sep) || strings.HasPrefix(b, a+sep)
}
