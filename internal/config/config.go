package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/mediagrab/pkg/logger"
)

const envPrefix = "MEDIAGRAB"

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Apprise   AppriseConfig   `mapstructure:"apprise"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type ExtractorConfig struct {
	// Binary is the yt-dlp executable (looked up in PATH when not absolute)
	Binary string `mapstructure:"binary"`
	// DownloadDir holds one work directory per job
	DownloadDir string `mapstructure:"download_dir"`
	// ProbeTimeout bounds a single metadata probe
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// Args are appended to every extraction command
	Args []string `mapstructure:"args"`
}

type JobsConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"` // Parallel extractions
	LaunchRPM     int           `mapstructure:"launch_rpm"`     // Extraction starts per minute (0 = no limit)
	Retention     time.Duration `mapstructure:"retention"`      // How long terminal jobs stay queryable
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // How often expired jobs are purged
}

type RateLimitConfig struct {
	CreateRPM int `mapstructure:"create_rpm"` // Job creations per minute (0 = no limit)
	Burst     int `mapstructure:"burst"`
}

type AppriseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"` // Apprise API URL
	Key     string `mapstructure:"key"`      // Apprise config key
	Tag     string `mapstructure:"tag"`      // Tag to filter services
}

type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"` // e.g. "mediagrab.jobs"
}

// ChangeCallback is called when config changes.
type ChangeCallback func(old, new *Config)

// Manager handles config loading and hot-reload.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	cfg       *Config
	callbacks []ChangeCallback
	stop      chan struct{}
	stopOnce  sync.Once

	path        string
	lastModTime time.Time
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9191)
	v.SetDefault("extractor.binary", "yt-dlp")
	v.SetDefault("extractor.download_dir", "downloads")
	v.SetDefault("extractor.probe_timeout", "60s")
	v.SetDefault("jobs.max_concurrent", 4)
	v.SetDefault("jobs.launch_rpm", 0)
	v.SetDefault("jobs.retention", "1h")
	v.SetDefault("jobs.sweep_interval", "1m")
	v.SetDefault("rate_limit.create_rpm", 30)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("nats.subject_prefix", "mediagrab.jobs")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Extractor.Binary == "" {
		return fmt.Errorf("extractor.binary is required")
	}
	if c.Extractor.DownloadDir == "" {
		return fmt.Errorf("extractor.download_dir is required")
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("jobs.max_concurrent must be positive")
	}
	if c.Jobs.Retention <= 0 || c.Jobs.SweepInterval <= 0 {
		return fmt.Errorf("jobs.retention and jobs.sweep_interval must be positive")
	}
	if c.Apprise.Enabled && c.Apprise.BaseURL == "" {
		return fmt.Errorf("apprise.base_url is required when apprise is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	return nil
}

// NewManager creates a config manager with hot-reload support via polling.
// A missing file is not an error: defaults and environment apply.
func NewManager(path string) (*Manager, error) {
	return newManager(path, 10*time.Second)
}

func newManager(path string, interval time.Duration) (*Manager, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	var lastMod time.Time
	if stat, err := os.Stat(path); err == nil {
		lastMod = stat.ModTime()
	}

	m := &Manager{
		v:           v,
		cfg:         cfg,
		stop:        make(chan struct{}),
		path:        path,
		lastModTime: lastMod,
	}

	go m.pollForChanges(interval)

	logger.Infof("📋 Config loaded (polling every %v for changes)", interval)

	return m, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) pollForChanges(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			stat, err := os.Stat(m.path)
			if err != nil {
				continue
			}

			m.mu.RLock()
			lastMod := m.lastModTime
			m.mu.RUnlock()

			if stat.ModTime().After(lastMod) {
				logger.Infof("🔄 Config file changed, reloading...")

				m.mu.Lock()
				m.lastModTime = stat.ModTime()
				m.mu.Unlock()

				m.reload()
			}
		}
	}
}

func (m *Manager) reload() {
	if err := m.v.ReadInConfig(); err != nil {
		logger.Errorf("❌ Failed to re-read config: %v", err)
		return
	}

	newCfg, err := decode(m.v)
	if err != nil {
		logger.Errorf("❌ Failed to reload config: %v", err)
		return
	}

	m.mu.Lock()
	oldCfg := m.cfg
	m.cfg = newCfg
	callbacks := m.callbacks
	m.mu.Unlock()

	logChanges(oldCfg, newCfg, "")

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
}

func logChanges(old, cur any, prefix string) {
	oldVal := reflect.ValueOf(old)
	newVal := reflect.ValueOf(cur)

	if oldVal.Kind() == reflect.Ptr {
		oldVal = oldVal.Elem()
	}
	if newVal.Kind() == reflect.Ptr {
		newVal = newVal.Elem()
	}

	if oldVal.Kind() != reflect.Struct {
		return
	}

	t := oldVal.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		oldField := oldVal.Field(i)
		newField := newVal.Field(i)

		fieldName := field.Name
		if prefix != "" {
			fieldName = prefix + "." + fieldName
		}

		if oldField.Kind() == reflect.Struct {
			logChanges(oldField.Interface(), newField.Interface(), fieldName)
			continue
		}

		if !reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
			logger.Infof("  📝 %s: %v → %v", fieldName, oldField.Interface(), newField.Interface())
		}
	}
}

// Load is a convenience function for one-time loading.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return decode(v)
}
