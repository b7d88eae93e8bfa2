package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
)

// Config represents the main application configuration
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Judge   JudgeConfig   `yaml:"judge"`
	Proxies ProxyConfig   `yaml:"proxies"`
	Sources []Source      `yaml:"sources"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// HTTPConfig covers the outbound request behavior
type HTTPConfig struct {
	TimeoutSecs        int               `yaml:"timeout_secs"`
	Retries            int               `yaml:"retries"`
	DelayMs            int               `yaml:"delay_ms"`
	UserAgents         []string          `yaml:"user_agents"`
	DefaultHeaders     map[string]string `yaml:"default_headers"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
}

// JudgeConfig lists judge endpoints in fallback order
type JudgeConfig struct {
	URLs        []string `yaml:"urls"`
	TimeoutSecs int      `yaml:"timeout_secs"`
}

// ProxyConfig covers pool lifecycle policy
type ProxyConfig struct {
	MaxLatencyMs           int     `yaml:"max_latency_ms"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	MinSuccessRate         float64 `yaml:"min_success_rate"`
	CooldownSecs           int     `yaml:"cooldown_secs"`
	MaxAgeSecs             int     `yaml:"max_age_secs"`
	ParallelValidations    int     `yaml:"parallel_validations"`
}

// Source describes one harvestable candidate list
type Source struct {
	URL               string `yaml:"url"`
	UserAgent         string `yaml:"user_agent"`
	ExtractionPattern string `yaml:"extraction_pattern"`
}

// StorageConfig covers on-disk persistence
type StorageConfig struct {
	ProxiesPath          string `yaml:"proxies_path"`
	SourcesPath          string `yaml:"sources_path"`
	AutoSaveIntervalSecs int    `yaml:"auto_save_interval_secs"`
}

// LogConfig covers structured logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig covers the optional Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the default configuration; a present but malformed file is an error.
func LoadConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return GetDefaultConfig(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewConfigError(errors.ErrorConfigNotFound,
			"failed to read config file", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewConfigError(errors.ErrorConfigParsingFailed,
			"error parsing config file", err)
	}

	mergeDefaults(&config)
	return &config, nil
}

// mergeDefaults fills absent fields from the default configuration
func mergeDefaults(config *Config) {
	defaults := GetDefaultConfig()

	if config.HTTP.TimeoutSecs <= 0 {
		config.HTTP.TimeoutSecs = defaults.HTTP.TimeoutSecs
	}
	if config.HTTP.Retries <= 0 {
		config.HTTP.Retries = defaults.HTTP.Retries
	}
	if config.HTTP.DelayMs <= 0 {
		config.HTTP.DelayMs = defaults.HTTP.DelayMs
	}
	if len(config.HTTP.UserAgents) == 0 {
		config.HTTP.UserAgents = defaults.HTTP.UserAgents
	}
	if len(config.HTTP.DefaultHeaders) == 0 {
		config.HTTP.DefaultHeaders = defaults.HTTP.DefaultHeaders
	}
	if len(config.Judge.URLs) == 0 {
		config.Judge.URLs = defaults.Judge.URLs
	}
	if config.Judge.TimeoutSecs <= 0 {
		config.Judge.TimeoutSecs = defaults.Judge.TimeoutSecs
	}
	if config.Proxies.MaxLatencyMs <= 0 {
		config.Proxies.MaxLatencyMs = defaults.Proxies.MaxLatencyMs
	}
	if config.Proxies.MaxConsecutiveFailures <= 0 {
		config.Proxies.MaxConsecutiveFailures = defaults.Proxies.MaxConsecutiveFailures
	}
	if config.Proxies.MinSuccessRate <= 0 {
		config.Proxies.MinSuccessRate = defaults.Proxies.MinSuccessRate
	}
	if config.Proxies.CooldownSecs <= 0 {
		config.Proxies.CooldownSecs = defaults.Proxies.CooldownSecs
	}
	if config.Proxies.MaxAgeSecs <= 0 {
		config.Proxies.MaxAgeSecs = defaults.Proxies.MaxAgeSecs
	}
	if config.Proxies.ParallelValidations <= 0 {
		config.Proxies.ParallelValidations = defaults.Proxies.ParallelValidations
	}
	if config.Storage.ProxiesPath == "" {
		config.Storage.ProxiesPath = defaults.Storage.ProxiesPath
	}
	if config.Storage.SourcesPath == "" {
		config.Storage.SourcesPath = defaults.Storage.SourcesPath
	}
	if config.Storage.AutoSaveIntervalSecs <= 0 {
		config.Storage.AutoSaveIntervalSecs = defaults.Storage.AutoSaveIntervalSecs
	}
	if config.Log.Level == "" {
		config.Log.Level = defaults.Log.Level
	}
	if config.Log.Format == "" {
		config.Log.Format = defaults.Log.Format
	}
	if config.Metrics.Listen == "" {
		config.Metrics.Listen = defaults.Metrics.Listen
	}
}

// GetDefaultConfig returns a configuration with default values
func GetDefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			TimeoutSecs: 30,
			Retries:     3,
			DelayMs:     500,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
			},
			DefaultHeaders: map[string]string{
				"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
				"Accept-Language": "en-US,en;q=0.9",
				"Cache-Control":   "no-cache",
				"Pragma":          "no-cache",
			},
		},
		Judge: JudgeConfig{
			URLs: []string{
				"http://azenv.net/",
				"http://proxyjudge.us/azenv.php",
				"http://mojeip.net.pl/asdfa/azenv.php",
			},
			TimeoutSecs: 10,
		},
		Proxies: ProxyConfig{
			MaxLatencyMs:           5000,
			MaxConsecutiveFailures: 3,
			MinSuccessRate:         0.7,
			CooldownSecs:           300,
			MaxAgeSecs:             86400,
			ParallelValidations:    10,
		},
		Storage: StorageConfig{
			ProxiesPath:          "proxies.json",
			SourcesPath:          "sources.json",
			AutoSaveIntervalSecs: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9640",
		},
	}
}

// Timeout returns the end-to-end request timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSecs) * time.Second
}

// JudgeTimeout returns the shorter validation probe timeout
func (c *Config) JudgeTimeout() time.Duration {
	return time.Duration(c.Judge.TimeoutSecs) * time.Second
}
