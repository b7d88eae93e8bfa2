package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadConfigMissingFile verifies a missing file yields defaults
func TestLoadConfigMissingFile(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() unexpected error: %v", err)
	}

	defaults := GetDefaultConfig()
	if config.HTTP.TimeoutSecs != defaults.HTTP.TimeoutSecs {
		t.Errorf("timeout = %d, want default %d", config.HTTP.TimeoutSecs, defaults.HTTP.TimeoutSecs)
	}
	if config.Proxies.ParallelValidations != 10 {
		t.Errorf("parallel_validations = %d, want 10", config.Proxies.ParallelValidations)
	}
	if len(config.Judge.URLs) == 0 {
		t.Error("default config must carry judge URLs")
	}
}

// TestLoadConfigMergesDefaults verifies absent fields fall back to defaults
func TestLoadConfigMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
http:
  timeout_secs: 15
proxies:
  parallel_validations: 25
judge:
  urls:
    - "http://judge.example.com/azenv.php"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() unexpected error: %v", err)
	}

	if config.HTTP.TimeoutSecs != 15 {
		t.Errorf("timeout = %d, want 15", config.HTTP.TimeoutSecs)
	}
	if config.Proxies.ParallelValidations != 25 {
		t.Errorf("parallel_validations = %d, want 25", config.Proxies.ParallelValidations)
	}
	if len(config.Judge.URLs) != 1 || config.Judge.URLs[0] != "http://judge.example.com/azenv.php" {
		t.Errorf("judge urls = %v", config.Judge.URLs)
	}
	// Unset sections come from defaults
	if config.Proxies.MinSuccessRate != 0.7 {
		t.Errorf("min_success_rate = %v, want default 0.7", config.Proxies.MinSuccessRate)
	}
	if config.HTTP.Retries != 3 {
		t.Errorf("retries = %d, want default 3", config.HTTP.Retries)
	}
	if config.Storage.ProxiesPath != "proxies.json" {
		t.Errorf("proxies_path = %s, want default", config.Storage.ProxiesPath)
	}
}

// TestLoadConfigMalformed verifies malformed YAML errors out
func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("http: [not a mapping"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig() should reject malformed YAML")
	}
}

// TestValidate covers the validation rules
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
			valid:  true,
		},
		{
			name:   "no judges",
			mutate: func(c *Config) { c.Judge.URLs = nil },
			valid:  false,
		},
		{
			name:   "judge timeout exceeds request timeout",
			mutate: func(c *Config) { c.Judge.TimeoutSecs = c.HTTP.TimeoutSecs + 1 },
			valid:  false,
		},
		{
			name:   "success rate above one",
			mutate: func(c *Config) { c.Proxies.MinSuccessRate = 1.5 },
			valid:  false,
		},
		{
			name:   "bad source pattern",
			mutate: func(c *Config) { c.Sources = []Source{{URL: "https://example.com", ExtractionPattern: "["}} },
			valid:  false,
		},
		{
			name:   "bad source url",
			mutate: func(c *Config) { c.Sources = []Source{{URL: "not a url"}} },
			valid:  false,
		},
		{
			name:   "metrics enabled without listen addr",
			mutate: func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" },
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := GetDefaultConfig()
			tt.mutate(config)
			result := config.Validate()
			if result.Valid != tt.valid {
				t.Errorf("Valid = %v, want %v (errors: %v)", result.Valid, tt.valid, result.Errors)
			}
			if !tt.valid && len(result.Errors) == 0 {
				t.Error("invalid config must carry errors")
			}
		})
	}
}

// TestValidateCollectsAllErrors verifies validation reports every
// violation, not just the first
func TestValidateCollectsAllErrors(t *testing.T) {
	config := GetDefaultConfig()
	config.Judge.URLs = nil
	config.Proxies.MinSuccessRate = 2
	config.Proxies.ParallelValidations = 0

	result := config.Validate()
	if result.Valid {
		t.Fatal("config should be invalid")
	}
	if len(result.Errors) < 3 {
		t.Errorf("collected %d errors, want at least 3", len(result.Errors))
	}
}
