package config

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
)

// ValidationResult collects everything wrong with a configuration
type ValidationResult struct {
	Valid  bool
	Errors []error
}

// Validate checks a loaded configuration. Invalid values are fatal at
// startup; the result lists every violation rather than the first.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	fail := func(message string) {
		result.Valid = false
		result.Errors = append(result.Errors,
			errors.NewConfigError(errors.ErrorConfigInvalid, message, nil))
	}

	if c.HTTP.TimeoutSecs <= 0 {
		fail("http.timeout_secs must be positive")
	}
	if c.HTTP.Retries < 1 {
		fail("http.retries must be at least 1")
	}
	if len(c.Judge.URLs) == 0 {
		fail("judge.urls must list at least one endpoint")
	}
	for _, judgeURL := range c.Judge.URLs {
		if _, err := url.ParseRequestURI(judgeURL); err != nil {
			fail(fmt.Sprintf("judge.urls entry %q is not a valid URL", judgeURL))
		}
	}
	if c.Judge.TimeoutSecs <= 0 {
		fail("judge.timeout_secs must be positive")
	}
	if c.Judge.TimeoutSecs > c.HTTP.TimeoutSecs {
		fail("judge.timeout_secs must not exceed http.timeout_secs")
	}
	if c.Proxies.MinSuccessRate < 0 || c.Proxies.MinSuccessRate > 1 {
		fail("proxies.min_success_rate must be in [0, 1]")
	}
	if c.Proxies.MaxConsecutiveFailures < 1 {
		fail("proxies.max_consecutive_failures must be at least 1")
	}
	if c.Proxies.ParallelValidations < 1 {
		fail("proxies.parallel_validations must be at least 1")
	}
	if c.Proxies.CooldownSecs < 0 {
		fail("proxies.cooldown_secs must not be negative")
	}

	for _, source := range c.Sources {
		if _, err := url.ParseRequestURI(source.URL); err != nil {
			fail(fmt.Sprintf("source url %q is not a valid URL", source.URL))
		}
		if source.ExtractionPattern != "" {
			if _, err := regexp.Compile(source.ExtractionPattern); err != nil {
				fail(fmt.Sprintf("source %q extraction pattern does not compile: %v", source.URL, err))
			}
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		fail("metrics.listen is required when metrics are enabled")
	}

	return result
}

// ValidateAndLoad loads a config file and validates it in one step
func ValidateAndLoad(filename string) (*Config, *ValidationResult, error) {
	config, err := LoadConfig(filename)
	if err != nil {
		return nil, nil, err
	}
	return config, config.Validate(), nil
}
