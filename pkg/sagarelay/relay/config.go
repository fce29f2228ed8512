package relay

import (
	"time"

	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/config"
)

// ConfigFromSettings builds a Relay Config from a generic settings map,
// falling back to DefaultConfig for any key that is missing or
// malformed. Intended for deployments that load relay tuning from a
// YAML/JSON operations file rather than hardcoding it.
func ConfigFromSettings(settings config.Config) Config {
	cfg := DefaultConfig
	cfg.BatchSize = settings.Int("batch_size", cfg.BatchSize)
	cfg.PollInterval = settings.Duration("poll_interval", cfg.PollInterval)
	cfg.MaxRetries = settings.Int("max_retries", cfg.MaxRetries)
	cfg.Source = settings.String("source", cfg.Source)

	if raw, ok := settings.Any("backoff", nil).([]any); ok {
		backoff := make([]time.Duration, 0, len(raw))
		for _, v := range raw {
			switch n := v.(type) {
			case string:
				if d, err := time.ParseDuration(n); err == nil {
					backoff = append(backoff, d)
				}
			case float64:
				backoff = append(backoff, time.Duration(n)*time.Second)
			}
		}
		if len(backoff) > 0 {
			cfg.Backoff = backoff
		}
	}

	return cfg
}
