// internal/workers/endorsement/place-bid/config.go
package placebid

import "time"

type Config struct {
	// Timeout covers the whole protocol run including ledger retries, so it
	// must exceed reservation_timeout * max_attempts.
	Timeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Timeout: 90 * time.Second,
	}
}
