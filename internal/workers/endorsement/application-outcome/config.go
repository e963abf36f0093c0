// internal/workers/endorsement/application-outcome/config.go
package applicationoutcome

import "time"

type Config struct {
	// Timeout must cover the drain wait plus the settlement transactions.
	Timeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Timeout: 60 * time.Second,
	}
}
