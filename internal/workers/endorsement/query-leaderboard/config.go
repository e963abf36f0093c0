// internal/workers/endorsement/query-leaderboard/config.go
package queryleaderboard

import "time"

type Config struct {
	Timeout time.Duration
	// DefaultLimit applies when the request does not bound the result.
	DefaultLimit int
	// MaxLimit caps the result size regardless of the request.
	MaxLimit int
}

func LoadConfig() *Config {
	return &Config{
		Timeout:      10 * time.Second,
		DefaultLimit: 10,
		MaxLimit:     100,
	}
}
