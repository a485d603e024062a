package upload

import "time"

type Config struct {
	Enabled        bool          `json:"enabled"`
	Dir            string        `json:"dir"`
	Project        string        `json:"project"`
	DebounceWindow time.Duration `json:"debounce_window"`
	MaxBatchSize   int           `json:"max_batch_size"`
	IgnorePatterns []string      `json:"ignore_patterns"`
	WatchHidden    bool          `json:"watch_hidden"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		DebounceWindow: 300 * time.Millisecond,
		MaxBatchSize:   50,
		IgnorePatterns: []string{
			"**/.git/**",
			"**/*.tmp",
			"**/*.part",
			"**/~*",
		},
		WatchHidden: false,
	}
}
