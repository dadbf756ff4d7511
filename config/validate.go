package config

import (
	"errors"
	"log/slog"

	"github.com/meigma/vpack/archive"
)

// Validate checks settings that decode but cannot work.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: empty configuration")
	}
	if c.GameDir == "" {
		return newFieldError("game_dir", "must be set")
	}
	switch c.Build {
	case BuildLazy, BuildEager:
	default:
		return newFieldError("build", "must be lazy or eager")
	}
	if c.MaxDataFileSize != 0 && c.MaxDataFileSize < archive.DataHeaderSize+archive.BlockHeaderSize {
		return newFieldError("max_data_file_size", "too small to hold a block")
	}
	if c.CacheMaxBytes < 0 {
		return newFieldError("cache_max_bytes", "must not be negative")
	}
	if c.Reflection.ReadDebounce < 0 {
		return newFieldError("reflection.read_debounce", "must not be negative")
	}
	if c.Reflection.Debounce < 0 {
		return newFieldError("reflection.debounce", "must not be negative")
	}
	if c.Reflection.PauseTimeout < 0 {
		return newFieldError("reflection.pause_timeout", "must not be negative")
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return newFieldError("log.level", "must be debug, info, warn or error")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return newFieldError("log", "rotation limits must not be negative")
	}
	return nil
}
