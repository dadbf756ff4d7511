package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"golang.org/x/text/language"

	"github.com/meigma/vpack"
	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/quiesce"
)

// EnvPrefix prefixes environment overrides, as in VPACK_GAME_DIR or
// VPACK_TOGGLES_MUTE_VOICE_BATTLE.
const EnvPrefix = "VPACK"

// Load reads the configuration file at path, applies defaults and
// environment overrides and validates the result. An empty path loads
// defaults and the environment only.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []*string{&cfg.GameDir, &cfg.DataDir} {
		if *dir == "" {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("config: resolve %s: %w", *dir, err)
		}
		*dir = abs
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("game_dir", "")
	v.SetDefault("data_dir", "")
	v.SetDefault("bundle_dirs", []string{})
	v.SetDefault("loose_dirs", []string{})
	v.SetDefault("loose_precedence", "below")
	v.SetDefault("build", BuildLazy)
	v.SetDefault("compression", "none")
	v.SetDefault("max_data_file_size", archive.DefaultMaxDataFileSize)
	v.SetDefault("verify", false)
	v.SetDefault("watch_bundles", false)
	v.SetDefault("cache_dir", "")
	v.SetDefault("cache_max_bytes", 1<<30)

	v.SetDefault("toggles.mute_voice.battle", false)
	v.SetDefault("toggles.mute_voice.cm", false)
	v.SetDefault("toggles.mute_voice.emote", false)
	v.SetDefault("toggles.mute_voice.line", false)
	v.SetDefault("toggles.language_override", "")

	v.SetDefault("reflection.read_debounce", quiesce.DefaultDebounce.String())
	v.SetDefault("reflection.debounce", vpack.DefaultReflectDebounce.String())
	v.SetDefault("reflection.pause_timeout", vpack.DefaultPauseTimeout.String())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("mount.mountpoint", "")
	v.SetDefault("mount.allow_other", false)
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringHook(func(s string) (vpack.LoosePrecedence, error) { return vpack.ParseLoosePrecedence(s) }),
		stringHook(func(s string) (archive.Compression, error) { return archive.ParseCompression(s) }),
		stringHook(func(s string) (language.Tag, error) { return vpack.ParseLanguage(s) }),
	)
}

// stringHook decodes strings into T with parse.
func stringHook[T any](parse func(string) (T, error)) mapstructure.DecodeHookFuncType {
	target := reflect.TypeFor[T]()
	return func(from, to reflect.Type, data any) (any, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		return parse(data.(string))
	}
}

// Watch loads the file at path and calls apply with every later version
// of it that decodes and validates. Invalid versions are logged and
// ignored. With an empty path nothing is watched.
func Watch(path string, logger *slog.Logger, apply func(*Config)) (*Config, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}
	v.OnConfigChange(func(ev fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			logger.Warn("config change ignored", "path", ev.Name, "reason", err)
			return
		}
		logger.Info("config reloaded", "path", ev.Name)
		apply(next)
	})
	v.WatchConfig()
	return cfg, nil
}
