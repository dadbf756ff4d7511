package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/meigma/vpack"
	"github.com/meigma/vpack/archive"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vpack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
game_dir: /games/xiv/game/sqpack
data_dir: /var/lib/vpack
bundle_dirs: [/mnt/mods]
loose_precedence: above
build: eager
compression: zstd
toggles:
  mute_voice:
    battle: true
  language_override: ja
reflection:
  debounce: 2s
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/games/xiv/game/sqpack", cfg.GameDir)
	assert.Equal(t, "/games/xiv/game/sqpack", cfg.SqpackDir())
	assert.Equal(t, []string{"/mnt/mods"}, cfg.BundleDirs)
	assert.Equal(t, vpack.LooseAbove, cfg.LoosePrecedence)
	assert.Equal(t, BuildEager, cfg.Build)
	assert.Equal(t, archive.CompressionZstd, cfg.Compression)
	assert.True(t, cfg.Toggles.MuteVoice.Battle)
	assert.False(t, cfg.Toggles.MuteVoice.Line)
	assert.Equal(t, "ja", cfg.Toggles.Language.String())
	assert.Equal(t, 2*time.Second, cfg.Reflection.Debounce)
	assert.Equal(t, vpack.DefaultPauseTimeout, cfg.Reflection.PauseTimeout)
	assert.Equal(t, uint64(archive.DefaultMaxDataFileSize), cfg.MaxDataFileSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
	assert.NotEmpty(t, cfg.Options())
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "game_dir: /games/xiv\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/games/xiv", "game", "sqpack"), cfg.SqpackDir())
	assert.Equal(t, BuildLazy, cfg.Build)
	assert.Equal(t, vpack.LooseBelow, cfg.LoosePrecedence)
	assert.Equal(t, archive.CompressionNone, cfg.Compression)
	assert.Equal(t, language.Und, cfg.Toggles.Language)
	assert.Equal(t, vpack.DefaultReflectDebounce, cfg.Reflection.Debounce)
	assert.Empty(t, cfg.CacheDir)
	assert.Equal(t, int64(1<<30), cfg.CacheMaxBytes)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("VPACK_GAME_DIR", "/from/env/sqpack")
	t.Setenv("VPACK_TOGGLES_MUTE_VOICE_LINE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/from/env/sqpack", cfg.GameDir)
	assert.True(t, cfg.Toggles.MuteVoice.Line)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		field string
	}{
		{"missing game dir", "build: lazy\n", "game_dir"},
		{"unknown build", "game_dir: /g\nbuild: sometimes\n", "build"},
		{"negative debounce", "game_dir: /g\nreflection:\n  debounce: -1s\n", "reflection.debounce"},
		{"bad log level", "game_dir: /g\nlog:\n  level: loud\n", "log.level"},
		{"tiny data files", "game_dir: /g\nmax_data_file_size: 64\n", "max_data_file_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.input))
			var fe FieldError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, tt.field, fe.Field)
		})
	}

	for _, input := range []string{
		"game_dir: /g\nreflection:\n  debounce: soon\n",
		"game_dir: /g\ncompression: brotli\n",
		"game_dir: /g\nloose_precedence: sideways\n",
		"game_dir: /g\ntoggles:\n  language_override: tlh\n",
	} {
		_, err := Load(writeConfig(t, input))
		assert.Error(t, err, input)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "game_dir: /g\n")
	var got atomic.Pointer[Config]
	cfg, err := Watch(path, nil, func(c *Config) { got.Store(c) })
	require.NoError(t, err)
	assert.False(t, cfg.Toggles.MuteVoice.Emote)

	require.NoError(t, os.WriteFile(path, []byte("game_dir: /g\ntoggles:\n  mute_voice:\n    emote: true\n"), 0o600))
	assert.Eventually(t, func() bool {
		c := got.Load()
		return c != nil && c.Toggles.MuteVoice.Emote
	}, 5*time.Second, 20*time.Millisecond)
}
