package vpack

import (
	"path"
	"strings"

	"golang.org/x/text/language"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/pathspec"
	"github.com/meigma/vpack/view"
)

// VoiceMute selects the voice categories served as silence.
type VoiceMute struct {
	Battle bool `mapstructure:"battle"`
	CM     bool `mapstructure:"cm"`
	Emote  bool `mapstructure:"emote"`
	Line   bool `mapstructure:"line"`
}

// Muted reports whether category is muted.
func (m VoiceMute) Muted(category string) bool {
	switch category {
	case "battle":
		return m.Battle
	case "cm":
		return m.CM
	case "emote":
		return m.Emote
	case "line":
		return m.Line
	}
	return false
}

// Toggles are the built-in replacements applied after every bundle.
type Toggles struct {
	MuteVoice VoiceMute `mapstructure:"mute_voice"`
	// Language serves every language variant of an asset from the variant
	// in this language, when the archive has it. language.Und disables the
	// override.
	Language language.Tag `mapstructure:"language_override"`
}

// voiceKey is the archive holding voice assets.
var voiceKey = pathspec.Key{Category: 0x07}

var voiceDirs = []struct {
	category string
	dir      string
	hash     pathspec.Hash
}{
	{"battle", "sound/voice/vo_battle", pathspec.HashOf("sound/voice/vo_battle")},
	{"cm", "sound/voice/vo_cm", pathspec.HashOf("sound/voice/vo_cm")},
	{"emote", "sound/voice/vo_emote", pathspec.HashOf("sound/voice/vo_emote")},
	{"line", "sound/voice/vo_line", pathspec.HashOf("sound/voice/vo_line")},
}

// voiceCategory returns the voice category of spec. Hash-only specs are
// recognized when they sit directly in a category directory.
func voiceCategory(spec pathspec.Spec) (string, bool) {
	lower := pathspec.Fold(spec.Path)
	for _, v := range voiceDirs {
		if spec.HasPath() && strings.HasPrefix(lower, v.dir+"/") {
			return v.category, true
		}
		if !spec.HasPath() && spec.HasPair() && spec.Dir == v.hash {
			return v.category, true
		}
	}
	return "", false
}

// silentSound is an empty sound container: the container magic followed by
// a header that declares no sound entries.
var silentSound = func() []byte {
	b := make([]byte, 128)
	copy(b, "SEDBSSCF")
	b[8] = 3     // version
	b[0x0e] = 48 // header size
	return b
}()

// silentSize is the largest block silentSound encodes to.
var silentSize = int64(archive.Align(archive.BlockHeaderSize + uint64(len(silentSound))))

// languageCodes are the language suffixes assets carry, in the order of
// languageTags.
var (
	languageCodes = []string{"ja", "en", "de", "fr", "chs", "ko"}
	languageTags  = []language.Tag{
		language.Japanese,
		language.English,
		language.German,
		language.French,
		language.SimplifiedChinese,
		language.Korean,
	}
	languageMatcher = language.NewMatcher(languageTags)
)

// languageCode returns the asset suffix for t.
func languageCode(t language.Tag) (string, bool) {
	if t == language.Und {
		return "", false
	}
	_, i, conf := languageMatcher.Match(t)
	if conf == language.No {
		return "", false
	}
	return languageCodes[i], true
}

// ParseLanguage parses a BCP 47 tag or an asset suffix such as "chs".
// The empty string and "none" disable the override.
func ParseLanguage(s string) (language.Tag, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "none":
		return language.Und, nil
	case "chs":
		return language.SimplifiedChinese, nil
	}
	t, err := language.Parse(s)
	if err != nil {
		return language.Und, err
	}
	if _, ok := languageCode(t); !ok {
		return language.Und, &unsupportedLanguageError{tag: t}
	}
	return t, nil
}

type unsupportedLanguageError struct {
	tag language.Tag
}

func (e *unsupportedLanguageError) Error() string {
	return "vpack: no assets in language " + e.tag.String()
}

// languageVariant splits a path such as "ui/title_en.tex" into its base,
// language suffix and extension.
func languageVariant(p string) (base, code, ext string, ok bool) {
	ext = path.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	i := strings.LastIndexByte(stem, '_')
	if i < 0 || strings.ContainsRune(stem[i:], '/') {
		return "", "", "", false
	}
	code = strings.ToLower(stem[i+1:])
	for _, c := range languageCodes {
		if c == code {
			return stem[:i], code, ext, true
		}
	}
	return "", "", "", false
}

// reserveToggles reserves every native entry a toggle may rebind: voice
// entries get room for the silent placeholder, language variants for
// each sibling variant.
func reserveToggles(b *view.Builder, arch *archive.Archive) {
	for e := range arch.Entries() {
		if arch.Key() == voiceKey {
			if _, ok := voiceCategory(e.Spec); ok {
				b.Reserve(e.Spec, silentSize)
			}
		}
		base, code, ext, ok := languageVariant(e.Spec.Path)
		if !ok {
			continue
		}
		for _, other := range languageCodes {
			if other == code {
				continue
			}
			if sib, ok := arch.Lookup(pathspec.New(base + "_" + other + ext)); ok {
				b.Reserve(e.Spec, int64(sib.Header.BlockSize)) //nolint:gosec // bounded by the data file size
			}
		}
	}
}
