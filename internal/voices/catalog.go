package voices

import (
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	defaultLanguages = []string{"fr-fr", "en-us", "ar-MA"}
	defaultSpeakers  = []string{"female-pt-4", "male-en-1"}

	languageAliases = map[string]string{
		"fr": "fr-fr",
		"en": "en-us",
		"ar": "ar-MA",
	}
)

type catalogFile struct {
	Languages []string `yaml:"languages"`
	Speakers  []string `yaml:"speakers"`
}

// Catalog is the immutable set of languages and speakers accepted by the
// service. It is built once at startup and shared by reference.
type Catalog struct {
	languages []string
	speakers  []string
	langSet   map[string]struct{}
	spkSet    map[string]struct{}
}

// LoadCatalog reads the catalog file at path. Any read or parse failure falls
// back to the built-in lists; a missing or empty list falls back individually.
func LoadCatalog(path string, log *slog.Logger) *Catalog {
	var file catalogFile
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("voice catalog unreadable, using defaults", slog.String("path", path), slog.String("error", err.Error()))
	} else if err := yaml.Unmarshal(data, &file); err != nil {
		log.Warn("voice catalog malformed, using defaults", slog.String("path", path), slog.String("error", err.Error()))
		file = catalogFile{}
	}

	c := NewCatalog(file.Languages, file.Speakers)
	log.Info("voice catalog loaded",
		slog.Int("languages", len(c.languages)),
		slog.Int("speakers", len(c.speakers)))
	return c
}

// NewCatalog builds a catalog from explicit lists. Empty input lists are
// replaced with the defaults.
func NewCatalog(languages, speakers []string) *Catalog {
	langs := dedupe(languages)
	if len(langs) == 0 {
		langs = dedupe(defaultLanguages)
	}
	spks := dedupe(speakers)
	if len(spks) == 0 {
		spks = dedupe(defaultSpeakers)
	}
	return &Catalog{
		languages: langs,
		speakers:  spks,
		langSet:   toSet(langs),
		spkSet:    toSet(spks),
	}
}

func (c *Catalog) Languages() []string { return append([]string(nil), c.languages...) }

func (c *Catalog) Speakers() []string { return append([]string(nil), c.speakers...) }

func (c *Catalog) HasLanguage(code string) bool {
	_, ok := c.langSet[code]
	return ok
}

func (c *Catalog) HasSpeaker(name string) bool {
	_, ok := c.spkSet[name]
	return ok
}

// NormalizeLanguage maps short codes to full locale codes. Unknown codes are
// returned trimmed but otherwise unchanged.
func NormalizeLanguage(code string) string {
	code = strings.TrimSpace(code)
	if full, ok := languageAliases[strings.ToLower(code)]; ok {
		return full
	}
	return code
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
