package voice

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Gender classifies a TTS voice.
type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderNeutral Gender = "neutral"
	GenderUnknown Gender = "unknown"

	// GenderAny is a pick hint, never stored on a voice.
	GenderAny Gender = "any"
)

func parseGender(s string) Gender {
	switch Gender(strings.ToLower(s)) {
	case GenderMale:
		return GenderMale
	case GenderFemale:
		return GenderFemale
	case GenderNeutral:
		return GenderNeutral
	default:
		return GenderUnknown
	}
}

// Info describes one TTS voice.
type Info struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Language     string `json:"language"`
	Gender       Gender `json:"gender"`
	Description  string `json:"description,omitempty"`
	SampleRateHz int    `json:"sample_rate_hz,omitempty"`
	Available    bool   `json:"available"`
}

// Catalog indexes TTS voices by id and by language and routes picks through
// per-language preferences.
type Catalog struct {
	logger *log.Logger

	mu     sync.Mutex
	byID   map[string]Info
	byLang map[string][]string
	prefs  map[string]string
}

// NewCatalog returns an empty catalog.
func NewCatalog(logger *log.Logger) *Catalog {
	return &Catalog{
		logger: logger,
		byID:   make(map[string]Info),
		byLang: make(map[string][]string),
		prefs:  make(map[string]string),
	}
}

// Register adds or replaces a voice.
func (c *Catalog) Register(v Info) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registerLocked(v)
}

func (c *Catalog) registerLocked(v Info) {
	if old, ok := c.byID[v.ID]; ok && old.Language != v.Language {
		c.removeFromLangLocked(old.Language, v.ID)
	}

	fresh := true
	for _, id := range c.byLang[v.Language] {
		if id == v.ID {
			fresh = false
			break
		}
	}

	c.byID[v.ID] = v
	if fresh {
		c.byLang[v.Language] = append(c.byLang[v.Language], v.ID)
	}
	c.sortLangLocked(v.Language)
}

// Remove drops a voice from the catalog. Unknown ids are ignored.
func (c *Catalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.byID[id]
	if !ok {
		return
	}

	delete(c.byID, id)
	c.removeFromLangLocked(v.Language, id)

	for lang, pref := range c.prefs {
		if pref == id {
			delete(c.prefs, lang)
		}
	}
}

// SetAvailable flips a voice's availability flag.
func (c *Catalog) SetAvailable(id string, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.byID[id]; ok {
		v.Available = available
		c.byID[id] = v
	}
}

// Get returns the voice with the given id.
func (c *Catalog) Get(id string) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.byID[id]

	return v, ok
}

// VoicesFor returns the voices for a language, sorted by human name.
func (c *Catalog) VoicesFor(lang string) []Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.byLang[lang]
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.byID[id])
	}

	return out
}

// SupportedLanguages returns every language with at least one voice, sorted.
func (c *Catalog) SupportedLanguages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.byLang))
	for lang, ids := range c.byLang {
		if len(ids) > 0 {
			out = append(out, lang)
		}
	}
	sort.Strings(out)

	return out
}

// SetPreference binds a language to a voice. Unavailable or unknown voices
// are refused.
func (c *Catalog) SetPreference(lang, voiceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.byID[voiceID]
	if !ok {
		return fmt.Errorf("voice %s is not registered", voiceID)
	}
	if v.Language != lang {
		return fmt.Errorf("voice %s belongs to %s, not %s", voiceID, v.Language, lang)
	}
	if !v.Available {
		return fmt.Errorf("voice %s is not available", voiceID)
	}

	c.prefs[lang] = voiceID

	return nil
}

// Preference returns the preferred voice for a language, if set.
func (c *Catalog) Preference(lang string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.prefs[lang]

	return id, ok
}

// Pick chooses a voice id for a language: an available preference wins,
// then the first available gender match, then the first available voice.
// Returns "" when no voice for the language is available.
func (c *Catalog) Pick(lang string, preferred Gender) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.prefs[lang]; ok {
		if v, ok := c.byID[id]; ok && v.Available {
			return id
		}
	}

	if preferred != GenderAny && preferred != "" {
		for _, id := range c.byLang[lang] {
			if v := c.byID[id]; v.Available && v.Gender == preferred {
				return id
			}
		}
	}

	for _, id := range c.byLang[lang] {
		if v := c.byID[id]; v.Available {
			return id
		}
	}

	return ""
}

// Refresh scans a directory of PCM WAV files and registers a voice per
// file. Filenames follow "<lang>_<gender>_<name>.wav"; files that do not
// parse are skipped. Returns the number of voices registered.
func (c *Catalog) Refresh(fs afero.Fs, dir string) (int, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return 0, fmt.Errorf("scanning voice dir %s: %w", dir, err)
	}

	registered := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wav" {
			continue
		}

		stem := strings.TrimSuffix(entry.Name(), ".wav")
		parts := strings.SplitN(stem, "_", 3)
		if len(parts) != 3 {
			c.logger.Debugf("Skipping voice file %s: unrecognized name", entry.Name())
			continue
		}

		info, err := ProbeWAV(fs, filepath.Join(dir, entry.Name()))
		if err != nil {
			c.logger.Warnf("Skipping voice file %s: %v", entry.Name(), err)
			continue
		}

		c.mu.Lock()
		c.registerLocked(Info{
			ID:           stem,
			Name:         parts[2],
			Language:     parts[0],
			Gender:       parseGender(parts[1]),
			SampleRateHz: info.SampleRateHz,
			Available:    true,
		})
		c.mu.Unlock()
		registered++
	}

	c.logger.Infof("Voice catalog refreshed: %d voices from %s", registered, dir)

	return registered, nil
}

// Count returns the number of registered voices.
func (c *Catalog) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.byID)
}

func (c *Catalog) removeFromLangLocked(lang, id string) {
	ids := c.byLang[lang]
	for i, got := range ids {
		if got == id {
			c.byLang[lang] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(c.byLang[lang]) == 0 {
		delete(c.byLang, lang)
	}
}

func (c *Catalog) sortLangLocked(lang string) {
	ids := c.byLang[lang]
	sort.Slice(ids, func(i, j int) bool {
		return c.byID[ids[i]].Name < c.byID[ids[j]].Name
	})
}
