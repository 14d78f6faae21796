// Package locale holds the localized notice catalogs. Catalogs are flat YAML
// maps of key to template; "{{name}}" placeholders are filled from vars.
// English is complete and every other language falls back to it per key.
package locale

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//go:embed catalogs/*.yaml
var builtin embed.FS

// Catalog resolves message keys per language.
type Catalog struct {
	langs    map[string]map[string]string
	fallback string
}

// aliases maps language names users store in their profile to catalog codes.
var aliases = map[string]string{
	"english":  "en",
	"french":   "fr",
	"français": "fr",
	"japanese": "ja",
	"日本語":      "ja",
}

// Load reads the built-in catalogs, then any <lang>.yaml files in dir, which
// override built-in keys. dir may be empty.
func Load(dir, fallback string) (*Catalog, error) {
	if fallback == "" {
		fallback = "en"
	}
	c := &Catalog{langs: map[string]map[string]string{}, fallback: fallback}

	entries, err := builtin.ReadDir("catalogs")
	if err != nil {
		return nil, fmt.Errorf("locale: failed to list built-in catalogs: %w", err)
	}
	for _, e := range entries {
		data, err := builtin.ReadFile("catalogs/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("locale: failed to read %s: %w", e.Name(), err)
		}
		if err := c.merge(strings.TrimSuffix(e.Name(), ".yaml"), data); err != nil {
			return nil, err
		}
	}

	if dir != "" {
		files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
		if err != nil {
			return nil, fmt.Errorf("locale: bad catalog dir: %w", err)
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("locale: failed to read %s: %w", f, err)
			}
			if err := c.merge(strings.TrimSuffix(filepath.Base(f), ".yaml"), data); err != nil {
				return nil, err
			}
		}
	}

	if _, ok := c.langs[c.fallback]; !ok {
		return nil, fmt.Errorf("locale: no catalog for fallback language %q", c.fallback)
	}
	log.WithField("languages", len(c.langs)).Debug("locale catalogs loaded")
	return c, nil
}

// MustLoadBuiltin returns the built-in catalogs. It panics if they are broken,
// which only a bad build can cause.
func MustLoadBuiltin() *Catalog {
	c, err := Load("", "en")
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) merge(lang string, data []byte) error {
	var m map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("locale: failed to parse %s catalog: %w", lang, err)
	}
	lang = strings.ToLower(lang)
	if c.langs[lang] == nil {
		c.langs[lang] = map[string]string{}
	}
	for k, v := range m {
		c.langs[lang][k] = v
	}
	return nil
}

// Code normalizes a stored language ("ja", "Japanese", "en-US") to a catalog
// code, or the fallback when unknown.
func (c *Catalog) Code(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if code, ok := aliases[l]; ok {
		return code
	}
	if i := strings.IndexAny(l, "-_"); i > 0 {
		l = l[:i]
	}
	if _, ok := c.langs[l]; ok {
		return l
	}
	return c.fallback
}

// T renders key in lang. Unknown keys render as the key itself.
func (c *Catalog) T(lang, key string, vars map[string]string) string {
	tmpl, ok := c.langs[c.Code(lang)][key]
	if !ok {
		tmpl, ok = c.langs[c.fallback][key]
	}
	if !ok {
		log.WithFields(log.Fields{"lang": lang, "key": key}).Warn("missing locale key")
		return key
	}
	for name, value := range vars {
		tmpl = strings.ReplaceAll(tmpl, "{{"+name+"}}", value)
	}
	return tmpl
}

// Name returns the English name of lang, for use inside model prompts.
func (c *Catalog) Name(lang string) string {
	return c.T(lang, "language_name", nil)
}
