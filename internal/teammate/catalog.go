package teammate

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Teammate is one addressable agent persona.
type Teammate struct {
	Key          string `yaml:"key"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	Disabled     bool   `yaml:"disabled"`
}

type catalogFile struct {
	Teammates []Teammate `yaml:"teammates"`
}

// Catalog is the fixed set of teammates the service knows about, in file order.
type Catalog struct {
	order []string
	byKey map[string]Teammate
}

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("teammate: read %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog unmarshals and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("teammate: parse: %w", err)
	}

	c := &Catalog{byKey: make(map[string]Teammate, len(f.Teammates))}
	var errs []string
	for i, t := range f.Teammates {
		t.Key = strings.ToLower(strings.TrimSpace(t.Key))
		switch {
		case !keyPattern.MatchString(t.Key):
			errs = append(errs, fmt.Sprintf("teammates[%d].key %q is invalid", i, t.Key))
			continue
		case c.has(t.Key):
			errs = append(errs, fmt.Sprintf("teammates[%d].key %q is duplicated", i, t.Key))
			continue
		}
		if t.Name == "" {
			t.Name = TitleKey(t.Key)
		}
		c.order = append(c.order, t.Key)
		c.byKey[t.Key] = t
	}
	if len(c.order) == 0 {
		errs = append(errs, "at least one teammate is required")
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("teammate: validation failed: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

// NewCatalog builds a catalog from teammates already in memory.
func NewCatalog(teammates ...Teammate) *Catalog {
	c := &Catalog{byKey: make(map[string]Teammate, len(teammates))}
	for _, t := range teammates {
		if t.Name == "" {
			t.Name = TitleKey(t.Key)
		}
		if !c.has(t.Key) {
			c.order = append(c.order, t.Key)
		}
		c.byKey[t.Key] = t
	}
	return c
}

func (c *Catalog) has(key string) bool {
	_, ok := c.byKey[key]
	return ok
}

func (c *Catalog) Get(key string) (Teammate, bool) {
	t, ok := c.byKey[key]
	return t, ok
}

// Keys returns every key in catalog order, disabled teammates included.
func (c *Catalog) Keys() []string {
	return append([]string(nil), c.order...)
}

// DisplayName returns the teammate's configured name, or the title-cased key for
// keys the catalog does not know.
func (c *Catalog) DisplayName(key string) string {
	if t, ok := c.byKey[key]; ok {
		return t.Name
	}
	return TitleKey(key)
}

// TitleKey turns "data-analyst" into "Data-Analyst".
func TitleKey(key string) string {
	// a Caser keeps state, so it is not shared between goroutines
	return cases.Title(language.English).String(key)
}
