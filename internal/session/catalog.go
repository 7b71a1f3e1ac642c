package session

import (
	"fmt"
	"os"
	"strings"

	"parable-server/internal/models"

	"gopkg.in/yaml.v3"
)

// Story - описание истории из каталога.
type Story struct {
	ID            string `yaml:"id"`
	Title         string `yaml:"title"`
	SystemPrompt  string `yaml:"system_prompt"`
	OpeningPrompt string `yaml:"opening_prompt"`
}

// Zone - известная локация. Подсказка локации от модели сопоставляется с зонами,
// чтобы изображения одной локации оставались визуально согласованными.
type Zone struct {
	Name        string   `yaml:"name"`
	Keywords    []string `yaml:"keywords"`
	Description string   `yaml:"description"`
}

// Catalog - каталог историй и зон.
type Catalog struct {
	Stories []Story `yaml:"stories"`
	Zones   []Zone  `yaml:"zones"`
}

// StoryProvider отдает истории по идентификатору.
type StoryProvider interface {
	Story(id string) (Story, error)
}

// LoadCatalog читает каталог из YAML файла.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog разбирает каталог из YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Stories))
	for _, s := range c.Stories {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: story without id", models.ErrInvalidInput)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate story id %q", models.ErrInvalidInput, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return &c, nil
}

// Story возвращает историю по идентификатору.
func (c *Catalog) Story(id string) (Story, error) {
	for _, s := range c.Stories {
		if s.ID == id {
			return s, nil
		}
	}
	return Story{}, fmt.Errorf("%w: story %q", models.ErrNotFound, id)
}

// ResolveEnvironment превращает подсказку локации в описание окружения: описание
// совпавшей зоны либо сам текст подсказки.
func (c *Catalog) ResolveEnvironment(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return ""
	}
	lower := strings.ToLower(hint)
	for _, z := range c.Zones {
		if z.Name != "" && strings.Contains(lower, strings.ToLower(z.Name)) {
			return zoneText(z)
		}
		for _, kw := range z.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return zoneText(z)
			}
		}
	}
	return hint
}

func zoneText(z Zone) string {
	if z.Description == "" {
		return z.Name
	}
	return z.Name + ": " + z.Description
}
