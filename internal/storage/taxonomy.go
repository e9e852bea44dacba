package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"gopkg.in/yaml.v3"
)

// Taxonomy is the seed file layout for categories and authors.
type Taxonomy struct {
	Categories []domain.Category `json:"categories" yaml:"categories"`
	Authors    []domain.Author   `json:"authors" yaml:"authors"`
}

// LoadTaxonomy reads a YAML or JSON taxonomy seed file.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("taxonomy file path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy file: %w", err)
	}
	return ParseTaxonomy(raw, filepath.Ext(path))
}

// ParseTaxonomy decodes and validates taxonomy content.
func ParseTaxonomy(data []byte, ext string) (*Taxonomy, error) {
	var t Taxonomy
	var err error
	switch strings.ToLower(strings.TrimSpace(ext)) {
	case ".json":
		err = json.Unmarshal(data, &t)
	default:
		err = yaml.Unmarshal(data, &t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode taxonomy: %w", err)
	}

	seenCat := make(map[int64]struct{}, len(t.Categories))
	for i := range t.Categories {
		c := &t.Categories[i]
		c.Name = strings.TrimSpace(c.Name)
		if c.ID <= 0 || c.Name == "" {
			return nil, fmt.Errorf("categories[%d]: id and name are required", i)
		}
		if _, dup := seenCat[c.ID]; dup {
			return nil, fmt.Errorf("duplicate category id %d", c.ID)
		}
		seenCat[c.ID] = struct{}{}
	}

	seenAuthor := make(map[int64]struct{}, len(t.Authors))
	for i := range t.Authors {
		a := &t.Authors[i]
		a.Name = strings.TrimSpace(a.Name)
		if a.ID <= 0 || a.Name == "" {
			return nil, fmt.Errorf("authors[%d]: id and name are required", i)
		}
		if _, dup := seenAuthor[a.ID]; dup {
			return nil, fmt.Errorf("duplicate author id %d", a.ID)
		}
		seenAuthor[a.ID] = struct{}{}
	}
	return &t, nil
}
