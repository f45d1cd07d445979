package patterns

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/resources"
)

const defaultCorpus = "templates/default.yaml"

type corpusFile struct {
	Templates []corpusEntry `yaml:"templates"`
}

type corpusEntry struct {
	Language  string   `yaml:"language"`
	Category  string   `yaml:"category"`
	Threshold float64  `yaml:"threshold"`
	Action    string   `yaml:"action"`
	Enabled   *bool    `yaml:"enabled"`
	Patterns  []string `yaml:"patterns"`
}

// LoadFile reads a YAML template corpus from disk.
func LoadFile(path string) ([]*db.SpamTemplate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// LoadDefault reads the corpus shipped with the binary.
func LoadDefault() ([]*db.SpamTemplate, error) {
	f, err := resources.FS.Open(defaultCorpus)
	if err != nil {
		return nil, fmt.Errorf("open default corpus: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) ([]*db.SpamTemplate, error) {
	var file corpusFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode corpus: %w", err)
	}
	templates := make([]*db.SpamTemplate, 0, len(file.Templates))
	for i, e := range file.Templates {
		if strings.TrimSpace(e.Category) == "" {
			return nil, fmt.Errorf("template %d: category is required", i)
		}
		patterns := make(db.StringList, 0, len(e.Patterns))
		for _, p := range e.Patterns {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		if len(patterns) == 0 {
			return nil, fmt.Errorf("template %d (%s): no patterns", i, e.Category)
		}
		language := strings.ToLower(strings.TrimSpace(e.Language))
		if language == "" {
			language = WildcardLanguage
		}
		threshold := e.Threshold
		if threshold <= 0 || threshold > 1 {
			threshold = DefaultThreshold
		}
		action := e.Action
		if action == "" {
			action = "delete"
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		templates = append(templates, &db.SpamTemplate{
			Language:            language,
			Category:            e.Category,
			Patterns:            patterns,
			SimilarityThreshold: threshold,
			Action:              action,
			Enabled:             enabled,
		})
	}
	return templates, nil
}

type templateWriter interface {
	UpsertSpamTemplate(ctx context.Context, tpl *db.SpamTemplate) (*db.SpamTemplate, error)
}

// Import upserts templates and returns how many were written.
func Import(ctx context.Context, store templateWriter, templates []*db.SpamTemplate) (int, error) {
	n := 0
	for _, tpl := range templates {
		if _, err := store.UpsertSpamTemplate(ctx, tpl); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
