package challenge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Question is a coding-duel exercise. TimeLimit of zero means the
// orchestrator's default applies.
type Question struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Prompt     string        `json:"prompt"`
	Difficulty string        `json:"difficulty"`
	TimeLimit  time.Duration `json:"timeLimit"`
	TotalTests int           `json:"totalTests"`
}

// yamlQuestionFile is the top-level YAML structure for question files.
type yamlQuestionFile struct {
	Questions []yamlQuestion `yaml:"questions"`
}

// yamlQuestion is the YAML representation of a question.
type yamlQuestion struct {
	ID         string `yaml:"id"`
	Title      string `yaml:"title"`
	Prompt     string `yaml:"prompt"`
	Difficulty string `yaml:"difficulty"`
	TimeLimit  string `yaml:"time_limit"`
	TotalTests int    `yaml:"total_tests"`
}

// Catalog is an immutable set of questions keyed by id.
type Catalog struct {
	questions map[string]Question
}

// Get returns the question with the given id.
//
// Postcondition: Returns (question, true) if found, or (zero, false) otherwise.
func (c *Catalog) Get(id string) (Question, bool) {
	q, ok := c.questions[id]
	return q, ok
}

// Len returns the number of questions in the catalog.
func (c *Catalog) Len() int {
	return len(c.questions)
}

// IDs returns all question ids in the catalog.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.questions))
	for id := range c.questions {
		ids = append(ids, id)
	}
	return ids
}

// LoadCatalogFromBytes parses and validates a question catalog from YAML.
//
// Precondition: data must be valid YAML conforming to the question schema.
// Postcondition: Returns a validated Catalog or a non-nil error.
func LoadCatalogFromBytes(data []byte) (*Catalog, error) {
	var file yamlQuestionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing question YAML: %w", err)
	}

	c := &Catalog{questions: make(map[string]Question, len(file.Questions))}
	for i, yq := range file.Questions {
		q, err := convertYAMLQuestion(yq)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		if _, dup := c.questions[q.ID]; dup {
			return nil, fmt.Errorf("duplicate question id %q", q.ID)
		}
		c.questions[q.ID] = q
	}
	return c, nil
}

// LoadCatalogFromDir loads all YAML files in a directory into one catalog.
//
// Precondition: dir must be a valid directory path.
// Postcondition: Returns the merged catalog or the first error encountered.
func LoadCatalogFromDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading questions dir %s: %w", dir, err)
	}

	merged := &Catalog{questions: make(map[string]Question)}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading question file %s: %w", name, err)
		}
		c, err := LoadCatalogFromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
		for id, q := range c.questions {
			if _, dup := merged.questions[id]; dup {
				return nil, fmt.Errorf("duplicate question id %q in %s", id, name)
			}
			merged.questions[id] = q
		}
	}
	return merged, nil
}

func convertYAMLQuestion(yq yamlQuestion) (Question, error) {
	if yq.ID == "" {
		return Question{}, fmt.Errorf("id must not be empty")
	}
	if yq.Title == "" {
		return Question{}, fmt.Errorf("title must not be empty")
	}
	if yq.TotalTests < 1 {
		return Question{}, fmt.Errorf("total_tests must be >= 1, got %d", yq.TotalTests)
	}

	var limit time.Duration
	if yq.TimeLimit != "" {
		parsed, err := time.ParseDuration(yq.TimeLimit)
		if err != nil {
			return Question{}, fmt.Errorf("parsing time_limit %q: %w", yq.TimeLimit, err)
		}
		if parsed <= 0 {
			return Question{}, fmt.Errorf("time_limit must be positive, got %s", yq.TimeLimit)
		}
		limit = parsed
	}

	return Question{
		ID:         yq.ID,
		Title:      yq.Title,
		Prompt:     yq.Prompt,
		Difficulty: yq.Difficulty,
		TimeLimit:  limit,
		TotalTests: yq.TotalTests,
	}, nil
}
