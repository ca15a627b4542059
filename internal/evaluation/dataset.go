package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ragops/backend/internal/storage/models"
)

var ErrDatasetNotFound = errors.New("dataset not found")

// Library loads evaluation datasets from JSON files in a directory. The
// dataset name is the file name without extension.
type Library struct {
	dir string
}

type DatasetInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CaseCount   int    `json:"case_count"`
}

func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

func (l *Library) List() ([]DatasetInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read dataset directory: %w", err)
	}

	var infos []DatasetInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		dataset, err := l.Load(name)
		if err != nil {
			continue
		}
		infos = append(infos, DatasetInfo{
			Name:        name,
			Description: dataset.Description,
			CaseCount:   len(dataset.Cases),
		})
	}

	return infos, nil
}

// Load reads and validates a dataset. A malformed dataset is an error for
// the whole run, never a per-case one.
func (l *Library) Load(name string) (*models.EvalDataset, error) {
	path := filepath.Join(l.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, name)
		}
		return nil, fmt.Errorf("failed to read dataset %s: %w", name, err)
	}

	var dataset models.EvalDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", name, err)
	}
	if dataset.Name == "" {
		dataset.Name = name
	}

	if err := validateDataset(&dataset); err != nil {
		return nil, fmt.Errorf("invalid dataset %s: %w", name, err)
	}

	return &dataset, nil
}

func validateDataset(dataset *models.EvalDataset) error {
	if len(dataset.Cases) == 0 {
		return errors.New("dataset has no cases")
	}

	seen := make(map[string]bool)
	for i, c := range dataset.Cases {
		if c.CaseID == "" {
			return fmt.Errorf("case %d has no case_id", i)
		}
		if seen[c.CaseID] {
			return fmt.Errorf("duplicate case_id %q", c.CaseID)
		}
		seen[c.CaseID] = true
		if strings.TrimSpace(c.Question) == "" {
			return fmt.Errorf("case %q has no question", c.CaseID)
		}
	}

	return nil
}
