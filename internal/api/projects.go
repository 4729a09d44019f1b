package api

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/datadrivensurveys/dds/internal/models"
)

// ProjectSource supplies project configuration to the engine. The
// admin/CRUD surface owns the definitions; the engine reads them.
type ProjectSource interface {
	ProjectConfig(projectID string) (*models.ProjectConfig, error)
}

// FileProjectSource loads project configurations from a JSON file once
// at startup. It stands in for the external admin surface when the
// engine runs on its own.
type FileProjectSource struct {
	projects map[string]models.ProjectConfig
}

func NewFileProjectSource(path string) (*FileProjectSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read projects file: %w", err)
	}
	var projects []models.ProjectConfig
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("decode projects file: %w", err)
	}
	byID := make(map[string]models.ProjectConfig, len(projects))
	for _, p := range projects {
		if _, ok := byID[p.ProjectID]; ok {
			return nil, fmt.Errorf("duplicate project id %q", p.ProjectID)
		}
		byID[p.ProjectID] = p
	}
	return &FileProjectSource{projects: byID}, nil
}

func (s *FileProjectSource) ProjectConfig(projectID string) (*models.ProjectConfig, error) {
	p, ok := s.projects[projectID]
	if !ok {
		return nil, models.NewNotFoundError("unknown project " + projectID)
	}
	return &p, nil
}
