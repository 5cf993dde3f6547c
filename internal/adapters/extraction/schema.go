package extraction

import (
	"fmt"
	"strings"

	"voice-notes-service/internal/models"
)

// Entity kinds the pipeline accepts from a provider.
var validEntityKinds = map[string]bool{
	"person": true,
	"place":  true,
	"org":    true,
	"date":   true,
	"other":  true,
}

const (
	maxSummaryRunes = 2000
	maxEntities     = 64
	maxTasks        = 32
)

// Validate enforces the strict output schema on an extraction payload.
// Providers are sandboxed behind this check: model output that drifts from
// the contract is rejected before it can reach storage.
func Validate(e *models.Extraction) error {
	if e == nil {
		return fmt.Errorf("extraction is nil")
	}
	if strings.TrimSpace(e.Summary) == "" {
		return fmt.Errorf("summary is empty")
	}
	if n := len([]rune(e.Summary)); n > maxSummaryRunes {
		return fmt.Errorf("summary too long: %d runes", n)
	}
	if len(e.Entities) > maxEntities {
		return fmt.Errorf("too many entities: %d", len(e.Entities))
	}
	for i, ent := range e.Entities {
		if strings.TrimSpace(ent.Name) == "" {
			return fmt.Errorf("entity %d: empty name", i)
		}
		if !validEntityKinds[ent.Kind] {
			return fmt.Errorf("entity %d: unknown kind %q", i, ent.Kind)
		}
	}
	if len(e.Tasks) > maxTasks {
		return fmt.Errorf("too many tasks: %d", len(e.Tasks))
	}
	for i, task := range e.Tasks {
		if strings.TrimSpace(task.Title) == "" {
			return fmt.Errorf("task %d: empty title", i)
		}
	}
	return nil
}
