package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckExisting returns an error if dir already holds folio.yml or a
// doctypes/ directory.
func CheckExisting(dir string) error {
	var existing []string

	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err == nil {
		existing = append(existing, ConfigFile)
	}
	if info, err := os.Stat(filepath.Join(dir, DocTypesDir)); err == nil && info.IsDir() {
		existing = append(existing, DocTypesDir+"/")
	}

	if len(existing) > 0 {
		return &ExistingError{Files: existing}
	}
	return nil
}

// ExistingError reports files that block initialization.
type ExistingError struct {
	Files []string
}

func (e *ExistingError) Error() string {
	return fmt.Sprintf("project already initialized (found %s)", strings.Join(e.Files, ", "))
}
