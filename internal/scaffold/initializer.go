// Package scaffold creates a new Folio project: folio.yml and an example
// document type bundle.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/folio/internal/config"
	"github.com/dyluth/folio/internal/doctype"
	"github.com/dyluth/folio/internal/printer"
)

//go:embed templates/*
var templatesFS embed.FS

const (
	// ConfigFile is the project configuration file name
	ConfigFile = "folio.yml"

	// DocTypesDir is the directory holding document type bundles
	DocTypesDir = "doctypes"
)

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize creates the project structure in dir. If force is true,
// existing folio.yml and doctypes/ are removed first.
func Initialize(dir string, force bool) error {
	if force {
		if err := handleForce(dir); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(dir, DocTypesDir), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", DocTypesDir, err)
	}

	for _, file := range files {
		if err := os.WriteFile(filepath.Join(dir, file.Path), file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	return validateCreatedFiles(dir)
}

func handleForce(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err == nil {
		printer.Warning("Removing existing %s...\n", ConfigFile)
		if err := os.Remove(filepath.Join(dir, ConfigFile)); err != nil {
			return fmt.Errorf("failed to remove %s: %w", ConfigFile, err)
		}
	}

	if info, err := os.Stat(filepath.Join(dir, DocTypesDir)); err == nil && info.IsDir() {
		printer.Warning("Removing existing %s/ directory...\n", DocTypesDir)
		if err := os.RemoveAll(filepath.Join(dir, DocTypesDir)); err != nil {
			return fmt.Errorf("failed to remove %s/ directory: %w", DocTypesDir, err)
		}
	}

	return nil
}

func getTemplateFiles() ([]FileInfo, error) {
	cfg, err := templatesFS.ReadFile("templates/folio.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read folio.yml template: %w", err)
	}
	example, err := templatesFS.ReadFile("templates/training-plan.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read document type template: %w", err)
	}

	return []FileInfo{
		{Path: ConfigFile, Content: cfg, Permissions: 0644},
		{Path: filepath.Join(DocTypesDir, "training-plan.yml"), Content: example, Permissions: 0644},
	}, nil
}

// validateCreatedFiles loads what was written the same way the server will.
func validateCreatedFiles(dir string) error {
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("created %s is invalid: %w", ConfigFile, err)
	}
	if _, err := doctype.LoadDir(filepath.Join(dir, DocTypesDir)); err != nil {
		return fmt.Errorf("created document types are invalid: %w", err)
	}
	return nil
}

// PrintSuccess prints the created files and next steps
func PrintSuccess() {
	printer.Success("Initialized Folio project\n")
	printer.Info("\nCreated:\n")
	printer.Info("  • %s\n", ConfigFile)
	printer.Info("  • %s/training-plan.yml\n", DocTypesDir)
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Export FOLIO_JWT_SECRET for the server and the token command\n")
	printer.Info("  2. Edit %s/training-plan.yml or add your own document types\n", DocTypesDir)
	printer.Info("  3. Run 'folio doctypes validate' and then start folio-server\n")
}
