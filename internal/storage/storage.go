package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Role names one of the directories owned by the application.
type Role string

const (
	RoleInput    Role = "input"
	RoleOutput   Role = "output"
	RoleSettings Role = "settings"
)

const (
	settingsFileName = "settings.json"
	metadataFileName = "metadata.json"
)

var (
	// ErrAlreadyInitialized is returned when a base directory is initialized twice in one process.
	ErrAlreadyInitialized = errors.New("storage: base directory already initialized")
	// ErrNotClearable is returned by Clear for roles that are not queues.
	ErrNotClearable = errors.New("storage: role cannot be cleared")
)

var (
	claimedMu sync.Mutex
	claimed   = make(map[string]struct{})
)

// Layout holds the resolved directory paths for one application base directory.
// It is read-only once returned by Initialize.
type Layout struct {
	baseDir     string
	inputDir    string
	outputDir   string
	settingsDir string
}

// Initialize creates the input, output and settings directories under baseDir
// and returns their layout. Each base directory may be initialized once per process.
func Initialize(baseDir string) (*Layout, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	claimedMu.Lock()
	defer claimedMu.Unlock()
	if _, ok := claimed[abs]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, abs)
	}

	l := &Layout{
		baseDir:     abs,
		inputDir:    filepath.Join(abs, string(RoleInput)),
		outputDir:   filepath.Join(abs, string(RoleOutput)),
		settingsDir: filepath.Join(abs, string(RoleSettings)),
	}
	for _, dir := range []string{l.inputDir, l.outputDir, l.settingsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	claimed[abs] = struct{}{}
	return l, nil
}

// BaseDir returns the application base directory.
func (l *Layout) BaseDir() string { return l.baseDir }

// InputDir returns the input queue directory.
func (l *Layout) InputDir() string { return l.inputDir }

// OutputDir returns the output queue directory.
func (l *Layout) OutputDir() string { return l.outputDir }

// SettingsDir returns the settings directory.
func (l *Layout) SettingsDir() string { return l.settingsDir }

// SettingsPath returns the path of the settings file.
func (l *Layout) SettingsPath() string {
	return filepath.Join(l.settingsDir, settingsFileName)
}

// MetadataPath returns the path of the metadata file, stored next to the input/output pair.
func (l *Layout) MetadataPath() string {
	return filepath.Join(l.baseDir, metadataFileName)
}

// Dir returns the directory for a role.
func (l *Layout) Dir(role Role) (string, error) {
	switch role {
	case RoleInput:
		return l.inputDir, nil
	case RoleOutput:
		return l.outputDir, nil
	case RoleSettings:
		return l.settingsDir, nil
	default:
		return "", fmt.Errorf("storage: unknown role %q", role)
	}
}

// Clear deletes the directory for role and recreates it empty.
// On error the directory state is unspecified and the caller must retry or abort the run.
func (l *Layout) Clear(role Role) error {
	if role != RoleInput && role != RoleOutput {
		return fmt.Errorf("%w: %s", ErrNotClearable, role)
	}
	dir, err := l.Dir(role)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s directory: %w", role, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("recreate %s directory: %w", role, err)
	}
	return nil
}

// ListFiles returns the regular files directly inside the role directory, sorted by name.
func (l *Layout) ListFiles(role Role) ([]string, error) {
	dir, err := l.Dir(role)
	if err != nil {
		return nil, err
	}
	return ListFiles(dir)
}

// ListFiles returns the regular files directly inside dir, sorted by name.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}
