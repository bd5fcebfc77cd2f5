package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zorak1103/velux-active/internal/velux"
)

// yamlDocument is the on-disk layout: account name to token state.
type yamlDocument struct {
	Accounts map[string]velux.TokenState `yaml:"accounts"`
}

// YAMLFile stores token state for every account in one YAML file. Writes go
// to a temporary file that is renamed over the original.
type YAMLFile struct {
	mu   sync.Mutex
	path string
}

var _ Backend = (*YAMLFile)(nil)

// NewYAMLFile returns a backend for path. The file is created on first save.
func NewYAMLFile(path string) *YAMLFile {
	return &YAMLFile{path: path}
}

// LoadTokens implements velux.TokenBackend.
func (f *YAMLFile) LoadTokens(_ context.Context, account string) (velux.TokenState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return velux.TokenState{}, false, err
	}
	st, ok := doc.Accounts[account]
	return st, ok, nil
}

// SaveTokens implements velux.TokenBackend.
func (f *YAMLFile) SaveTokens(_ context.Context, account string, st velux.TokenState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	doc.Accounts[account] = st

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding token file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), dirPermissions); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // write already failed
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := tmp.Chmod(filePermissions); err != nil {
		tmp.Close() //nolint:errcheck // chmod already failed
		return fmt.Errorf("setting token file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}

// read loads the document; a missing file is an empty document.
func (f *YAMLFile) read() (yamlDocument, error) {
	doc := yamlDocument{}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		doc.Accounts = make(map[string]velux.TokenState)
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("reading token file: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parsing token file %s: %w", f.path, err)
	}
	if doc.Accounts == nil {
		doc.Accounts = make(map[string]velux.TokenState)
	}
	return doc, nil
}

// Close implements io.Closer. The file is not held open.
func (f *YAMLFile) Close() error { return nil }
