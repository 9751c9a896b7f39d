package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/earlence-security/stateful-auth/models"
)

// FormatForPath picks the document format from a file extension.
func FormatForPath(path string) (models.PolicyFormat, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return models.PolicyFormatYAML, true
	case ".json":
		return models.PolicyFormatJSON, true
	}
	return "", false
}

// LoadFile reads and compiles a single policy document.
func LoadFile(path string) (*Policy, error) {
	format, ok := FormatForPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported policy file extension: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p, err := CompileBytes(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// LoadDir compiles every policy document in dir, keyed by policy name.
// Files with other extensions are skipped. Duplicate names are an error.
func LoadDir(dir string) (map[string]*Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := FormatForPath(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make(map[string]*Policy, len(names))
	for _, name := range names {
		p, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, dup := out[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate policy name %q in %s", p.Name(), dir)
		}
		out[p.Name()] = p
	}
	return out, nil
}
