package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClassCatalog maps prediction indices to class names. It is loaded once and
// never mutated, so an index handed to a client keeps its meaning for the
// lifetime of the process.
type ClassCatalog struct {
	Version int      `yaml:"version" json:"version"`
	Classes []string `yaml:"classes" json:"classes"`

	index map[string]int
}

// NewCatalog builds a catalog and checks that class names are unique and
// non-empty.
func NewCatalog(version int, classes []string) (*ClassCatalog, error) {
	if len(classes) == 0 {
		return nil, errors.New("catalog: no classes")
	}
	c := &ClassCatalog{
		Version: version,
		Classes: append([]string(nil), classes...),
		index:   make(map[string]int, len(classes)),
	}
	for i, name := range c.Classes {
		if name == "" {
			return nil, fmt.Errorf("catalog: empty class name at index %d", i)
		}
		if _, dup := c.index[name]; dup {
			return nil, fmt.Errorf("catalog: duplicate class %q", name)
		}
		c.index[name] = i
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*ClassCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var doc struct {
		Version int      `yaml:"version"`
		Classes []string `yaml:"classes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return NewCatalog(doc.Version, doc.Classes)
}

// ScanCatalog builds a catalog from the immediate subdirectories of dir that
// contain at least one regular file, in lexicographic order.
func ScanCatalog(dir string, version int) (*ClassCatalog, error) {
	classes, err := ScanClassDirs(dir)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("catalog: %s: %w", dir, ErrNoData)
	}
	return NewCatalog(version, classes)
}

// ScanClassDirs lists the immediate subdirectories of dir holding at least one
// visible regular file, sorted lexicographically. A missing dir yields an
// empty list.
func ScanClassDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var classes []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.Type().IsRegular() && !strings.HasPrefix(f.Name(), ".") {
				classes = append(classes, entry.Name())
				break
			}
		}
	}
	sort.Strings(classes)
	return classes, nil
}

// Save writes the catalog as YAML, replacing the file atomically.
func (c *ClassCatalog) Save(path string) error {
	data, err := yaml.Marshal(struct {
		Version int      `yaml:"version"`
		Classes []string `yaml:"classes"`
	}{c.Version, c.Classes})
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	return WriteFileAtomic(path, data, 0644)
}

func (c *ClassCatalog) Len() int {
	return len(c.Classes)
}

// Name returns the class at index i.
func (c *ClassCatalog) Name(i int) (string, bool) {
	if i < 0 || i >= len(c.Classes) {
		return "", false
	}
	return c.Classes[i], true
}

// Index returns the position of a class name.
func (c *ClassCatalog) Index(name string) (int, bool) {
	i, ok := c.index[name]
	return i, ok
}

// OneHot returns the one-hot label vector for a class index.
func (c *ClassCatalog) OneHot(i int) []float32 {
	v := make([]float32, len(c.Classes))
	v[i] = 1
	return v
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
