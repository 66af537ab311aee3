// Package registry discovers installed analysis model plugins at process
// start. A plugin is one subdirectory of the registry root containing both a
// config.yaml and a model.py entry-point file; the directory name is the model
// id. The catalog is built once at startup; plugins added while the process
// is running are not picked up until restart.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Well-known filenames inside a plugin directory.
const (
	ConfigFile     = "config.yaml"
	EntryPointFile = "model.py"
)

// ErrRootNotFound is returned by Open when none of the candidate registry
// roots exist on disk.
var ErrRootNotFound = errors.New("model registry root not found")

// Entry is one discovered plugin. An Entry exists only if both the config and
// the entry-point file were present and the config parsed and validated.
// Entries are immutable after the scan.
type Entry struct {
	ID             string      `json:"id"`
	Config         ModelConfig `json:"config"`
	EntryPointPath string      `json:"entry_point"`
	Dir            string      `json:"directory"`
}

// Registry is the immutable catalog of discovered plugins.
type Registry struct {
	root    string
	entries map[string]*Entry
}

// Locate probes candidates in order and returns the first path that exists
// and is a directory.
func Locate(candidates []string) (string, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		info, err := os.Stat(c)
		if err == nil && info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v", ErrRootNotFound, candidates)
}

// Open locates the registry root and scans it. Absence of every candidate
// root is fatal here: the executor cannot run without a catalog. Individual
// broken plugins are skipped with a warning, never aborting the scan.
func Open(logger *slog.Logger, candidates []string) (*Registry, error) {
	root, err := Locate(candidates)
	if err != nil {
		return nil, err
	}
	return &Registry{root: root, entries: scanRoot(logger, root)}, nil
}

// Scan is the lenient variant used for listing-only access: when no candidate
// root exists it logs and returns an empty catalog instead of failing.
func Scan(logger *slog.Logger, candidates []string) *Registry {
	root, err := Locate(candidates)
	if err != nil {
		logger.Warn("model registry root not found, no models available", "candidates", candidates)
		return &Registry{entries: map[string]*Entry{}}
	}
	return &Registry{root: root, entries: scanRoot(logger, root)}
}

// scanRoot builds the catalog from the immediate subdirectories of root.
func scanRoot(logger *slog.Logger, root string) map[string]*Entry {
	entries := map[string]*Entry{}

	dirents, err := os.ReadDir(root)
	if err != nil {
		logger.Warn("read registry root", "root", root, "error", err)
		return entries
	}

	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		id := d.Name()
		dir := filepath.Join(root, id)
		configPath := filepath.Join(dir, ConfigFile)
		entryPath := filepath.Join(dir, EntryPointFile)

		if !fileExists(configPath) || !fileExists(entryPath) {
			logger.Debug("skipping candidate without config or entry point", "model_id", id)
			continue
		}

		data, err := os.ReadFile(configPath)
		if err != nil {
			logger.Warn("failed to load model config", "model_id", id, "error", err)
			continue
		}
		cfg, err := parseConfig(data)
		if err != nil {
			logger.Warn("failed to load model config", "model_id", id, "error", err)
			continue
		}

		entries[id] = &Entry{
			ID:             id,
			Config:         cfg,
			EntryPointPath: entryPath,
			Dir:            dir,
		}
	}

	logger.Info("model registry scanned", "root", root, "models", len(entries))
	return entries
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Root returns the registry root directory, empty for an absent-root catalog.
func (r *Registry) Root() string {
	return r.root
}

// Get returns the entry for the given model id.
func (r *Registry) Get(id string) (*Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// List returns all entries sorted by id for stable API responses.
func (r *Registry) List() []*Entry {
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the sorted model ids currently in the catalog.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of discovered models.
func (r *Registry) Len() int {
	return len(r.entries)
}
