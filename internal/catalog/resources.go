package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ResourceDir is the catalog subdirectory holding engine definitions.
const ResourceDir = "resources"

// Resources loads engine definition files from a catalog's resources directory.
type Resources struct {
	root string
}

// NewResources serves resources from dir/resources.
func NewResources(dir string) *Resources {
	return &Resources{root: filepath.Join(dir, ResourceDir)}
}

// Load returns the content of the named resource. Names must stay inside
// the resources directory.
func (r *Resources) Load(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("invalid resource name %q", name)
	}
	content, err := os.ReadFile(filepath.Join(r.root, name))
	if err != nil {
		return nil, fmt.Errorf("load resource %q: %w", name, err)
	}
	return content, nil
}
