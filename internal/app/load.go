package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/pipegrid/internal/config"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/hcl_adapter"
	"github.com/vk/pipegrid/internal/yaml_adapter"
)

// ErrUnknownFormat is returned for definitions in a format no loader reads.
var ErrUnknownFormat = errors.New("unknown definition format")

// LoaderFor returns the loader for format: "hcl", "yaml" or "yml".
func LoaderFor(format string) (config.Loader, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "hcl":
		return hcl_adapter.NewLoader(), nil
	case "yaml", "yml":
		return yaml_adapter.NewLoader(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// formatOf picks the format from the file extension. Directories hold HCL
// files.
func formatOf(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return "hcl"
	}
	return filepath.Ext(path)
}

// LoadPipeline reads the definition at path with the loader matching its
// extension.
func (a *App) LoadPipeline(ctx context.Context, path string) (*config.Pipeline, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	loader, err := LoaderFor(formatOf(path))
	if err != nil {
		return nil, err
	}
	p, err := loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Pipeline loaded.", "pipeline", p.Name, "jobs", len(p.Jobs), "source", path)
	return p, nil
}

// ParsePipeline translates an in-memory definition in the given format.
func (a *App) ParsePipeline(ctx context.Context, format, filename string, src []byte) (*config.Pipeline, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	loader, err := LoaderFor(format)
	if err != nil {
		return nil, err
	}
	return loader.Parse(ctx, filename, src)
}
