// Package hcl_adapter loads pipeline definitions written in HCL into the
// format-agnostic config model.
package hcl_adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/pipegrid/internal/config"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/fsutil"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

// NewLoader creates a new HCL pipeline loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads a single .hcl file, or every .hcl file below a directory, and
// merges all blocks found into one pipeline.
func (l *Loader) Load(ctx context.Context, path string) (*config.Pipeline, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path", path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("error accessing path %s: %w", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", path, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no .hcl files found in %s", path)
		}
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	parser := hclparse.NewParser()
	model := &config.Pipeline{Source: path}
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		if err := l.decodeInto(ctx, file, hclFile, model); err != nil {
			return nil, err
		}
	}

	l.defaultName(model, path)
	logger.Debug("HCL loading complete.", "pipeline", model.Name, "jobs", len(model.Jobs))
	return model, nil
}

// Parse decodes a single in-memory HCL document.
func (l *Loader) Parse(ctx context.Context, filename string, src []byte) (*config.Pipeline, error) {
	hclFile, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	model := &config.Pipeline{Source: filename}
	if err := l.decodeInto(ctx, filename, hclFile, model); err != nil {
		return nil, err
	}
	l.defaultName(model, filename)
	return model, nil
}

func (l *Loader) decodeInto(ctx context.Context, file string, hclFile *hcl.File, model *config.Pipeline) error {
	var root fileRoot
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
	}

	for _, p := range root.Pipelines {
		if model.Name != "" {
			return fmt.Errorf("%s: duplicate pipeline block %q, %q already declared", file, p.Name, model.Name)
		}
		l.translatePipeline(p, model)
	}
	for _, j := range root.Jobs {
		job, err := l.translateJob(ctx, j)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		model.Jobs = append(model.Jobs, job)
	}
	return nil
}

// defaultName names an anonymous pipeline after its source file.
func (l *Loader) defaultName(model *config.Pipeline, path string) {
	if model.Name != "" {
		return
	}
	base := filepath.Base(path)
	model.Name = strings.TrimSuffix(base, filepath.Ext(base))
}
