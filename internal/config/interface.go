package config

import "context"

// Loader is the interface for a format-specific pipeline loader.
type Loader interface {
	// Load reads the definition at path and translates it into the
	// format-agnostic model.
	Load(ctx context.Context, path string) (*Pipeline, error)

	// Parse translates an in-memory definition. filename is used for
	// diagnostics only.
	Parse(ctx context.Context, filename string, src []byte) (*Pipeline, error)
}
