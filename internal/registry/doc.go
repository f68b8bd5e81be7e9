// Package registry provides the central "glue" for the action system.
//
// The Registry maps the names used in `uses = "..."` to compiled Go
// functions and their input structs. Input structs describe their fields
// with `hcl` tags; DecodeInput evaluates a step's `with` expressions into
// them and InputFields exposes the same information to the builder, so
// that unknown or missing inputs are rejected before any run starts.
package registry
