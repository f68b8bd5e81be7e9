// Package config defines the format-agnostic pipeline model produced by the
// definition loaders, along with the Loader interface they implement.
//
// A config.Pipeline is raw, unvalidated input. Every expression-bearing field
// is kept as an hcl.Expression so that HCL and YAML sources evaluate through
// the same machinery. The builder package turns a Pipeline into an immutable,
// validated Definition.
package config
