// Package inmemorystore provides a thread-safe, in-memory implementation
// of the store.Store interface. It is suitable for development, testing,
// or any scenario where run state does not need to outlive the process.
package inmemorystore
