// Package storage defines the records and persistence interfaces of the
// provider: the client registry (ProviderStore), the grant store (codes,
// access and refresh tokens, device tokens and the session index) and the
// view of the external user directory that grants need.
//
// Implementations live in subpackages:
//   - storage/memory: in-process store for development, tests and single replicas
//   - storage/valkey: Valkey/Redis store with Lua scripts for atomic grant transitions
//   - storage/postgres: SQL client registry with goose migrations
package storage
