// Package memory provides an in-memory implementation of the storage
// interfaces: the provider registry, the grant store and a small user
// directory with bcrypt-hashed app passwords.
//
// All state lives behind a single sync.RWMutex, which is what makes code
// consumption, refresh rotation and device binding atomic. It suits
// development, tests and single-replica deployments; use storage/valkey when
// several replicas share grants.
//
//	store := memory.New()
//	store.SetLogger(logger)
//	srv, err := server.New(server.Config{Providers: store, Grants: store, Users: store})
package memory
