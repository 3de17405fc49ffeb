// Package valkey provides a Valkey (or Redis) storage backend for the
// provider registry and the grant store, built on go-redis.
//
// Use it when several replicas of the provider share grants: codes, tokens
// and device authorizations outlive a restart and expire through key TTLs.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oidc:"):
//
//	{prefix}provider:{clientID}          -> JSON(Provider), client secret sealed when an encryptor is set
//	{prefix}providers                    -> SET of client IDs
//	{prefix}slug:{slug}                  -> clientID
//	{prefix}code:{code}                  -> JSON(AuthorizationCode) (TTL)
//	{prefix}access:{token}               -> JSON(AccessToken) (TTL)
//	{prefix}refresh:{token}              -> HASH data, revoked_at (TTL)
//	{prefix}device:{deviceCode}          -> HASH data, binding (TTL)
//	{prefix}usercode:{userCode}          -> deviceCode (TTL)
//	{prefix}idx:session:{sid}:{kind}     -> SET of access or refresh keys
//	{prefix}idx:user:{userID}:{clientID} -> SET of token keys
//	{prefix}clients:{userID}             -> SET of client IDs
//
// # Atomic Operations
//
// Code consumption, refresh rotation, user code claiming and device binding
// run as Lua scripts, so two replicas racing on the same record cannot both
// win. Scripts address index members by key name, which ties the store to a
// single node or a single cluster slot.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{Address: "localhost:6379"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	srv, err := server.New(server.Config{Providers: store, Grants: store, Users: users})
package valkey
