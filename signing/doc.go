// Package signing owns the provider's key material: a Keyring of RSA/EC
// private keys loaded from PEM files, a Signer that mints and verifies JWTs
// for a provider (HS256 with the client secret, RS256/ES256 with a keyring
// key) and publishes its JWKS, and a RemoteKeySet that caches third-party
// JWKS documents for verifying client assertions and logout tokens.
package signing
