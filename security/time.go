package security

import "time"

// DefaultClockSkew is the leeway applied when checking iat/exp/nbf of JWTs
// produced by other parties (client assertions, upstream logout tokens).
const DefaultClockSkew = 5 * time.Second
