package oauth

import "github.com/giantswarm/oidc-provider/storage"

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// OpenIDConfiguration is the per-application OpenID Provider Metadata
// document (OpenID Connect Discovery 1.0).
type OpenIDConfiguration struct {
	Issuer                      string `json:"issuer"`
	AuthorizationEndpoint       string `json:"authorization_endpoint"`
	TokenEndpoint               string `json:"token_endpoint"`
	UserInfoEndpoint            string `json:"userinfo_endpoint"`
	EndSessionEndpoint          string `json:"end_session_endpoint"`
	IntrospectionEndpoint       string `json:"introspection_endpoint"`
	RevocationEndpoint          string `json:"revocation_endpoint"`
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
	JWKSURI                     string `json:"jwks_uri"`

	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`

	RequestParameterSupported          bool `json:"request_parameter_supported"`
	BackchannelLogoutSupported         bool `json:"backchannel_logout_supported"`
	BackchannelLogoutSessionSupported  bool `json:"backchannel_logout_session_supported"`
	FrontchannelLogoutSupported        bool `json:"frontchannel_logout_supported"`
	FrontchannelLogoutSessionSupported bool `json:"frontchannel_logout_session_supported"`
}

var supportedGrantTypes = []string{
	storage.GrantTypeAuthorizationCode,
	storage.GrantTypeRefreshToken,
	storage.GrantTypeImplicit,
	storage.GrantTypeClientCredentials,
	storage.GrantTypeDeviceCode,
}

var supportedClaims = []string{
	"sub", "iss", "aud", "exp", "iat", "auth_time", "acr", "amr", "nonce", "sid",
	"email", "email_verified", "name", "given_name", "preferred_username", "nickname", "groups",
}
