package server

// DiscoveryDocument is a simple alias for discovery metadata.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument constructs the OIDC discovery document. The
// authorization_response_iss_parameter_supported flag advertises RFC 9207
// behaviour.
func BuildDiscoveryDocument(cfg Config) DiscoveryDocument {
	issuer := cfg.Issuer()
	return DiscoveryDocument{
		"issuer":                 issuer,
		"authorization_endpoint": issuer + "/authorize",
		"token_endpoint":         issuer + "/token",
		"userinfo_endpoint":      issuer + "/userinfo",
		"jwks_uri":               issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"authorization_response_iss_parameter_supported": true,
	}
}
