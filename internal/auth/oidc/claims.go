package oidc

import (
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"serverhub/internal/auth"
)

// Claims represents extracted OIDC ID token claims.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Issuer  string `json:"iss"`
}

// roleClaimProbes lists the claim fields that may carry external role or
// group identifiers, in evaluation order. Providers differ in field name and
// in shape (scalar vs. array); both are normalized. New providers are
// supported by adding probes, not by branching.
var roleClaimProbes = []string{
	"roles",
	"appRoles",
	"groups",
	"wids",
}

// signatureAlgorithms are the JWS algorithms accepted when decoding token
// payloads. Decoding only reads claims; signature verification happened
// upstream during the provider exchange.
var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS512,
	jose.HS256,
}

// Extractor normalizes raw token material into external role strings.
// The zero value is ready to use.
type Extractor struct{}

// ExtractRoles decodes the payloads of the given tokens (either may be
// empty), probes the known role claim fields in order, and returns an
// ordered, case-sensitively de-duplicated list of external role strings.
//
// It never fails: missing or malformed tokens contribute nothing, and the
// returned reason tells the caller what to log.
func (Extractor) ExtractRoles(idToken, accessToken string) ([]string, auth.ExtractReason) {
	if idToken == "" && accessToken == "" {
		return nil, auth.ExtractMissing
	}

	var (
		roles   []string
		seen    = make(map[string]struct{})
		decoded bool
	)
	for _, raw := range []string{idToken, accessToken} {
		if raw == "" {
			continue
		}
		payload, ok := decodePayload(raw)
		if !ok {
			continue
		}
		decoded = true
		for _, probe := range roleClaimProbes {
			for _, role := range flattenClaim(payload[probe]) {
				if _, dup := seen[role]; dup {
					continue
				}
				seen[role] = struct{}{}
				roles = append(roles, role)
			}
		}
	}

	if !decoded {
		return nil, auth.ExtractMalformed
	}
	return roles, auth.ExtractOK
}

// decodePayload reads the claims of a signed token without verifying it.
func decodePayload(raw string) (map[string]any, bool) {
	tok, err := jwt.ParseSigned(raw, signatureAlgorithms)
	if err != nil {
		return nil, false
	}
	var payload map[string]any
	if err := tok.UnsafeClaimsWithoutVerification(&payload); err != nil {
		return nil, false
	}
	return payload, true
}

// flattenClaim normalizes a claim value to a list of strings.
// A scalar string is one role; a list is flattened, skipping non-strings.
func flattenClaim(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
