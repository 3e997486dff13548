/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// tokenSignatureAlgorithms lists the JWS algorithms the signaling
// service is known to issue tokens with.
var tokenSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256, jose.HS256,
}

// tokenClaims is the subset of signaling token claims the client reads.
type tokenClaims struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
}

// parseTokenClaims extracts the claims of a signaling access token. The
// client holds no verification key — the token is opaque credential
// material passed back to the service — so claims are read without
// signature verification and used only for local sanity checks.
func parseTokenClaims(token string) (*tokenClaims, error) {
	jws, err := jose.ParseSigned(token, tokenSignatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("parsing signaling token: %w", err)
	}

	var claims tokenClaims
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return nil, fmt.Errorf("decoding signaling token claims: %w", err)
	}
	return &claims, nil
}

// validateToken checks that the token was issued for the expected
// identity and has not already expired.
func validateToken(token, identity string, now time.Time) error {
	claims, err := parseTokenClaims(token)
	if err != nil {
		return err
	}
	if claims.Subject != "" && claims.Subject != identity {
		return fmt.Errorf("signaling token issued for %q, expected %q", claims.Subject, identity)
	}
	if claims.ExpiresAt != 0 && now.After(time.Unix(claims.ExpiresAt, 0)) {
		return fmt.Errorf("signaling token already expired")
	}
	return nil
}
