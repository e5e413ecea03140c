package vdr

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/webplusdid/webplus/pkg/webplus"
)

// operatorClaims is the VDR operator token. A VDR has no multi-tenant
// principal model, so only the registered claims survive — the token
// just proves "this caller is the VDR's configured operator".
type operatorClaims struct {
	jwt.RegisteredClaims
}

// NewJWTBearerAuth returns a BearerAuth that requires an HS256 bearer
// token signed with signingKey (spec §6 "mutation endpoints SHOULD
// require operator authentication"; the scheme itself is
// implementation-defined, so this module picks bearer JWT).
func NewJWTBearerAuth(signingKey []byte) BearerAuth {
	return func(r *http.Request) error {
		raw := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(raw, prefix) {
			return webplus.E(webplus.Malformed, "vdr.NewJWTBearerAuth", errors.New("missing bearer token"))
		}
		tokenString := strings.TrimPrefix(raw, prefix)

		token, err := jwt.ParseWithClaims(tokenString, &operatorClaims{}, func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, errors.New("unexpected signing method")
			}
			return signingKey, nil
		})
		if err != nil || !token.Valid {
			return webplus.E(webplus.Malformed, "vdr.NewJWTBearerAuth", errors.New("invalid bearer token"))
		}
		return nil
	}
}
