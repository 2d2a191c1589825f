package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims are the JWT claims required on administrative endpoints.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AdminAuthMiddleware protects privileged routes with an HS256 bearer
// token carrying role "admin". With no secret configured the routes
// are disabled outright rather than left open.
func AdminAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				WriteForbidden(w, r, "Administrative endpoints are disabled")
				return
			}

			header := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				WriteUnauthorized(w, r, "")
				return
			}

			claims := &AdminClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims,
				func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
					}
					return []byte(secret), nil
				},
				jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				WriteUnauthorized(w, r, "Invalid token")
				return
			}
			if claims.Role != "admin" {
				WriteForbidden(w, r, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
