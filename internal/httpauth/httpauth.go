// Package httpauth implements the Multi-Auth contract shared by the Log Receiver and
// Metrics Receiver HTTP endpoints: an API key header or a bearer
// token, producing an immutable auth context value consumed by handlers — the explicit
// middleware the decorator-based auth in the original maps to (spec.md §9).
package httpauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/killkrill/killkrill/internal/model"
)

// Identity is the immutable value a successful authentication produces. Via records
// which credential kind was used, for diagnostics only.
type Identity struct {
	SourceID string
	Subject  string
	Via      string
}

type identityKey struct{}

// FromContext returns the Identity attached by Middleware, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)

	return id, ok
}

// SourceLookup resolves a hashed API key to the LogSource it belongs to.
type SourceLookup interface {
	LookupByAPIKeyHash(ctx context.Context, hash string) (model.LogSource, bool, error)
}

// Middleware authenticates a request via X-API-Key (hashed and matched against
// lookup) or an Authorization: Bearer JWT (verified with jwtSecret), attaching the
// resulting Identity to the request context before calling next. A request with
// neither or an invalid credential never reaches next.
func Middleware(lookup SourceLookup, jwtSecret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := authenticate(r, lookup, jwtSecret)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authenticate(r *http.Request, lookup SourceLookup, jwtSecret []byte) (Identity, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		hash := hashAPIKey(key)
		src, found, err := lookup.LookupByAPIKeyHash(r.Context(), hash)
		if err != nil {
			return Identity{}, model.ErrResourceUnavailable{Reason: "source lookup: " + err.Error()}
		}
		if !found || !src.Enabled {
			return Identity{}, model.ErrAuthentication{Reason: "unknown or disabled api key"}
		}

		return Identity{SourceID: src.ID, Subject: src.Name, Via: "api_key"}, nil
	}

	if bearer := bearerToken(r.Header.Get("Authorization")); bearer != "" {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (interface{}, error) {
			return jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			return Identity{}, model.ErrAuthentication{Reason: "invalid bearer token: " + err.Error()}
		}
		sub, _ := claims["sub"].(string)
		sourceID, _ := claims["source_id"].(string)

		return Identity{SourceID: sourceID, Subject: sub, Via: "bearer"}, nil
	}

	return Identity{}, model.ErrAuthentication{Reason: "missing credential"}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}

	return strings.TrimPrefix(header, prefix)
}

// HashAPIKey returns the hex SHA-256 digest of an API key's plaintext, matching the
// ApiKey/LogSource invariant that only the digest is ever persisted.
func HashAPIKey(plaintext string) string {
	return hashAPIKey(plaintext)
}

func hashAPIKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))

	return hex.EncodeToString(h[:])
}

func writeAuthError(w http.ResponseWriter, err error) {
	var authErr model.ErrAuthentication
	if errors.As(err, &authErr) {
		http.Error(w, authErr.Error(), http.StatusUnauthorized)
		return
	}
	http.Error(w, err.Error(), http.StatusServiceUnavailable)
}
