package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bcnelson/addrsync/internal/api/handler"
	"github.com/bcnelson/addrsync/internal/auth"
	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/storage"
)

type contextKey string

const (
	APIKeyContextKey contextKey = "api_key"
	ClaimsContextKey contextKey = "oidc_claims"
)

// Auth creates authentication middleware. Bearer tokens are API keys, the
// bootstrap key while no keys exist, or OIDC ID tokens when verifier is set.
func Auth(store storage.Storage, bootstrapKey string, verifier auth.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				unauthorized(w, "invalid authorization header format")
				return
			}
			token = strings.TrimSpace(token)
			if token == "" {
				unauthorized(w, "empty bearer token")
				return
			}

			ctx := r.Context()
			log := zerolog.Ctx(ctx)

			if verifier != nil && auth.LooksLikeJWT(token) {
				claims, err := verifier.Verify(ctx, token)
				if err != nil {
					log.Debug().Err(err).Msg("rejected ID token")
					unauthorized(w, "invalid ID token")
					return
				}
				ctx = context.WithValue(ctx, ClaimsContextKey, claims)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			keyCount, err := store.CountAPIKeys(ctx)
			if err != nil {
				log.Error().Err(err).Msg("counting api keys")
				internalError(w)
				return
			}

			// The bootstrap key only works until the first key is created.
			if keyCount == 0 && bootstrapKey != "" {
				if subtle.ConstantTimeCompare([]byte(token), []byte(bootstrapKey)) == 1 {
					ctx = context.WithValue(ctx, APIKeyContextKey, &domain.APIKey{
						ID:   "bootstrap",
						Name: "Bootstrap Key",
					})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			storedKey, err := store.GetAPIKeyByHash(ctx, handler.HashKey(token))
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					unauthorized(w, "invalid API key")
					return
				}
				log.Error().Err(err).Msg("looking up api key")
				internalError(w)
				return
			}

			go func(id string) {
				if err := store.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
					log.Debug().Err(err).Str("key_id", id).Msg("failed to record api key use")
				}
			}(storedKey.ID)

			ctx = context.WithValue(ctx, APIKeyContextKey, storedKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"code":401,"error_code":"` + domain.ErrCodeUnauthorized + `","message":"` + message + `"}`))
}

func internalError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"code":500,"error_code":"` + domain.ErrCodeInternalError + `","message":"internal server error"}`))
}

// GetAPIKeyFromContext retrieves the API key from the request context.
func GetAPIKeyFromContext(ctx context.Context) *domain.APIKey {
	key, _ := ctx.Value(APIKeyContextKey).(*domain.APIKey)
	return key
}

// GetClaimsFromContext retrieves verified OIDC claims from the request context.
func GetClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(ClaimsContextKey).(*auth.Claims)
	return claims
}
