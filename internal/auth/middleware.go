package auth

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey string

const ownerKey ctxKey = "owner"

// TenantHeader names the caller when no JWT secret is configured.
const TenantHeader = "X-Tenant-ID"

// DefaultOwner is used for unauthenticated deployments that send no tenant.
const DefaultOwner = "default"

func OwnerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey).(string); ok {
		return v
	}
	return ""
}

func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// Authenticate resolves the owner of every request. With a verifier, a valid
// bearer token is required and its subject is the owner. Without one, the
// owner is taken from the tenant header.
func Authenticate(jwtSvc *JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if jwtSvc == nil {
				owner := strings.TrimSpace(r.Header.Get(TenantHeader))
				if owner == "" {
					owner = DefaultOwner
				}
				next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
				return
			}

			h := r.Header.Get("Authorization")
			if h == "" || !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			owner, err := jwtSvc.Verify(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}
