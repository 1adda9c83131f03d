package handlers

import (
	"net/http"
	"strings"

	"github.com/kirana-mart/api/internal/platform/auth"
	"github.com/kirana-mart/api/internal/services"
)

// callerIdentity converts the verified Firebase principal into the explicit service identity.
// The bool is false when the request carries no authenticated user.
func callerIdentity(r *http.Request) (services.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.UID) == "" {
		return services.Identity{}, false
	}
	return services.Identity{
		UserID:  strings.TrimSpace(identity.UID),
		Name:    identity.Name,
		Email:   identity.Email,
		Locale:  identity.Locale,
		Blocked: identity.Blocked,
	}, true
}

// requireCaller resolves the caller or writes the 401/403 envelope and returns false.
func requireCaller(w http.ResponseWriter, r *http.Request) (services.Identity, bool) {
	identity, ok := callerIdentity(r)
	if !ok {
		writeServiceError(r.Context(), w, services.ErrIdentityRequired)
		return services.Identity{}, false
	}
	if identity.Blocked {
		writeServiceError(r.Context(), w, services.ErrIdentityBlocked)
		return services.Identity{}, false
	}
	return identity, true
}

func actorID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok {
		return "svc:" + svc.Subject
	}
	return ""
}
