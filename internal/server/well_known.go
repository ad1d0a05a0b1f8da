package server

import (
	"net/http"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/webauthn"
)

// jwksHandler serves the public keys tokens of this service verify against.
// Other services point their key cache at this document.
func (h *Handler) jwksHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerCacheControl, cacheControlWellKnown)
	h.writeJSON(w, r, http.StatusOK, h.keys.Document())
}

// relyingPartyHandler serves the relying party entity browsers pass to
// navigator.credentials.
func (h *Handler) relyingPartyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerCacheControl, cacheControlWellKnown)
	h.writeJSON(w, r, http.StatusOK, h.rp.Entity())
}

// publicKeyParametersHandler lists the COSE algorithms accepted at registration.
func (h *Handler) publicKeyParametersHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerCacheControl, cacheControlWellKnown)
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"publicKeyParameters": webauthn.Parameters(),
	})
}
