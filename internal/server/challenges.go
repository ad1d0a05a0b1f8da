package server

import (
	"net/http"
	"strings"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/ids"
)

// handleChallengeCreate issues a challenge for the requesting origin. A
// challenge bound to an identity may only be requested by that identity.
func (h *Handler) handleChallengeCreate(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get(headerOrigin)), "/")
	if origin == "" {
		h.fail(w, r, unprocessable("origin is required", Problem{Pointer: "/headers/origin", Detail: "is required"}))
		return
	}

	var input struct {
		IdentityID string `json:"identityId"`
	}
	if err := decodeJSON(w, r, &input, true); err != nil {
		h.fail(w, r, err)
		return
	}

	var identityID ids.Bytes
	if raw := strings.TrimSpace(input.IdentityID); raw != "" {
		id, err := ids.Parse(raw)
		if err != nil {
			h.fail(w, r, unprocessable("invalid identity id", Problem{Pointer: "/identityId", Detail: "must be base64url"}))
			return
		}
		identityID = id
	}

	if identityID != nil {
		claims, ok := claimsFrom(r.Context())
		if !ok {
			h.fail(w, r, errUnauthenticated)
			return
		}
		sub, err := subjectID(claims)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if !sub.Equal(identityID) {
			h.fail(w, r, errForbidden)
			return
		}
	}

	ch, err := h.challenges.Create(r.Context(), origin, identityID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, ch)
}
