package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/ids"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/webauthn"
)

// handleCreationOptions returns the options for navigator.credentials.create.
// The challenge is left empty; clients request one from POST /challenges.
// With a token the subject's user entity and existing passkeys are filled in
// so that an authenticator does not register the same passkey twice.
func (h *Handler) handleCreationOptions(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		h.writeJSON(w, r, http.StatusOK, h.rp.CreationOptions(nil, nil, nil))
		return
	}

	sub, err := subjectID(claims)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	identity, err := h.store.GetIdentity(r.Context(), sub)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = errUnauthenticated
		}
		h.fail(w, r, err)
		return
	}
	keys, err := h.store.ListPublicKeys(r.Context(), sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, h.rp.CreationOptions(nil, &identity, keys))
}

// handleRequestOptions returns the options for navigator.credentials.get.
// The allow list stays empty so that discoverable credentials are offered.
func (h *Handler) handleRequestOptions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.rp.RequestOptions(nil, nil))
}

// handleExistingCredentials lists credential descriptors for a username or an
// identity id. Unknown users get an empty list, so the endpoint does not
// reveal which usernames exist beyond whether they hold passkeys.
func (h *Handler) handleExistingCredentials(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	username := strings.TrimSpace(query.Get("username"))
	rawIdentityID := strings.TrimSpace(query.Get("identityId"))

	var identityID ids.Bytes
	if rawIdentityID != "" {
		id, err := ids.Parse(rawIdentityID)
		if err != nil {
			h.fail(w, r, unprocessable("invalid identity id", Problem{Pointer: "/identityId", Detail: "must be base64url"}))
			return
		}
		identityID = id
	}

	keys, err := h.existingCredentials(r, username, identityID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"credentials": webauthn.Descriptors(keys)})
}

func (h *Handler) existingCredentials(r *http.Request, username string, identityID ids.Bytes) ([]model.PublicKey, error) {
	if username == "" && identityID == nil {
		return nil, nil
	}
	if username != "" {
		identity, err := h.store.GetIdentityByUsername(r.Context(), username)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if identityID != nil && !identityID.Equal(identity.ID) {
			return nil, nil
		}
		identityID = identity.ID
	}
	return h.store.ListPublicKeys(r.Context(), identityID)
}
