package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/ids"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/token"
)

// Length bounds of usernames and display names, in characters.
const (
	minNameLength = 4
	maxNameLength = 64
)

// checkName returns a problem when value is outside the allowed length.
func checkName(pointer, value string) *Problem {
	n := utf8.RuneCountInString(value)
	if n < minNameLength || n > maxNameLength {
		return &Problem{Pointer: pointer, Detail: fmt.Sprintf("must be between %d and %d characters", minNameLength, maxNameLength)}
	}
	return nil
}

// handleIdentityCreate creates a temporary identity and returns a
// Provisioning token that allows registering its first passkey. The identity
// is swept unless a passkey is registered before it expires.
func (h *Handler) handleIdentityCreate(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Username    string `json:"username"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeJSON(w, r, &input, false); err != nil {
		h.fail(w, r, err)
		return
	}
	input.Username = strings.TrimSpace(input.Username)
	input.DisplayName = strings.TrimSpace(input.DisplayName)

	var problems []Problem
	if p := checkName("/username", input.Username); p != nil {
		problems = append(problems, *p)
	}
	if p := checkName("/displayName", input.DisplayName); p != nil {
		problems = append(problems, *p)
	}
	if len(problems) > 0 {
		h.fail(w, r, badRequest("invalid identity", problems...))
		return
	}

	id, err := ids.NewIdentityID()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := h.clock()
	expires := now.Add(h.cfg.IdentityTTL)
	identity := model.Identity{
		ID:          id,
		Username:    input.Username,
		DisplayName: input.DisplayName,
		Created:     now,
		Expires:     &expires,
	}
	if err := h.store.CreateIdentity(r.Context(), identity); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			h.writeErrorWithRequest(w, r, http.StatusConflict, codeConflict, "username is taken",
				[]Problem{{Pointer: "/username", Detail: "already in use"}})
			return
		}
		h.fail(w, r, err)
		return
	}

	signed, _, err := h.issuer.Issue(id.String(), token.Provisioning{})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setToken(w, signed)
	h.writeJSON(w, r, http.StatusCreated, identity)

	identityCreations.Inc()
	h.logger.Info("identity created", "identity", id.String(), "correlationId", correlationIDFrom(r.Context()))
}

// handleIdentityGet returns the caller's own identity.
func (h *Handler) handleIdentityGet(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	id, err := h.ownPathID(r, claims)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	identity, err := h.store.GetIdentity(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, identity)
}

// handleIdentityDelete removes an identity with all its passkeys. It needs a
// Consent token for exactly this request, which guard has already revoked.
func (h *Handler) handleIdentityDelete(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	if !token.IsConsentFor(claims.Kind, consentAction(r)) {
		h.fail(w, r, errForbidden)
		return
	}
	id, err := h.ownPathID(r, claims)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.store.DeleteIdentity(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)

	identityDeletions.Inc()
	h.logger.Info("identity deleted", "identity", id.String(), "correlationId", correlationIDFrom(r.Context()))
}

// ownPathID parses the {id} path value and checks that it is the token subject.
func (h *Handler) ownPathID(r *http.Request, claims token.Claims) (ids.Bytes, error) {
	id, err := ids.Parse(r.PathValue("id"))
	if err != nil {
		return nil, errForbidden
	}
	sub, err := subjectID(claims)
	if err != nil {
		return nil, err
	}
	if !id.Equal(sub) {
		return nil, errForbidden
	}
	return id, nil
}

// subjectID decodes the identity id carried in the sub claim.
func subjectID(claims token.Claims) (ids.Bytes, error) {
	sub, err := ids.Parse(claims.Subject)
	if err != nil {
		return nil, unprocessable("token subject is not an identity id")
	}
	return sub, nil
}

// consentAction is the action string a Consent token must carry to authorize r.
func consentAction(r *http.Request) string {
	return r.Method + " " + r.URL.Path
}
