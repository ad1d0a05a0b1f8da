package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/ids"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/token"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/webauthn"
)

// tokenView describes a token to its holder.
type tokenView struct {
	Sub string `json:"sub"`
	Typ string `json:"typ"`
	Act string `json:"act,omitempty"`
	Exp int64  `json:"exp"`
	Tid string `json:"tid,omitempty"`
}

func viewOf(c token.Claims) tokenView {
	return tokenView{
		Sub: c.Subject,
		Typ: token.TypeOf(c.Kind),
		Act: token.ActionOf(c.Kind),
		Exp: c.Expiry().Unix(),
	}
}

// loginKinds lists the kinds a passkey assertion can be exchanged for.
// Provisioning tokens only come from identity creation.
type loginKinds struct{}

func (loginKinds) Provisioning() bool  { return false }
func (loginKinds) Common() bool        { return true }
func (loginKinds) Consent(string) bool { return true }

// handleTokenCreate exchanges a passkey assertion for a Common or Consent
// token. When a token is presented as well, the assertion must come from a
// passkey of its subject.
func (h *Handler) handleTokenCreate(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Credential json.RawMessage `json:"credential"`
		Typ        string          `json:"typ"`
		Act        string          `json:"act"`
	}
	if err := decodeJSON(w, r, &input, false); err != nil {
		h.fail(w, r, err)
		return
	}

	kind, err := token.ParseKind(input.Typ, input.Act)
	if err != nil {
		pointer := "/typ"
		switch input.Typ {
		case token.TypeProvisioning, token.TypeCommon, token.TypeConsent:
			pointer = "/act"
		}
		h.fail(w, r, badRequest("invalid token type", Problem{Pointer: pointer, Detail: err.Error()}))
		return
	}
	if !token.Visit[bool](kind, loginKinds{}) {
		h.fail(w, r, badRequest("invalid token type", Problem{Pointer: "/typ", Detail: "only common and consent tokens may be issued through this route"}))
		return
	}
	if len(input.Credential) == 0 {
		h.fail(w, r, badRequest("credential is required", Problem{Pointer: "/credential", Detail: "is required"}))
		return
	}

	var expected ids.Bytes
	if claims, ok := claimsFrom(r.Context()); ok {
		if expected, err = subjectID(claims); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	parsed, err := webauthn.ParseAssertion(input.Credential)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	assertion, err := h.verifier.VerifyAssertion(r.Context(), parsed, expected)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// A concurrent login that stored the same or a higher counter wins.
	if err := h.store.RecordPublicKeyUse(r.Context(), assertion.RawID, assertion.Counter, h.clock()); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("assertion lost counter race", "rawId", assertion.RawID.String(), "error", err)
			err = errUnauthenticated
		}
		h.fail(w, r, err)
		return
	}

	signed, claims, err := h.issuer.Issue(assertion.IdentityID.String(), kind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setToken(w, signed)
	h.writeJSON(w, r, http.StatusCreated, viewOf(claims))

	logins.WithLabelValues(token.TypeOf(kind)).Inc()
	h.logger.Info("token issued",
		"identity", claims.Subject,
		"typ", token.TypeOf(kind),
		"correlationId", correlationIDFrom(r.Context()),
	)
}

// handleTokenCurrent describes the presented token.
func (h *Handler) handleTokenCurrent(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	view := viewOf(claims)
	view.Tid = claims.ID
	h.writeJSON(w, r, http.StatusOK, view)
}

// handleTokenLogout revokes the presented token.
func (h *Handler) handleTokenLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	if _, err := h.revocations.Revoke(r.Context(), claims.ID, claims.Expiry()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.logger.Info("token revoked", "identity", claims.Subject, "correlationId", correlationIDFrom(r.Context()))
}

// handleRevokedTokenGet answers the revocation lookups of other services.
func (h *Handler) handleRevokedTokenGet(w http.ResponseWriter, r *http.Request) {
	tid := r.PathValue("tid")
	revoked, err := h.revocations.IsRevoked(r.Context(), tid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !revoked {
		h.writeErrorWithRequest(w, r, http.StatusNotFound, codeNotFound, "token is not revoked", nil)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"token": tid, "revoked": true})
}
