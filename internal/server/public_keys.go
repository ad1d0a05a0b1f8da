package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/ids"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/token"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/webauthn"
)

// registrationRule is what a token kind may do at POST /public-keys.
type registrationRule struct {
	allowed  bool
	escalate bool // swap the token for a Common one afterwards
}

// registration maps each token kind to its registrationRule.
type registration struct{}

func (registration) Provisioning() registrationRule {
	return registrationRule{allowed: true, escalate: true}
}
func (registration) Common() registrationRule        { return registrationRule{allowed: true} }
func (registration) Consent(string) registrationRule { return registrationRule{} }

// handlePublicKeyCreate registers a passkey for the token subject. A
// Provisioning token is spent by the attempt and, when the registration
// succeeds, exchanged for a Common token returned in the Authorization header.
func (h *Handler) handlePublicKeyCreate(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	rule := token.Visit[registrationRule](claims.Kind, registration{})
	if !rule.allowed {
		h.fail(w, r, errForbidden)
		return
	}

	var input struct {
		Credential  json.RawMessage `json:"credential"`
		DisplayName string          `json:"displayName"`
	}
	if err := decodeJSON(w, r, &input, false); err != nil {
		h.fail(w, r, err)
		return
	}
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	if input.DisplayName == "" || len([]rune(input.DisplayName)) > maxNameLength {
		h.fail(w, r, badRequest("invalid public key", Problem{Pointer: "/displayName", Detail: "must be between 1 and 64 characters"}))
		return
	}
	if len(input.Credential) == 0 {
		h.fail(w, r, badRequest("invalid public key", Problem{Pointer: "/credential", Detail: "is required"}))
		return
	}

	sub, err := subjectID(claims)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	parsed, err := webauthn.ParseAttestation(input.Credential)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// The Provisioning token is spent before the ceremony runs, so only one
	// request presenting it can ever register a passkey.
	if rule.escalate {
		inserted, err := h.revocations.Revoke(r.Context(), claims.ID, claims.Expiry())
		if err != nil {
			h.fail(w, r, fmt.Errorf("revoke provisioning token: %w", err))
			return
		}
		if !inserted {
			h.fail(w, r, errUnauthenticated)
			return
		}
	}

	att, err := h.verifier.VerifyAttestation(r.Context(), parsed, sub)
	if err != nil {
		publicKeyRegistrations.WithLabelValues("rejected").Inc()
		h.fail(w, r, err)
		return
	}

	key := model.PublicKey{
		RawID:            att.RawID,
		IdentityID:       att.IdentityID,
		DisplayName:      input.DisplayName,
		PublicKey:        att.PublicKey,
		Algorithm:        att.Algorithm,
		Transports:       att.Transports,
		SignatureCounter: att.Counter,
		Created:          h.clock(),
	}
	if key.Transports == nil {
		key.Transports = []string{}
	}
	if err := h.store.RegisterPublicKey(r.Context(), key); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			publicKeyRegistrations.WithLabelValues("conflict").Inc()
		} else {
			publicKeyRegistrations.WithLabelValues("error").Inc()
		}
		h.fail(w, r, err)
		return
	}

	if rule.escalate {
		signed, _, err := h.issuer.Issue(claims.Subject, token.Common{})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		setToken(w, signed)
	}
	h.writeJSON(w, r, http.StatusCreated, key)

	publicKeyRegistrations.WithLabelValues("success").Inc()
	h.logger.Info("public key registered",
		"identity", key.IdentityID.String(),
		"rawId", key.RawID.String(),
		"algorithm", key.Algorithm,
		"correlationId", correlationIDFrom(r.Context()),
	)
}

// handlePublicKeyList returns the passkeys of the token subject.
func (h *Handler) handlePublicKeyList(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	sub, err := subjectID(claims)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	keys, err := h.store.ListPublicKeys(r.Context(), sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if keys == nil {
		keys = []model.PublicKey{}
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"publicKeys": keys})
}

// handlePublicKeyDelete removes one passkey of the token subject. It needs a
// Consent token for exactly this request, and the last passkey of an
// identity can never be removed.
func (h *Handler) handlePublicKeyDelete(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	if !token.IsConsentFor(claims.Kind, consentAction(r)) {
		h.fail(w, r, errForbidden)
		return
	}
	sub, err := subjectID(claims)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rawID, err := ids.Parse(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, storage.ErrNotFound)
		return
	}

	if err := h.store.DeletePublicKey(r.Context(), rawID, sub); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.logger.Info("public key deleted", "identity", sub.String(), "rawId", rawID.String(), "correlationId", correlationIDFrom(r.Context()))
}
