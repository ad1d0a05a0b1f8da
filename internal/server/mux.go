// Package server exposes the identity provider over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/challenge"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/config"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/revocation"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/token"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/webauthn"
)

type contextKey string

const (
	contextKeyCorrelationID contextKey = "correlationId"
	contextKeyClaims        contextKey = "claims"

	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerCorrelationID = "X-Correlation-Id"
	headerCacheControl  = "Cache-Control"
	headerOrigin        = "Origin"

	contentTypeJSON       = "application/json"
	cacheControlWellKnown = "public, max-age=60"

	bearerScheme = "bearer"

	// maxBodySize caps request bodies; credentials are a few kilobytes.
	maxBodySize = 64 << 10
)

// Error codes of the error envelope.
const (
	codeUnauthenticated = "IDENTITY_UNAUTHENTICATED"
	codeForbidden       = "IDENTITY_FORBIDDEN"
	codeValidation      = "IDENTITY_VALIDATION"
	codeUnprocessable   = "IDENTITY_UNPROCESSABLE"
	codeConflict        = "IDENTITY_CONFLICT"
	codeNotAcceptable   = "IDENTITY_NOT_ACCEPTABLE"
	codeNotFound        = "IDENTITY_NOT_FOUND"
	codeInternal        = "IDENTITY_INTERNAL"
	codeUnavailable     = "SERVICE_UNAVAILABLE"
)

// Deps are the collaborators the handlers call into.
type Deps struct {
	Store        storage.Store
	Challenges   *challenge.Store
	Verifier     *webauthn.Verifier
	Issuer       *token.Issuer
	Validator    *token.Validator
	Revocations  *revocation.Store
	Keys         *jwks.Cache
	RelyingParty webauthn.RelyingParty
}

// Handler wires HTTP endpoints using net/http.
type Handler struct {
	cfg         config.Config
	store       storage.Store
	challenges  *challenge.Store
	verifier    *webauthn.Verifier
	issuer      *token.Issuer
	validator   *token.Validator
	revocations *revocation.Store
	keys        *jwks.Cache
	rp          webauthn.RelyingParty
	logger      *slog.Logger
	clock       func() time.Time
	router      *http.ServeMux
}

// New creates a Handler using the supplied dependencies.
func New(cfg config.Config, deps Deps, logger *slog.Logger) (*Handler, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("server: store is required")
	case deps.Challenges == nil || deps.Verifier == nil:
		return nil, errors.New("server: challenge store and verifier are required")
	case deps.Issuer == nil || deps.Validator == nil:
		return nil, errors.New("server: token issuer and validator are required")
	case deps.Revocations == nil || deps.Keys == nil:
		return nil, errors.New("server: revocation store and key cache are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:         cfg,
		store:       deps.Store,
		challenges:  deps.Challenges,
		verifier:    deps.Verifier,
		issuer:      deps.Issuer,
		validator:   deps.Validator,
		revocations: deps.Revocations,
		keys:        deps.Keys,
		rp:          deps.RelyingParty,
		logger:      logger,
		clock:       func() time.Time { return time.Now().UTC() },
		router:      http.NewServeMux(),
	}
	h.registerRoutes()
	return h, nil
}

// Router returns the API handler with CORS applied.
func (h *Handler) Router() http.Handler {
	return h.withCORS(h.router)
}

func (h *Handler) registerRoutes() {
	h.handle("GET /health", public, h.health)
	h.handle("GET /ready", public, h.readyHandler)

	h.handle("GET /.well-known/jwks.json", public, h.jwksHandler)
	h.handle("GET /.well-known/relying-party.json", public, h.relyingPartyHandler)
	h.handle("GET /.well-known/public-key-parameters.json", public, h.publicKeyParametersHandler)

	h.handle("GET /credential-creation-options", optionalToken, h.handleCreationOptions)
	h.handle("GET /credential-request-options", gated, h.handleRequestOptions)
	h.handle("GET /existing-credentials", gated, h.handleExistingCredentials)

	h.handle("POST /challenges", optionalToken, h.handleChallengeCreate)

	h.handle("POST /identities", gated, h.handleIdentityCreate)
	h.handle("GET /identities/{id}", requiredToken, h.handleIdentityGet)
	h.handle("DELETE /identities/{id}", requiredToken, h.handleIdentityDelete)

	h.handle("POST /public-keys", requiredToken, h.handlePublicKeyCreate)
	h.handle("GET /public-keys", requiredToken, h.handlePublicKeyList)
	h.handle("DELETE /public-keys/{id}", requiredToken, h.handlePublicKeyDelete)

	// Session tokens: login, introspection and logout
	h.handle("POST /tokens", optionalToken, h.handleTokenCreate)
	h.handle("GET /tokens/current", requiredToken, h.handleTokenCurrent)
	h.handle("DELETE /tokens/current", requiredToken, h.handleTokenLogout)

	h.handle("POST /revoked-tokens", requiredToken, h.handleTokenLogout)
	h.handle("GET /revoked-tokens/{tid}", gated, h.handleRevokedTokenGet)
}

func (h *Handler) handle(pattern string, level access, next http.HandlerFunc) {
	h.router.Handle(pattern, h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.guard(level, next)))))
}

// Problem points at one offending field of a request.
type Problem struct {
	Pointer string `json:"pointer"`
	Detail  string `json:"detail"`
}

type responseEnvelope struct {
	Error *errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	Problems      []Problem `json:"problems"`
	CorrelationID string    `json:"correlationId"`
}

// requestError is a caller error carrying its status and field problems.
type requestError struct {
	status   int
	code     string
	message  string
	problems []Problem
}

func (e *requestError) Error() string { return e.message }

func badRequest(message string, problems ...Problem) error {
	return &requestError{status: http.StatusBadRequest, code: codeValidation, message: message, problems: problems}
}

func unprocessable(message string, problems ...Problem) error {
	return &requestError{status: http.StatusUnprocessableEntity, code: codeUnprocessable, message: message, problems: problems}
}

var (
	errUnauthenticated = &requestError{status: http.StatusUnauthorized, code: codeUnauthenticated, message: "unauthenticated"}
	errForbidden       = &requestError{status: http.StatusForbidden, code: codeForbidden, message: "forbidden"}
)

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(headerContentType, "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) wrap(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := h.ensureCorrelationID(w, r)
		ctx := context.WithValue(r.Context(), contextKeyCorrelationID, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set(headerContentType, contentTypeJSON)

		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", "panic", rec, "correlationId", correlationID)
				h.writeError(w, http.StatusInternalServerError, codeInternal, "internal server error", correlationID, nil)
			}
		}()

		next(w, r)
	})
}

func (h *Handler) ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

// fail writes the error response for err. Failures that are not the caller's
// fault are logged and answered with 500; ceremony and token rejections all
// collapse to the same 401 body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		h.writeErrorWithRequest(w, r, reqErr.status, reqErr.code, reqErr.message, reqErr.problems)
	case errors.Is(err, token.ErrUnauthenticated),
		errors.Is(err, webauthn.ErrRejected),
		errors.Is(err, challenge.ErrNotFound),
		errors.Is(err, challenge.ErrUnknownIdentity),
		errors.Is(err, storage.ErrForeignKey):
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeUnauthenticated, "unauthenticated", nil)
	case errors.Is(err, webauthn.ErrMalformed):
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "malformed credential", nil)
	case errors.Is(err, webauthn.ErrUndecodable):
		h.writeErrorWithRequest(w, r, http.StatusUnprocessableEntity, codeUnprocessable, "credential could not be decoded", nil)
	case errors.Is(err, storage.ErrConflict):
		h.writeErrorWithRequest(w, r, http.StatusConflict, codeConflict, "conflict", nil)
	case errors.Is(err, storage.ErrLastCredential):
		h.writeErrorWithRequest(w, r, http.StatusNotAcceptable, codeNotAcceptable, "the last credential of an identity cannot be removed", nil)
	case errors.Is(err, storage.ErrNotFound):
		h.writeErrorWithRequest(w, r, http.StatusNotFound, codeNotFound, "not found", nil)
	default:
		h.logger.Error("request failed", "error", err, "path", r.URL.Path, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "internal server error", nil)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	payload := mustJSON(data)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write response failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

func (h *Handler) writeErrorWithRequest(w http.ResponseWriter, r *http.Request, status int, code, message string, problems []Problem) {
	h.writeError(w, status, code, message, correlationIDFrom(r.Context()), problems)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, correlationID string, problems []Problem) {
	if problems == nil {
		problems = []Problem{}
	}
	env := responseEnvelope{Error: &errorEnvelope{Code: code, Message: message, Problems: problems, CorrelationID: correlationID}}
	payload := mustJSON(env)
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write error failed", "error", err, "correlationId", correlationID)
	}
}

// setToken returns a freshly issued token to the client.
func setToken(w http.ResponseWriter, signed string) {
	w.Header().Set(headerAuthorization, bearerScheme+" "+signed)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched when
// allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid JSON body", Problem{Pointer: "", Detail: err.Error()})
	}
	return nil
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return payload
}

func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}
