package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/challenge"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/config"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/ids"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/revocation"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/token"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/webauthn"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/webauthn/webauthntest"
)

const (
	testAPIKey = "test-api-key"
	testRPID   = "localhost"
	testOrigin = "http://localhost:5173"
)

type testEnv struct {
	t     *testing.T
	srv   *httptest.Server
	store storage.Store
	gate  *validationGate
}

// validationGate holds token validations at a barrier once armed, so that
// concurrent requests all pass the denylist check before any of them revokes.
type validationGate struct {
	inner     revocation.Checker
	remaining atomic.Int32
	wg        sync.WaitGroup
}

func (g *validationGate) arm(n int) {
	g.wg.Add(n)
	g.remaining.Store(int32(n))
}

func (g *validationGate) IsRevoked(ctx context.Context, tid string) (bool, error) {
	revoked, err := g.inner.IsRevoked(ctx, tid)
	if g.remaining.Add(-1) >= 0 {
		g.wg.Done()
		g.wg.Wait()
	}
	return revoked, err
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		Env:            "dev",
		APIKeyHeader:   "X-TS-API-Key",
		APIKeys:        []string{testAPIKey},
		AllowedOrigins: []string{testOrigin},
		IdentityTTL:    time.Hour,
	}
	store := storage.NewMemory()
	rp := webauthn.RelyingParty{ID: testRPID, Name: "Test", Origins: []string{testOrigin}}
	challenges := challenge.New(store, time.Minute, time.Minute)

	key, err := token.GenerateSigningKey(token.AlgorithmES256)
	require.NoError(t, err)
	keys, err := jwks.New([]jose.JSONWebKey{key.PublicJWK()}, nil, nil)
	require.NoError(t, err)
	revocations := revocation.NewStore(store, nil)
	gate := &validationGate{inner: revocations}

	h, err := New(cfg, Deps{
		Store:        store,
		Challenges:   challenges,
		Verifier:     webauthn.NewVerifier(rp, challenges, store, nil),
		Issuer:       token.NewIssuer(key, token.Policy{Provisioning: 15 * time.Minute, Common: 12 * time.Hour, Consent: 2 * time.Minute}),
		Validator:    token.NewValidator(keys, gate),
		Revocations:  revocations,
		Keys:         keys,
		RelyingParty: rp,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testEnv{t: t, srv: srv, store: store, gate: gate}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, v), string(r.body))
}

// bearer returns the token issued in the Authorization header.
func (r response) bearer(t *testing.T) string {
	t.Helper()
	scheme, value, ok := strings.Cut(r.header.Get("Authorization"), " ")
	require.True(t, ok, "response carries no token")
	require.Equal(t, "bearer", scheme)
	return value
}

func (r response) problems(t *testing.T) []Problem {
	t.Helper()
	var env struct {
		Error errorEnvelope `json:"error"`
	}
	r.decode(t, &env)
	return env.Error.Problems
}

func (e *testEnv) request(method, path, bearer string, body any) *http.Request {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(e.t, err)
	req.Header.Set("X-TS-API-Key", testAPIKey)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

// concurrently sends reqs at once with the validation gate armed and returns
// the sorted status codes.
func (e *testEnv) concurrently(reqs ...*http.Request) []int {
	e.t.Helper()
	e.gate.arm(len(reqs))
	statuses := make([]int, len(reqs))
	errs := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := e.srv.Client().Do(req)
			if err != nil {
				errs[i] = err
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(e.t, err)
	}
	slices.Sort(statuses)
	return statuses
}

func (e *testEnv) do(method, path, bearer string, body any) response {
	e.t.Helper()
	resp, err := e.srv.Client().Do(e.request(method, path, bearer, body))
	require.NoError(e.t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: b}
}

func (e *testEnv) createIdentity(username string) (model.Identity, string) {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/identities", "", map[string]string{"username": username, "displayName": "Display " + username})
	require.Equal(e.t, http.StatusCreated, resp.status, string(resp.body))
	var identity model.Identity
	resp.decode(e.t, &identity)
	return identity, resp.bearer(e.t)
}

func (e *testEnv) challenge(bearer string, identityID ids.Bytes) []byte {
	e.t.Helper()
	body := map[string]any{}
	if identityID != nil {
		body["identityId"] = identityID
	}
	resp := e.do(http.MethodPost, "/challenges", bearer, body)
	require.Equal(e.t, http.StatusCreated, resp.status, string(resp.body))
	var ch model.Challenge
	resp.decode(e.t, &ch)
	return ch.Challenge
}

func (e *testEnv) registerPasskey(bearer string, identityID ids.Bytes, auth *webauthntest.Authenticator) response {
	e.t.Helper()
	credential, err := auth.Attest(e.challenge(bearer, identityID))
	require.NoError(e.t, err)
	return e.do(http.MethodPost, "/public-keys", bearer, map[string]any{
		"credential":  json.RawMessage(credential),
		"displayName": "laptop",
	})
}

// signUp creates an identity with one passkey and returns a Common token.
func (e *testEnv) signUp(username string) (model.Identity, *webauthntest.Authenticator, string) {
	e.t.Helper()
	identity, provisioning := e.createIdentity(username)
	auth, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(e.t, err)
	resp := e.registerPasskey(provisioning, identity.ID, auth)
	require.Equal(e.t, http.StatusCreated, resp.status, string(resp.body))
	return identity, auth, resp.bearer(e.t)
}

func (e *testEnv) login(auth *webauthntest.Authenticator, bearer, typ, act string) response {
	e.t.Helper()
	credential, err := auth.Assert(e.challenge("", nil))
	require.NoError(e.t, err)
	body := map[string]any{"credential": json.RawMessage(credential), "typ": typ}
	if act != "" {
		body["act"] = act
	}
	return e.do(http.MethodPost, "/tokens", bearer, body)
}

func TestHealthIsPublic(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(b))

	ready := e.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, ready.status)
}

func TestWellKnownDocuments(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(http.MethodGet, "/.well-known/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, resp.status)
	var set jose.JSONWebKeySet
	resp.decode(t, &set)
	require.Len(t, set.Keys, 1)
	assert.True(t, set.Keys[0].IsPublic())
	assert.Equal(t, "public, max-age=60", resp.header.Get("Cache-Control"))

	resp = e.do(http.MethodGet, "/.well-known/relying-party.json", "", nil)
	var rp map[string]string
	resp.decode(t, &rp)
	assert.Equal(t, map[string]string{"id": testRPID, "name": "Test"}, rp)

	resp = e.do(http.MethodGet, "/.well-known/public-key-parameters.json", "", nil)
	var params struct {
		PublicKeyParameters []map[string]any `json:"publicKeyParameters"`
	}
	resp.decode(t, &params)
	assert.Len(t, params.PublicKeyParameters, 5)
}

func TestAPIKeyGate(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/identities", strings.NewReader(`{"username":"alice","displayName":"Alice"}`))
	require.NoError(t, err)
	req.Header.Set("X-Correlation-Id", "corr-1")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var env responseEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, codeUnauthenticated, env.Error.Code)
	assert.Equal(t, "corr-1", env.Error.CorrelationID)
	assert.NotNil(t, env.Error.Problems)
}

func TestIdentityCreate_Validation(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(http.MethodPost, "/identities", "", map[string]string{"username": "abc", "displayName": strings.Repeat("x", 65)})
	require.Equal(t, http.StatusBadRequest, resp.status)
	var pointers []string
	for _, p := range resp.problems(t) {
		pointers = append(pointers, p.Pointer)
	}
	assert.Equal(t, []string{"/username", "/displayName"}, pointers)

	e.createIdentity("alice")
	resp = e.do(http.MethodPost, "/identities", "", map[string]string{"username": "alice", "displayName": "Another"})
	assert.Equal(t, http.StatusConflict, resp.status)
}

func TestRegistrationFlow(t *testing.T) {
	e := newTestEnv(t)
	identity, provisioning := e.createIdentity("alice")
	require.NotNil(t, identity.Expires)

	resp := e.do(http.MethodGet, "/credential-creation-options", provisioning, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var options struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		ExcludeCredentials []any `json:"excludeCredentials"`
	}
	resp.decode(t, &options)
	assert.Equal(t, identity.ID.String(), options.User.ID)
	assert.Empty(t, options.ExcludeCredentials)

	auth, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	value := e.challenge(provisioning, identity.ID)
	credential, err := auth.Attest(value)
	require.NoError(t, err)
	body := map[string]any{"credential": json.RawMessage(credential), "displayName": "laptop"}

	resp = e.do(http.MethodPost, "/public-keys", provisioning, body)
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	common := resp.bearer(t)

	current := e.do(http.MethodGet, "/tokens/current", common, nil)
	require.Equal(t, http.StatusOK, current.status)
	var view tokenView
	current.decode(t, &view)
	assert.Equal(t, token.TypeCommon, view.Typ)
	assert.Equal(t, identity.ID.String(), view.Sub)

	got := e.do(http.MethodGet, "/identities/"+identity.ID.String(), common, nil)
	require.Equal(t, http.StatusOK, got.status)
	var stored model.Identity
	got.decode(t, &stored)
	assert.Nil(t, stored.Expires, "first passkey makes the identity permanent")

	// The provisioning token was spent by the registration.
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/tokens/current", provisioning, nil).status)

	// Replaying the same attestation fails: its challenge is gone.
	replay := e.do(http.MethodPost, "/public-keys", common, body)
	assert.Equal(t, http.StatusUnauthorized, replay.status)

	resp = e.do(http.MethodGet, "/credential-creation-options", common, nil)
	resp.decode(t, &options)
	assert.Len(t, options.ExcludeCredentials, 1)
}

func TestRegistration_CommonTokenAddsPasskey(t *testing.T) {
	e := newTestEnv(t)
	identity, _, common := e.signUp("alice")

	second, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	resp := e.registerPasskey(common, identity.ID, second)
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	assert.Empty(t, resp.header.Get("Authorization"), "common tokens are not exchanged")

	list := e.do(http.MethodGet, "/public-keys", common, nil)
	var keys struct {
		PublicKeys []model.PublicKey `json:"publicKeys"`
	}
	list.decode(t, &keys)
	assert.Len(t, keys.PublicKeys, 2)
}

func TestRegistration_RejectsForeignChallenge(t *testing.T) {
	e := newTestEnv(t)
	alice, provisioning := e.createIdentity("alice")
	bob, bobToken := e.createIdentity("bobby")

	auth, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	credential, err := auth.Attest(e.challenge(bobToken, bob.ID))
	require.NoError(t, err)

	resp := e.do(http.MethodPost, "/public-keys", provisioning, map[string]any{"credential": json.RawMessage(credential), "displayName": "laptop"})
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	keys, err := e.store.ListPublicKeys(t.Context(), alice.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRegistration_Validation(t *testing.T) {
	e := newTestEnv(t)
	_, provisioning := e.createIdentity("alice")

	resp := e.do(http.MethodPost, "/public-keys", provisioning, map[string]any{"credential": map[string]any{}, "displayName": " "})
	require.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, "/displayName", resp.problems(t)[0].Pointer)

	resp = e.do(http.MethodPost, "/public-keys", provisioning, map[string]any{"credential": map[string]any{"rawId": "AQID"}, "displayName": "laptop"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)
}

func TestChallengeCreate(t *testing.T) {
	e := newTestEnv(t)
	alice, aliceToken := e.createIdentity("alice")
	_, bobToken := e.createIdentity("bobby")

	resp := e.do(http.MethodPost, "/challenges", "", map[string]any{"identityId": alice.ID})
	assert.Equal(t, http.StatusUnauthorized, resp.status, "bound challenges need a token")

	resp = e.do(http.MethodPost, "/challenges", bobToken, map[string]any{"identityId": alice.ID})
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = e.do(http.MethodPost, "/challenges", aliceToken, map[string]any{"identityId": alice.ID})
	require.Equal(t, http.StatusCreated, resp.status)
	var ch model.Challenge
	resp.decode(t, &ch)
	assert.Len(t, ch.Challenge, ids.ChallengeLength)
	assert.Equal(t, testOrigin, ch.Origin)
	assert.True(t, ch.IdentityID.Equal(alice.ID))

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/challenges", nil)
	require.NoError(t, err)
	req.Header.Set("X-TS-API-Key", testAPIKey)
	noOrigin, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer noOrigin.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, noOrigin.StatusCode)
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)
	identity, auth, _ := e.signUp("alice")

	resp := e.login(auth, "", token.TypeCommon, "")
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	var view tokenView
	resp.decode(t, &view)
	assert.Equal(t, identity.ID.String(), view.Sub)
	assert.Equal(t, token.TypeCommon, view.Typ)
	assert.NotEmpty(t, resp.bearer(t))

	stored, err := e.store.GetPublicKey(t.Context(), auth.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.SignatureCounter)
	assert.NotNil(t, stored.LastUsed)

	resp = e.login(auth, "", token.TypeProvisioning, "")
	require.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, "/typ", resp.problems(t)[0].Pointer)

	resp = e.login(auth, "", token.TypeConsent, "")
	require.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, "/act", resp.problems(t)[0].Pointer)
}

func TestLogin_ClonedAuthenticator(t *testing.T) {
	e := newTestEnv(t)
	_, auth, _ := e.signUp("alice")

	require.Equal(t, http.StatusCreated, e.login(auth, "", token.TypeCommon, "").status)

	// A clone still at the old counter presents the same value again.
	auth.SignCount = 0
	assert.Equal(t, http.StatusUnauthorized, e.login(auth, "", token.TypeCommon, "").status)

	stored, err := e.store.GetPublicKey(t.Context(), auth.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.SignatureCounter)
}

func TestLogin_BearerSubjectMustOwnPasskey(t *testing.T) {
	e := newTestEnv(t)
	_, aliceAuth, _ := e.signUp("alice")
	_, _, bobToken := e.signUp("bobby")

	resp := e.login(aliceAuth, bobToken, token.TypeCommon, "")
	assert.Equal(t, http.StatusUnauthorized, resp.status)
}

func TestConsentIsSingleUse(t *testing.T) {
	e := newTestEnv(t)
	identity, auth, common := e.signUp("alice")
	action := "DELETE /public-keys/" + ids.Bytes(auth.CredentialID).String()

	resp := e.login(auth, common, token.TypeConsent, action)
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	consent := resp.bearer(t)

	// The only passkey cannot be removed, and the consent is spent anyway.
	resp = e.do(http.MethodDelete, "/public-keys/"+ids.Bytes(auth.CredentialID).String(), consent, nil)
	assert.Equal(t, http.StatusNotAcceptable, resp.status)
	resp = e.do(http.MethodDelete, "/public-keys/"+ids.Bytes(auth.CredentialID).String(), consent, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	// With a second passkey the deletion goes through.
	second, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, e.registerPasskey(common, identity.ID, second).status)

	consent = e.login(auth, common, token.TypeConsent, action).bearer(t)
	resp = e.do(http.MethodDelete, "/public-keys/"+ids.Bytes(auth.CredentialID).String(), consent, nil)
	assert.Equal(t, http.StatusNoContent, resp.status)

	count, err := e.store.CountPublicKeys(t.Context(), identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConsentForAnotherActionIsSpent(t *testing.T) {
	e := newTestEnv(t)
	identity, auth, common := e.signUp("alice")
	path := "/identities/" + identity.ID.String()

	consent := e.login(auth, common, token.TypeConsent, "DELETE /public-keys/AQID").bearer(t)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodDelete, path, consent, nil).status)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodDelete, path, consent, nil).status)

	// A Common token never authorizes a deletion.
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodDelete, path, common, nil).status)

	consent = e.login(auth, common, token.TypeConsent, "DELETE "+path).bearer(t)
	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, path, consent, nil).status)

	_, err := e.store.GetIdentity(t.Context(), identity.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, path, common, nil).status)
}

func TestIdentityGet_OtherSubjectForbidden(t *testing.T) {
	e := newTestEnv(t)
	alice, _ := e.createIdentity("alice")
	_, bobToken := e.createIdentity("bobby")

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/identities/"+alice.ID.String(), bobToken, nil).status)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/identities/"+alice.ID.String(), "", nil).status)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/identities/"+alice.ID.String(), "garbage", nil).status)
}

func TestLogoutAndRevocationLookup(t *testing.T) {
	e := newTestEnv(t)
	_, _, common := e.signUp("alice")

	var view tokenView
	e.do(http.MethodGet, "/tokens/current", common, nil).decode(t, &view)
	require.NotEmpty(t, view.Tid)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/revoked-tokens/"+view.Tid, "", nil).status)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodPost, "/revoked-tokens", common, nil).status)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/tokens/current", common, nil).status)

	resp := e.do(http.MethodGet, "/revoked-tokens/"+view.Tid, "", nil)
	require.Equal(t, http.StatusOK, resp.status)
	var body map[string]any
	resp.decode(t, &body)
	assert.Equal(t, map[string]any{"token": view.Tid, "revoked": true}, body)
}

func TestExistingCredentials(t *testing.T) {
	e := newTestEnv(t)
	identity, auth, _ := e.signUp("alice")

	var out struct {
		Credentials []map[string]any `json:"credentials"`
	}
	e.do(http.MethodGet, "/existing-credentials?username=alice", "", nil).decode(t, &out)
	require.Len(t, out.Credentials, 1)
	assert.Equal(t, ids.Bytes(auth.CredentialID).String(), out.Credentials[0]["id"])
	assert.Equal(t, "public-key", out.Credentials[0]["type"])

	e.do(http.MethodGet, "/existing-credentials?identityId="+identity.ID.String(), "", nil).decode(t, &out)
	assert.Len(t, out.Credentials, 1)

	e.do(http.MethodGet, "/existing-credentials?username=nobody", "", nil).decode(t, &out)
	assert.Empty(t, out.Credentials)
}

func TestRequestOptions(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(http.MethodGet, "/credential-request-options", "", nil)
	require.Equal(t, http.StatusOK, resp.status)
	var opts map[string]any
	resp.decode(t, &opts)
	assert.Equal(t, testRPID, opts["rpId"])
	assert.Equal(t, "preferred", opts["userVerification"])
}

func TestCORSExposesAuthorization(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/tokens", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization,x-ts-api-key")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, testOrigin, resp.Header.Get("Access-Control-Allow-Origin"))

	created := e.do(http.MethodPost, "/identities", "", map[string]string{"username": "alice", "displayName": "Alice"})
	assert.Contains(t, created.header.Get("Access-Control-Expose-Headers"), "Authorization")
}

func TestConsent_ConcurrentPresentationRunsOnce(t *testing.T) {
	e := newTestEnv(t)
	identity, auth, common := e.signUp("alice")
	second, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	third, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, e.registerPasskey(common, identity.ID, second).status)
	require.Equal(t, http.StatusCreated, e.registerPasskey(common, identity.ID, third).status)

	path := "/public-keys/" + ids.Bytes(auth.CredentialID).String()
	consent := e.login(auth, common, token.TypeConsent, "DELETE "+path).bearer(t)

	statuses := e.concurrently(
		e.request(http.MethodDelete, path, consent, nil),
		e.request(http.MethodDelete, path, consent, nil),
	)
	assert.Equal(t, []int{http.StatusNoContent, http.StatusUnauthorized}, statuses)

	count, err := e.store.CountPublicKeys(t.Context(), identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRegistration_ConcurrentProvisioningRegistersOnce(t *testing.T) {
	e := newTestEnv(t)
	identity, provisioning := e.createIdentity("alice")

	var reqs []*http.Request
	for range 2 {
		auth, err := webauthntest.New(testRPID, testOrigin)
		require.NoError(t, err)
		credential, err := auth.Attest(e.challenge(provisioning, identity.ID))
		require.NoError(t, err)
		reqs = append(reqs, e.request(http.MethodPost, "/public-keys", provisioning, map[string]any{
			"credential":  json.RawMessage(credential),
			"displayName": "laptop",
		}))
	}

	statuses := e.concurrently(reqs...)
	assert.Equal(t, []int{http.StatusCreated, http.StatusUnauthorized}, statuses)

	count, err := e.store.CountPublicKeys(t.Context(), identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRegistration_FailedCeremonySpendsProvisioningToken(t *testing.T) {
	e := newTestEnv(t)
	identity, provisioning := e.createIdentity("alice")

	auth, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	credential, err := auth.Attest(e.challenge(provisioning, identity.ID), webauthntest.WithOrigin("https://evil.example"))
	require.NoError(t, err)
	body := map[string]any{"credential": json.RawMessage(credential), "displayName": "laptop"}
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodPost, "/public-keys", provisioning, body).status)

	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/tokens/current", provisioning, nil).status)
}

func TestChallengeCreate_UndecodableIdentityID(t *testing.T) {
	e := newTestEnv(t)
	_, provisioning := e.createIdentity("alice")

	resp := e.do(http.MethodPost, "/challenges", provisioning, map[string]any{"identityId": "not base64!"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.status)
	assert.Equal(t, "/identityId", resp.problems(t)[0].Pointer)
}
