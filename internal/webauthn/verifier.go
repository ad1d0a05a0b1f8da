// Package webauthn verifies WebAuthn registration (attestation) and
// authentication (assertion) responses against single-use challenges and
// stored credentials.
//
// The verifier never writes to storage beyond consuming the challenge. Callers
// persist the attested credential or the new signature counter themselves.
package webauthn

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/challenge"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/ids"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/storage"
)

var (
	// ErrRejected is returned for every failed ceremony check. The wrapped
	// message names the failing step and is meant for server logs only.
	ErrRejected = errors.New("credential rejected")
	// ErrMalformed is returned when the response belongs to the wrong ceremony.
	ErrMalformed = errors.New("credential malformed")
	// ErrUndecodable is returned when the response cannot be decoded at all.
	ErrUndecodable = errors.New("credential undecodable")
)

// Ceremony names used in logs and metrics.
const (
	CeremonyRegistration   = "registration"
	CeremonyAuthentication = "authentication"
)

var ceremonyCount = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webauthn_ceremonies_total",
		Help: "Total number of verified WebAuthn ceremonies, by ceremony and result.",
	},
	[]string{"ceremony", "result"}, // result: success, rejected, malformed, error
)

// ChallengeTaker consumes challenges. Implemented by *challenge.Store.
type ChallengeTaker interface {
	Take(ctx context.Context, value []byte) (model.Challenge, error)
}

// PublicKeyGetter looks up stored credentials. Implemented by storage.Store.
type PublicKeyGetter interface {
	GetPublicKey(ctx context.Context, rawID []byte) (model.PublicKey, error)
}

// Attestation is the outcome of a successful registration ceremony.
type Attestation struct {
	IdentityID ids.Bytes
	RawID      ids.Bytes
	PublicKey  ids.Bytes // COSE_Key encoding
	Algorithm  int64
	Transports []string
	Counter    uint32
}

// Assertion is the outcome of a successful authentication ceremony.
type Assertion struct {
	IdentityID ids.Bytes
	RawID      ids.Bytes
	Counter    uint32
}

// Verifier checks ceremony responses for one relying party.
type Verifier struct {
	rp         RelyingParty
	rpIDHash   [32]byte
	challenges ChallengeTaker
	keys       PublicKeyGetter
	logger     *slog.Logger
}

// NewVerifier builds a Verifier for rp.
func NewVerifier(rp RelyingParty, challenges ChallengeTaker, keys PublicKeyGetter, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		rp:         rp,
		rpIDHash:   sha256.Sum256([]byte(rp.ID)),
		challenges: challenges,
		keys:       keys,
		logger:     logger,
	}
}

// VerifyAttestation checks a registration response. expected, when non-nil,
// is the identity the caller is authenticated as; it is also used as the
// owner when the challenge is not bound to an identity.
func (v *Verifier) VerifyAttestation(ctx context.Context, cred *protocol.ParsedCredentialCreationData, expected ids.Bytes) (Attestation, error) {
	att, err := v.verifyAttestation(ctx, cred, expected)
	v.observe(ctx, CeremonyRegistration, err)
	return att, err
}

func (v *Verifier) verifyAttestation(ctx context.Context, cred *protocol.ParsedCredentialCreationData, expected ids.Bytes) (Attestation, error) {
	clientData := cred.Response.CollectedClientData
	if clientData.Type != protocol.CreateCeremony {
		return Attestation{}, fmt.Errorf("%w: client data type %q", ErrMalformed, clientData.Type)
	}

	ch, err := v.consume(ctx, clientData.Challenge)
	if err != nil {
		return Attestation{}, err
	}
	if err := v.checkOrigin(clientData.Origin, ch); err != nil {
		return Attestation{}, err
	}
	if err := checkBinding(ch, expected); err != nil {
		return Attestation{}, err
	}

	owner := ch.IdentityID
	if owner == nil {
		owner = expected
	}
	if owner == nil {
		return Attestation{}, reject("no identity to register the credential for")
	}

	authData := cred.Response.AttestationObject.AuthData
	if err := v.checkAuthenticatorData(authData); err != nil {
		return Attestation{}, err
	}
	if !authData.Flags.HasAttestedCredentialData() {
		return Attestation{}, reject("attested credential data missing")
	}

	attested := authData.AttData
	if len(attested.CredentialID) == 0 || !bytes.Equal(attested.CredentialID, cred.RawID) {
		return Attestation{}, reject("attested credential id differs from rawId")
	}

	key, err := webauthncose.ParsePublicKey(attested.CredentialPublicKey)
	if err != nil {
		return Attestation{}, reject("unparseable credential public key")
	}
	alg, ok := keyAlgorithm(key)
	if !ok || !Supported(alg) {
		return Attestation{}, reject(fmt.Sprintf("unsupported key algorithm %d", alg))
	}

	transports := make([]string, 0, len(cred.Response.Transports))
	for _, t := range cred.Response.Transports {
		transports = append(transports, string(t))
	}

	return Attestation{
		IdentityID: ids.Bytes(owner).Clone(),
		RawID:      ids.Bytes(attested.CredentialID).Clone(),
		PublicKey:  ids.Bytes(attested.CredentialPublicKey).Clone(),
		Algorithm:  alg,
		Transports: transports,
		Counter:    authData.Counter,
	}, nil
}

// VerifyAssertion checks an authentication response against the stored
// credential it names. expected, when non-nil, must own that credential.
// The signature counter is checked but not persisted.
func (v *Verifier) VerifyAssertion(ctx context.Context, cred *protocol.ParsedCredentialAssertionData, expected ids.Bytes) (Assertion, error) {
	a, err := v.verifyAssertion(ctx, cred, expected)
	v.observe(ctx, CeremonyAuthentication, err)
	return a, err
}

func (v *Verifier) verifyAssertion(ctx context.Context, cred *protocol.ParsedCredentialAssertionData, expected ids.Bytes) (Assertion, error) {
	clientData := cred.Response.CollectedClientData
	if clientData.Type != protocol.AssertCeremony {
		return Assertion{}, fmt.Errorf("%w: client data type %q", ErrMalformed, clientData.Type)
	}

	ch, err := v.consume(ctx, clientData.Challenge)
	if err != nil {
		return Assertion{}, err
	}
	if err := v.checkOrigin(clientData.Origin, ch); err != nil {
		return Assertion{}, err
	}
	if err := checkBinding(ch, expected); err != nil {
		return Assertion{}, err
	}

	authData := cred.Response.AuthenticatorData
	if err := v.checkAuthenticatorData(authData); err != nil {
		return Assertion{}, err
	}

	stored, err := v.keys.GetPublicKey(ctx, cred.RawID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Assertion{}, reject("unknown credential")
		}
		return Assertion{}, fmt.Errorf("load credential: %w", err)
	}
	if ch.Bound() && !ch.IdentityID.Equal(stored.IdentityID) {
		return Assertion{}, reject("credential not owned by challenge identity")
	}
	if expected != nil && !expected.Equal(stored.IdentityID) {
		return Assertion{}, reject("credential not owned by authenticated identity")
	}

	key, err := webauthncose.ParsePublicKey(stored.PublicKey)
	if err != nil {
		return Assertion{}, fmt.Errorf("parse stored public key: %w", err)
	}
	clientDataHash := sha256.Sum256(cred.Raw.AssertionResponse.ClientDataJSON)
	signed := append(append([]byte{}, cred.Raw.AssertionResponse.AuthenticatorData...), clientDataHash[:]...)
	valid, err := webauthncose.VerifySignature(key, signed, cred.Response.Signature)
	if err != nil || !valid {
		return Assertion{}, reject("signature verification failed")
	}

	if !stored.AcceptsCounter(authData.Counter) {
		return Assertion{}, reject(fmt.Sprintf("signature counter %d does not advance %d, possible cloned authenticator", authData.Counter, stored.SignatureCounter))
	}

	return Assertion{
		IdentityID: stored.IdentityID,
		RawID:      stored.RawID,
		Counter:    authData.Counter,
	}, nil
}

// consume decodes and takes the challenge named by the client data.
func (v *Verifier) consume(ctx context.Context, encoded string) (model.Challenge, error) {
	value, err := ids.Parse(encoded)
	if err != nil {
		return model.Challenge{}, reject("undecodable challenge")
	}
	ch, err := v.challenges.Take(ctx, value)
	if err != nil {
		if errors.Is(err, challenge.ErrNotFound) {
			return model.Challenge{}, reject("challenge not found or expired")
		}
		return model.Challenge{}, err
	}
	return ch, nil
}

// checkOrigin requires the client origin to be one of ours and to match the
// origin that requested the challenge.
func (v *Verifier) checkOrigin(origin string, ch model.Challenge) error {
	if !protocol.IsOriginInHaystack(origin, v.rp.Origins) {
		return reject(fmt.Sprintf("origin %q not allowed", origin))
	}
	if ch.Origin != "" && !protocol.IsOriginInHaystack(origin, []string{ch.Origin}) {
		return reject(fmt.Sprintf("origin %q differs from challenge origin %q", origin, ch.Origin))
	}
	return nil
}

func (v *Verifier) checkAuthenticatorData(authData protocol.AuthenticatorData) error {
	if !bytes.Equal(authData.RPIDHash, v.rpIDHash[:]) {
		return reject("relying party id hash mismatch")
	}
	if !authData.Flags.UserPresent() {
		return reject("user presence flag not set")
	}
	return nil
}

// checkBinding rejects a bound challenge presented on behalf of another identity.
func checkBinding(ch model.Challenge, expected ids.Bytes) error {
	if ch.Bound() && expected != nil && !ch.IdentityID.Equal(expected) {
		return reject("challenge bound to another identity")
	}
	return nil
}

func (v *Verifier) observe(ctx context.Context, ceremony string, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrRejected):
		result = "rejected"
	case errors.Is(err, ErrMalformed):
		result = "malformed"
	default:
		result = "error"
	}
	ceremonyCount.WithLabelValues(ceremony, result).Inc()
	if err != nil {
		v.logger.WarnContext(ctx, "webauthn ceremony failed", "ceremony", ceremony, "result", result, "error", err)
	}
}

func reject(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

func keyAlgorithm(key any) (int64, bool) {
	switch k := key.(type) {
	case webauthncose.EC2PublicKeyData:
		return k.Algorithm, true
	case webauthncose.OKPPublicKeyData:
		return k.Algorithm, true
	case webauthncose.RSAPublicKeyData:
		return k.Algorithm, true
	default:
		return 0, false
	}
}
