package webauthn

import (
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
)

// CeremonyTimeout is the timeout advertised to browsers for both ceremonies.
const CeremonyTimeout = 15 * time.Minute

// RelyingParty identifies this service to authenticators.
type RelyingParty struct {
	ID      string
	Name    string
	Origins []string
}

// supportedAlgorithms lists the COSE algorithms accepted for new credentials,
// in order of preference.
var supportedAlgorithms = []webauthncose.COSEAlgorithmIdentifier{
	webauthncose.AlgES256,
	webauthncose.AlgEdDSA,
	webauthncose.AlgES384,
	webauthncose.AlgES512,
	webauthncose.AlgRS256,
}

var hints = []protocol.PublicKeyCredentialHints{
	protocol.PublicKeyCredentialHintSecurityKey,
	protocol.PublicKeyCredentialHintHybrid,
	protocol.PublicKeyCredentialHintClientDevice,
}

// Supported reports whether alg is accepted for registration.
func Supported(alg int64) bool {
	for _, a := range supportedAlgorithms {
		if int64(a) == alg {
			return true
		}
	}
	return false
}

// Parameters returns the pubKeyCredParams document.
func Parameters() []protocol.CredentialParameter {
	params := make([]protocol.CredentialParameter, 0, len(supportedAlgorithms))
	for _, alg := range supportedAlgorithms {
		params = append(params, protocol.CredentialParameter{
			Type:      protocol.PublicKeyCredentialType,
			Algorithm: alg,
		})
	}
	return params
}

// Entity returns the relying party entity document.
func (rp RelyingParty) Entity() protocol.RelyingPartyEntity {
	return protocol.RelyingPartyEntity{
		CredentialEntity: protocol.CredentialEntity{Name: rp.Name},
		ID:               rp.ID,
	}
}

// CreationOptions builds registration options around challenge. user and
// exclude are only known when the caller is authenticated; user may be nil.
func (rp RelyingParty) CreationOptions(challenge []byte, user *model.Identity, exclude []model.PublicKey) protocol.PublicKeyCredentialCreationOptions {
	opts := protocol.PublicKeyCredentialCreationOptions{
		RelyingParty: rp.Entity(),
		Challenge:    challenge,
		Parameters:   Parameters(),
		Timeout:      int(CeremonyTimeout.Milliseconds()),
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:        protocol.ResidentKeyRequirementRequired,
			RequireResidentKey: protocol.ResidentKeyRequired(),
			UserVerification:   protocol.VerificationPreferred,
		},
		Hints:                 hints,
		Attestation:           protocol.PreferNoAttestation,
		CredentialExcludeList: Descriptors(exclude),
	}
	if user != nil {
		opts.User = protocol.UserEntity{
			CredentialEntity: protocol.CredentialEntity{Name: user.Username},
			DisplayName:      user.DisplayName,
			ID:               protocol.URLEncodedBase64(user.ID),
		}
	}
	return opts
}

// RequestOptions builds authentication options around challenge. allow may be
// empty for discoverable-credential login.
func (rp RelyingParty) RequestOptions(challenge []byte, allow []model.PublicKey) protocol.PublicKeyCredentialRequestOptions {
	return protocol.PublicKeyCredentialRequestOptions{
		Challenge:          challenge,
		Timeout:            int(CeremonyTimeout.Milliseconds()),
		RelyingPartyID:     rp.ID,
		AllowedCredentials: Descriptors(allow),
		UserVerification:   protocol.VerificationPreferred,
		Hints:              hints,
	}
}

// Descriptors converts stored credentials into credential descriptors.
func Descriptors(keys []model.PublicKey) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(keys))
	for _, k := range keys {
		transports := make([]protocol.AuthenticatorTransport, 0, len(k.Transports))
		for _, t := range k.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		out = append(out, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: protocol.URLEncodedBase64(k.RawID),
			Transport:    transports,
		})
	}
	return out
}
