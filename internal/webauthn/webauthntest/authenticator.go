// Package webauthntest provides a software authenticator that produces real
// WebAuthn registration and authentication responses for tests.
package webauthntest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// Authenticator simulates a platform authenticator holding one P-256
// credential. It is not safe for concurrent use.
type Authenticator struct {
	// RPID is hashed into authenticator data.
	RPID string
	// Origin is reported in client data.
	Origin string
	// CredentialID identifies the credential.
	CredentialID []byte
	// UserHandle is returned with assertions.
	UserHandle []byte
	// SignCount is the current signature counter. Assert increments it.
	SignCount uint32

	key *ecdsa.PrivateKey
}

// Ceremony overrides individual fields of one generated response.
type Ceremony struct {
	Type    string // client data type, defaults to the ceremony's
	Origin  string // defaults to Authenticator.Origin
	RPID    string // defaults to Authenticator.RPID
	RawID   []byte // rawId reported next to the attested id
	Counter *uint32
	NoUP    bool // clear the user presence flag
}

// Option customizes a Ceremony.
type Option func(*Ceremony)

// WithType sets the client data type.
func WithType(t string) Option { return func(c *Ceremony) { c.Type = t } }

// WithOrigin sets the client data origin.
func WithOrigin(origin string) Option { return func(c *Ceremony) { c.Origin = origin } }

// WithRPID hashes a different relying party id into authenticator data.
func WithRPID(rpID string) Option { return func(c *Ceremony) { c.RPID = rpID } }

// WithRawID reports a rawId that differs from the attested credential id.
func WithRawID(id []byte) Option { return func(c *Ceremony) { c.RawID = id } }

// WithCounter presents a fixed signature counter without touching SignCount.
func WithCounter(n uint32) Option { return func(c *Ceremony) { c.Counter = &n } }

// WithoutUserPresence clears the UP flag.
func WithoutUserPresence() Option { return func(c *Ceremony) { c.NoUP = true } }

// New creates an authenticator with a fresh key and credential id.
func New(rpID, origin string) (*Authenticator, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	credID := make([]byte, 32)
	if _, err := rand.Read(credID); err != nil {
		return nil, err
	}
	return &Authenticator{RPID: rpID, Origin: origin, CredentialID: credID, key: key}, nil
}

// PublicKeyCOSE returns the credential public key as a COSE_Key.
func (a *Authenticator) PublicKeyCOSE() ([]byte, error) {
	pub := a.key.PublicKey
	return webauthncbor.Marshal(map[int]any{
		1:  int(webauthncose.EllipticKey),
		3:  int(webauthncose.AlgES256),
		-1: int(webauthncose.P256),
		-2: pub.X.FillBytes(make([]byte, 32)),
		-3: pub.Y.FillBytes(make([]byte, 32)),
	})
}

// Attest returns the JSON of a registration response for challenge using
// the "none" attestation format.
func (a *Authenticator) Attest(challenge []byte, opts ...Option) ([]byte, error) {
	c := a.ceremony(string(protocol.CreateCeremony), opts)

	cose, err := a.PublicKeyCOSE()
	if err != nil {
		return nil, err
	}
	counter := a.SignCount
	if c.Counter != nil {
		counter = *c.Counter
	}

	var authData bytes.Buffer
	a.writeHeader(&authData, c, counter, 0x40)
	authData.Write(make([]byte, 16)) // AAGUID
	_ = binary.Write(&authData, binary.BigEndian, uint16(len(a.CredentialID)))
	authData.Write(a.CredentialID)
	authData.Write(cose)

	attestationObject, err := webauthncbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal attestation object: %w", err)
	}

	rawID := a.CredentialID
	if c.RawID != nil {
		rawID = c.RawID
	}
	return json.Marshal(map[string]any{
		"id":    b64(rawID),
		"rawId": b64(rawID),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":     b64(a.clientData(challenge, c)),
			"attestationObject":  b64(attestationObject),
			"transports":         []string{"internal", "hybrid"},
			"publicKeyAlgorithm": int(webauthncose.AlgES256),
		},
		"clientExtensionResults": map[string]any{},
	})
}

// Assert returns the JSON of an authentication response for challenge. The
// signature counter is incremented first unless WithCounter is given.
func (a *Authenticator) Assert(challenge []byte, opts ...Option) ([]byte, error) {
	c := a.ceremony(string(protocol.AssertCeremony), opts)

	counter := a.SignCount + 1
	if c.Counter != nil {
		counter = *c.Counter
	} else {
		a.SignCount = counter
	}

	var authData bytes.Buffer
	a.writeHeader(&authData, c, counter, 0)

	clientData := a.clientData(challenge, c)
	hash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData.Bytes()...), hash[:]...))
	signature, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}

	rawID := a.CredentialID
	if c.RawID != nil {
		rawID = c.RawID
	}
	response := map[string]any{
		"clientDataJSON":    b64(clientData),
		"authenticatorData": b64(authData.Bytes()),
		"signature":         b64(signature),
	}
	if a.UserHandle != nil {
		response["userHandle"] = b64(a.UserHandle)
	}
	// Mirrors hand-serialized browser credentials, which omit "type".
	return json.Marshal(map[string]any{
		"id":       b64(rawID),
		"rawId":    b64(rawID),
		"response": response,
	})
}

func (a *Authenticator) ceremony(typ string, opts []Option) Ceremony {
	c := Ceremony{Type: typ, Origin: a.Origin, RPID: a.RPID}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (a *Authenticator) writeHeader(buf *bytes.Buffer, c Ceremony, counter uint32, extra byte) {
	rpIDHash := sha256.Sum256([]byte(c.RPID))
	buf.Write(rpIDHash[:])
	flags := byte(0x04) | extra // UV
	if !c.NoUP {
		flags |= 0x01
	}
	buf.WriteByte(flags)
	_ = binary.Write(buf, binary.BigEndian, counter)
}

func (a *Authenticator) clientData(challenge []byte, c Ceremony) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":        c.Type,
		"challenge":   b64(challenge),
		"origin":      c.Origin,
		"crossOrigin": false,
	})
	return data
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
