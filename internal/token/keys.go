package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Signing algorithms.
const (
	AlgorithmES256 = string(jose.ES256)
	AlgorithmEdDSA = string(jose.EdDSA)
)

// SigningKey is the private key tokens are signed with. It is loaded once at
// startup and never rotated while the process runs.
type SigningKey struct {
	ID        string
	Algorithm string
	private   crypto.Signer
}

// LoadSigningKey reads a private JWK from path. kid overrides the key id
// found in the file; when both are empty the RFC 7638 thumbprint is used.
func LoadSigningKey(path, kid, alg string) (*SigningKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if jwk.IsPublic() {
		return nil, errors.New("signing key: JWK holds no private key")
	}
	if jwk.Algorithm != "" && jwk.Algorithm != alg {
		return nil, fmt.Errorf("signing key: JWK is for %s, configured %s", jwk.Algorithm, alg)
	}
	signer, ok := jwk.Key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key: unsupported key type %T", jwk.Key)
	}
	if kid == "" {
		kid = jwk.KeyID
	}
	return newSigningKey(signer, kid, alg)
}

// GenerateSigningKey creates an ephemeral key for development.
func GenerateSigningKey(alg string) (*SigningKey, error) {
	var signer crypto.Signer
	switch alg {
	case AlgorithmES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		signer = key
	case AlgorithmEdDSA:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		signer = key
	default:
		return nil, fmt.Errorf("signing key: unsupported algorithm %q", alg)
	}
	return newSigningKey(signer, "", alg)
}

func newSigningKey(signer crypto.Signer, kid, alg string) (*SigningKey, error) {
	switch pub := signer.Public().(type) {
	case *ecdsa.PublicKey:
		if alg != AlgorithmES256 || pub.Curve != elliptic.P256() {
			return nil, fmt.Errorf("signing key: P-256 key required for %s", alg)
		}
	case ed25519.PublicKey:
		if alg != AlgorithmEdDSA {
			return nil, fmt.Errorf("signing key: Ed25519 key cannot sign %s", alg)
		}
	default:
		return nil, fmt.Errorf("signing key: unsupported key type %T", pub)
	}

	k := &SigningKey{ID: kid, Algorithm: alg, private: signer}
	if k.ID == "" {
		jwk := k.PublicJWK()
		thumb, err := jwk.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("signing key thumbprint: %w", err)
		}
		k.ID = base64.RawURLEncoding.EncodeToString(thumb)
	}
	return k, nil
}

// Method returns the jwt signing method for the key.
func (k *SigningKey) Method() jwt.SigningMethod {
	if k.Algorithm == AlgorithmEdDSA {
		return jwt.SigningMethodEdDSA
	}
	return jwt.SigningMethodES256
}

// Public returns the verification key.
func (k *SigningKey) Public() crypto.PublicKey {
	return k.private.Public()
}

// PublicJWK returns the public half as a JWK suitable for publication.
func (k *SigningKey) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.private.Public(),
		KeyID:     k.ID,
		Algorithm: k.Algorithm,
		Use:       "sig",
	}
}

// signingKey returns the value handed to jwt for signing.
func (k *SigningKey) signingKey() any {
	return k.private
}
