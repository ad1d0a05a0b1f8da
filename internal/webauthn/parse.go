package webauthn

import (
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
)

// ParseAttestation decodes a PublicKeyCredential JSON produced by
// navigator.credentials.create. Browsers serializing the credential by hand
// often omit "type", so it defaults to "public-key".
func ParseAttestation(raw []byte) (*protocol.ParsedCredentialCreationData, error) {
	var ccr protocol.CredentialCreationResponse
	if err := json.Unmarshal(raw, &ccr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if ccr.Type == "" {
		ccr.Type = string(protocol.PublicKeyCredentialType)
	}
	if ccr.ID == "" && len(ccr.RawID) > 0 {
		ccr.ID = ccr.RawID.String()
	}

	parsed, err := ccr.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return parsed, nil
}

// ParseAssertion decodes a PublicKeyCredential JSON produced by
// navigator.credentials.get, with the same defaults as ParseAttestation.
func ParseAssertion(raw []byte) (*protocol.ParsedCredentialAssertionData, error) {
	var car protocol.CredentialAssertionResponse
	if err := json.Unmarshal(raw, &car); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if car.Type == "" {
		car.Type = string(protocol.PublicKeyCredentialType)
	}
	if car.ID == "" && len(car.RawID) > 0 {
		car.ID = car.RawID.String()
	}

	parsed, err := car.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return parsed, nil
}
