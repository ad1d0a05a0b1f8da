// Package token issues and validates the signed bearer tokens handed out after
// a successful passkey ceremony.
package token

import (
	"errors"
	"fmt"
)

// Wire values of the typ claim.
const (
	TypeProvisioning = "provisioning"
	TypeCommon       = "common"
	TypeConsent      = "consent"
)

// ErrUnknownKind is returned when a typ claim or request field does not name a kind.
var ErrUnknownKind = errors.New("token: unknown kind")

// Kind is the privilege carried by a token. The set is closed: the only
// implementations are Provisioning, Common and Consent, and callers branch on
// it with Visit so that adding a kind breaks every switch at compile time.
type Kind interface {
	isKind()
}

// Provisioning authorizes registering the first credential of a fresh identity.
type Provisioning struct{}

// Common is a general session token for its subject.
type Common struct{}

// Consent authorizes exactly one action, e.g. "DELETE /identities/<id>".
type Consent struct {
	Action string
}

func (Provisioning) isKind() {}
func (Common) isKind()       {}
func (Consent) isKind()      {}

// KindSwitch has one method per kind.
type KindSwitch[T any] interface {
	Provisioning() T
	Common() T
	Consent(action string) T
}

// Visit dispatches k to the matching method of s.
func Visit[T any](k Kind, s KindSwitch[T]) T {
	switch k := k.(type) {
	case Provisioning:
		return s.Provisioning()
	case Common:
		return s.Common()
	case Consent:
		return s.Consent(k.Action)
	default:
		// Kind is sealed, so this only fires on a nil Kind.
		panic(fmt.Sprintf("token: unhandled kind %T", k))
	}
}

type typeName struct{}

func (typeName) Provisioning() string    { return TypeProvisioning }
func (typeName) Common() string          { return TypeCommon }
func (typeName) Consent(_ string) string { return TypeConsent }

// TypeOf returns the typ claim value of k.
func TypeOf(k Kind) string {
	return Visit[string](k, typeName{})
}

// ActionOf returns the action of a Consent kind and "" otherwise.
func ActionOf(k Kind) string {
	if c, ok := k.(Consent); ok {
		return c.Action
	}
	return ""
}

// ParseKind builds a Kind from its typ and act wire fields. Consent requires
// a non-empty action; the other kinds must not carry one.
func ParseKind(typ, action string) (Kind, error) {
	switch typ {
	case TypeProvisioning:
		if action != "" {
			return nil, fmt.Errorf("%w: %s does not take an action", ErrUnknownKind, typ)
		}
		return Provisioning{}, nil
	case TypeCommon:
		if action != "" {
			return nil, fmt.Errorf("%w: %s does not take an action", ErrUnknownKind, typ)
		}
		return Common{}, nil
	case TypeConsent:
		if action == "" {
			return nil, fmt.Errorf("%w: consent requires an action", ErrUnknownKind)
		}
		return Consent{Action: action}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, typ)
	}
}

// IsConsentFor reports whether k is a Consent for exactly action.
func IsConsentFor(k Kind, action string) bool {
	c, ok := k.(Consent)
	return ok && c.Action == action
}
