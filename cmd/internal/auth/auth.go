// Package auth is the boundary to the external authentication collaborator.
//
// Credential issuance lives elsewhere; this package only resolves an
// already-issued credential to a (user, role) identity. The broker trusts the
// result and performs no credential parsing itself.
package auth

import (
	"context"
	"strings"
)

// Role is the coarse authorization level attached to an identity.
type Role string

const (
	// RoleMember is a regular participant.
	RoleMember Role = "member"
	// RoleAdmin is the elevated role allowed to close rooms.
	RoleAdmin Role = "admin"
)

// Administrative reports whether the role may perform elevated operations.
func (r Role) Administrative() bool {
	return r == RoleAdmin
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin
}

// Identity is the verified (user, role) pair supplied by the collaborator.
type Identity struct {
	UserID string
	Role   Role
}

// Verifier resolves a credential to an Identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// DevVerifier accepts any "userID" or "userID:role" credential without
// cryptographic verification. It exists so the server can run without a
// configured ticket key during local development. Never use in production.
type DevVerifier struct{}

// Verify implements Verifier.
func (DevVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	userID, roleStr, found := strings.Cut(strings.TrimSpace(credential), ":")
	if userID == "" {
		return Identity{}, ErrInvalidCredential
	}
	role := RoleMember
	if found {
		role = Role(roleStr)
		if !role.Valid() {
			return Identity{}, ErrInvalidCredential
		}
	}
	return Identity{UserID: userID, Role: role}, nil
}

// StaticVerifier maps fixed credentials to identities. Dev and test use only.
type StaticVerifier map[string]Identity

// Verify implements Verifier.
func (v StaticVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	id, ok := v[credential]
	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	return id, nil
}
