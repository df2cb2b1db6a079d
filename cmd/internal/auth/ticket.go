package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// TicketKeyMinBytes is the minimum accepted HMAC key length.
	TicketKeyMinBytes = 32
)

// TicketVerifier validates HMAC-signed identity tickets of the form
//
//	userID.role.expiryUnix.signature
//
// where signature = HMAC-SHA256("userID.role.expiryUnix", key) in hex.
// Tickets are minted by the site's auth service; this side only verifies.
type TicketVerifier struct {
	key []byte
	now func() time.Time
}

// NewTicketVerifier constructs a verifier, enforcing a minimum key length.
func NewTicketVerifier(key []byte) (*TicketVerifier, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	if len(key) < TicketKeyMinBytes {
		return nil, ErrKeyTooShort
	}
	return &TicketVerifier{key: key, now: time.Now}, nil
}

// Verify implements Verifier.
func (v *TicketVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	parts := strings.Split(strings.TrimSpace(credential), ".")
	if len(parts) != 4 {
		return Identity{}, ErrInvalidCredential
	}

	userID, role, expiryRaw, sig := parts[0], Role(parts[1]), parts[2], parts[3]
	if userID == "" || !role.Valid() {
		return Identity{}, ErrInvalidCredential
	}

	expiry, err := strconv.ParseInt(expiryRaw, 10, 64)
	if err != nil {
		return Identity{}, ErrInvalidCredential
	}

	want := signTicketBody(userID+"."+string(role)+"."+expiryRaw, v.key)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return Identity{}, ErrInvalidCredential
	}

	if v.now().UTC().Unix() > expiry {
		return Identity{}, ErrExpiredCredential
	}

	return Identity{UserID: userID, Role: role}, nil
}

// SignTicket mints a ticket for userID/role expiring at expiry. It exists for
// ops tooling and tests; production issuance belongs to the auth service.
func SignTicket(userID string, role Role, expiry time.Time, key []byte) string {
	body := fmt.Sprintf("%s.%s.%d", userID, role, expiry.UTC().Unix())
	return body + "." + signTicketBody(body, key)
}

func signTicketBody(body string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(body))
	return hex.EncodeToString(m.Sum(nil))
}
