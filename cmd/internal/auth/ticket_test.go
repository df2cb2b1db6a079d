package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestNewTicketVerifierKeyPolicy(t *testing.T) {
	t.Parallel()

	if _, err := NewTicketVerifier(nil); !errors.Is(err, ErrKeyMissing) {
		t.Fatalf("nil key: err=%v want=ErrKeyMissing", err)
	}
	if _, err := NewTicketVerifier([]byte("short")); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("short key: err=%v want=ErrKeyTooShort", err)
	}
	if _, err := NewTicketVerifier(testKey); err != nil {
		t.Fatalf("valid key: %v", err)
	}
}

func TestTicketVerifyRoundtrip(t *testing.T) {
	t.Parallel()

	v, err := NewTicketVerifier(testKey)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	expiry := time.Now().Add(time.Hour)
	ticket := SignTicket("alice", RoleAdmin, expiry, testKey)

	id, err := v.Verify(context.Background(), ticket)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "alice" || id.Role != RoleAdmin {
		t.Fatalf("identity=%+v", id)
	}
}

func TestTicketVerifyRejections(t *testing.T) {
	t.Parallel()

	v, err := NewTicketVerifier(testKey)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	good := SignTicket("alice", RoleMember, expiry, testKey)

	cases := []struct {
		name    string
		ticket  string
		wantErr error
	}{
		{"empty", "", ErrInvalidCredential},
		{"not a ticket", "garbage", ErrInvalidCredential},
		{"too few parts", "alice.member.12345", ErrInvalidCredential},
		{"bad role", strings.Replace(good, ".member.", ".owner.", 1), ErrInvalidCredential},
		{"bad expiry", strings.Replace(good, ".member.", ".member.x", 1), ErrInvalidCredential},
		{"tampered sig", good[:len(good)-2] + "zz", ErrInvalidCredential},
		{"wrong key", SignTicket("alice", RoleMember, expiry, []byte("ffffffffffffffffffffffffffffffff")), ErrInvalidCredential},
		{"expired", SignTicket("alice", RoleMember, time.Now().Add(-time.Minute), testKey), ErrExpiredCredential},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := v.Verify(ctx, tc.ticket); !errors.Is(err, tc.wantErr) {
				t.Fatalf("verify: err=%v want=%v", err, tc.wantErr)
			}
		})
	}
}

func TestTicketTamperedUserRejected(t *testing.T) {
	t.Parallel()

	v, err := NewTicketVerifier(testKey)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	ticket := SignTicket("alice", RoleMember, time.Now().Add(time.Hour), testKey)
	tampered := strings.Replace(ticket, "alice.", "mallory.", 1)

	if _, err := v.Verify(context.Background(), tampered); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("tampered user: err=%v want=ErrInvalidCredential", err)
	}
}
